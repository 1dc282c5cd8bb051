package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmdmdm-nz/zeroconf"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultService = "_gponfeed._tcp"
	DefaultTimeout = 5 * time.Second
)

var ErrNotFound = errors.New("no feed endpoint advertised")

// Resolve browses mDNS for service and returns the WebSocket URL of the first
// usable instance. TXT records may carry path=/ws and tls=1.
func Resolve(ctx context.Context, service string, timeout time.Duration) (string, error) {
	if service == "" {
		service = DefaultService
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log.WithField("service", service).Debug("Browsing for hardware event feed")

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		if err := zeroconf.Browse(ctx, service, "local.", entries, zeroconf.SelectIPTraffic(zeroconf.IPv4AndIPv6)); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case err := <-errCh:
			return "", fmt.Errorf("browsing %s: %w", service, err)
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", ErrNotFound, service)
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrNotFound, service)
			}
			ips := append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...)
			u, err := endpointURL(entry.Port, ips, entry.Text)
			if err != nil {
				log.WithField("instance", entry.Instance).WithError(err).Trace("Skipping feed advertisement")
				continue
			}
			log.WithFields(log.Fields{
				"instance": entry.Instance,
				"url":      u,
			}).Info("Discovered hardware event feed")
			return u, nil
		}
	}
}

func endpointURL(port int, ips []net.IP, text []string) (string, error) {
	if port <= 0 {
		return "", errors.New("advertisement has no port")
	}

	var ip net.IP
	for _, candidate := range ips {
		if candidate.To4() != nil {
			ip = candidate
			break
		}
		if ip == nil {
			ip = candidate
		}
	}
	if ip == nil {
		return "", errors.New("advertisement has no address")
	}

	scheme := "ws"
	path := "/"
	for _, kv := range text {
		key, value, _ := strings.Cut(kv, "=")
		switch strings.ToLower(key) {
		case "path":
			if value != "" {
				path = "/" + strings.TrimPrefix(value, "/")
			}
		case "tls":
			if value == "1" || strings.EqualFold(value, "true") {
				scheme = "wss"
			}
		}
	}

	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		Path:   path,
	}
	return u.String(), nil
}
