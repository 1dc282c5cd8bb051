package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver"
	log "github.com/sirupsen/logrus"
)

var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

const maxResponseSize = 8 << 20

// Client talks to the inventory backend that holds the authoritative list of
// unconfigured ONUs.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing inventory URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("inventory URL must be http or https, got %q", baseURL)
	}
	return &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// ListPending returns the current unconfigured ONUs, optionally restricted to
// one OLT. The backend may answer with a bare array or with {"data": [...]}.
func (c *Client) ListPending(ctx context.Context, f Filter) ([]PendingONU, error) {
	query := url.Values{}
	if f.OltID != "" {
		query.Set("olt_id", f.OltID)
	}

	body, err := c.get(ctx, "/api/onus/unconfigured", query)
	if err != nil {
		return nil, err
	}

	onus, err := decodeList(body)
	if err != nil {
		return nil, fmt.Errorf("decoding pending ONUs: %w", err)
	}

	log.WithFields(log.Fields{
		"olt_id": f.OltID,
		"count":  len(onus),
	}).Debug("Fetched pending ONUs")
	return onus, nil
}

// CheckVersion fetches the backend version and reports an error when it is
// older than minimum.
func (c *Client) CheckVersion(ctx context.Context, minimum string) (*semver.Version, error) {
	body, err := c.get(ctx, "/api/version", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding version: %w", err)
	}

	v, err := semver.NewVersion(resp.Version)
	if err != nil {
		return nil, fmt.Errorf("parsing backend version %q: %w", resp.Version, err)
	}
	minV, err := semver.NewVersion(minimum)
	if err != nil {
		return nil, fmt.Errorf("parsing minimum version %q: %w", minimum, err)
	}
	if v.LessThan(minV) {
		return v, fmt.Errorf("inventory backend version %s is older than %s", v, minV)
	}
	return v, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %w: %d", u.Path, ErrUnexpectedStatus, resp.StatusCode)
	}
	return body, nil
}

func decodeList(body []byte) ([]PendingONU, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data []PendingONU `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Data == nil {
			return []PendingONU{}, nil
		}
		return wrapped.Data, nil
	}

	var onus []PendingONU
	if err := json.Unmarshal(trimmed, &onus); err != nil {
		return nil, err
	}
	if onus == nil {
		onus = []PendingONU{}
	}
	return onus, nil
}
