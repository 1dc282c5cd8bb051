package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dmdmdm-nz/onusyncd/internal/api"
	"github.com/dmdmdm-nz/onusyncd/internal/config"
	"github.com/dmdmdm-nz/onusyncd/internal/discovery"
	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
	"github.com/dmdmdm-nz/onusyncd/internal/pending"
	"github.com/dmdmdm-nz/onusyncd/internal/poller"
	"github.com/dmdmdm-nz/onusyncd/internal/runtime"
	"github.com/dmdmdm-nz/onusyncd/internal/sink"
	"github.com/dmdmdm-nz/onusyncd/pkg/cli"
	"github.com/dmdmdm-nz/onusyncd/pkg/version"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCommand(run).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	configureLogging(cfg.Log)
	log.Info(version.String())
	log.Infof("Config: FeedURL=%s", cfg.Feed.URL)
	log.Infof("Config: InventoryURL=%s", cfg.Inventory.URL)
	log.Infof("Config: OltID=%s", cfg.Inventory.OltID)
	log.Infof("Config: Listen=%s", cfg.API.Listen)
	log.Infof("Config: PollInterval=%s RequireViewers=%v", cfg.Poll.Interval, cfg.Poll.RequireViewers)

	feedURL := cfg.Feed.URL
	if feedURL == "" {
		u, err := discovery.Resolve(ctx, cfg.Feed.DiscoverService, cfg.Feed.DiscoverTimeout)
		if err != nil {
			return err
		}
		feedURL = u
	}

	inv, err := inventory.NewClient(cfg.Inventory.URL, cfg.Inventory.Token, cfg.Inventory.Timeout)
	if err != nil {
		return err
	}
	checkInventoryVersion(ctx, inv, cfg.Inventory)

	dialer := feed.NewWebSocketDialer(cfg.Feed.Token, cfg.Feed.HandshakeTimeout)
	syncer := feed.NewSynchronizer(feedURL, dialer, cfg.Feed.ReconnectInterval)

	// Subscribers are attached before the feed starts so nothing is missed.
	store := pending.NewStore()
	store.AttachFeed(syncer)

	presence := poller.NewPresence()
	var visibility poller.VisibilitySource = presence
	if !cfg.Poll.RequireViewers {
		visibility = poller.AlwaysVisible{}
	}
	poll := poller.New(inv, syncer, visibility, poller.Config{
		Interval:     cfg.Poll.Interval,
		FetchTimeout: cfg.Inventory.Timeout,
		Filter:       inventory.Filter{OltID: cfg.Inventory.OltID},
	}, poller.Handlers{
		OnSnapshot: store.Replace,
	})

	forwarders, err := buildForwarders(cfg.Sinks)
	if err != nil {
		return err
	}
	for _, fwd := range forwarders {
		fwd.Attach(syncer)
	}

	apiSvc := api.NewService(api.Options{
		Address:        cfg.API.Listen,
		RefreshRate:    cfg.API.RefreshRate,
		RefreshBurst:   cfg.API.RefreshBurst,
		OriginPatterns: cfg.API.OriginPatterns,
	}, syncer, store, poll, presence)

	// Start in dependency order: pending → feed → poller → sinks → api
	super := runtime.NewSupervisor()
	super.Add("pending", nil, store.Close)
	super.Add("feed", syncer.Start, syncer.Close)
	super.Add("poller", poll.Start, poll.Close)
	for _, fwd := range forwarders {
		super.Add("sink-"+fwd.Name(), fwd.Start, fwd.Close)
	}
	super.Add("api", apiSvc.Start, apiSvc.Close)

	if err := super.Start(ctx); err != nil {
		return err
	}
	if err := super.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Supervisor wait failed")
		return err
	}
	return nil
}

func configureLogging(cfg config.LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
		return
	}
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})
}

// checkInventoryVersion only warns; an old or unreachable backend may still
// answer the pending list.
func checkInventoryVersion(ctx context.Context, inv *inventory.Client, cfg config.InventoryConfig) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	v, err := inv.CheckVersion(ctx, cfg.MinVersion)
	if err != nil {
		log.WithField("url", cfg.URL).WithError(err).Warn("Inventory backend version check failed")
		return
	}
	log.WithFields(log.Fields{
		"url":     cfg.URL,
		"version": v.String(),
	}).Info("Inventory backend version supported")
}

func buildForwarders(cfg config.SinksConfig) ([]*sink.Forwarder, error) {
	var forwarders []*sink.Forwarder
	if cfg.Redis.Enabled {
		s, err := sink.NewRedisSink(cfg.Redis.URL, cfg.Redis.Prefix, cfg.Redis.StreamLen)
		if err != nil {
			return nil, err
		}
		forwarders = append(forwarders, sink.NewForwarder(s))
	}
	if cfg.Kafka.Enabled {
		s, err := sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID)
		if err != nil {
			for _, fwd := range forwarders {
				fwd.Close()
			}
			return nil, err
		}
		forwarders = append(forwarders, sink.NewForwarder(s))
	}
	return forwarders, nil
}
