package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dmdmdm-nz/onusyncd/internal/config"
	"github.com/dmdmdm-nz/onusyncd/pkg/version"
)

// RunFunc is called with the fully loaded configuration.
type RunFunc func(cmd *cobra.Command, cfg *config.Config) error

// NewRootCommand builds the onusyncd command line. Flags only override the
// configuration when they are given explicitly.
func NewRootCommand(run RunFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "onusyncd",
		Short: "Keeps the unconfigured ONU list in step with the GPON hardware event feed",
		Long: `onusyncd holds a live connection to the OLT hardware event feed, falls back
to polling the inventory backend while the feed is down, and serves the
pending ONU list and event stream on a local HTTP/WebSocket API.

Configuration is read from defaults, an optional YAML file, ONUSYNC_*
environment variables and finally these flags.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path, Overrides(cmd.Flags()))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cmd, cfg)
		},
	}

	AddFlags(root.Flags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})

	return root
}

func AddFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "config file path")
	fs.String("feed-url", "", "hardware event feed WebSocket URL")
	fs.String("feed-token", "", "bearer token for the event feed")
	fs.Duration("reconnect-interval", 5*time.Second, "delay between feed reconnect attempts")
	fs.Bool("discover", false, "find the event feed over mDNS when no URL is set")
	fs.String("inventory-url", "", "inventory backend base URL")
	fs.String("olt-id", "", "only track ONUs on this OLT")
	fs.Duration("poll-interval", 30*time.Second, "fallback poll interval while the feed is down")
	fs.Bool("require-viewers", true, "only poll while a WebSocket viewer is attached")
	fs.String("listen", "127.0.0.1:60480", "API listen address")
	fs.Bool("redis", false, "forward events to Redis")
	fs.String("redis-url", "", "Redis URL for the event sink")
	fs.Bool("kafka", false, "forward events to Kafka")
	fs.StringSlice("kafka-brokers", nil, "Kafka brokers for the event sink")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json)")
}

// Overrides returns a config override that applies every flag the user set.
func Overrides(fs *pflag.FlagSet) func(*config.Config) {
	return func(cfg *config.Config) {
		str := func(name string, dst *string) {
			if fs.Changed(name) {
				*dst, _ = fs.GetString(name)
			}
		}
		dur := func(name string, dst *time.Duration) {
			if fs.Changed(name) {
				*dst, _ = fs.GetDuration(name)
			}
		}
		boolean := func(name string, dst *bool) {
			if fs.Changed(name) {
				*dst, _ = fs.GetBool(name)
			}
		}

		str("feed-url", &cfg.Feed.URL)
		str("feed-token", &cfg.Feed.Token)
		dur("reconnect-interval", &cfg.Feed.ReconnectInterval)
		boolean("discover", &cfg.Feed.Discover)
		str("inventory-url", &cfg.Inventory.URL)
		str("olt-id", &cfg.Inventory.OltID)
		dur("poll-interval", &cfg.Poll.Interval)
		boolean("require-viewers", &cfg.Poll.RequireViewers)
		str("listen", &cfg.API.Listen)
		boolean("redis", &cfg.Sinks.Redis.Enabled)
		str("redis-url", &cfg.Sinks.Redis.URL)
		boolean("kafka", &cfg.Sinks.Kafka.Enabled)
		if fs.Changed("kafka-brokers") {
			cfg.Sinks.Kafka.Brokers, _ = fs.GetStringSlice("kafka-brokers")
		}
		str("log-level", &cfg.Log.Level)
		str("log-format", &cfg.Log.Format)
	}
}
