package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Inventory InventoryConfig `yaml:"inventory"`
	Poll      PollConfig      `yaml:"poll"`
	API       APIConfig       `yaml:"api"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Log       LogConfig       `yaml:"log"`
}

type FeedConfig struct {
	URL               string        `envconfig:"ONUSYNC_FEED_URL" yaml:"url"`
	Token             string        `envconfig:"ONUSYNC_FEED_TOKEN" yaml:"token"`
	ReconnectInterval time.Duration `envconfig:"ONUSYNC_FEED_RECONNECT_INTERVAL" yaml:"reconnect_interval"`
	HandshakeTimeout  time.Duration `envconfig:"ONUSYNC_FEED_HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`

	// Discover looks the feed up over mDNS when URL is empty.
	Discover        bool          `envconfig:"ONUSYNC_FEED_DISCOVER" yaml:"discover"`
	DiscoverService string        `envconfig:"ONUSYNC_FEED_DISCOVER_SERVICE" yaml:"discover_service"`
	DiscoverTimeout time.Duration `envconfig:"ONUSYNC_FEED_DISCOVER_TIMEOUT" yaml:"discover_timeout"`
}

type InventoryConfig struct {
	URL        string        `envconfig:"ONUSYNC_INVENTORY_URL" yaml:"url"`
	Token      string        `envconfig:"ONUSYNC_INVENTORY_TOKEN" yaml:"token"`
	Timeout    time.Duration `envconfig:"ONUSYNC_INVENTORY_TIMEOUT" yaml:"timeout"`
	OltID      string        `envconfig:"ONUSYNC_INVENTORY_OLT_ID" yaml:"olt_id"`
	MinVersion string        `envconfig:"ONUSYNC_INVENTORY_MIN_VERSION" yaml:"min_version"`
}

type PollConfig struct {
	Interval time.Duration `envconfig:"ONUSYNC_POLL_INTERVAL" yaml:"interval"`
	// RequireViewers pauses polling while no WebSocket viewer is attached.
	RequireViewers bool `envconfig:"ONUSYNC_POLL_REQUIRE_VIEWERS" yaml:"require_viewers"`
}

type APIConfig struct {
	Listen         string   `envconfig:"ONUSYNC_API_LISTEN" yaml:"listen"`
	RefreshRate    float64  `envconfig:"ONUSYNC_API_REFRESH_RATE" yaml:"refresh_rate"`
	RefreshBurst   int      `envconfig:"ONUSYNC_API_REFRESH_BURST" yaml:"refresh_burst"`
	OriginPatterns []string `envconfig:"ONUSYNC_API_ORIGIN_PATTERNS" yaml:"origin_patterns"`
}

type SinksConfig struct {
	Redis RedisSinkConfig `yaml:"redis"`
	Kafka KafkaSinkConfig `yaml:"kafka"`
}

type RedisSinkConfig struct {
	Enabled   bool   `envconfig:"ONUSYNC_REDIS_ENABLED" yaml:"enabled"`
	URL       string `envconfig:"ONUSYNC_REDIS_URL" yaml:"url"`
	Prefix    string `envconfig:"ONUSYNC_REDIS_PREFIX" yaml:"prefix"`
	StreamLen int64  `envconfig:"ONUSYNC_REDIS_STREAM_LEN" yaml:"stream_len"`
}

type KafkaSinkConfig struct {
	Enabled  bool     `envconfig:"ONUSYNC_KAFKA_ENABLED" yaml:"enabled"`
	Brokers  []string `envconfig:"ONUSYNC_KAFKA_BROKERS" yaml:"brokers"`
	Topic    string   `envconfig:"ONUSYNC_KAFKA_TOPIC" yaml:"topic"`
	ClientID string   `envconfig:"ONUSYNC_KAFKA_CLIENT_ID" yaml:"client_id"`
}

type LogConfig struct {
	Level  string `envconfig:"ONUSYNC_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"ONUSYNC_LOG_FORMAT" yaml:"format"`
}

// Load builds the configuration from defaults, the optional YAML file at path,
// ONUSYNC_* environment variables and finally overrides, in that order.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			ReconnectInterval: 5 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			DiscoverService:   "_gponfeed._tcp",
			DiscoverTimeout:   5 * time.Second,
		},
		Inventory: InventoryConfig{
			Timeout:    10 * time.Second,
			MinVersion: "1.0.0",
		},
		Poll: PollConfig{
			Interval:       30 * time.Second,
			RequireViewers: true,
		},
		API: APIConfig{
			Listen:       "127.0.0.1:60480",
			RefreshRate:  1,
			RefreshBurst: 3,
		},
		Sinks: SinksConfig{
			Redis: RedisSinkConfig{
				URL:       "redis://localhost:6379/0",
				Prefix:    "gpon",
				StreamLen: 10000,
			},
			Kafka: KafkaSinkConfig{
				Brokers:  []string{"localhost:9092"},
				Topic:    "gpon.hardware-events",
				ClientID: "onusyncd",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	switch {
	case c.Feed.URL == "" && !c.Feed.Discover:
		errs = append(errs, "feed.url is required unless feed.discover is set")
	case c.Feed.URL != "":
		if err := checkURL(c.Feed.URL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Sprintf("feed.url: %v", err))
		}
	}
	if c.Feed.ReconnectInterval <= 0 {
		errs = append(errs, "feed.reconnect_interval must be positive")
	}
	if c.Feed.HandshakeTimeout <= 0 {
		errs = append(errs, "feed.handshake_timeout must be positive")
	}
	if c.Feed.Discover && c.Feed.DiscoverTimeout <= 0 {
		errs = append(errs, "feed.discover_timeout must be positive")
	}

	if c.Inventory.URL == "" {
		errs = append(errs, "inventory.url is required")
	} else if err := checkURL(c.Inventory.URL, "http", "https"); err != nil {
		errs = append(errs, fmt.Sprintf("inventory.url: %v", err))
	}
	if c.Inventory.Timeout <= 0 {
		errs = append(errs, "inventory.timeout must be positive")
	}

	if c.Poll.Interval <= 0 {
		errs = append(errs, "poll.interval must be positive")
	}

	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("api.listen: %v", err))
	}
	if c.API.RefreshRate < 0 {
		errs = append(errs, "api.refresh_rate must not be negative")
	}
	if c.API.RefreshBurst < 1 {
		errs = append(errs, "api.refresh_burst must be at least 1")
	}

	if c.Sinks.Redis.Enabled && c.Sinks.Redis.URL == "" {
		errs = append(errs, "sinks.redis.url is required when the redis sink is enabled")
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		errs = append(errs, "sinks.kafka.brokers is required when the kafka sink is enabled")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}
