package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
)

const (
	DefaultRedisPrefix    = "gpon"
	DefaultRedisStreamLen = 10000
)

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink publishes every event on <prefix>:<kind> and appends it to the
// capped stream <prefix>:events.
type RedisSink struct {
	client    redisClient
	prefix    string
	streamLen int64
}

func NewRedisSink(url, prefix string, streamLen int64) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedisSink(client, prefix, streamLen), nil
}

func newRedisSink(client redisClient, prefix string, streamLen int64) *RedisSink {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if streamLen <= 0 {
		streamLen = DefaultRedisStreamLen
	}
	return &RedisSink{client: client, prefix: prefix, streamLen: streamLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, ev feed.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	if err := s.client.Publish(ctx, s.prefix+":"+string(ev.Kind), body).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Kind, err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.prefix + ":events",
		MaxLen: s.streamLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":    ev.ID,
			"kind":  string(ev.Kind),
			"event": body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending %s to stream: %w", ev.Kind, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
