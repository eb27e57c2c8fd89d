package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/ports"
	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the channel alert transitions are published on.
const DefaultChannel = "meterd:alerts"

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisSink publishes alert transitions on a Redis channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	now     func() time.Time
}

// NewRedisSink connects a sink from configuration.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Password),
		DB:       cfg.DB,
	})
	return NewRedisSinkWithClient(client, cfg.Channel), nil
}

// NewRedisSinkWithClient wraps an existing client. An empty channel uses
// DefaultChannel.
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel, now: time.Now}
}

// Notify publishes one message per alert, in a single pipeline.
func (s *RedisSink) Notify(ctx context.Context, alerts []alert.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, a := range alerts {
		msg, err := json.Marshal(Payload{Event: EventAlertTransition, SentAt: s.now().UTC(), Alerts: []alert.Alert{a}})
		if err != nil {
			return fmt.Errorf("marshal alert %s: %w", a.ID, err)
		}
		pipe.Publish(ctx, s.channel, msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish alerts: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

var _ ports.NotificationSink = (*RedisSink)(nil)
