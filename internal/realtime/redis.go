package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel shared by every instance.
const DefaultChannel = "safehold:realtime"

// Connect opens a Redis client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisBroker relays events over Redis pub/sub.
type RedisBroker struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisBroker creates a broker on channel.
func NewRedisBroker(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{rdb: rdb, channel: channel, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

// Subscribe blocks until ctx ends, passing every decoded event to deliver.
func (b *RedisBroker) Subscribe(ctx context.Context, deliver func(*Event)) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	// Wait for the subscription to be confirmed before reading.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("realtime broker subscribed", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", b.channel)
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("discarding malformed realtime message", "error", err)
				continue
			}
			deliver(&ev)
		}
	}
}

var _ Broker = (*RedisBroker)(nil)
