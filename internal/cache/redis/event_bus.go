package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// EventBus implements domain.EventPublisher. Every event goes out on a
// Pub/Sub channel for live subscribers and into a capped stream so late
// readers can replay recent history.
type EventBus struct {
	c      *Client
	maxLen int64
}

var _ domain.EventPublisher = (*EventBus)(nil)

// NewEventBus creates an EventBus. Streams are trimmed to roughly maxLen
// entries.
func NewEventBus(c *Client, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &EventBus{c: c, maxLen: maxLen}
}

// Channel is the Pub/Sub channel for topic.
func (b *EventBus) Channel(topic string) string {
	return b.c.Key("events", topic)
}

// Stream is the stream key for topic.
func (b *EventBus) Stream(topic string) string {
	return b.c.Key("stream", topic)
}

// Publish sends payload on the topic channel and appends it to the topic
// stream in one round trip.
func (b *EventBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	_, err := b.c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, b.Channel(topic), payload)
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: b.Stream(topic),
			MaxLen: b.maxLen,
			Approx: true,
			Values: map[string]any{
				"key":     key,
				"payload": payload,
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}
	return nil
}
