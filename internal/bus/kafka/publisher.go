// Package kafka exports engine events (executions, rejections, kill switch
// transitions) to a Kafka topic for downstream consumers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// eventHeader carries the logical event topic on every message.
const eventHeader = "event"

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Publisher implements domain.EventPublisher. All logical topics share one
// Kafka topic; the logical name travels in the "event" header and messages
// are hash-partitioned by key so one token's events stay ordered.
type Publisher struct {
	w     messageWriter
	topic string
	now   func() time.Time
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher writing to cfg.Topic on cfg.Brokers.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, cfg.Topic), nil
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{w: w, topic: topic, now: time.Now}
}

// Publish writes one message. The writer's topic is used, so the message
// itself carries none.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := p.w.WriteMessages(ctx, p.message(topic, key, payload)); err != nil {
		return fmt.Errorf("kafka: publish %s to %s: %w", topic, p.topic, err)
	}
	return nil
}

func (p *Publisher) message(topic, key string, payload []byte) kafka.Message {
	return kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: eventHeader, Value: []byte(topic)}},
		Time:    p.now(),
	}
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
