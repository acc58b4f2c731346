package domain

import (
	"context"
	"time"
)

// EventPublisher fans engine events out to external subscribers. Topic is a
// logical name ("executions", "rejections", "kill_switch"); implementations
// map it onto their own channel or topic naming.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

// KillSignal is an external flag the decision loop polls; when it reports
// true the loop activates the kill switch.
type KillSignal interface {
	Triggered(ctx context.Context) (bool, error)
}

// RateLimiter throttles outbound calls under a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
