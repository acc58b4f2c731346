package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// KillFlag is an external kill switch stored in a single Redis key. Any
// operator or sibling process can trip it with SET <key> 1.
type KillFlag struct {
	c   *Client
	key string
}

var _ domain.KillSignal = (*KillFlag)(nil)

// NewKillFlag watches key (already prefixed, e.g. "polyhft:kill").
func NewKillFlag(c *Client, key string) *KillFlag {
	return &KillFlag{c: c, key: key}
}

// Triggered implements domain.KillSignal. A missing key is not triggered.
func (k *KillFlag) Triggered(ctx context.Context) (bool, error) {
	val, err := k.c.rdb.Get(ctx, k.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: get kill flag: %w", err)
	}
	return truthy(val), nil
}

// Set trips or clears the flag.
func (k *KillFlag) Set(ctx context.Context, on bool) error {
	var err error
	if on {
		err = k.c.rdb.Set(ctx, k.key, "1", 0).Err()
	} else {
		err = k.c.rdb.Del(ctx, k.key).Err()
	}
	if err != nil {
		return fmt.Errorf("redis: set kill flag: %w", err)
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes", "kill":
		return true
	}
	return false
}
