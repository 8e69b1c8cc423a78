package haltgate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorKey       = "fates:halt"
	mirrorReasonKey = "fates:halt:reason"
)

// RedisMirror publishes halt transitions into Redis so sibling processes
// sharing the instance converge on the same signal.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

// Publish writes the halt flag and reason.
func (m *RedisMirror) Publish(ctx context.Context, halted bool, reason string) error {
	pipe := m.client.TxPipeline()
	if halted {
		pipe.Set(ctx, mirrorKey, "1", 0)
		pipe.Set(ctx, mirrorReasonKey, reason, 0)
	} else {
		pipe.Del(ctx, mirrorKey)
		pipe.Del(ctx, mirrorReasonKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("haltgate: redis publish: %w", err)
	}
	return nil
}

// Load reads the shared flag, for processes adopting the signal at boot.
func (m *RedisMirror) Load(ctx context.Context) (halted bool, reason string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	v, err := m.client.Get(ctx, mirrorKey).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("haltgate: redis load: %w", err)
	}
	if v != "1" {
		return false, "", nil
	}
	reason, err = m.client.Get(ctx, mirrorReasonKey).Result()
	if err == redis.Nil {
		return true, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("haltgate: redis load reason: %w", err)
	}
	return true, reason, nil
}
