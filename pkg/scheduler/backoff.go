package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy controls requeue delays after handler failure.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultBackoffPolicy retries at 5s doubling up to 10m, with up to
// 2s of jitter.
var DefaultBackoffPolicy = BackoffPolicy{
	BaseMs:      5000,
	MaxMs:       600000,
	MaxJitterMs: 2000,
}

// ComputeBackoff returns the delay before the given attempt retries.
// Jitter is a PRF of (jobID, attempt) so replays of the same history
// compute the same schedule.
func ComputeBackoff(jobID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(jobID, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func deterministicJitter(jobID string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}
