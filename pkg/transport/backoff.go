package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes the publish retry schedule: exponential growth
// from Base, capped at Max, plus deterministic jitter so two nodes
// retrying the same message do not thundering-herd in lockstep.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultBackoff is the publish retry policy.
var DefaultBackoff = BackoffPolicy{
	Base:        50 * time.Millisecond,
	Max:         2 * time.Second,
	MaxJitter:   100 * time.Millisecond,
	MaxAttempts: 4,
}

// Delay computes the wait before the given retry attempt. Attempt 0 is
// the first retry. The jitter is a PRF of the seed and attempt, so the
// schedule is reproducible for a given message.
func (p BackoffPolicy) Delay(seed string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	d := time.Duration(int64(p.Base) * factor)
	if d > p.Max {
		d = p.Max
	}
	return d + p.jitter(seed, attempt)
}

func (p BackoffPolicy) jitter(seed string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
