package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds transient-failure retries: exponential backoff with
// jitter, capped, with a hard attempt ceiling. Exhaustion stalls the
// workflow rather than failing it.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration
	// Jitter is the +/- fraction applied to each delay, e.g. 0.2 for 20%.
	Jitter float64
}

// DefaultRetryPolicy matches the engine defaults: 5 attempts, 1s initial,
// doubling, capped at 30s, +/-20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Initial:     time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff returns the delay before the given attempt (1-based). Attempt 1
// waits Initial; each further attempt doubles up to Cap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		// Spread in [1-j, 1+j] so concurrent retries do not align.
		d *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return time.Duration(d)
}

// Exhausted reports whether another attempt is allowed after attempt
// failures.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
