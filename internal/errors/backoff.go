package errors

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls retry scheduling for the dead-letter queue and any
// other caller that replays failed operations.
type BackoffConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0 disables jitter; 0.25 spreads ±25%
}

// DefaultBackoffConfig matches the operational defaults: retries at
// base, 2·base, 4·base, ... capped at MaxDelay, deterministic.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0,
	}
}

// DelayForAttempt returns the wait before attempt n (1-based): base·2^(n-1)
// capped at MaxDelay. With jitter enabled the result is spread uniformly by
// ±JitterFactor but never below zero.
func (c BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * c.JitterFactor * float64(delay)
		delay += time.Duration(jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
