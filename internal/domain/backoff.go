package domain

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls retry scheduling for failed jobs.
type BackoffPolicy struct {
	// MaxRetries is the maximum number of retry attempts before DLQ.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter is the +/- fraction of randomness applied to the delay.
	Jitter float64
}

// DefaultBackoffPolicy returns the queue's default retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Second,
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Delay computes the backoff before retry number attempt (1-based):
// min(MaxDelay, BaseDelay * Multiplier^(attempt-1)), +/- Jitter fraction.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	if p.Jitter > 0 {
		span := base * p.Jitter
		base = base - span + rand.Float64()*2*span //nolint:gosec // Weak random is sufficient for jitter.
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
