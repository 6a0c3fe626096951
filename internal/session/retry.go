package session

import (
	"time"

	"github.com/reelay/reelay/internal/config"
)

// RetryPolicy bounds how often the controller re-attempts playback after a
// transient job failure (cancellation, empty playlist, wait timeout).
// Delays grow exponentially from BackoffBase and are capped at BackoffCap.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}
}

// Allow reports whether another attempt may be made after attempt failures.
func (p RetryPolicy) Allow(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the wait before the given attempt (1-based). With the
// defaults this yields 1s, 2s, 4s.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
