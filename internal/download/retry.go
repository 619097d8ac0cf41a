// Package download implements the acquisition pipeline around the queue:
// the retry policy, the manager orchestrating queue and fulfillment
// service, the event processor and the audit trail.
package download

import (
	"math"
	"time"

	"github.com/harmonia-media/harmonia/internal/errutil"
)

// RetryPolicy decides whether and when a failed download is retried.
// Backoff grows exponentially with the retry count and is capped at
// MaxBackoff. The policy is pure; callers pass the clock in.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the production defaults: eight attempts
// starting at one minute and doubling up to an hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     8,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
	}
}

// ShouldRetry reports whether a failure of the given kind, observed after
// retryCount prior retries, earns another attempt. Content that does not
// exist is never retried regardless of budget.
func (p RetryPolicy) ShouldRetry(kind errutil.Kind, retryCount int) bool {
	if !kind.Retryable() {
		return false
	}
	return retryCount < p.MaxRetries
}

// Backoff returns the wait before the attempt following retryCount prior
// retries. Deterministic: retry 0 waits exactly InitialBackoff. A zero
// MaxBackoff leaves the growth uncapped.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}

	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(retryCount))
	if p.MaxBackoff > 0 {
		if max := float64(p.MaxBackoff); backoff > max {
			backoff = max
		}
	}

	return time.Duration(backoff)
}

// NextRetryAt returns the absolute due time for the next attempt.
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Backoff(retryCount))
}
