package download

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harmonia-media/harmonia/internal/errutil"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     8,
		InitialBackoff: 60 * time.Second,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
	}

	expected := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second,
		time.Hour, // 3840s capped
		time.Hour,
	}

	for retryCount, want := range expected {
		assert.Equal(t, want, policy.Backoff(retryCount), "retry_count=%d", retryCount)
	}
}

func TestBackoff_Deterministic(t *testing.T) {
	policy := DefaultRetryPolicy()

	for retryCount := 0; retryCount < 10; retryCount++ {
		assert.Equal(t, policy.Backoff(retryCount), policy.Backoff(retryCount))
	}
}

func TestBackoff_MonotonicNonDecreasing(t *testing.T) {
	policy := DefaultRetryPolicy()

	prev := time.Duration(-1)
	for retryCount := 0; retryCount < 20; retryCount++ {
		b := policy.Backoff(retryCount)
		assert.GreaterOrEqual(t, b, prev, "retry_count=%d", retryCount)
		prev = b
	}
}

func TestBackoff_ZeroInitial(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: 0, MaxBackoff: time.Hour, Multiplier: 2.0}

	for retryCount := 0; retryCount < 5; retryCount++ {
		assert.Zero(t, policy.Backoff(retryCount))
	}
}

func TestBackoff_ZeroMaxBackoffUncapped(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 8, InitialBackoff: time.Minute, MaxBackoff: 0, Multiplier: 2.0}

	assert.Equal(t, time.Minute, policy.Backoff(0))
	assert.Equal(t, 64*time.Minute, policy.Backoff(6), "No cap means growth continues past an hour")
}

func TestBackoff_MultiplierOne(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: 30 * time.Second, MaxBackoff: time.Hour, Multiplier: 1.0}

	for retryCount := 0; retryCount < 5; retryCount++ {
		assert.Equal(t, 30*time.Second, policy.Backoff(retryCount))
	}
}

func TestShouldRetry_NotFoundNever(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.False(t, policy.ShouldRetry(errutil.KindNotFound, 0))
	assert.True(t, policy.ShouldRetry(errutil.KindConnection, 0))
	assert.True(t, policy.ShouldRetry(errutil.KindTimeout, 7))
}

func TestShouldRetry_BudgetExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2.0}

	assert.True(t, policy.ShouldRetry(errutil.KindConnection, 2))
	assert.False(t, policy.ShouldRetry(errutil.KindConnection, 3))
	assert.False(t, policy.ShouldRetry(errutil.KindConnection, 4))
}

func TestNextRetryAt(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 2.0}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(time.Minute), policy.NextRetryAt(now, 0))
	assert.Equal(t, now.Add(2*time.Minute), policy.NextRetryAt(now, 1))
}
