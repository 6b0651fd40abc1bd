package platform

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds and spaces repeated attempts of one platform call.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// JitterFraction is the maximum random extra delay as a fraction of the base backoff.
	JitterFraction float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.1,
	}
}

// Backoff returns the delay before retry number attempt (0-based) without jitter.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

// NextDelay is Backoff plus up to JitterFraction random extra, clamped to MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	d := r.Backoff(attempt)
	if r.JitterFraction > 0 {
		d += time.Duration(rand.Float64() * r.JitterFraction * float64(d))
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}
