package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(30))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(-1))
}

func TestRetryPolicy_JitterBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, JitterFraction: 0.1}

	for attempt := 0; attempt < 5; attempt++ {
		base := p.Backoff(attempt)
		for i := 0; i < 50; i++ {
			d := p.NextDelay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/10)
		}
	}
}

func TestRetryPolicy_JitterNeverExceedsMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 2 * time.Second, JitterFraction: 0.1}
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, p.NextDelay(5), 2*time.Second)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 0.1, p.JitterFraction)
}
