package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the delay before retry attempt n (1-indexed, attempt 1
// is the first retry after the initial failure). Delay is pure: it never
// sleeps, the Dispatcher owns the suspension.
type RetryPolicy struct {
	// BaseDelay seeds the exponential curve: base * 2^(attempt-1).
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
	// MaxRetries bounds how many retries follow the initial attempt.
	MaxRetries int
	// Jitter draws the delay uniformly from [0, computed] so many
	// reservations retrying at once do not stampede the orchestrator.
	Jitter bool
}

// DefaultRetryPolicy matches the orchestrator's observed recovery profile.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		MaxRetries: 3,
		Jitter:     true,
	}
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(d)
}
