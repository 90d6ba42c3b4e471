package queue

import "time"

// RetryPolicy defines the exponential backoff parameters for job retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is used when Options.Policy is zero.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     time.Second,
	MaxDelay:      5 * time.Minute,
	BackoffFactor: 2.0,
}

// Delay returns the wait before retry number attempt (0-based):
// min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if delay > float64(p.MaxDelay) {
			break
		}
	}

	d := time.Duration(delay)
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}
