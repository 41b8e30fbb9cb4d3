package queue

import (
	"math"
	"time"
)

// RetryPolicy controls redelivery of nacked jobs.
type RetryPolicy struct {
	// MaxAttempts bounds deliveries per job, counting the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second delivery; it doubles per
	// subsequent attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the queue defaults: three attempts with an
// exponential backoff starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// Backoff returns the delay before redelivering a job that has already been
// delivered attempt times: base·2^(attempt−1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1))
	d := time.Duration(factor * float64(p.BaseDelay))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		return p.MaxDelay
	}
	return d
}
