package worker

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Wait sleeps for NextDelay(attempt) or until ctx is done.
func (r RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(r.NextDelay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempts is the total number of tries, at least one.
func (r RetryPolicy) Attempts() int {
	if r.MaxRetries < 1 {
		return 1
	}
	return r.MaxRetries
}
