package dispatch

import (
	"context"
	"time"
)

const (
	DefaultRetryAttempts = 3
	DefaultBackoffBase   = time.Second
	DefaultDeadline      = 10 * time.Second
)

// RetryPolicy bounds the attempts made against one validator. Attempts is
// the total number of calls, so 1 disables retries; values below 1 are
// treated as 1. The wait before attempt n+1 is n × Base.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetryPolicy returns three attempts with a one second base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryAttempts, Base: DefaultBackoffBase}
}

// MaxAttempts returns the effective attempt count.
func (p RetryPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * p.Base
}

// sleep waits for d or until ctx ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
