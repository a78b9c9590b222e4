package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/dispatch"
)

// ErrInvalidOptions is returned when submission options are out of range.
var ErrInvalidOptions = errors.New("invalid options")

// Options tune one submission.
type Options struct {
	// RetryAttempts is the total number of calls per validator; 0 means one.
	RetryAttempts int
	BackoffBase   time.Duration
	Deadline      time.Duration
	Threshold     float64
	Algorithm     consensus.Algorithm
	// MaxInFlight bounds concurrent validator calls; 0 is unbounded.
	MaxInFlight int
}

// DefaultOptions returns three attempts, a 1s backoff base, a 10s deadline
// and majority at 0.66.
func DefaultOptions() Options {
	return Options{
		RetryAttempts: dispatch.DefaultRetryAttempts,
		BackoffBase:   dispatch.DefaultBackoffBase,
		Deadline:      dispatch.DefaultDeadline,
		Threshold:     consensus.DefaultThreshold,
		Algorithm:     consensus.Majority,
	}
}

// Validate reports the first out-of-range field.
func (o Options) Validate() error {
	switch {
	case o.RetryAttempts < 0:
		return fmt.Errorf("%w: retry attempts %d < 0", ErrInvalidOptions, o.RetryAttempts)
	case o.BackoffBase <= 0:
		return fmt.Errorf("%w: backoff base %s must be positive", ErrInvalidOptions, o.BackoffBase)
	case o.Deadline <= 0:
		return fmt.Errorf("%w: deadline %s must be positive", ErrInvalidOptions, o.Deadline)
	case math.IsNaN(o.Threshold) || o.Threshold <= 0 || o.Threshold > 1:
		return fmt.Errorf("%w: threshold %v outside (0, 1]", ErrInvalidOptions, o.Threshold)
	case o.MaxInFlight < 0:
		return fmt.Errorf("%w: max in flight %d < 0", ErrInvalidOptions, o.MaxInFlight)
	}
	if _, err := consensus.StrategyFor(o.Algorithm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

func (o Options) dispatch() dispatch.Options {
	return dispatch.Options{
		Retry:       dispatch.RetryPolicy{Attempts: o.RetryAttempts, Base: o.BackoffBase},
		Deadline:    o.Deadline,
		MaxInFlight: o.MaxInFlight,
	}
}
