// Package dispatch fans a task out to validators, retries transient failures
// per validator and joins on all-settled or the deadline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/credential"
	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/transport"
)

// Options controls one dispatch.
type Options struct {
	Retry       RetryPolicy
	Deadline    time.Duration
	MaxInFlight int
}

// Config wires a Dispatcher.
type Config struct {
	Caller   transport.Caller
	Verifier credential.Verifier
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Dispatcher runs the per-validator retry loops.
type Dispatcher struct {
	caller   transport.Caller
	verifier credential.Verifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New returns a Dispatcher. Caller and Verifier are required.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Caller == nil {
		return nil, errors.New("dispatch: caller is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("dispatch: verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		caller:   cfg.Caller,
		verifier: cfg.Verifier,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// attempt runs the retry loop against v. It reports false when ctx ended
// before the validator settled; such a validator is absent.
func (d *Dispatcher) attempt(ctx context.Context, task consensus.Task, v registry.Validator, policy RetryPolicy) (consensus.Outcome, bool) {
	start := time.Now()
	out := consensus.Outcome{ValidatorID: v.ID}
	req := transport.Request{TaskID: task.ID, Payload: task.Payload, Digest: task.Digest}
	log := d.logger.With(zap.String("task_id", task.ID), zap.String("validator_id", v.ID))

	settle := func(kind consensus.ErrorKind, err error) (consensus.Outcome, bool) {
		out.Latency = time.Since(start)
		out.Kind = kind
		if err != nil {
			out.Error = (&consensus.OutcomeError{ValidatorID: v.ID, Kind: kind, Err: err}).Error()
		}
		label := "success"
		if kind != consensus.KindNone {
			label = kind.String()
		}
		d.metrics.ObserveCall(label, out.Latency)
		return out, true
	}

	limit := policy.MaxAttempts()
	var lastErr error
	for n := 1; n <= limit; n++ {
		if ctx.Err() != nil {
			return out, false
		}
		out.Attempts = n

		if err := d.authorize(v); err != nil {
			log.Warn("credential check failed", zap.Int("attempt", n), zap.Error(err))
			return settle(consensus.AuthenticationFailure, err)
		}

		report, err := d.caller.Call(ctx, v, req)
		if err == nil {
			out.Succeeded = true
			out.Valid = report.Valid
			out.Confidence = clampConfidence(report.Confidence)
			out.Analysis = report.Fields
			return settle(consensus.KindNone, nil)
		}
		if ctx.Err() != nil {
			log.Debug("call interrupted", zap.Stringer("kind", consensus.Cancelled), zap.Int("attempt", n), zap.Error(err))
			return out, false
		}
		if errors.Is(err, transport.ErrCredentialRejected) {
			log.Warn("validator rejected credential", zap.Int("attempt", n))
			return settle(consensus.AuthenticationFailure, err)
		}

		lastErr = err
		if n == limit {
			break
		}
		wait := policy.Backoff(n)
		log.Warn("validator call failed, retrying",
			zap.Int("attempt", n),
			zap.Int("max_attempts", limit),
			zap.Duration("backoff", wait),
			zap.Error(err))
		d.metrics.Retry()
		if err := sleep(ctx, wait); err != nil {
			return out, false
		}
	}
	log.Warn("validator unavailable", zap.Int("attempts", out.Attempts), zap.Error(lastErr))
	return settle(consensus.TransientUnavailable, lastErr)
}

// authorize checks v's credential and that it was issued to v.
func (d *Dispatcher) authorize(v registry.Validator) error {
	if v.Credential == "" {
		return credential.ErrMissingCredential
	}
	claims, err := d.verifier.Verify(v.Credential)
	if err != nil {
		return err
	}
	if claims.ValidatorID != v.ID {
		return fmt.Errorf("%w: issued to %q", credential.ErrInvalidCredential, claims.ValidatorID)
	}
	return nil
}

// bounded returns an errgroup limited to n concurrent calls, or unbounded
// when n is zero.
func bounded(n int) *errgroup.Group {
	g := new(errgroup.Group)
	if n > 0 {
		g.SetLimit(n)
	}
	return g
}

// clampConfidence bounds a reported confidence to [0,1]. NaN counts as 0.
func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}
