// Package engine is the entry point: it owns the validator registry, issues
// credentials at registration and turns a submitted task into one consensus
// result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/credential"
	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/transport"
)

// DefaultReputation is assigned when a descriptor leaves reputation at zero.
const DefaultReputation = 1.0

const tracerName = "github.com/ssd-technologies/quorum/internal/engine"

// Descriptor describes a validator to register.
type Descriptor struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities"`
	// Reputation in [0, 1]; zero is replaced by DefaultReputation. Use
	// UpdateReputation to set an explicit zero.
	Reputation float64 `json:"reputation"`
	Endpoint   string  `json:"endpoint,omitempty"`
}

// AuditSink receives every resolved result.
type AuditSink interface {
	RecordResult(ctx context.Context, r *consensus.Result) error
}

// Config wires an Engine. Caller, Issuer and Verifier are required.
type Config struct {
	Caller   transport.Caller
	Issuer   credential.Issuer
	Verifier credential.Verifier
	Defaults Options
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Audit    AuditSink
	Now      func() time.Time
}

// Stats summarises the registry and the engine's activity.
type Stats struct {
	TotalValidators  int                 `json:"total_validators"`
	ByKind           map[string]int      `json:"by_kind"`
	Threshold        float64             `json:"threshold"`
	Deadline         time.Duration       `json:"deadline"`
	RetryAttempts    int                 `json:"retry_attempts"`
	Algorithm        consensus.Algorithm `json:"algorithm"`
	Dispatches       uint64              `json:"dispatches"`
	ConsensusReached uint64              `json:"consensus_reached"`
	NoQuorum         uint64              `json:"no_quorum"`
}

// Engine coordinates registry, dispatcher and consensus.
type Engine struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	issuer     credential.Issuer
	verifier   credential.Verifier
	defaults   Options
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	audit      AuditSink
	now        func() time.Time

	dispatches atomic.Uint64
	reached    atomic.Uint64
	noQuorum   atomic.Uint64
}

// New builds an Engine with an empty registry.
func New(cfg Config) (*Engine, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("engine: issuer is required")
	}
	if cfg.Defaults == (Options{}) {
		cfg.Defaults = DefaultOptions()
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("engine defaults: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d, err := dispatch.New(dispatch.Config{
		Caller:   cfg.Caller,
		Verifier: cfg.Verifier,
		Logger:   cfg.Logger.Named("dispatch"),
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return &Engine{
		registry:   registry.New(),
		dispatcher: d,
		issuer:     cfg.Issuer,
		verifier:   cfg.Verifier,
		defaults:   cfg.Defaults,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		audit:      cfg.Audit,
		now:        cfg.Now,
	}, nil
}

// Defaults returns the options used when callers do not override them.
func (e *Engine) Defaults() Options { return e.defaults }

// RegisterValidator issues a credential for d and adds (or replaces) the
// validator.
func (e *Engine) RegisterValidator(d Descriptor) (registry.Validator, error) {
	if d.Reputation == 0 {
		d.Reputation = DefaultReputation
	}
	token, err := e.issuer.Issue(credential.Descriptor{ID: d.ID, Kind: d.Kind, Capabilities: d.Capabilities})
	if err != nil {
		return registry.Validator{}, fmt.Errorf("issue credential for %q: %w", d.ID, err)
	}
	v, err := e.registry.Register(registry.Validator{
		ID:           d.ID,
		Kind:         d.Kind,
		Capabilities: registry.NewCapabilities(d.Capabilities...),
		Reputation:   d.Reputation,
		Credential:   token,
		Endpoint:     d.Endpoint,
	})
	if err != nil {
		return registry.Validator{}, fmt.Errorf("register validator: %w", err)
	}
	e.metrics.SetValidators(e.registry.Len())
	e.logger.Info("validator registered",
		zap.String("validator_id", v.ID),
		zap.String("kind", v.Kind),
		zap.Strings("capabilities", v.Capabilities.Slice()))
	return v, nil
}

// RemoveValidator deletes a validator; it reports whether one was removed.
func (e *Engine) RemoveValidator(id string) bool {
	removed := e.registry.Remove(id)
	if removed {
		e.metrics.SetValidators(e.registry.Len())
		e.logger.Info("validator removed", zap.String("validator_id", id))
	}
	return removed
}

// ListValidators returns validators matching capability, or all validators
// when capability is empty.
func (e *Engine) ListValidators(capability string) []registry.Validator {
	if capability == "" {
		return e.registry.List()
	}
	return e.registry.ListByCapability(capability)
}

// UpdateReputation sets a validator's trust weight.
func (e *Engine) UpdateReputation(id string, reputation float64) error {
	return e.registry.SetReputation(id, reputation)
}

// Statistics returns counts and the default options.
func (e *Engine) Statistics() Stats {
	rs := e.registry.Stats()
	return Stats{
		TotalValidators:  rs.Total,
		ByKind:           rs.ByKind,
		Threshold:        e.defaults.Threshold,
		Deadline:         e.defaults.Deadline,
		RetryAttempts:    e.defaults.RetryAttempts,
		Algorithm:        e.defaults.Algorithm,
		Dispatches:       e.dispatches.Load(),
		ConsensusReached: e.reached.Load(),
		NoQuorum:         e.noQuorum.Load(),
	}
}

// SubmitForConsensus dispatches task to every validator matching filter (all
// validators when filter is empty) and reduces their outcomes.
//
// With no matching validator it returns nil and ErrNoQuorum. When validators
// were selected but none fulfilled, it returns the result, which records
// every failure, together with an error wrapping ErrNoQuorum.
func (e *Engine) SubmitForConsensus(ctx context.Context, task consensus.Task, filter registry.Capabilities, opts Options) (*consensus.Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	strategy, err := consensus.StrategyFor(opts.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if task.ID == "" || task.Digest == "" {
		task = consensus.NewTask(task.ID, task.Payload)
	}

	ctx, span := e.tracer.Start(ctx, "engine.SubmitForConsensus", trace.WithAttributes(
		attribute.String("quorum.task_id", task.ID),
		attribute.String("quorum.algorithm", opts.Algorithm.String()),
		attribute.Float64("quorum.threshold", opts.Threshold),
	))
	defer span.End()

	e.dispatches.Add(1)
	start := e.now()
	targets := e.registry.Select(filter)
	if len(targets) == 0 {
		e.noQuorum.Add(1)
		e.metrics.ObserveDispatch(opts.Algorithm.String(), "no_quorum", 0, 0)
		err := fmt.Errorf("%w: no validators match %v", consensus.ErrNoQuorum, filter.Slice())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("quorum.selected", len(targets)))

	collected := e.dispatcher.Dispatch(ctx, task, targets, opts.dispatch())

	e.logger.Debug("dispatch phase", zap.String("task_id", task.ID), zap.Stringer("phase", consensus.PhaseAggregating))
	res := e.resolve(task, targets, collected, strategy, opts)
	elapsed := e.now().Sub(start)

	outcome := "rejected"
	switch {
	case res.TotalCount == 0:
		outcome = "no_quorum"
		e.noQuorum.Add(1)
	case res.ConsensusReached:
		outcome = "reached"
		e.reached.Add(1)
	}
	e.metrics.ObserveDispatch(opts.Algorithm.String(), outcome, len(res.Absent), elapsed)
	span.SetAttributes(
		attribute.Bool("quorum.consensus_reached", res.ConsensusReached),
		attribute.Int("quorum.valid", res.ValidCount),
		attribute.Int("quorum.total", res.TotalCount),
		attribute.Int("quorum.absent", len(res.Absent)),
	)

	e.logger.Info("consensus resolved",
		zap.String("result_id", res.ID),
		zap.String("task_id", task.ID),
		zap.Stringer("phase", consensus.PhaseResolved),
		zap.Stringer("algorithm", opts.Algorithm),
		zap.Bool("consensus_reached", res.ConsensusReached),
		zap.Int("valid", res.ValidCount),
		zap.Int("total", res.TotalCount),
		zap.Int("selected", res.SelectedCount),
		zap.Int("absent", len(res.Absent)),
		zap.Float64("confidence", res.AggregateConfidence),
		zap.Duration("elapsed", elapsed))

	if e.audit != nil {
		if err := e.audit.RecordResult(ctx, res); err != nil {
			e.logger.Error("record audit result", zap.String("result_id", res.ID), zap.Error(err))
		}
	}

	if res.TotalCount == 0 {
		err := fmt.Errorf("%w: none of %d validators fulfilled", consensus.ErrNoQuorum, res.SelectedCount)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, nil
}

// resolve reduces collected outcomes into a Result.
func (e *Engine) resolve(task consensus.Task, targets []registry.Validator, c dispatch.Collection, s consensus.Strategy, opts Options) *consensus.Result {
	reputations := make(consensus.Reputations, len(targets))
	for _, v := range targets {
		reputations[v.ID] = v.Reputation
	}

	res := &consensus.Result{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		TaskDigest:    task.Digest,
		Algorithm:     s.Algorithm(),
		Threshold:     opts.Threshold,
		SelectedCount: len(targets),
		Partial:       len(c.Absent) > 0,
		Successful:    []consensus.Outcome{},
		Failed:        []consensus.Outcome{},
		Absent:        c.Absent,
	}

	fields := make([]analysis.Fields, 0, len(c.Settled))
	for _, o := range c.Settled {
		if o.Succeeded {
			res.Successful = append(res.Successful, o)
			fields = append(fields, o.Analysis)
		} else {
			res.Failed = append(res.Failed, o)
		}
	}

	verdict := consensus.Tally(res.Successful, opts.Threshold)
	res.ValidCount = verdict.ValidCount
	res.TotalCount = verdict.TotalCount
	res.ConsensusReached = verdict.ConsensusReached
	res.AggregateConfidence = verdict.AggregateConfidence
	res.Decision = s.Reduce(res.Successful, reputations)
	res.AggregatedAnalysis = analysis.Summarize(fields)
	res.ProducedAt = e.now()
	return res
}
