package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/registry"
)

// SimConfig tunes simulated validators.
type SimConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Seed        uint64
}

// DefaultSimConfig mirrors a loaded validator pool: 50-250ms per call and one
// transient failure in twenty.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		MinLatency:  50 * time.Millisecond,
		MaxLatency:  250 * time.Millisecond,
		FailureRate: 0.05,
	}
}

// SimCaller answers calls in-process with a Producer after a random delay.
type SimCaller struct {
	cfg SimConfig

	mu sync.Mutex

	// streams holds one generator per validator, seeded from Seed and the
	// validator ID, so draws do not depend on call interleaving.
	streams   map[string]*rand.Rand
	fallback  analysis.Producer
	producers map[string]analysis.Producer
}

// NewSimCaller returns a SimCaller that evaluates tasks with producer unless a
// validator has its own producer set.
func NewSimCaller(producer analysis.Producer, cfg SimConfig) *SimCaller {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &SimCaller{
		cfg:       cfg,
		streams:   make(map[string]*rand.Rand),
		fallback:  producer,
		producers: make(map[string]analysis.Producer),
	}
}

// SetProducer assigns a producer to one validator.
func (s *SimCaller) SetProducer(validatorID string, p analysis.Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers[validatorID] = p
}

// Call implements Caller.
func (s *SimCaller) Call(ctx context.Context, v registry.Validator, req Request) (analysis.Report, error) {
	delay, fail, producer := s.roll(v.ID)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return analysis.Report{}, ctx.Err()
	case <-timer.C:
	}

	if fail {
		return analysis.Report{}, fmt.Errorf("%w: simulated failure on %s", ErrUnavailable, v.ID)
	}
	if producer == nil {
		return analysis.Report{}, fmt.Errorf("%w: no producer for %s", ErrUnavailable, v.ID)
	}
	return producer.Analyze(ctx, req.Payload)
}

func (s *SimCaller) roll(id string) (time.Duration, bool, analysis.Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rng, ok := s.streams[id]
	if !ok {
		rng = rand.New(rand.NewPCG(s.cfg.Seed, xxhash.Sum64String(id)))
		s.streams[id] = rng
	}
	delay := s.cfg.MinLatency
	if span := s.cfg.MaxLatency - s.cfg.MinLatency; span > 0 {
		delay += time.Duration(rng.Int64N(int64(span)))
	}
	fail := rng.Float64() < s.cfg.FailureRate
	p, ok := s.producers[id]
	if !ok {
		p = s.fallback
	}
	return delay, fail, p
}
