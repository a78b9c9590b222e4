package analysis

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Report is a producer's verdict on a task payload.
type Report struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
	Fields     Fields  `json:"analysis"`
}

// Producer evaluates a task payload. The engine never inspects a report
// beyond Valid, Confidence and the generic kinds of its fields.
type Producer interface {
	Analyze(ctx context.Context, payload []byte) (Report, error)
}

// RandomProducer stands in for the neural validation pipeline. About 90% of
// payloads are judged valid, confidence falls in [0.3, 1.0) and every report
// carries consistency, patternMatch and riskScore fields.
type RandomProducer struct {
	mu        sync.Mutex
	rng       *rand.Rand
	validRate float64
}

// NewRandomProducer returns a producer seeded for reproducible runs.
func NewRandomProducer(seed uint64) *RandomProducer {
	return &RandomProducer{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		validRate: 0.9,
	}
}

// SetValidRate overrides the share of payloads judged valid.
func (p *RandomProducer) SetValidRate(rate float64) {
	p.mu.Lock()
	p.validRate = rate
	p.mu.Unlock()
}

// Analyze implements Producer.
func (p *RandomProducer) Analyze(ctx context.Context, _ []byte) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := Report{
		Valid:      p.rng.Float64() < p.validRate,
		Confidence: p.rng.Float64()*0.7 + 0.3,
		Fields:     make(Fields, 3),
	}
	if p.rng.Float64() > 0.2 {
		r.Fields["consistency"] = Category("high")
	} else {
		r.Fields["consistency"] = Category("medium")
	}
	if p.rng.Float64() > 0.1 {
		r.Fields["patternMatch"] = Category("match")
	} else {
		r.Fields["patternMatch"] = Category("partial")
	}
	r.Fields["riskScore"] = Number(p.rng.Float64() * 0.5)
	return r, nil
}

// StaticProducer returns the same report (or error) for every payload.
type StaticProducer struct {
	Report Report
	Err    error
}

// Analyze implements Producer.
func (p StaticProducer) Analyze(ctx context.Context, _ []byte) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if p.Err != nil {
		return Report{}, p.Err
	}
	r := p.Report
	r.Fields = p.Report.Fields.Clone()
	return r, nil
}
