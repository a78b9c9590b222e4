package consensus

import (
	"fmt"
	"math"
	"strings"

	"github.com/ssd-technologies/quorum/internal/analysis"
)

// DefaultThreshold is the share of valid responses required to accept.
const DefaultThreshold = 0.66

// Algorithm selects a Strategy.
type Algorithm int

const (
	Majority Algorithm = iota
	Weighted
	ConfidenceWeighted
)

func (a Algorithm) String() string {
	switch a {
	case Majority:
		return "majority"
	case Weighted:
		return "weighted-voting"
	case ConfidenceWeighted:
		return "confidence-weighted"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// ParseAlgorithm accepts "majority", "weighted-voting" (or "weighted") and
// "confidence-weighted".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "majority", "":
		return Majority, nil
	case "weighted-voting", "weighted":
		return Weighted, nil
	case "confidence-weighted":
		return ConfidenceWeighted, nil
	}
	return 0, fmt.Errorf("unknown consensus algorithm %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	parsed, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Reputations maps validator IDs to trust weights.
type Reputations map[string]float64

// weight returns the reputation of id, defaulting to 1 when absent.
func (r Reputations) weight(id string) float64 {
	if w, ok := r[id]; ok {
		return w
	}
	return 1
}

// Strategy reduces fulfilled outcomes to per-field decisions.
type Strategy interface {
	Algorithm() Algorithm
	Reduce(outcomes []Outcome, reputations Reputations) map[string]analysis.Value
}

// StrategyFor returns the Strategy implementing a.
func StrategyFor(a Algorithm) (Strategy, error) {
	switch a {
	case Majority:
		return MajorityStrategy{}, nil
	case Weighted:
		return WeightedStrategy{}, nil
	case ConfidenceWeighted:
		return ConfidenceWeightedStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown consensus algorithm %d", int(a))
}

// MajorityStrategy resolves every categorical field by plurality. Ties go to
// the label seen first in selection order.
type MajorityStrategy struct{}

func (MajorityStrategy) Algorithm() Algorithm { return Majority }

func (MajorityStrategy) Reduce(outcomes []Outcome, _ Reputations) map[string]analysis.Value {
	type votes struct {
		order  []string
		counts map[string]int
	}
	fields := make(map[string]*votes)

	for _, o := range outcomes {
		if !o.Succeeded {
			continue
		}
		for name, v := range o.Analysis {
			label, ok := v.Label()
			if !ok || label == "" {
				continue
			}
			fv, ok := fields[name]
			if !ok {
				fv = &votes{counts: make(map[string]int)}
				fields[name] = fv
			}
			if fv.counts[label] == 0 {
				fv.order = append(fv.order, label)
			}
			fv.counts[label]++
		}
	}

	decision := make(map[string]analysis.Value, len(fields))
	for name, fv := range fields {
		decision[name] = analysis.Category(analysis.Plurality(fv.order, fv.counts))
	}
	return decision
}

// WeightedStrategy averages numeric fields weighted by validator reputation:
// Σ(value·reputation)/Σ(reputation).
type WeightedStrategy struct{}

func (WeightedStrategy) Algorithm() Algorithm { return Weighted }

func (WeightedStrategy) Reduce(outcomes []Outcome, reputations Reputations) map[string]analysis.Value {
	return weightedAverage(outcomes, func(o Outcome) float64 {
		return reputations.weight(o.ValidatorID)
	})
}

// ConfidenceWeightedStrategy averages numeric fields weighted by each
// response's self-reported confidence.
type ConfidenceWeightedStrategy struct{}

func (ConfidenceWeightedStrategy) Algorithm() Algorithm { return ConfidenceWeighted }

func (ConfidenceWeightedStrategy) Reduce(outcomes []Outcome, _ Reputations) map[string]analysis.Value {
	return weightedAverage(outcomes, func(o Outcome) float64 { return o.Confidence })
}

// weightedAverage combines numeric fields as Σ(value·w)/Σ(w). Fields whose
// weights sum to zero are left out.
func weightedAverage(outcomes []Outcome, weightOf func(Outcome) float64) map[string]analysis.Value {
	type acc struct{ sum, weights float64 }
	fields := make(map[string]*acc)

	for _, o := range outcomes {
		if !o.Succeeded {
			continue
		}
		w := weightOf(o)
		if !finite(w) || w < 0 {
			continue
		}
		for name, v := range o.Analysis {
			n, ok := v.Float()
			if !ok || !finite(n) {
				continue
			}
			a, ok := fields[name]
			if !ok {
				a = &acc{}
				fields[name] = a
			}
			a.sum += n * w
			a.weights += w
		}
	}

	decision := make(map[string]analysis.Value, len(fields))
	for name, a := range fields {
		if a.weights == 0 {
			continue
		}
		decision[name] = analysis.Number(a.sum / a.weights)
	}
	return decision
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
