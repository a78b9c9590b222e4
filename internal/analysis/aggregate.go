package analysis

import (
	"encoding/json"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// NumericSummary describes a numeric field across validators.
type NumericSummary struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Count   int     `json:"count"`
}

// CategoricalSummary describes a categorical field across validators.
// Distribution maps each label to its share in percent.
type CategoricalSummary struct {
	Distribution map[string]float64 `json:"distribution"`
	Majority     string             `json:"majority"`
	Total        int                `json:"total"`
}

// FieldSummary holds exactly one of Numeric or Categorical.
type FieldSummary struct {
	Numeric     *NumericSummary
	Categorical *CategoricalSummary
}

// MarshalJSON flattens the populated variant.
func (s FieldSummary) MarshalJSON() ([]byte, error) {
	if s.Numeric != nil {
		return json.Marshal(s.Numeric)
	}
	if s.Categorical != nil {
		return json.Marshal(s.Categorical)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes whichever variant the object describes.
func (s *FieldSummary) UnmarshalJSON(data []byte) error {
	var probe struct {
		Distribution map[string]float64 `json:"distribution"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Distribution != nil {
		var c CategoricalSummary
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*s = FieldSummary{Categorical: &c}
		return nil
	}
	var n NumericSummary
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FieldSummary{Numeric: &n}
	return nil
}

// Summary maps field names to their summaries.
type Summary map[string]FieldSummary

// fieldAcc accumulates the values seen for one field.
type fieldAcc struct {
	kind   Kind
	nums   []float64
	counts map[string]int
	order  []string // labels in first-seen order
}

// Summarize merges the analysis maps of every fulfilled validator. A field
// takes the kind of its first usable value; values of the other kind are not
// counted. Fields missing from an outcome contribute nothing for it.
func Summarize(all []Fields) Summary {
	if len(all) == 0 {
		return Summary{}
	}

	accs := make(map[string]*fieldAcc)
	for _, fields := range all {
		for name, v := range fields {
			if !v.usable() {
				continue
			}
			acc, ok := accs[name]
			if !ok {
				acc = &fieldAcc{kind: v.kind, counts: make(map[string]int)}
				accs[name] = acc
			}
			if v.kind != acc.kind {
				continue
			}
			if v.kind == KindNumeric {
				acc.nums = append(acc.nums, v.num)
				continue
			}
			if acc.counts[v.cat] == 0 {
				acc.order = append(acc.order, v.cat)
			}
			acc.counts[v.cat]++
		}
	}

	out := make(Summary, len(accs))
	for name, acc := range accs {
		if acc.kind == KindNumeric {
			out[name] = FieldSummary{Numeric: &NumericSummary{
				Average: stat.Mean(acc.nums, nil),
				Min:     floats.Min(acc.nums),
				Max:     floats.Max(acc.nums),
				Count:   len(acc.nums),
			}}
			continue
		}
		out[name] = FieldSummary{Categorical: summarizeLabels(acc)}
	}
	return out
}

func summarizeLabels(acc *fieldAcc) *CategoricalSummary {
	total := 0
	for _, n := range acc.counts {
		total += n
	}
	dist := make(map[string]float64, len(acc.counts))
	for label, n := range acc.counts {
		dist[label] = float64(n) / float64(total) * 100
	}
	return &CategoricalSummary{
		Distribution: dist,
		Majority:     Plurality(acc.order, acc.counts),
		Total:        total,
	}
}

// Plurality returns the label with the highest count. Ties go to the label
// that appears first in order.
func Plurality(order []string, counts map[string]int) string {
	best, bestN := "", 0
	for _, label := range order {
		if counts[label] > bestN {
			best, bestN = label, counts[label]
		}
	}
	return best
}
