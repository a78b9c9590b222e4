package consensus

import "gonum.org/v1/gonum/stat"

// Verdict is the accept/reject part of a Result.
type Verdict struct {
	ValidCount          int
	TotalCount          int
	ConsensusReached    bool
	AggregateConfidence float64
}

// Tally counts fulfilled outcomes and applies threshold. Consensus is reached
// only when at least one outcome is fulfilled and the valid share is at least
// threshold.
func Tally(outcomes []Outcome, threshold float64) Verdict {
	var v Verdict
	confidences := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		if !o.Succeeded {
			continue
		}
		v.TotalCount++
		if o.Valid {
			v.ValidCount++
		}
		confidences = append(confidences, o.Confidence)
	}
	if v.TotalCount == 0 {
		return v
	}
	v.ConsensusReached = float64(v.ValidCount)/float64(v.TotalCount) >= threshold
	v.AggregateConfidence = stat.Mean(confidences, nil)
	return v
}
