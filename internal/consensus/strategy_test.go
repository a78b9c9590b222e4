package consensus

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/ssd-technologies/quorum/internal/analysis"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-4 }

func fulfilled(id string, valid bool, confidence float64, fields analysis.Fields) Outcome {
	return Outcome{
		ValidatorID: id,
		Succeeded:   true,
		Valid:       valid,
		Confidence:  confidence,
		Analysis:    fields,
		Attempts:    1,
	}
}

func TestTally_TwoOfThreeAtDefaultThreshold(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 0.9, nil),
		fulfilled("b", true, 0.8, nil),
		fulfilled("c", false, 0.7, nil),
	}
	v := Tally(outcomes, 0.66)
	if v.ValidCount != 2 || v.TotalCount != 3 {
		t.Fatalf("counts = %d/%d, want 2/3", v.ValidCount, v.TotalCount)
	}
	if !v.ConsensusReached {
		t.Fatal("expected consensus at 0.66")
	}
	if !approx(v.AggregateConfidence, 0.8) {
		t.Fatalf("confidence = %f, want 0.8", v.AggregateConfidence)
	}
}

func TestTally_TwoOfThreeBelowStricterThreshold(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 0.9, nil),
		fulfilled("b", true, 0.8, nil),
		fulfilled("c", false, 0.7, nil),
	}
	if v := Tally(outcomes, 0.67); v.ConsensusReached {
		t.Fatal("2/3 must not reach 0.67")
	}
}

func TestTally_IgnoresFailedOutcomes(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 1, nil),
		{ValidatorID: "b", Kind: TransientUnavailable, Attempts: 3},
	}
	v := Tally(outcomes, 0.66)
	if v.TotalCount != 1 || v.ValidCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", v.ValidCount, v.TotalCount)
	}
	if v.ValidCount > v.TotalCount {
		t.Fatal("valid count exceeds total")
	}
}

func TestTally_NoFulfilledNeverReaches(t *testing.T) {
	v := Tally([]Outcome{{ValidatorID: "a", Kind: AuthenticationFailure}}, 0)
	if v.ConsensusReached {
		t.Fatal("consensus with zero fulfilled outcomes")
	}
	if v.TotalCount != 0 || v.AggregateConfidence != 0 {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestWeightedStrategy_ReputationAverage(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 0.9, analysis.Fields{"riskScore": analysis.Number(0.2)}),
		fulfilled("b", true, 0.9, analysis.Fields{"riskScore": analysis.Number(0.4)}),
	}
	decision := WeightedStrategy{}.Reduce(outcomes, Reputations{"a": 1.0, "b": 0.5})
	got, ok := decision["riskScore"].Float()
	if !ok {
		t.Fatal("riskScore missing from decision")
	}
	if !approx(got, 0.2667) {
		t.Fatalf("riskScore = %f, want 0.2667", got)
	}
}

func TestWeightedStrategy_MissingReputationWeighsOne(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 1, analysis.Fields{"x": analysis.Number(1)}),
		fulfilled("b", true, 1, analysis.Fields{"x": analysis.Number(3)}),
	}
	decision := WeightedStrategy{}.Reduce(outcomes, nil)
	if got, _ := decision["x"].Float(); !approx(got, 2) {
		t.Fatalf("x = %f, want 2", got)
	}
}

func TestWeightedStrategy_ZeroWeightFieldOmitted(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 1, analysis.Fields{"x": analysis.Number(1)}),
	}
	decision := WeightedStrategy{}.Reduce(outcomes, Reputations{"a": 0})
	if _, ok := decision["x"]; ok {
		t.Fatal("zero-weight field should be omitted")
	}
}

func TestWeightedStrategy_SkipsNonFiniteValues(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 1, analysis.Fields{"x": analysis.Number(1), "bad": analysis.Number(math.NaN())}),
		fulfilled("b", true, 1, analysis.Fields{"x": analysis.Number(math.Inf(1))}),
		fulfilled("c", true, 1, analysis.Fields{"x": analysis.Number(3)}),
	}
	decision := WeightedStrategy{}.Reduce(outcomes, nil)
	if got, _ := decision["x"].Float(); !approx(got, 2) {
		t.Fatalf("x = %f, want 2", got)
	}
	if _, ok := decision["bad"]; ok {
		t.Fatal("field with only NaN values should be omitted")
	}
	if _, err := json.Marshal(decision); err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
}

func TestConfidenceWeightedStrategy(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 0.8, analysis.Fields{"riskScore": analysis.Number(0.2)}),
		fulfilled("b", true, 0.2, analysis.Fields{"riskScore": analysis.Number(0.6)}),
	}
	decision := ConfidenceWeightedStrategy{}.Reduce(outcomes, nil)
	if got, _ := decision["riskScore"].Float(); !approx(got, 0.28) {
		t.Fatalf("riskScore = %f, want 0.28", got)
	}
}

func TestMajorityStrategy_TieGoesToFirstSeen(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 1, analysis.Fields{"consistency": analysis.Category("medium")}),
		fulfilled("b", true, 1, analysis.Fields{"consistency": analysis.Category("high")}),
		fulfilled("c", true, 1, analysis.Fields{"consistency": analysis.Category("high")}),
		fulfilled("d", true, 1, analysis.Fields{"consistency": analysis.Category("medium")}),
	}
	decision := MajorityStrategy{}.Reduce(outcomes, nil)
	if got, _ := decision["consistency"].Label(); got != "medium" {
		t.Fatalf("consistency = %q, want medium", got)
	}
}

func TestMajorityStrategy_SkipsNumericAndFailed(t *testing.T) {
	outcomes := []Outcome{
		fulfilled("a", true, 1, analysis.Fields{"riskScore": analysis.Number(0.1)}),
		{ValidatorID: "b", Analysis: analysis.Fields{"consistency": analysis.Category("low")}},
	}
	decision := MajorityStrategy{}.Reduce(outcomes, nil)
	if len(decision) != 0 {
		t.Fatalf("decision = %v, want empty", decision)
	}
}

func TestStrategyFor(t *testing.T) {
	for _, a := range []Algorithm{Majority, Weighted, ConfidenceWeighted} {
		s, err := StrategyFor(a)
		if err != nil {
			t.Fatalf("StrategyFor(%s): %v", a, err)
		}
		if s.Algorithm() != a {
			t.Fatalf("StrategyFor(%s) returned %s", a, s.Algorithm())
		}
	}
	if _, err := StrategyFor(Algorithm(42)); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]Algorithm{
		"majority":            Majority,
		"weighted-voting":     Weighted,
		"weighted":            Weighted,
		"Confidence-Weighted": ConfidenceWeighted,
	}
	for in, want := range cases {
		got, err := ParseAlgorithm(in)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseAlgorithm(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseAlgorithm("unanimous"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestErrorKind_JSON(t *testing.T) {
	o := Outcome{ValidatorID: "a", Kind: AuthenticationFailure, Error: "expired"}
	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Outcome
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != AuthenticationFailure {
		t.Fatalf("kind = %s, want authentication_failure", back.Kind)
	}
	if AuthenticationFailure.Retriable() || !TransientUnavailable.Retriable() {
		t.Fatal("retriable classification wrong")
	}
}

func TestNewTask(t *testing.T) {
	a := NewTask("", []byte(`{"vote":"yes"}`))
	b := NewTask("", []byte(`{"vote":"yes"}`))
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q; want distinct generated ids", a.ID, b.ID)
	}
	if a.Digest != b.Digest || len(a.Digest) != 64 {
		t.Fatalf("digest = %q, want stable 64-char hex", a.Digest)
	}
	if c := NewTask("fixed", nil); c.ID != "fixed" {
		t.Fatalf("id = %q, want fixed", c.ID)
	}
}
