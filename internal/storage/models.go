package storage

import "time"

// ValidatorRecord is a persisted validator descriptor. Credentials are not
// stored; they are re-issued when the registry is rebuilt.
type ValidatorRecord struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Capabilities []string  `json:"capabilities"`
	Reputation   float64   `json:"reputation"`
	Endpoint     string    `json:"endpoint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResultSummary is a consensus result without its outcomes, for listing.
type ResultSummary struct {
	ID                  string    `json:"id"`
	TaskID              string    `json:"task_id"`
	Algorithm           string    `json:"algorithm"`
	ConsensusReached    bool      `json:"consensus_reached"`
	AggregateConfidence float64   `json:"aggregate_confidence"`
	ValidCount          int       `json:"valid_count"`
	TotalCount          int       `json:"total_count"`
	SelectedCount       int       `json:"selected_count"`
	Partial             bool      `json:"partial"`
	ProducedAt          time.Time `json:"produced_at"`
}
