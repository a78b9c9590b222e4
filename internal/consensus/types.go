// Package consensus defines the outcome and result types of a dispatch and
// the interchangeable strategies that reduce validator outcomes to a
// decision.
package consensus

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/quorum/internal/analysis"
)

// ErrNoQuorum is returned when no validator produced a fulfilled outcome.
var ErrNoQuorum = errors.New("no quorum")

// ErrorKind classifies why a validator call did not produce an opinion.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	AuthenticationFailure
	TransientUnavailable
	// Cancelled marks a call still in flight when the dispatch ended. Such
	// outcomes are reported as absent, never as failed.
	Cancelled
)

var errorKindNames = map[ErrorKind]string{
	KindNone:              "",
	AuthenticationFailure: "authentication_failure",
	TransientUnavailable:  "transient_unavailable",
	Cancelled:             "cancelled",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	for kind, name := range errorKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// Retriable reports whether another attempt could succeed.
func (k ErrorKind) Retriable() bool { return k == TransientUnavailable }

// OutcomeError is the terminal error of one validator's call.
type OutcomeError struct {
	ValidatorID string
	Kind        ErrorKind
	Err         error
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("validator %s: %s: %v", e.ValidatorID, e.Kind, e.Err)
}

func (e *OutcomeError) Unwrap() error { return e.Err }

// Task is the unit of work submitted for consensus.
type Task struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Digest  string          `json:"digest"`
}

// NewTask builds a Task, assigning a UUID when id is empty and computing the
// SHA3-256 digest of the payload.
func NewTask(id string, payload []byte) Task {
	if id == "" {
		id = uuid.NewString()
	}
	sum := sha3.Sum256(payload)
	return Task{
		ID:      id,
		Payload: append(json.RawMessage(nil), payload...),
		Digest:  hex.EncodeToString(sum[:]),
	}
}

// Outcome is what one validator's call settled to.
type Outcome struct {
	ValidatorID string          `json:"validator_id"`
	Succeeded   bool            `json:"succeeded"`
	Valid       bool            `json:"valid"`
	Confidence  float64         `json:"confidence"`
	Analysis    analysis.Fields `json:"analysis,omitempty"`
	Kind        ErrorKind       `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	Latency     time.Duration   `json:"latency"`
}

// Result is the reduced answer of one dispatch. It is handed to the caller
// and not retained by the engine.
type Result struct {
	ID                  string                    `json:"id"`
	TaskID              string                    `json:"task_id"`
	TaskDigest          string                    `json:"task_digest"`
	Algorithm           Algorithm                 `json:"algorithm"`
	Threshold           float64                   `json:"threshold"`
	ConsensusReached    bool                      `json:"consensus_reached"`
	AggregateConfidence float64                   `json:"aggregate_confidence"`
	ValidCount          int                       `json:"valid_count"`
	TotalCount          int                       `json:"total_count"`
	SelectedCount       int                       `json:"selected_count"`
	Partial             bool                      `json:"partial"`
	Successful          []Outcome                 `json:"successful"`
	Failed              []Outcome                 `json:"failed"`
	Absent              []string                  `json:"absent,omitempty"`
	Decision            map[string]analysis.Value `json:"decision,omitempty"`
	AggregatedAnalysis  analysis.Summary          `json:"aggregated_analysis"`
	ProducedAt          time.Time                 `json:"produced_at"`
}

// Phase is a step of the per-dispatch state machine.
type Phase int

const (
	PhaseDispatched Phase = iota
	PhaseAwaitingResponses
	PhaseDeadline
	PhaseAllSettled
	PhaseAggregating
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseDispatched:
		return "dispatched"
	case PhaseAwaitingResponses:
		return "awaiting_responses"
	case PhaseDeadline:
		return "deadline"
	case PhaseAllSettled:
		return "all_settled"
	case PhaseAggregating:
		return "aggregating"
	case PhaseResolved:
		return "resolved"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}
