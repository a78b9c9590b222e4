// Package transport carries tasks to validators and brings their reports
// back. WSCaller talks to remote validator nodes over websockets, SimCaller
// runs in-process simulated validators, and NewValidatorHandler is the node
// side of the websocket protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/registry"
)

var (
	// ErrCredentialRejected means the validator refused the presented
	// credential. Retrying with the same credential cannot succeed.
	ErrCredentialRejected = errors.New("credential rejected by validator")
	// ErrUnavailable means the validator could not be reached or failed to
	// answer. Another attempt may succeed.
	ErrUnavailable = errors.New("validator unavailable")
)

// Request is what a validator receives for one task.
type Request struct {
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload"`
	Digest  string          `json:"digest"`
}

// Caller performs one attempt against one validator.
type Caller interface {
	Call(ctx context.Context, v registry.Validator, req Request) (analysis.Report, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, v registry.Validator, req Request) (analysis.Report, error)

// Call calls f(ctx, v, req).
func (f CallerFunc) Call(ctx context.Context, v registry.Validator, req Request) (analysis.Report, error) {
	return f(ctx, v, req)
}

// Message is the JSON frame exchanged over the websocket.
type Message struct {
	Type    string          `json:"type"` // "validate", "result", "error"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	Code  string `json:"code"` // "unauthorized", "rate_limited", "bad_request", "unavailable"
	Error string `json:"error"`
}

const (
	msgValidate = "validate"
	msgResult   = "result"
	msgError    = "error"

	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeBadRequest   = "bad_request"
	codeUnavailable  = "unavailable"
)

func newMessage(typ string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: raw}, nil
}
