package engine

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/credential"
)

func tracedEngine(t *testing.T, recorder *tracetest.SpanRecorder) *Engine {
	t.Helper()
	priv, err := credential.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := credential.NewAuthority(priv, credential.Config{})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	e, err := New(Config{
		Caller:   newScript(validity(map[string]bool{"a": true})),
		Issuer:   auth,
		Verifier: auth,
		Tracer:   tp.Tracer("test"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSubmit_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	e := tracedEngine(t, recorder)
	register(t, e, Descriptor{ID: "a", Kind: "validation"})

	if _, err := e.SubmitForConsensus(context.Background(), consensus.NewTask("t1", nil), nil, fastOptions()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "engine.SubmitForConsensus" {
		t.Fatalf("spans = %v", spans)
	}
	if v, ok := spanAttr(spans[0], "quorum.consensus_reached"); !ok || !v.AsBool() {
		t.Fatal("span missing consensus_reached=true")
	}
	if v, ok := spanAttr(spans[0], "quorum.task_id"); !ok || v.AsString() != "t1" {
		t.Fatal("span missing task id")
	}
}

func TestSubmit_SpanErrorOnNoQuorum(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	e := tracedEngine(t, recorder)

	_, err := e.SubmitForConsensus(context.Background(), consensus.NewTask("t1", nil), nil, fastOptions())
	if !errors.Is(err, consensus.ErrNoQuorum) {
		t.Fatalf("err = %v, want ErrNoQuorum", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("span status = %+v", spans[0].Status())
	}
}
