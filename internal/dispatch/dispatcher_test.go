package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/credential"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	auth *credential.Authority
	mu   sync.Mutex
	hits map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	priv, err := credential.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := credential.NewAuthority(priv, credential.Config{})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return &harness{auth: auth, hits: make(map[string]int)}
}

func (h *harness) validator(t *testing.T, id string) registry.Validator {
	t.Helper()
	tok, err := h.auth.Issue(credential.Descriptor{ID: id, Kind: "neural"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return registry.Validator{ID: id, Kind: "neural", Reputation: 1, Credential: tok}
}

// hit records one call and returns its 1-based number for id.
func (h *harness) hit(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits[id]++
	return h.hits[id]
}

func (h *harness) calls(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[id]
}

func (h *harness) dispatcher(t *testing.T, fn transport.CallerFunc) *Dispatcher {
	t.Helper()
	d, err := New(Config{Caller: fn, Verifier: h.auth})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

var okReport = analysis.Report{Valid: true, Confidence: 0.9}

func fastOptions() Options {
	return Options{Retry: RetryPolicy{Attempts: 3, Base: time.Millisecond}, Deadline: 5 * time.Second}
}

func TestDispatch_RetriesUntilSuccess(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		if h.hit(v.ID) < 3 {
			return analysis.Report{}, transport.ErrUnavailable
		}
		return okReport, nil
	})

	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{h.validator(t, "v1")}, fastOptions())
	if c.Phase != consensus.PhaseAllSettled || len(c.Settled) != 1 {
		t.Fatalf("collection = %+v", c)
	}
	o := c.Settled[0]
	if !o.Succeeded || o.Attempts != 3 {
		t.Fatalf("outcome = %+v, want success after 3 attempts", o)
	}
	if h.calls("v1") != 3 {
		t.Fatalf("calls = %d, want 3", h.calls("v1"))
	}
}

func TestDispatch_ClampsReportedConfidence(t *testing.T) {
	h := newHarness(t)
	reported := map[string]float64{"high": 7, "low": -2, "nan": math.NaN(), "ok": 0.4}
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		return analysis.Report{Valid: true, Confidence: reported[v.ID]}, nil
	})
	targets := []registry.Validator{h.validator(t, "high"), h.validator(t, "low"), h.validator(t, "nan"), h.validator(t, "ok")}
	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), targets, fastOptions())

	want := map[string]float64{"high": 1, "low": 0, "nan": 0, "ok": 0.4}
	if len(c.Settled) != len(want) {
		t.Fatalf("settled = %d, want %d", len(c.Settled), len(want))
	}
	for _, o := range c.Settled {
		if o.Confidence != want[o.ValidatorID] {
			t.Fatalf("%s confidence = %v, want %v", o.ValidatorID, o.Confidence, want[o.ValidatorID])
		}
	}
}

func TestDispatch_ExhaustedRetriesAreTransient(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		h.hit(v.ID)
		return analysis.Report{}, transport.ErrUnavailable
	})

	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{h.validator(t, "v1")}, fastOptions())
	o := c.Settled[0]
	if o.Succeeded || o.Kind != consensus.TransientUnavailable || o.Attempts != 3 {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Error == "" {
		t.Fatal("failed outcome should carry an error message")
	}
}

func TestDispatch_ZeroAttemptsMeansOne(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		h.hit(v.ID)
		return analysis.Report{}, transport.ErrUnavailable
	})
	opts := fastOptions()
	opts.Retry.Attempts = 0

	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{h.validator(t, "v1")}, opts)
	if c.Settled[0].Attempts != 1 || h.calls("v1") != 1 {
		t.Fatalf("attempts = %d, calls = %d; want 1", c.Settled[0].Attempts, h.calls("v1"))
	}
}

func TestDispatch_AuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		h.hit(v.ID)
		return okReport, nil
	})

	missing := registry.Validator{ID: "missing"}
	stolen := h.validator(t, "other")
	stolen.ID = "stolen"
	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{missing, stolen}, fastOptions())

	for _, o := range c.Settled {
		if o.Kind != consensus.AuthenticationFailure || o.Attempts != 1 {
			t.Fatalf("outcome = %+v, want one auth failure attempt", o)
		}
	}
	if h.calls("missing")+h.calls("stolen") != 0 {
		t.Fatal("caller invoked despite failed credential check")
	}
}

func TestDispatch_RemoteRejectionIsNotRetried(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		h.hit(v.ID)
		return analysis.Report{}, transport.ErrCredentialRejected
	})

	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{h.validator(t, "v1")}, fastOptions())
	o := c.Settled[0]
	if o.Kind != consensus.AuthenticationFailure || h.calls("v1") != 1 {
		t.Fatalf("outcome = %+v, calls = %d", o, h.calls("v1"))
	}
}

func TestDispatch_DeadlineMarksAbsent(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		if v.ID == "slow" {
			<-ctx.Done()
			return analysis.Report{}, ctx.Err()
		}
		return okReport, nil
	})
	opts := fastOptions()
	opts.Deadline = 50 * time.Millisecond

	targets := []registry.Validator{h.validator(t, "a"), h.validator(t, "slow"), h.validator(t, "b")}
	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), targets, opts)

	if c.Phase != consensus.PhaseDeadline {
		t.Fatalf("phase = %s, want deadline", c.Phase)
	}
	if len(c.Absent) != 1 || c.Absent[0] != "slow" {
		t.Fatalf("absent = %v, want [slow]", c.Absent)
	}
	if len(c.Settled) != 2 || c.Settled[0].ValidatorID != "a" || c.Settled[1].ValidatorID != "b" {
		t.Fatalf("settled = %+v, want a then b", c.Settled)
	}
}

func TestDispatch_KeepsOutcomesBufferedAtDeadline(t *testing.T) {
	const fast = 200
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var returned sync.WaitGroup
	returned.Add(fast)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		if v.ID == "blocker" {
			returned.Wait()
			time.Sleep(20 * time.Millisecond)
			cancel()
			<-ctx.Done()
			return analysis.Report{}, ctx.Err()
		}
		defer returned.Done()
		return okReport, nil
	})

	targets := []registry.Validator{h.validator(t, "blocker")}
	for i := 0; i < fast; i++ {
		targets = append(targets, h.validator(t, fmt.Sprintf("v%03d", i)))
	}
	c := d.Dispatch(ctx, consensus.NewTask("t", nil), targets, fastOptions())

	if c.Phase != consensus.PhaseDeadline {
		t.Fatalf("phase = %s, want deadline", c.Phase)
	}
	if len(c.Absent) != 1 || c.Absent[0] != "blocker" {
		t.Fatalf("absent = %v, want [blocker]", c.Absent)
	}
	if len(c.Settled) != fast {
		t.Fatalf("settled = %d, want %d", len(c.Settled), fast)
	}
}

func TestDrain_KeepsBufferedOutcomes(t *testing.T) {
	results := make(chan settled, 3)
	results <- settled{index: 0, outcome: consensus.Outcome{ValidatorID: "a"}}
	results <- settled{index: 2, outcome: consensus.Outcome{ValidatorID: "c"}}
	got := make([]*consensus.Outcome, 3)

	drain(results, got)

	if got[0] == nil || got[0].ValidatorID != "a" || got[2] == nil || got[2].ValidatorID != "c" {
		t.Fatalf("got = %v, want a and c kept", got)
	}
	if got[1] != nil {
		t.Fatalf("got[1] = %+v, want nil", got[1])
	}
}

func TestDispatch_BackoffAbortsOnDeadline(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		h.hit(v.ID)
		return analysis.Report{}, transport.ErrUnavailable
	})
	opts := Options{Retry: RetryPolicy{Attempts: 3, Base: time.Hour}, Deadline: 30 * time.Millisecond}

	start := time.Now()
	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{h.validator(t, "v1")}, opts)
	if time.Since(start) > 5*time.Second {
		t.Fatal("dispatch waited out the backoff")
	}
	if len(c.Absent) != 1 || h.calls("v1") != 1 {
		t.Fatalf("absent = %v, calls = %d", c.Absent, h.calls("v1"))
	}
}

func TestDispatch_SettledInSelectionOrder(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		if v.ID == "first" {
			time.Sleep(20 * time.Millisecond)
		}
		return okReport, nil
	})
	targets := []registry.Validator{h.validator(t, "first"), h.validator(t, "second")}
	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), targets, fastOptions())
	if c.Settled[0].ValidatorID != "first" || c.Settled[1].ValidatorID != "second" {
		t.Fatalf("order = %s, %s", c.Settled[0].ValidatorID, c.Settled[1].ValidatorID)
	}
}

func TestDispatch_MaxInFlight(t *testing.T) {
	h := newHarness(t)
	var inFlight, peak atomic.Int32
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return okReport, nil
	})
	var targets []registry.Validator
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		targets = append(targets, h.validator(t, id))
	}
	opts := fastOptions()
	opts.MaxInFlight = 2

	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), targets, opts)
	if len(c.Settled) != 5 {
		t.Fatalf("settled = %d, want 5", len(c.Settled))
	}
	if peak.Load() > 2 {
		t.Fatalf("peak in flight = %d, want <= 2", peak.Load())
	}
}

func TestDispatch_NoTargets(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
		return okReport, nil
	})
	c := d.Dispatch(context.Background(), consensus.NewTask("t", nil), nil, fastOptions())
	if len(c.Settled) != 0 || len(c.Absent) != 0 || c.Phase != consensus.PhaseAllSettled {
		t.Fatalf("collection = %+v", c)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without caller")
	}
	caller := transport.CallerFunc(func(context.Context, registry.Validator, transport.Request) (analysis.Report, error) {
		return analysis.Report{}, errors.New("unused")
	})
	if _, err := New(Config{Caller: caller}); err == nil {
		t.Fatal("expected error without verifier")
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Base: time.Second}
	if p.Backoff(1) != time.Second || p.Backoff(2) != 2*time.Second {
		t.Fatalf("backoff = %v, %v", p.Backoff(1), p.Backoff(2))
	}
	if (RetryPolicy{}).MaxAttempts() != 1 {
		t.Fatal("zero attempts should mean one")
	}
	if DefaultRetryPolicy().MaxAttempts() != 3 {
		t.Fatal("default should allow three attempts")
	}
}

func TestDispatch_LogsRetries(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.WarnLevel)
	d, err := New(Config{
		Caller: transport.CallerFunc(func(ctx context.Context, v registry.Validator, req transport.Request) (analysis.Report, error) {
			if h.hit(v.ID) < 2 {
				return analysis.Report{}, transport.ErrUnavailable
			}
			return okReport, nil
		}),
		Verifier: h.auth,
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	d.Dispatch(context.Background(), consensus.NewTask("t", nil), []registry.Validator{h.validator(t, "v1")}, fastOptions())
	retries := logs.FilterMessage("validator call failed, retrying")
	if retries.Len() != 1 {
		t.Fatalf("retry log lines = %d, want 1", retries.Len())
	}
	if got := retries.All()[0].ContextMap()["attempt"]; got != int64(1) {
		t.Fatalf("attempt field = %v, want 1", got)
	}
}
