package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ssd-technologies/quorum/internal/credential"
)

func TestRefreshCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	priv, err := credential.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := credential.NewAuthority(priv, credential.Config{Now: clock})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	e, err := New(Config{Caller: newScript(validity(nil)), Issuer: auth, Verifier: auth, Now: clock})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	register(t, e, Descriptor{ID: "a", Kind: "validation"})
	before := e.ListValidators("")[0].Credential

	if n := e.RefreshCredentials(time.Hour); n != 0 {
		t.Fatalf("fresh credential refreshed: %d", n)
	}

	now = now.Add(23*time.Hour + 30*time.Minute)
	if n := e.RefreshCredentials(time.Hour); n != 1 {
		t.Fatalf("refreshed = %d, want 1", n)
	}
	after := e.ListValidators("")[0].Credential
	if after == before {
		t.Fatal("credential was not replaced")
	}
	if _, err := auth.Verify(after); err != nil {
		t.Fatalf("refreshed credential invalid: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := auth.Verify(before); err == nil {
		t.Fatal("old credential should have expired")
	}
	if n := e.RefreshCredentials(time.Hour); n != 0 {
		t.Fatalf("refreshed = %d, want 0", n)
	}
}

func TestStartWorkersStopsOnCancel(t *testing.T) {
	e := testEngine(t, newScript(validity(nil)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.StartWorkers(ctx, time.Millisecond, time.Hour)
	time.Sleep(5 * time.Millisecond)
	cancel()
}
