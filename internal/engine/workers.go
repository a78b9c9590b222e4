package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/credential"
)

// StartWorkers launches the background goroutines. Call with a cancellable
// context for graceful shutdown.
func (e *Engine) StartWorkers(ctx context.Context, refreshInterval, refreshWindow time.Duration) {
	go e.runCredentialRefresh(ctx, refreshInterval, refreshWindow)
}

// runCredentialRefresh periodically re-issues credentials close to expiry.
func (e *Engine) runCredentialRefresh(ctx context.Context, interval, window time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			n := e.RefreshCredentials(window)
			if n > 0 {
				e.logger.Info("refreshed validator credentials", zap.Int("count", n))
			}
		}
	}
}

// RefreshCredentials re-issues every credential that fails verification or
// expires within window. Returns the number of credentials replaced.
func (e *Engine) RefreshCredentials(window time.Duration) int {
	now := e.now()
	refreshed := 0
	for _, v := range e.registry.List() {
		claims, err := e.verifier.Verify(v.Credential)
		if err == nil && claims.ValidatorID == v.ID && claims.ExpiresAt.Sub(now) > window {
			continue
		}
		token, err := e.issuer.Issue(credential.Descriptor{
			ID:           v.ID,
			Kind:         v.Kind,
			Capabilities: v.Capabilities.Slice(),
		})
		if err != nil {
			e.logger.Error("reissue credential", zap.String("validator_id", v.ID), zap.Error(err))
			continue
		}
		if err := e.registry.SetCredential(v.ID, token); err != nil {
			// Removed since the snapshot was taken.
			continue
		}
		refreshed++
	}
	return refreshed
}
