// quorum-validator runs a validator node: a websocket endpoint that checks
// the caller's credential and answers validate requests with a simulated
// analysis.
//
// Usage:
//
//	quorum-validator serve [--addr :9090] [--id v1] [--seed 1] [--valid-rate 0.9]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/credential"
	"github.com/ssd-technologies/quorum/internal/logging"
	"github.com/ssd-technologies/quorum/internal/ratelimit"
	"github.com/ssd-technologies/quorum/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "quorum-validator",
		Short:         "Serve a quorum validator node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var (
		addr      string
		id        string
		seed      uint64
		validRate float64
	)
	c := &cobra.Command{
		Use:   "serve",
		Short: "Accept validate requests on /validate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.ValidatorAddr
			}
			if id == "" {
				id = cfg.ValidatorID
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			verifier, err := cfg.Verifier()
			if err != nil {
				return err
			}
			producer := analysis.NewRandomProducer(seed)
			producer.SetValidRate(validRate)

			handler, err := newNodeHandler(id, producer, verifier, cfg.ValidatorRateLimit, logger)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), addr, handler, logger)
		},
	}
	flags := c.Flags()
	flags.StringVar(&addr, "addr", "", "listen address (default QUORUM_VALIDATOR_ADDR)")
	flags.StringVar(&id, "id", "", "accept only credentials issued to this validator id")
	flags.Uint64Var(&seed, "seed", uint64(time.Now().UnixNano()), "random seed for simulated reports")
	flags.Float64Var(&validRate, "valid-rate", 0.9, "share of tasks judged valid")
	return c
}

func newNodeHandler(id string, producer analysis.Producer, verifier credential.Verifier, ratePerMinute int, logger *zap.Logger) (http.Handler, error) {
	if producer == nil || verifier == nil {
		return nil, errors.New("producer and verifier are required")
	}
	var limiter *ratelimit.Keyed
	if ratePerMinute > 0 {
		limiter = ratelimit.NewKeyed(ratePerMinute, time.Minute)
	}
	mux := http.NewServeMux()
	mux.Handle("/validate", transport.NewValidatorHandler(transport.HandlerConfig{
		ValidatorID: id,
		Producer:    producer,
		Verifier:    verifier,
		Limiter:     limiter,
		Logger:      logger,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux, nil
}

// serve runs the HTTP server until ctx ends, then shuts down gracefully.
func serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("validator node listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
