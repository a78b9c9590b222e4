package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/engine"
	"github.com/ssd-technologies/quorum/internal/logging"
	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/storage"
	"github.com/ssd-technologies/quorum/internal/transport"
)

// optionFlags override the QUORUM_* environment for one invocation.
var optionFlags struct {
	algorithm   string
	threshold   float64
	deadline    time.Duration
	retries     int
	backoff     time.Duration
	maxInFlight int
	dbPath      string
	logLevel    string
}

func addOptionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&optionFlags.algorithm, "algorithm", "", "consensus algorithm: majority, weighted-voting, confidence-weighted")
	fs.Float64Var(&optionFlags.threshold, "threshold", 0, "share of valid responses required (0, 1]")
	fs.DurationVar(&optionFlags.deadline, "deadline", 0, "wait at most this long for validators")
	fs.IntVar(&optionFlags.retries, "retries", -1, "total attempts per validator")
	fs.DurationVar(&optionFlags.backoff, "backoff", 0, "linear backoff base between attempts")
	fs.IntVar(&optionFlags.maxInFlight, "max-in-flight", -1, "bound on concurrent validator calls (0 = unbounded)")
	fs.StringVar(&optionFlags.dbPath, "db", "", "SQLite database path")
	fs.StringVar(&optionFlags.logLevel, "log-level", "", "log level")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if optionFlags.algorithm != "" {
		if cfg.Algorithm, err = consensus.ParseAlgorithm(optionFlags.algorithm); err != nil {
			return config.Config{}, err
		}
	}
	if optionFlags.threshold != 0 {
		cfg.Threshold = optionFlags.threshold
	}
	if optionFlags.deadline != 0 {
		cfg.Deadline = optionFlags.deadline
	}
	if optionFlags.retries >= 0 {
		cfg.RetryAttempts = optionFlags.retries
	}
	if optionFlags.backoff != 0 {
		cfg.BackoffBase = optionFlags.backoff
	}
	if optionFlags.maxInFlight >= 0 {
		cfg.MaxInFlight = optionFlags.maxInFlight
	}
	if optionFlags.dbPath != "" {
		cfg.DBPath = optionFlags.dbPath
	}
	if optionFlags.logLevel != "" {
		cfg.LogLevel = optionFlags.logLevel
	}
	return cfg, nil
}

// app bundles what a command needs. Close releases it.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	db      *storage.DB
	engine  *engine.Engine
}

type appOptions struct {
	caller transport.Caller
	// useDB opens the database; audit also records results in it.
	useDB bool
	audit bool
}

func newApp(o appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if o.useDB || o.audit {
		db, err := storage.NewDB(cfg.DBPath)
		if err != nil {
			logger.Sync()
			return nil, err
		}
		a.db = db
	}

	auth, ephemeral, err := cfg.Authority()
	if err != nil {
		a.Close()
		return nil, err
	}
	if ephemeral {
		logger.Warn("QUORUM_CREDENTIAL_KEY not set, using an ephemeral signing key")
	}

	if o.caller == nil {
		o.caller = transport.NewWSCaller(logger.Named("transport"))
	}
	ecfg := engine.Config{
		Caller:   o.caller,
		Issuer:   auth,
		Verifier: auth,
		Defaults: cfg.Options(),
		Logger:   logger,
		Metrics:  a.metrics,
	}
	if o.audit {
		ecfg.Audit = a.db
	}
	a.engine, err = engine.New(ecfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// loadValidators registers every stored validator with the engine.
func (a *app) loadValidators(ctx context.Context) error {
	records, err := a.db.ListValidators(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := a.engine.RegisterValidator(engine.Descriptor{
			ID:           r.ID,
			Kind:         r.Kind,
			Capabilities: r.Capabilities,
			Reputation:   r.Reputation,
			Endpoint:     r.Endpoint,
		}); err != nil {
			return err
		}
		if r.Reputation == 0 {
			if err := a.engine.UpdateReputation(r.ID, 0); err != nil {
				return err
			}
		}
	}
	a.logger.Debug("loaded validators", zap.Int("count", len(records)))
	return nil
}

// serveMetrics exposes /metrics on cfg.MetricsAddr until ctx ends.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.logger.Info("serving metrics", zap.String("addr", a.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", zap.Error(err))
		}
	}()
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	a.logger.Sync()
}

// submit runs one task and tolerates ErrNoQuorum when a result came back.
func (a *app) submit(ctx context.Context, task consensus.Task, filter registry.Capabilities) (*consensus.Result, error) {
	res, err := a.engine.SubmitForConsensus(ctx, task, filter, a.engine.Defaults())
	if err != nil && res == nil {
		return nil, err
	}
	if err != nil {
		a.logger.Warn("no quorum", zap.String("task_id", task.ID), zap.Error(err))
	}
	return res, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
