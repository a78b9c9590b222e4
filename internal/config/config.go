// Package config loads quorum settings from QUORUM_* environment variables.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/credential"
	"github.com/ssd-technologies/quorum/internal/engine"
)

// Config holds every tunable of the engine, the CLI and the validator node.
type Config struct {
	RetryAttempts int                 `env:"QUORUM_RETRY_ATTEMPTS" envDefault:"3"`
	BackoffBase   time.Duration       `env:"QUORUM_BACKOFF_BASE"   envDefault:"1s"`
	Deadline      time.Duration       `env:"QUORUM_DEADLINE"       envDefault:"10s"`
	Threshold     float64             `env:"QUORUM_THRESHOLD"      envDefault:"0.66"`
	Algorithm     consensus.Algorithm `env:"QUORUM_ALGORITHM"      envDefault:"majority"`
	MaxInFlight   int                 `env:"QUORUM_MAX_IN_FLIGHT"  envDefault:"0"`

	LogLevel  string `env:"QUORUM_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"QUORUM_LOG_FORMAT" envDefault:"json"`

	DBPath string `env:"QUORUM_DB_PATH" envDefault:"quorum.db"`

	// CredentialKey is the hex ed25519 seed (or full private key) used to
	// sign validator credentials.
	CredentialKey string `env:"QUORUM_CREDENTIAL_KEY"`
	// CredentialPublicKey is the hex ed25519 public key a validator node
	// verifies credentials with.
	CredentialPublicKey string        `env:"QUORUM_CREDENTIAL_PUBLIC_KEY"`
	CredentialTTL       time.Duration `env:"QUORUM_CREDENTIAL_TTL"    envDefault:"24h"`
	RefreshInterval     time.Duration `env:"QUORUM_REFRESH_INTERVAL"  envDefault:"1h"`

	ValidatorAddr string `env:"QUORUM_VALIDATOR_ADDR" envDefault:":9090"`
	ValidatorID   string `env:"QUORUM_VALIDATOR_ID"`
	// ValidatorRateLimit is validate requests per minute per client IP; 0
	// disables limiting.
	ValidatorRateLimit int    `env:"QUORUM_VALIDATOR_RATE_LIMIT" envDefault:"600"`
	MetricsAddr        string `env:"QUORUM_METRICS_ADDR"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Options returns the engine options described by cfg.
func (c Config) Options() engine.Options {
	return engine.Options{
		RetryAttempts: c.RetryAttempts,
		BackoffBase:   c.BackoffBase,
		Deadline:      c.Deadline,
		Threshold:     c.Threshold,
		Algorithm:     c.Algorithm,
		MaxInFlight:   c.MaxInFlight,
	}
}

// Authority builds the credential authority from CredentialKey. Without a key
// it generates an ephemeral one, so credentials do not survive a restart.
func (c Config) Authority() (*credential.Authority, bool, error) {
	cfg := credential.Config{TTL: c.CredentialTTL}
	var (
		priv      ed25519.PrivateKey
		err       error
		ephemeral bool
	)
	if c.CredentialKey != "" {
		priv, err = credential.PrivateKeyFromHex(c.CredentialKey)
	} else {
		priv, err = credential.GenerateKey()
		ephemeral = true
	}
	if err != nil {
		return nil, false, fmt.Errorf("credential key: %w", err)
	}
	a, err := credential.NewAuthority(priv, cfg)
	if err != nil {
		return nil, false, err
	}
	return a, ephemeral, nil
}

// Verifier builds a verifier from CredentialPublicKey, falling back to the
// public half of CredentialKey.
func (c Config) Verifier() (*credential.JWTVerifier, error) {
	cfg := credential.Config{TTL: c.CredentialTTL}
	switch {
	case c.CredentialPublicKey != "":
		pub, err := credential.PublicKeyFromHex(c.CredentialPublicKey)
		if err != nil {
			return nil, fmt.Errorf("credential public key: %w", err)
		}
		return credential.NewVerifier(pub, cfg)
	case c.CredentialKey != "":
		priv, err := credential.PrivateKeyFromHex(c.CredentialKey)
		if err != nil {
			return nil, fmt.Errorf("credential key: %w", err)
		}
		return credential.NewVerifier(priv.Public().(ed25519.PublicKey), cfg)
	}
	return nil, errors.New("QUORUM_CREDENTIAL_PUBLIC_KEY or QUORUM_CREDENTIAL_KEY is required")
}
