// Package credential issues and verifies the bearer tokens validators present
// with every dispatched call. Tokens are Ed25519-signed JWTs whose subject is
// the validator ID.
package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is how long an issued credential stays valid.
const DefaultTTL = 24 * time.Hour

// DefaultIssuer is the iss claim stamped on every credential.
const DefaultIssuer = "quorum"

var (
	ErrMissingCredential = errors.New("credential missing")
	ErrInvalidCredential = errors.New("credential invalid")
	ErrExpiredCredential = errors.New("credential expired")
)

// Descriptor identifies the validator a credential is issued for.
type Descriptor struct {
	ID           string
	Kind         string
	Capabilities []string
}

// Claims are the verified contents of a credential.
type Claims struct {
	ValidatorID  string
	Kind         string
	Capabilities []string
	TokenID      string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Issuer mints credentials.
type Issuer interface {
	Issue(d Descriptor) (string, error)
}

// Verifier checks a credential and returns its claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// tokenClaims is the JWT body.
type tokenClaims struct {
	jwt.RegisteredClaims
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Config tunes issued credentials.
type Config struct {
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Authority issues credentials with a private key and verifies them with the
// matching public key.
type Authority struct {
	priv ed25519.PrivateKey
	cfg  Config
	*JWTVerifier
}

// NewAuthority creates an Authority signing with priv.
func NewAuthority(priv ed25519.PrivateKey, cfg Config) (*Authority, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(priv))
	}
	cfg = cfg.withDefaults()
	v, err := NewVerifier(priv.Public().(ed25519.PublicKey), cfg)
	if err != nil {
		return nil, err
	}
	return &Authority{priv: priv, cfg: cfg, JWTVerifier: v}, nil
}

// Issue mints a credential for d, valid for the configured TTL.
func (a *Authority) Issue(d Descriptor) (string, error) {
	if strings.TrimSpace(d.ID) == "" {
		return "", fmt.Errorf("issue credential: validator id is empty")
	}
	now := a.cfg.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   d.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TTL)),
		},
		Kind:         d.Kind,
		Capabilities: d.Capabilities,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.priv)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return token, nil
}

// PublicKey returns the verification key validator nodes need.
func (a *Authority) PublicKey() ed25519.PublicKey {
	return a.priv.Public().(ed25519.PublicKey)
}

// JWTVerifier verifies credentials with a public key only.
type JWTVerifier struct {
	pub ed25519.PublicKey
	cfg Config
}

// NewVerifier creates a verifier for credentials signed by pub's private key.
func NewVerifier(pub ed25519.PublicKey, cfg Config) (*JWTVerifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	return &JWTVerifier{pub: pub, cfg: cfg.withDefaults()}, nil
}

// Verify checks the signature, issuer and validity window of token.
func (v *JWTVerifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingCredential
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if parsed.Subject == "" {
		return Claims{}, fmt.Errorf("%w: subject is empty", ErrInvalidCredential)
	}

	claims := Claims{
		ValidatorID:  parsed.Subject,
		Kind:         parsed.Kind,
		Capabilities: parsed.Capabilities,
		TokenID:      parsed.ID,
		ExpiresAt:    parsed.ExpiresAt.Time,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to credential errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredCredential, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrEd25519Verification):
		return fmt.Errorf("%w: signature is invalid", ErrInvalidCredential)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
}

// GenerateKey returns a fresh Ed25519 signing key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return priv, nil
}

// PrivateKeyFromHex decodes a hex-encoded 32-byte seed or 64-byte private key.
func PrivateKeyFromHex(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}

// PublicKeyFromHex decodes a hex-encoded Ed25519 public key.
func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// KeyID returns the first 8 bytes of a public key as 16 lowercase hex
// characters, a short identifier for logs.
func KeyID(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub[:8])
}
