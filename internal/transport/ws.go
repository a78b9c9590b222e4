package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/analysis"
	"github.com/ssd-technologies/quorum/internal/credential"
	"github.com/ssd-technologies/quorum/internal/ratelimit"
	"github.com/ssd-technologies/quorum/internal/registry"
)

// WSCaller dials a validator's websocket endpoint for every attempt,
// presenting the validator's credential as a bearer token.
type WSCaller struct {
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// NewWSCaller returns a WSCaller with a default dialer.
func NewWSCaller(logger *zap.Logger) *WSCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSCaller{
		Dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		Logger: logger,
	}
}

// Call sends req to v.Endpoint and waits for a result frame.
func (c *WSCaller) Call(ctx context.Context, v registry.Validator, req Request) (analysis.Report, error) {
	if v.Endpoint == "" {
		return analysis.Report{}, fmt.Errorf("%w: validator %s has no endpoint", ErrUnavailable, v.ID)
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+v.Credential)
	conn, resp, err := dialer.DialContext(ctx, v.Endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return analysis.Report{}, ErrCredentialRejected
		}
		if ctx.Err() != nil {
			return analysis.Report{}, ctx.Err()
		}
		return analysis.Report{}, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, v.Endpoint, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	msg, err := newMessage(msgValidate, req)
	if err != nil {
		return analysis.Report{}, fmt.Errorf("encode request: %w", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return analysis.Report{}, c.connError(ctx, "write", err)
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return analysis.Report{}, c.connError(ctx, "read", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	switch reply.Type {
	case msgResult:
		var report analysis.Report
		if err := json.Unmarshal(reply.Payload, &report); err != nil {
			return analysis.Report{}, fmt.Errorf("%w: decode result: %v", ErrUnavailable, err)
		}
		return report, nil
	case msgError:
		var e ErrorPayload
		_ = json.Unmarshal(reply.Payload, &e)
		if e.Code == codeUnauthorized {
			return analysis.Report{}, ErrCredentialRejected
		}
		return analysis.Report{}, fmt.Errorf("%w: %s: %s", ErrUnavailable, e.Code, e.Error)
	default:
		return analysis.Report{}, fmt.Errorf("%w: unexpected message type %q", ErrUnavailable, reply.Type)
	}
}

func (c *WSCaller) connError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.Logger.Debug("websocket "+op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// HandlerConfig configures NewValidatorHandler.
type HandlerConfig struct {
	// ValidatorID, when set, is the only credential subject accepted.
	ValidatorID string
	Producer    analysis.Producer
	Verifier    credential.Verifier
	// Limiter bounds validate requests per client IP. Nil disables.
	Limiter *ratelimit.Keyed
	Logger  *zap.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewValidatorHandler returns an HTTP handler that authenticates the bearer
// credential, upgrades the connection and answers validate frames with the
// producer's report.
func NewValidatorHandler(cfg HandlerConfig) http.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := authenticate(r, cfg.Verifier, cfg.ValidatorID)
		if err != nil {
			logger.Warn("rejected credential", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		client := clientIP(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}

			if cfg.Limiter != nil && !cfg.Limiter.Allow(client) {
				writeError(conn, codeRateLimited, "rate limit exceeded")
				continue
			}

			switch msg.Type {
			case msgValidate:
				var req Request
				if err := json.Unmarshal(msg.Payload, &req); err != nil {
					writeError(conn, codeBadRequest, "invalid validate payload")
					continue
				}
				report, err := cfg.Producer.Analyze(r.Context(), req.Payload)
				if err != nil {
					writeError(conn, codeUnavailable, err.Error())
					continue
				}
				reply, err := newMessage(msgResult, report)
				if err != nil {
					writeError(conn, codeUnavailable, "encode report")
					continue
				}
				if err := conn.WriteJSON(reply); err != nil {
					logger.Debug("websocket write failed", zap.Error(err))
					return
				}
				logger.Debug("validated task",
					zap.String("task_id", req.TaskID),
					zap.String("subject", claims.ValidatorID),
					zap.Bool("valid", report.Valid))
			default:
				writeError(conn, codeBadRequest, "unknown message type: "+msg.Type)
			}
		}
	}
}

// clientIP returns the first X-Forwarded-For hop when present, otherwise
// the host of r.RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func authenticate(r *http.Request, verifier credential.Verifier, expect string) (credential.Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return credential.Claims{}, credential.ErrMissingCredential
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		return credential.Claims{}, err
	}
	if expect != "" && claims.ValidatorID != expect {
		return credential.Claims{}, fmt.Errorf("%w: subject %q, want %q",
			credential.ErrInvalidCredential, claims.ValidatorID, expect)
	}
	return claims, nil
}

func writeError(conn *websocket.Conn, code, message string) {
	msg, err := newMessage(msgError, ErrorPayload{Code: code, Error: message})
	if err != nil {
		return
	}
	_ = conn.WriteJSON(msg)
}
