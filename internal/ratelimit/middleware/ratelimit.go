// Package middleware adapts the Policy Gate to net/http.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"

	"quotaguard/internal/ratelimit/fingerprint"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/internal/ratelimit/service/gate"
	"quotaguard/internal/ratelimit/service/threat"
	"quotaguard/pkg/platform/httputil"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderStatus     = "X-RateLimit-Status"
	HeaderRetryAfter = "Retry-After"
)

// Gate is the decision point the middleware consults.
type Gate interface {
	Evaluate(ctx context.Context, req gate.Request) models.Decision
	RecordStatus(ctx context.Context, identity models.ClientIdentity, status int) models.BlockState
}

type Middleware struct {
	gate             Gate
	fingerprints     *fingerprint.Generator
	logger           *slog.Logger
	maxBodyBytes     int64
	inspect          bool
	statusViolations bool
	disabled         bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithInspection enables threat inspection of up to maxBodyBytes of body.
func WithInspection(enabled bool, maxBodyBytes int64) Option {
	return func(m *Middleware) {
		m.inspect = enabled
		m.maxBodyBytes = maxBodyBytes
	}
}

// WithStatusViolations feeds 401/403/429 handler responses to the gate.
func WithStatusViolations(enabled bool) Option {
	return func(m *Middleware) {
		m.statusViolations = enabled
	}
}

func WithFingerprints(g *fingerprint.Generator) Option {
	return func(m *Middleware) {
		if g != nil {
			m.fingerprints = g
		}
	}
}

func New(g Gate, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		gate:         g,
		fingerprints: fingerprint.New(""),
		logger:       logger,
		maxBodyBytes: 64 << 10,
		inspect:      true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// RateLimit gates the wrapped handler with the policies of class.
func (m *Middleware) RateLimit(class models.OperationClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			identity := ResolveIdentity(r, m.fingerprints)
			req := gate.Request{Identity: identity, Class: class}
			if m.inspect {
				surface, err := threat.SurfaceFromRequest(r, m.maxBodyBytes)
				if err != nil {
					m.logger.WarnContext(ctx, "failed to read request body for inspection", "error", err)
				}
				req.Surface = &surface
			}

			decision := m.gate.Evaluate(ctx, req)
			addRateLimitHeaders(w, decision)
			if !decision.Allowed {
				writeDenied(w, decision)
				return
			}

			if !m.statusViolations {
				next.ServeHTTP(w, r)
				return
			}
			metrics := httpsnoop.CaptureMetrics(next, w, r)
			m.gate.RecordStatus(ctx, identity, metrics.Code)
		})
	}
}

func addRateLimitHeaders(w http.ResponseWriter, d models.Decision) {
	h := w.Header()
	if d.Degraded {
		h.Set(HeaderStatus, "degraded")
	}
	if !d.HasQuota() {
		return
	}
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set(HeaderWindow, strconv.FormatInt(int64(d.Window.Seconds()), 10))
}

func writeDenied(w http.ResponseWriter, d models.Decision) {
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds()))
	httputil.WriteJSON(w, d.Reason.HTTPStatus(), models.NewDenyResponse(d))
}
