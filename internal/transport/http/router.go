package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	ratelimitmw "quotaguard/internal/ratelimit/middleware"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/pkg/platform/httputil"
	"quotaguard/pkg/platform/middleware/metadata"
	"quotaguard/pkg/platform/middleware/requesttime"
)

// HealthChecker reports whether the counter store answers and whether its
// circuit breaker is shedding calls.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Degraded() bool
}

// RouterDeps are the collaborators the router mounts.
type RouterDeps struct {
	Limiter  *ratelimitmw.Middleware
	Identify func(http.Handler) http.Handler
	Auth     *AuthHandler
	Health   HealthChecker
	Logger   *slog.Logger
	// TrustedProxies may set X-Forwarded-For; nil trusts no one.
	TrustedProxies metadata.TrustedProxies

	Metrics     http.Handler
	MetricsPath string
}

// NewRouter wires the public endpoints. Every business route is gated by the
// policies of its operation class; health and metrics are not.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(metadata.ClientMetadataBehind(d.TrustedProxies))
	r.Use(requesttime.Middleware)
	if d.Identify != nil {
		r.Use(d.Identify)
	}

	r.Get("/healthz", healthHandler(d.Health, d.Logger))
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, d.Metrics)
	}

	r.With(d.Limiter.RateLimit(models.ClassAuth)).Post("/auth/login", d.Auth.HandleLogin)
	r.With(d.Limiter.RateLimit(models.ClassPayment)).Post("/payments", handleAccepted("payment"))
	r.With(d.Limiter.RateLimit(models.ClassUpload)).Post("/uploads", handleAccepted("upload"))
	r.With(d.Limiter.RateLimit(models.ClassGeneral)).HandleFunc("/api/*", handleEcho)

	return r
}

func healthHandler(store HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if store.Degraded() {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "circuit": "open"})
				return
			}
			if err := store.Ping(r.Context()); err != nil {
				if logger != nil {
					logger.WarnContext(r.Context(), "health check failed", "error", err)
				}
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
