package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"quotaguard/pkg/requestcontext"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	UserID   string
	APIKeyID string
	Tier     string
	JTI      string
}

const bearerPrefix = "Bearer "

// Identify attaches the caller identity of a valid bearer token to the
// request context. Requests without a token, or with one that fails
// validation, continue as anonymous; rejecting them is left to handlers.
func Identify(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "ignoring invalid bearer token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			if claims.UserID != "" {
				ctx = requestcontext.WithUserID(ctx, claims.UserID)
			}
			if claims.APIKeyID != "" {
				ctx = requestcontext.WithAPIKeyID(ctx, claims.APIKeyID)
			}
			if claims.Tier != "" {
				ctx = requestcontext.WithTier(ctx, claims.Tier)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
