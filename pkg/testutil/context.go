package testutil

import (
	"net/http"
	"time"

	"quotaguard/pkg/requestcontext"
)

// WithUserID adds an authenticated user ID to the request context.
// This simulates what the identity middleware does for a verified bearer token.
func WithUserID(req *http.Request, userID string) *http.Request {
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}

// WithAPIKey adds an API key identifier and plan tier to the request context.
func WithAPIKey(req *http.Request, keyID, tier string) *http.Request {
	ctx := requestcontext.WithAPIKeyID(req.Context(), keyID)
	if tier != "" {
		ctx = requestcontext.WithTier(ctx, tier)
	}
	return req.WithContext(ctx)
}

// WithClient sets the client IP and User-Agent the metadata middleware would extract.
func WithClient(req *http.Request, ip, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, userAgent))
}

// WithTime pins the request clock.
func WithTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
