package middleware

import (
	"net/http"

	"quotaguard/internal/ratelimit/fingerprint"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/pkg/platform/middleware/metadata"
	"quotaguard/pkg/requestcontext"
)

// ResolveIdentity picks the rate limit subject of r: the authenticated user,
// then the API key, then the address of the anonymous client. The header
// fingerprint of an anonymous client is attached for audit only.
// Authenticated callers without a tier claim are on the free tier.
func ResolveIdentity(r *http.Request, fingerprints *fingerprint.Generator) models.ClientIdentity {
	ctx := r.Context()

	if userID := requestcontext.UserID(ctx); userID != "" {
		return models.ClientIdentity{
			PrimaryKey: userID,
			Kind:       models.KindAuthenticatedUser,
			Tier:       models.ParseTier(requestcontext.Tier(ctx), models.TierFree),
		}
	}
	if keyID := requestcontext.APIKeyID(ctx); keyID != "" {
		return models.ClientIdentity{
			PrimaryKey: keyID,
			Kind:       models.KindAPIKey,
			Tier:       models.ParseTier(requestcontext.Tier(ctx), models.TierFree),
		}
	}

	ip := requestcontext.ClientIP(ctx)
	if ip == "" {
		ip = metadata.ClientIPFromRequest(r, nil)
	}
	return models.ClientIdentity{
		PrimaryKey:  fingerprints.ClientKey(ip),
		Kind:        models.KindIP,
		Tier:        models.TierAnonymous,
		Fingerprint: fingerprints.Fingerprint(fingerprint.FromRequest(r, ip)),
	}
}
