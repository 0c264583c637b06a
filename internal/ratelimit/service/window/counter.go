// Package window implements the sliding and fixed window counters on top of
// the shared CounterStore.
package window

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"quotaguard/internal/ratelimit/models"
	"quotaguard/internal/ratelimit/ports"
	dErrors "quotaguard/pkg/domain-errors"
)

// Counter evaluates one policy for one identity. It holds no counting state;
// all state lives in the store.
type Counter struct {
	store ports.CounterStore
	nonce func() string
}

type Option func(*Counter)

// WithNonce overrides the per-request member nonce, for tests.
func WithNonce(fn func() string) Option {
	return func(c *Counter) {
		if fn != nil {
			c.nonce = fn
		}
	}
}

func New(store ports.CounterStore, opts ...Option) (*Counter, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	c := &Counter{store: store, nonce: uuid.NewString}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check records the request against policy at now and reports the outcome.
// Store errors are returned unchanged for the caller's failure policy.
func (c *Counter) Check(ctx context.Context, identity models.ClientIdentity, policy models.QuotaPolicy, now time.Time) (models.RateLimitResult, error) {
	switch policy.Algorithm {
	case models.AlgorithmSliding:
		return c.sliding(ctx, identity, policy, now)
	case models.AlgorithmFixed:
		return c.fixed(ctx, identity, policy, now)
	default:
		return models.RateLimitResult{}, dErrors.New(dErrors.CodeInvariantViolation, "unknown window algorithm")
	}
}

// sliding counts entries with score in (now-window, now]. A rejected request
// is not inserted.
func (c *Counter) sliding(ctx context.Context, identity models.ClientIdentity, policy models.QuotaPolicy, now time.Time) (models.RateLimitResult, error) {
	nowMs := now.UnixMilli()
	windowMs := policy.Window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + c.nonce()

	res, err := c.store.SlidingWindowAdd(ctx, models.CounterKey(models.AlgorithmSliding, policy.Scope, identity), nowMs, windowMs, policy.MaxRequests, member)
	if err != nil {
		return models.RateLimitResult{}, err
	}

	oldestMs := res.OldestMs
	if oldestMs == 0 {
		oldestMs = nowMs
	}
	// The oldest entry leaves the window once now-window >= oldest.
	resetAt := time.UnixMilli(oldestMs + windowMs)

	result := models.RateLimitResult{
		Allowed:   res.Allowed,
		Policy:    policy,
		Limit:     policy.MaxRequests,
		Remaining: max(policy.MaxRequests-res.Count, 0),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		result.Remaining = 0
		result.RetryAfter = max(resetAt.Sub(now), 0)
	}
	return result, nil
}

// fixed increments the bucket floor(now/window). Increments of rejected
// requests still count, so a bucket never admits more than MaxRequests.
func (c *Counter) fixed(ctx context.Context, identity models.ClientIdentity, policy models.QuotaPolicy, now time.Time) (models.RateLimitResult, error) {
	windowMs := policy.Window.Milliseconds()
	bucket := Bucket(now, policy.Window)

	res, err := c.store.IncrementWithTTL(ctx, models.FixedBucketKey(policy.Scope, identity, bucket), policy.Window)
	if err != nil {
		return models.RateLimitResult{}, err
	}

	resetAt := time.UnixMilli((bucket + 1) * windowMs)
	allowed := res.Count <= int64(policy.MaxRequests)
	result := models.RateLimitResult{
		Allowed:   allowed,
		Policy:    policy,
		Limit:     policy.MaxRequests,
		Remaining: max(policy.MaxRequests-int(res.Count), 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		result.RetryAfter = max(resetAt.Sub(now), 0)
	}
	return result, nil
}

// Bucket returns floor(now/window) on the unix epoch.
func Bucket(now time.Time, window time.Duration) int64 {
	windowMs := window.Milliseconds()
	ms := now.UnixMilli()
	b := ms / windowMs
	if ms < 0 && ms%windowMs != 0 {
		b--
	}
	return b
}
