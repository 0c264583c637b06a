// Package ports defines shared interfaces for the ratelimit module.
// Interfaces are placed here when consumed by multiple services to avoid duplication.
package ports

import (
	"context"
	"log/slog"
	"time"

	"quotaguard/pkg/attrs"
	"quotaguard/pkg/platform/audit"
	"quotaguard/pkg/requestcontext"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks CounterStore,AuditPublisher

// SlidingResult is the outcome of one atomic prune+count+insert.
type SlidingResult struct {
	Allowed bool
	// Count of entries in the window after the operation.
	Count int
	// OldestMs is the score of the oldest entry still in the window, 0 if none.
	OldestMs int64
}

// IncrementResult is the outcome of an increment with first-write TTL.
type IncrementResult struct {
	Count int64
	TTL   time.Duration
}

// CounterStore is the shared, atomic key-value store behind every window,
// block and violation counter. All operations must be atomic per key across
// processes. Implementations take time from the caller (nowMs) so that
// decisions are reproducible under a simulated clock.
type CounterStore interface {
	// SlidingWindowAdd drops entries with score <= nowMs-windowMs, counts the
	// rest, and inserts member at nowMs only when count < limit. The key TTL is
	// refreshed to windowMs on every call.
	SlidingWindowAdd(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (SlidingResult, error)

	// IncrementWithTTL increments key and sets ttl only when the new value is 1.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (IncrementResult, error)

	// SetIfAbsent stores value with ttl unless key exists. Returns true if stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetMany returns values in key order, "" for absent keys.
	GetMany(ctx context.Context, keys ...string) ([]string, error)

	// Ping checks store reachability.
	Ping(ctx context.Context) error
}

// AuditPublisher emits audit events for security-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// LogAudit is a shared helper for logging audit events across ratelimit services.
// It logs to both the structured logger and the audit publisher if available.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event audit.Action, attrList ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	args := append(attrList, "event", string(event), "log_type", "audit")

	if logger != nil {
		logger.InfoContext(ctx, string(event), args...)
	}

	if publisher == nil {
		return
	}
	publisher.Emit(ctx, audit.SecurityEvent{
		Action:    event,
		Subject:   attrs.ExtractString(attrList, "identity"),
		Scope:     attrs.ExtractString(attrList, "scope"),
		Reason:    extractReason(attrList),
		IP:        attrs.ExtractString(attrList, "ip"),
		Device:    attrs.ExtractString(attrList, "device"),
		RequestID: requestID,
	})
}

func extractReason(attrList []any) string {
	for _, key := range []string{"reason", "threat", "deny_reason"} {
		if val := attrs.ExtractString(attrList, key); val != "" {
			return val
		}
	}
	return ""
}
