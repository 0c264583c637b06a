// Package gate is the Policy Gate: the single accept/reject decision point
// in front of business logic.
//
// Per request the gate resolves the applicable policies, rejects blocked
// identities, inspects the request for attack signatures, then evaluates
// each window in order and stops at the first rejection. Store failures are
// resolved by the effective failure policy and never surface as errors.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"quotaguard/internal/ratelimit/fingerprint"
	"quotaguard/internal/ratelimit/metrics"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/internal/ratelimit/ports"
	"quotaguard/internal/ratelimit/service/block"
	"quotaguard/internal/ratelimit/service/policy"
	"quotaguard/internal/ratelimit/service/threat"
	"quotaguard/internal/ratelimit/service/window"
	"quotaguard/pkg/platform/audit"
	"quotaguard/pkg/platform/privacy"
	"quotaguard/pkg/platform/sentinel"
	"quotaguard/pkg/requestcontext"
)

// configMissingRetryAfter is the retry hint for classes with no policy.
const configMissingRetryAfter = 60 * time.Second

// Request is one gate evaluation.
type Request struct {
	Identity models.ClientIdentity
	Class    models.OperationClass
	// Surface is inspected for threats when set.
	Surface *threat.Surface
}

type Gate struct {
	resolver *policy.Resolver
	windows  *window.Counter
	blocks   *block.Manager
	threats  *threat.Monitor

	unavailableRetryAfter time.Duration

	logger         *slog.Logger
	auditPublisher ports.AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Gate)

// WithThreatMonitor enables request inspection.
func WithThreatMonitor(m *threat.Monitor) Option {
	return func(g *Gate) {
		g.threats = m
	}
}

// WithUnavailableRetryAfter sets the retry hint of fail-closed denials.
func WithUnavailableRetryAfter(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.unavailableRetryAfter = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(g *Gate) {
		g.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) {
		if t != nil {
			g.tracer = t
		}
	}
}

func New(resolver *policy.Resolver, windows *window.Counter, blocks *block.Manager, opts ...Option) (*Gate, error) {
	if resolver == nil {
		return nil, errors.New("policy resolver is required")
	}
	if windows == nil {
		return nil, errors.New("window counter is required")
	}
	if blocks == nil {
		return nil, errors.New("block manager is required")
	}
	g := &Gate{
		resolver:              resolver,
		windows:               windows,
		blocks:                blocks,
		unavailableRetryAfter: 5 * time.Second,
		logger:                slog.Default(),
		tracer:                otel.Tracer("quotaguard/ratelimit/gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate decides req at the request time carried by ctx.
func (g *Gate) Evaluate(ctx context.Context, req Request) models.Decision {
	ctx, span := g.tracer.Start(ctx, "ratelimit.evaluate", trace.WithAttributes(
		attribute.String("ratelimit.class", string(req.Class)),
		attribute.String("ratelimit.identity_kind", string(req.Identity.Kind)),
		attribute.String("ratelimit.tier", string(req.Identity.Tier)),
	))
	defer span.End()

	d := g.evaluate(ctx, req)

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.String("ratelimit.reason", string(d.Reason)),
		attribute.Bool("ratelimit.degraded", d.Degraded),
	)
	g.metrics.ObserveDecision(req.Class, d)
	return d
}

func (g *Gate) evaluate(ctx context.Context, req Request) models.Decision {
	now := requestcontext.Now(ctx)
	identity := req.Identity
	ip := privacy.AnonymizeIP(requestcontext.ClientIP(ctx))

	if err := identity.Validate(); err != nil {
		g.logger.ErrorContext(ctx, "rejecting request with invalid identity", "error", err)
		return models.Deny(identity, models.ReasonTemporarilyUnavailable, g.unavailableRetryAfter)
	}

	policies, err := g.resolver.Resolve(identity, req.Class)
	if err != nil {
		// Default-deny: a class without configuration is never let through.
		ports.LogAudit(ctx, g.logger, g.auditPublisher, audit.ActionConfigMissing,
			"identity", identity.Key(),
			"class", string(req.Class),
			"ip", ip,
		)
		return models.Deny(identity, models.ReasonRateLimitExceeded, configMissingRetryAfter)
	}
	failurePolicy := g.resolver.FailurePolicy(policies)

	record, err := g.blocks.Check(ctx, identity, policy.Scopes(policies), now)
	if err != nil {
		return g.unavailable(ctx, identity, failurePolicy, "block_check", err)
	}
	if record != nil {
		ports.LogAudit(ctx, g.logger, g.auditPublisher, audit.ActionBlockedRequest,
			"identity", identity.Key(),
			"scope", record.Scope,
			"reason", string(record.Reason),
			"ip", ip,
			"device", fingerprint.DisplayName(requestcontext.UserAgent(ctx)),
		)
		return models.Deny(identity, models.ReasonBlocked, record.Remaining(now))
	}

	if g.threats != nil && req.Surface != nil {
		if kinds := g.threats.Inspect(*req.Surface); len(kinds) > 0 {
			return g.rejectThreat(ctx, identity, kinds, now, ip)
		}
	}

	var restrictive *models.RateLimitResult
	for _, p := range policies {
		res, err := g.windows.Check(ctx, identity, p, now)
		if err != nil {
			return g.unavailable(ctx, identity, failurePolicy, "window_check", err)
		}
		if !res.Allowed {
			return g.rejectExceeded(ctx, identity, p, res, now, ip)
		}
		if restrictive == nil {
			restrictive = &res
		} else {
			merged := models.MoreRestrictive(*restrictive, res)
			restrictive = &merged
		}
	}
	if restrictive == nil {
		return models.Decision{Allowed: true, Identity: identity}
	}
	return models.Allow(identity, *restrictive)
}

func (g *Gate) rejectThreat(ctx context.Context, identity models.ClientIdentity, kinds []models.ThreatKind, now time.Time, ip string) models.Decision {
	g.metrics.IncrementThreats(kinds)

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	ports.LogAudit(ctx, g.logger, g.auditPublisher, audit.ActionThreatDetected,
		"identity", identity.Key(),
		"threat", strings.Join(names, ","),
		"ip", ip,
		"device", fingerprint.DisplayName(requestcontext.UserAgent(ctx)),
		"fingerprint", identity.Fingerprint,
	)

	// One violation per request, attributed to the first matched class.
	if _, err := g.blocks.RecordViolation(ctx, identity, kinds[0], now); err != nil {
		g.logger.WarnContext(ctx, "failed to record threat violation", "error", err)
	}
	return models.Deny(identity, models.ReasonThreatDetected, 0)
}

func (g *Gate) rejectExceeded(ctx context.Context, identity models.ClientIdentity, p models.QuotaPolicy, res models.RateLimitResult, now time.Time, ip string) models.Decision {
	d := models.DenyExceeded(identity, res)
	ports.LogAudit(ctx, g.logger, g.auditPublisher, audit.ActionRateLimitExceeded,
		"identity", identity.Key(),
		"scope", p.Scope,
		"deny_reason", string(d.Reason),
		"ip", ip,
	)

	if !p.BlocksOnExceed() {
		return d
	}
	record, _, err := g.blocks.BlockForPolicy(ctx, identity, p, now)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to escalate rejection to block", "scope", p.Scope, "error", err)
		return d
	}
	d.RetryAfter = max(d.RetryAfter, record.Remaining(now))
	if _, err := g.blocks.RecordViolation(ctx, identity, models.ThreatRateLimit, now); err != nil {
		g.logger.WarnContext(ctx, "failed to record rate limit violation", "error", err)
	}
	return d
}

// unavailable applies the failure policy to a store failure. Both outcomes
// are marked degraded.
func (g *Gate) unavailable(ctx context.Context, identity models.ClientIdentity, fp models.FailurePolicy, stage string, err error) models.Decision {
	ports.LogAudit(ctx, g.logger, g.auditPublisher, audit.ActionStoreDegraded,
		"identity", identity.Key(),
		"stage", stage,
		"failure_policy", string(fp),
		"store_unavailable", errors.Is(err, sentinel.ErrUnavailable),
		"error", err,
	)

	if fp == models.FailClosed {
		d := models.Deny(identity, models.ReasonTemporarilyUnavailable, g.unavailableRetryAfter)
		d.Degraded = true
		return d
	}
	return models.Decision{Allowed: true, Identity: identity, Degraded: true}
}

// RecordStatus feeds a security-relevant response status of the handler
// into the violation counter. Other statuses are ignored.
func (g *Gate) RecordStatus(ctx context.Context, identity models.ClientIdentity, status int) models.BlockState {
	kind, ok := models.ThreatKindForStatus(status)
	if !ok {
		return models.StateClear
	}
	state, err := g.blocks.RecordViolation(ctx, identity, kind, requestcontext.Now(ctx))
	if err != nil {
		g.logger.WarnContext(ctx, "failed to record status violation", "status", status, "error", err)
		return models.StateClear
	}
	return state
}
