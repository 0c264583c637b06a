// Package block implements the Block Manager: per-identity violation
// counting and time-boxed blocks.
//
// An identity is Clear, Warned (violations >= warn threshold) or Blocked (an
// active block record in any applicable scope). Blocks are created with a
// fixed expiry and are never extended; expiry returns the identity to Clear.
package block

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quotaguard/internal/ratelimit/config"
	"quotaguard/internal/ratelimit/metrics"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/internal/ratelimit/ports"
	"quotaguard/pkg/platform/audit"
	"quotaguard/pkg/platform/privacy"
	"quotaguard/pkg/requestcontext"
)

// AuditPublisher is an alias to the shared interface.
type AuditPublisher = ports.AuditPublisher

type Manager struct {
	store          ports.CounterStore
	config         config.BlockConfig
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(m *Manager) {
		m.auditPublisher = publisher
	}
}

func WithConfig(cfg config.BlockConfig) Option {
	return func(m *Manager) {
		m.config = cfg
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func New(store ports.CounterStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	m := &Manager{
		store:  store,
		config: config.DefaultConfig().Block,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Check returns the active block with the most time remaining across scopes,
// or nil when the identity is not blocked in any of them.
func (m *Manager) Check(ctx context.Context, identity models.ClientIdentity, scopes []string, now time.Time) (*models.BlockRecord, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	keys := make([]string, len(scopes))
	for i, scope := range scopes {
		keys[i] = models.BlockKey(scope, identity)
	}

	values, err := m.store.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}

	var active *models.BlockRecord
	for i, value := range values {
		if value == "" || i >= len(scopes) {
			continue
		}
		record, err := models.ParseBlockValue(keys[i], scopes[i], value)
		if err != nil {
			if m.logger != nil {
				m.logger.WarnContext(ctx, "ignoring malformed block record", "key", keys[i], "error", err)
			}
			continue
		}
		if !record.Active(now) {
			continue
		}
		if active == nil || record.ExpiresAt.After(active.ExpiresAt) {
			active = &record
		}
	}
	return active, nil
}

// RecordViolation counts one violation of kind and reports the resulting
// state. Crossing the block threshold creates a global block unless one
// already exists.
func (m *Manager) RecordViolation(ctx context.Context, identity models.ClientIdentity, kind models.ThreatKind, now time.Time) (models.BlockState, error) {
	res, err := m.store.IncrementWithTTL(ctx, models.ViolationKey(identity), m.config.ViolationWindow)
	if err != nil {
		return models.StateClear, err
	}
	m.metrics.IncrementViolations(kind)

	state := m.StateFor(res.Count)
	ports.LogAudit(ctx, m.logger, m.auditPublisher, audit.ActionViolationRecorded,
		"identity", identity.Key(),
		"reason", string(kind),
		"violations", res.Count,
		"state", string(state),
		"ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
	)

	if state != models.StateBlocked {
		return state, nil
	}
	_, _, err = m.Block(ctx, identity, models.ScopeGlobal, kind, m.config.Duration, now)
	return state, err
}

// BlockForPolicy creates the block a rejecting policy is configured to
// trigger. It is a no-op for policies without a block duration.
func (m *Manager) BlockForPolicy(ctx context.Context, identity models.ClientIdentity, policy models.QuotaPolicy, now time.Time) (models.BlockRecord, bool, error) {
	if !policy.BlocksOnExceed() {
		return models.BlockRecord{}, false, nil
	}
	return m.Block(ctx, identity, policy.Scope, models.ThreatRateLimit, policy.BlockDuration, now)
}

// Block stores a block for identity in scope lasting d from now. If a block
// already exists in that scope it is left unchanged, created is false and the
// stored record is returned. The record is zero when the existing block
// cannot be read back.
func (m *Manager) Block(ctx context.Context, identity models.ClientIdentity, scope string, reason models.ThreatKind, d time.Duration, now time.Time) (record models.BlockRecord, created bool, err error) {
	record = models.BlockRecord{
		Key:       models.BlockKey(scope, identity),
		Scope:     scope,
		Reason:    reason,
		ExpiresAt: now.Add(d),
	}
	created, err = m.store.SetIfAbsent(ctx, record.Key, record.EncodeValue(), d)
	if err != nil {
		return models.BlockRecord{}, false, err
	}
	if !created {
		return m.stored(ctx, record.Key, scope), false, nil
	}

	m.metrics.IncrementBlocks(reason, scope)
	ports.LogAudit(ctx, m.logger, m.auditPublisher, audit.ActionBlockCreated,
		"identity", identity.Key(),
		"scope", scope,
		"reason", string(reason),
		"expires_at", record.ExpiresAt,
		"ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
	)
	return record, true, nil
}

func (m *Manager) stored(ctx context.Context, key, scope string) models.BlockRecord {
	values, err := m.store.GetMany(ctx, key)
	if err != nil || len(values) == 0 || values[0] == "" {
		if err != nil && m.logger != nil {
			m.logger.WarnContext(ctx, "failed to read existing block", "key", key, "error", err)
		}
		return models.BlockRecord{}
	}
	record, err := models.ParseBlockValue(key, scope, values[0])
	if err != nil {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "ignoring malformed block record", "key", key, "error", err)
		}
		return models.BlockRecord{}
	}
	return record
}

// StateFor maps a violation count to a state.
func (m *Manager) StateFor(violations int64) models.BlockState {
	switch {
	case violations >= int64(m.config.BlockThreshold):
		return models.StateBlocked
	case violations >= int64(m.config.WarnThreshold):
		return models.StateWarned
	default:
		return models.StateClear
	}
}
