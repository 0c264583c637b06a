package models

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	dErrors "quotaguard/pkg/domain-errors"
)

// IdentityKind classifies how a client was identified.
type IdentityKind string

const (
	KindIP                IdentityKind = "ip"
	KindAuthenticatedUser IdentityKind = "user"
	KindAPIKey            IdentityKind = "apikey"
)

// Tier is the caller's plan level. Tiers are totally ordered by Rank.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

var tierOrder = []Tier{TierAnonymous, TierFree, TierStarter, TierBusiness, TierEnterprise}

// Tiers returns every tier in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// Rank returns the tier position, or -1 for unknown tiers.
func (t Tier) Rank() int {
	for i, candidate := range tierOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// IsValid checks if the tier is one of the supported enum values.
func (t Tier) IsValid() bool {
	return t.Rank() >= 0
}

// ParseTier normalizes s and falls back to def when it names no known tier.
func ParseTier(s string, def Tier) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.IsValid() {
		return t
	}
	return def
}

// ClientIdentity is the per-request rate limit subject.
// PrimaryKey is the user ID, API key ID, or keyed hash of the client address.
// Fingerprint distinguishes anonymous devices in audit events and never keys a counter.
type ClientIdentity struct {
	PrimaryKey  string       `json:"primary_key"`
	Kind        IdentityKind `json:"kind"`
	Tier        Tier         `json:"tier"`
	Fingerprint string       `json:"fingerprint,omitempty"`
}

// Key is the identity segment used in every store key.
func (c ClientIdentity) Key() string {
	return string(c.Kind) + "_" + SanitizeKeySegment(c.PrimaryKey)
}

// Validate checks the identity can be used to build store keys.
func (c ClientIdentity) Validate() error {
	if c.PrimaryKey == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "identity primary key cannot be empty")
	}
	switch c.Kind {
	case KindIP, KindAuthenticatedUser, KindAPIKey:
	default:
		return dErrors.New(dErrors.CodeInvariantViolation, "invalid identity kind")
	}
	if !c.Tier.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, "invalid tier")
	}
	return nil
}

// Algorithm selects the window counting strategy.
type Algorithm string

const (
	AlgorithmSliding Algorithm = "sliding"
	AlgorithmFixed   Algorithm = "fixed"
)

func (a Algorithm) IsValid() bool {
	return a == AlgorithmSliding || a == AlgorithmFixed
}

// FailurePolicy decides the outcome when the counter store is unreachable.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

func (f FailurePolicy) IsValid() bool {
	return f == FailOpen || f == FailClosed
}

// OperationClass groups routes that share a rate limit policy.
type OperationClass string

const (
	ClassAuth    OperationClass = "auth"
	ClassPayment OperationClass = "payment"
	ClassUpload  OperationClass = "upload"
	// ClassGeneral is enforced by the tier policy alone.
	ClassGeneral OperationClass = "general-api"
)

// Scope names used in store keys.
const (
	ScopeGlobal = "global"
	ScopeTier   = "tier"
)

// QuotaPolicy is one immutable limit. A BlockDuration > 0 means a rejection
// by this policy immediately blocks the identity for that long.
type QuotaPolicy struct {
	Scope         string        `json:"scope"`
	Window        time.Duration `json:"window"`
	MaxRequests   int           `json:"max_requests"`
	Algorithm     Algorithm     `json:"algorithm"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy"`
}

func (p QuotaPolicy) BlocksOnExceed() bool {
	return p.BlockDuration > 0
}

// Validate checks policy invariants.
func (p QuotaPolicy) Validate() error {
	if p.Scope == "" {
		return dErrors.New(dErrors.CodeValidation, "policy scope is required")
	}
	if p.Window < time.Second {
		return dErrors.New(dErrors.CodeValidation, "policy window must be at least one second")
	}
	if p.MaxRequests <= 0 {
		return dErrors.New(dErrors.CodeValidation, "policy max_requests must be positive")
	}
	if !p.Algorithm.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "policy algorithm must be sliding or fixed")
	}
	if p.BlockDuration < 0 {
		return dErrors.New(dErrors.CodeValidation, "policy block_duration cannot be negative")
	}
	if !p.FailurePolicy.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "policy failure_policy must be open or closed")
	}
	return nil
}

// ThreatKind names why an identity accumulated a violation or was blocked.
type ThreatKind string

const (
	ThreatSQLInjection     ThreatKind = "sql_injection"
	ThreatXSS              ThreatKind = "xss"
	ThreatPathTraversal    ThreatKind = "path_traversal"
	ThreatCommandInjection ThreatKind = "command_injection"

	ThreatRateLimit    ThreatKind = "rate_limit"
	ThreatAuthFailure  ThreatKind = "auth_failure"
	ThreatAccessDenied ThreatKind = "access_denied"
)

// ThreatKindForStatus maps a security-relevant response status to a violation kind.
func ThreatKindForStatus(status int) (ThreatKind, bool) {
	switch status {
	case http.StatusUnauthorized:
		return ThreatAuthFailure, true
	case http.StatusForbidden:
		return ThreatAccessDenied, true
	case http.StatusTooManyRequests:
		return ThreatRateLimit, true
	}
	return "", false
}

// BlockState is the Block Manager position of an identity.
type BlockState string

const (
	StateClear   BlockState = "clear"
	StateWarned  BlockState = "warned"
	StateBlocked BlockState = "blocked"
)

// BlockRecord is a time-boxed hard denial.
type BlockRecord struct {
	Key       string     `json:"-"`
	Scope     string     `json:"scope"`
	Reason    ThreatKind `json:"reason"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Active reports whether the block still applies at now.
func (b BlockRecord) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}

// Remaining is the block time left at now, never negative.
func (b BlockRecord) Remaining(now time.Time) time.Duration {
	return max(b.ExpiresAt.Sub(now), 0)
}

// EncodeValue renders the stored form "reason|expiresAtMs".
func (b BlockRecord) EncodeValue() string {
	return string(b.Reason) + "|" + strconv.FormatInt(b.ExpiresAt.UnixMilli(), 10)
}

// ParseBlockValue decodes a stored block value.
func ParseBlockValue(key, scope, value string) (BlockRecord, error) {
	reason, expires, ok := strings.Cut(value, "|")
	if !ok || reason == "" {
		return BlockRecord{}, dErrors.New(dErrors.CodeInvariantViolation, "malformed block record")
	}
	ms, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return BlockRecord{}, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "malformed block expiry")
	}
	return BlockRecord{
		Key:       key,
		Scope:     scope,
		Reason:    ThreatKind(reason),
		ExpiresAt: time.UnixMilli(ms),
	}, nil
}

// RateLimitResult represents the outcome of one window check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Policy     QuotaPolicy   `json:"-"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // only set when not allowed
}

// MoreRestrictive returns whichever result leaves the caller less headroom.
// Ties go to the window that resets first.
func MoreRestrictive(a, b RateLimitResult) RateLimitResult {
	if a.Remaining < b.Remaining {
		return a
	}
	if b.Remaining < a.Remaining {
		return b
	}
	if a.ResetAt.Before(b.ResetAt) {
		return a
	}
	return b
}
