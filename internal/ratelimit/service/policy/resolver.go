// Package policy resolves the ordered set of quota policies that apply to a
// request: the operation class policy (most specific) then the tier policy.
package policy

import (
	"errors"

	"quotaguard/internal/ratelimit/config"
	"quotaguard/internal/ratelimit/models"
	dErrors "quotaguard/pkg/domain-errors"
)

// ErrUnknownClass is returned for an operation class with no configured policy.
var ErrUnknownClass = dErrors.New(dErrors.CodeNotFound, "rate_limit_config_missing")

// Resolver maps identity and operation class to policies. It holds a
// validated configuration and never mutates it.
type Resolver struct {
	cfg *config.Config
}

// New validates cfg and builds a resolver.
func New(cfg *config.Config) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("policy config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve returns the policies every one of which must pass, most specific
// first. An empty class or the general class yields only the tier policy.
func (r *Resolver) Resolve(identity models.ClientIdentity, class models.OperationClass) ([]models.QuotaPolicy, error) {
	tier := identity.Tier
	if !tier.IsValid() {
		tier = models.TierAnonymous
	}

	policies := make([]models.QuotaPolicy, 0, 2)
	if class != "" && class != models.ClassGeneral {
		cp, ok := r.cfg.Class(class)
		if !ok {
			return nil, ErrUnknownClass
		}
		policies = append(policies, cp.Policy(class, tier, r.cfg.FailurePolicy))
	}
	return append(policies, r.TierPolicy(tier)), nil
}

// TierPolicy is the broad plan-level policy for tier.
func (r *Resolver) TierPolicy(tier models.Tier) models.QuotaPolicy {
	return models.QuotaPolicy{
		Scope:         models.ScopeTier,
		Window:        r.cfg.Tiers.Window,
		MaxRequests:   r.cfg.TierLimit(tier),
		Algorithm:     r.cfg.Tiers.Algorithm,
		FailurePolicy: r.cfg.FailurePolicy,
	}
}

// FailurePolicy is closed if any resolved policy is closed, else the default.
func (r *Resolver) FailurePolicy(policies []models.QuotaPolicy) models.FailurePolicy {
	return EffectiveFailurePolicy(policies, r.cfg.FailurePolicy)
}

// EffectiveFailurePolicy is closed if any policy is closed, def when empty.
func EffectiveFailurePolicy(policies []models.QuotaPolicy, def models.FailurePolicy) models.FailurePolicy {
	if len(policies) == 0 {
		return def
	}
	for _, p := range policies {
		if p.FailurePolicy == models.FailClosed {
			return models.FailClosed
		}
	}
	return models.FailOpen
}

// Scopes returns the block scopes that apply to a request with these policies:
// the global scope first, then each policy scope that can block on exceed.
func Scopes(policies []models.QuotaPolicy) []string {
	scopes := []string{models.ScopeGlobal}
	for _, p := range policies {
		if p.BlocksOnExceed() {
			scopes = append(scopes, p.Scope)
		}
	}
	return scopes
}
