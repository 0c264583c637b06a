// Package config is the declarative rate limit policy: tier table, operation
// class overrides, block escalation thresholds and threat signatures. It is
// loaded once at startup and never mutated afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"quotaguard/internal/ratelimit/models"
	dErrors "quotaguard/pkg/domain-errors"
)

// Config is the complete policy configuration.
type Config struct {
	// FailurePolicy applies when no resolved policy overrides it.
	FailurePolicy models.FailurePolicy `yaml:"failure_policy"`
	// StoreTimeout bounds every counter store call.
	StoreTimeout time.Duration `yaml:"store_timeout"`
	// UnavailableRetryAfter is the retry hint on fail-closed denials.
	UnavailableRetryAfter time.Duration `yaml:"unavailable_retry_after"`

	Tiers   TierPolicy                            `yaml:"tiers"`
	Classes map[models.OperationClass]ClassPolicy `yaml:"classes"`
	Block   BlockConfig                           `yaml:"block"`
	Threats ThreatConfig                          `yaml:"threats"`
	Breaker BreakerConfig                         `yaml:"circuit_breaker"`
}

// TierPolicy is the broad per-plan limit applied to every gated request.
type TierPolicy struct {
	Window    time.Duration       `yaml:"window"`
	Algorithm models.Algorithm    `yaml:"algorithm"`
	Limits    map[models.Tier]int `yaml:"limits"`
}

// ClassPolicy is the strict per-operation limit. TierLimits optionally scales
// MaxRequests per tier. Entries in a policy file replace the default class whole.
type ClassPolicy struct {
	Window        time.Duration        `yaml:"window"`
	MaxRequests   int                  `yaml:"max_requests"`
	Algorithm     models.Algorithm     `yaml:"algorithm"`
	BlockDuration time.Duration        `yaml:"block_duration"`
	FailurePolicy models.FailurePolicy `yaml:"failure_policy"`
	TierLimits    map[models.Tier]int  `yaml:"tier_limits"`
}

// LimitFor returns the class ceiling for tier.
func (c ClassPolicy) LimitFor(tier models.Tier) int {
	if n, ok := c.TierLimits[tier]; ok {
		return n
	}
	return c.MaxRequests
}

// BlockConfig drives the violation counter and escalation.
type BlockConfig struct {
	ViolationWindow time.Duration `yaml:"violation_window"`
	WarnThreshold   int           `yaml:"warn_threshold"`
	BlockThreshold  int           `yaml:"block_threshold"`
	Duration        time.Duration `yaml:"duration"`
	// StatusViolations makes 401/403/429 responses from handlers count as violations.
	StatusViolations bool `yaml:"status_violations"`
}

// ThreatConfig controls request inspection.
type ThreatConfig struct {
	Enabled      bool                           `yaml:"enabled"`
	MaxBodyBytes int64                          `yaml:"max_body_bytes"`
	Patterns     map[models.ThreatKind][]string `yaml:"patterns"`
}

// BreakerConfig tunes the store circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		FailurePolicy:         models.FailOpen,
		StoreTimeout:          50 * time.Millisecond,
		UnavailableRetryAfter: 5 * time.Second,
		Tiers: TierPolicy{
			Window:    time.Minute,
			Algorithm: models.AlgorithmFixed,
			Limits: map[models.Tier]int{
				models.TierAnonymous:  30,
				models.TierFree:       60,
				models.TierStarter:    300,
				models.TierBusiness:   1000,
				models.TierEnterprise: 5000,
			},
		},
		Classes: map[models.OperationClass]ClassPolicy{
			models.ClassAuth: {
				Window:        15 * time.Minute,
				MaxRequests:   5,
				Algorithm:     models.AlgorithmSliding,
				BlockDuration: 15 * time.Minute,
				FailurePolicy: models.FailClosed,
			},
			models.ClassPayment: {
				Window:        time.Minute,
				MaxRequests:   10,
				Algorithm:     models.AlgorithmSliding,
				FailurePolicy: models.FailClosed,
			},
			models.ClassUpload: {
				Window:        time.Hour,
				MaxRequests:   20,
				Algorithm:     models.AlgorithmFixed,
				FailurePolicy: models.FailOpen,
			},
		},
		Block: BlockConfig{
			ViolationWindow:  15 * time.Minute,
			WarnThreshold:    3,
			BlockThreshold:   5,
			Duration:         15 * time.Minute,
			StatusViolations: true,
		},
		Threats: ThreatConfig{
			Enabled:      true,
			MaxBodyBytes: 64 << 10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Cooldown:         time.Second,
		},
	}
}

// Load reads a YAML policy file over DefaultConfig. An empty path yields the
// defaults. Environment references (${VAR}) in the file are expanded.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := cfg.decode(bytes.NewReader([]byte(os.ExpandEnv(string(data))))); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML from r over DefaultConfig and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid policy file")
	}
	return nil
}

// Class returns the policy for an operation class.
func (c *Config) Class(class models.OperationClass) (ClassPolicy, bool) {
	p, ok := c.Classes[class]
	return p, ok
}

// TierLimit returns the tier table ceiling.
func (c *Config) TierLimit(tier models.Tier) int {
	return c.Tiers.Limits[tier]
}

// Validate checks every invariant of the policy.
func (c *Config) Validate() error {
	if !c.FailurePolicy.IsValid() {
		return invalid("failure_policy must be open or closed")
	}
	if c.StoreTimeout <= 0 {
		return invalid("store_timeout must be positive")
	}
	if c.UnavailableRetryAfter < 0 {
		return invalid("unavailable_retry_after cannot be negative")
	}

	if c.Tiers.Window < time.Second {
		return invalid("tiers.window must be at least one second")
	}
	if !c.Tiers.Algorithm.IsValid() {
		return invalid("tiers.algorithm must be sliding or fixed")
	}
	for tier := range c.Tiers.Limits {
		if !tier.IsValid() {
			return invalid(fmt.Sprintf("tiers.limits: unknown tier %q", tier))
		}
	}
	if err := checkMonotonic("tiers.limits", func(t models.Tier) (int, bool) {
		n, ok := c.Tiers.Limits[t]
		return n, ok
	}); err != nil {
		return err
	}

	for class, p := range c.Classes {
		if class == "" || class == models.ClassGeneral {
			return invalid(fmt.Sprintf("classes: %q is reserved", class))
		}
		if err := p.Policy(class, models.TierAnonymous, c.FailurePolicy).Validate(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("classes.%s", class))
		}
		for tier, n := range p.TierLimits {
			if !tier.IsValid() {
				return invalid(fmt.Sprintf("classes.%s.tier_limits: unknown tier %q", class, tier))
			}
			if n <= 0 {
				return invalid(fmt.Sprintf("classes.%s.tier_limits: limit must be positive", class))
			}
		}
		if err := checkMonotonic("classes."+string(class), func(t models.Tier) (int, bool) {
			return p.LimitFor(t), true
		}); err != nil {
			return err
		}
	}

	if c.Block.ViolationWindow < time.Second {
		return invalid("block.violation_window must be at least one second")
	}
	if c.Block.Duration < time.Second {
		return invalid("block.duration must be at least one second")
	}
	if c.Block.BlockThreshold <= 0 {
		return invalid("block.block_threshold must be positive")
	}
	if c.Block.WarnThreshold <= 0 || c.Block.WarnThreshold > c.Block.BlockThreshold {
		return invalid("block.warn_threshold must be positive and not exceed block_threshold")
	}

	if c.Threats.MaxBodyBytes < 0 {
		return invalid("threats.max_body_bytes cannot be negative")
	}
	for kind, patterns := range c.Threats.Patterns {
		switch kind {
		case models.ThreatSQLInjection, models.ThreatXSS, models.ThreatPathTraversal, models.ThreatCommandInjection:
		default:
			return invalid(fmt.Sprintf("threats.patterns: unknown class %q", kind))
		}
		for _, expr := range patterns {
			if _, err := regexp.Compile(expr); err != nil {
				return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("threats.patterns.%s: invalid pattern", kind))
			}
		}
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return invalid("circuit_breaker thresholds must be positive")
	}
	if c.Breaker.Cooldown < 0 {
		return invalid("circuit_breaker.cooldown cannot be negative")
	}
	return nil
}

// Policy materializes the class policy for a tier. An unset class failure
// policy inherits def.
func (c ClassPolicy) Policy(class models.OperationClass, tier models.Tier, def models.FailurePolicy) models.QuotaPolicy {
	fp := c.FailurePolicy
	if fp == "" {
		fp = def
	}
	return models.QuotaPolicy{
		Scope:         string(class),
		Window:        c.Window,
		MaxRequests:   c.LimitFor(tier),
		Algorithm:     c.Algorithm,
		BlockDuration: c.BlockDuration,
		FailurePolicy: fp,
	}
}

// checkMonotonic verifies every present tier ceiling is positive and never
// lower than the ceiling of a lower tier.
func checkMonotonic(field string, limit func(models.Tier) (int, bool)) error {
	prev, prevTier := 0, models.Tier("")
	for _, tier := range models.Tiers() {
		n, ok := limit(tier)
		if !ok {
			continue
		}
		if n <= 0 {
			return invalid(fmt.Sprintf("%s: %s limit must be positive", field, tier))
		}
		if n < prev {
			return invalid(fmt.Sprintf("%s: %s limit %d is below %s limit %d", field, tier, n, prevTier, prev))
		}
		prev, prevTier = n, tier
	}
	return nil
}

func invalid(msg string) error {
	return dErrors.New(dErrors.CodeValidation, msg)
}
