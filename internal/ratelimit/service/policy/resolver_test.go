package policy

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/suite"

	"quotaguard/internal/ratelimit/config"
	"quotaguard/internal/ratelimit/models"
	dErrors "quotaguard/pkg/domain-errors"
)

type ResolverSuite struct {
	suite.Suite
	resolver *Resolver
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	var err error
	s.resolver, err = New(config.DefaultConfig())
	s.Require().NoError(err)
}

func identity(tier models.Tier) models.ClientIdentity {
	return models.ClientIdentity{PrimaryKey: "u1", Kind: models.KindAuthenticatedUser, Tier: tier}
}

func (s *ResolverSuite) TestNewRejectsInvalidConfig() {
	_, err := New(nil)
	s.Error(err)

	cfg := config.DefaultConfig()
	cfg.Tiers.Limits[models.TierEnterprise] = 1
	_, err = New(cfg)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ResolverSuite) TestClassPolicyFirstThenTier() {
	policies, err := s.resolver.Resolve(identity(models.TierFree), models.ClassAuth)
	s.Require().NoError(err)
	s.Require().Len(policies, 2)

	auth := policies[0]
	s.Equal("auth", auth.Scope)
	s.Equal(15*time.Minute, auth.Window)
	s.Equal(5, auth.MaxRequests)
	s.Equal(models.AlgorithmSliding, auth.Algorithm)
	s.True(auth.BlocksOnExceed())

	tier := policies[1]
	s.Equal(models.ScopeTier, tier.Scope)
	s.Equal(60, tier.MaxRequests)
	s.Equal(models.AlgorithmFixed, tier.Algorithm)
}

func (s *ResolverSuite) TestGeneralClassUsesTierOnly() {
	for _, class := range []models.OperationClass{"", models.ClassGeneral} {
		policies, err := s.resolver.Resolve(identity(models.TierBusiness), class)
		s.Require().NoError(err)
		s.Require().Len(policies, 1)
		s.Equal(1000, policies[0].MaxRequests)
	}
}

func (s *ResolverSuite) TestUnknownClassIsAnError() {
	_, err := s.resolver.Resolve(identity(models.TierFree), "export")
	s.True(errors.Is(err, ErrUnknownClass))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ResolverSuite) TestUnknownTierFallsBackToAnonymous() {
	policies, err := s.resolver.Resolve(identity("gold"), "")
	s.Require().NoError(err)
	s.Equal(30, policies[0].MaxRequests)
}

func (s *ResolverSuite) TestFailurePolicy() {
	auth, err := s.resolver.Resolve(identity(models.TierFree), models.ClassAuth)
	s.Require().NoError(err)
	s.Equal(models.FailClosed, s.resolver.FailurePolicy(auth))

	upload, err := s.resolver.Resolve(identity(models.TierFree), models.ClassUpload)
	s.Require().NoError(err)
	s.Equal(models.FailOpen, s.resolver.FailurePolicy(upload))

	s.Equal(models.FailClosed, EffectiveFailurePolicy(nil, models.FailClosed))
}

func (s *ResolverSuite) TestScopes() {
	auth, err := s.resolver.Resolve(identity(models.TierFree), models.ClassAuth)
	s.Require().NoError(err)
	s.Equal([]string{models.ScopeGlobal, "auth"}, Scopes(auth))

	general, err := s.resolver.Resolve(identity(models.TierFree), "")
	s.Require().NoError(err)
	s.Equal([]string{models.ScopeGlobal}, Scopes(general))
}

// Higher tiers never get a lower ceiling than lower tiers, for any class,
// given any configuration that passes validation.
func TestTierCeilingsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	tiers := models.Tiers()
	classes := []models.OperationClass{"", models.ClassAuth, models.ClassPayment, models.ClassUpload, "search"}

	properties.Property("resolved max requests never decrease with tier", prop.ForAll(
		func(tierLimits []int, classLimits []int) bool {
			sort.Ints(tierLimits)
			sort.Ints(classLimits)

			cfg := config.DefaultConfig()
			for i, tier := range tiers {
				cfg.Tiers.Limits[tier] = tierLimits[i]
			}
			search := config.ClassPolicy{
				Window:      time.Minute,
				MaxRequests: classLimits[0],
				Algorithm:   models.AlgorithmSliding,
				TierLimits:  map[models.Tier]int{},
			}
			for i, tier := range tiers {
				search.TierLimits[tier] = classLimits[i]
			}
			cfg.Classes["search"] = search

			r, err := New(cfg)
			if err != nil {
				return false
			}
			for _, class := range classes {
				prev := map[int]int{}
				for _, tier := range tiers {
					policies, err := r.Resolve(identity(tier), class)
					if err != nil {
						return false
					}
					for i, p := range policies {
						if p.MaxRequests < prev[i] {
							return false
						}
						prev[i] = p.MaxRequests
					}
				}
			}
			return true
		},
		gen.SliceOfN(len(tiers), gen.IntRange(1, 100_000)),
		gen.SliceOfN(len(tiers), gen.IntRange(1, 10_000)),
	))

	properties.Property("a tier table with an inversion is rejected", prop.ForAll(
		func(low, drop int) bool {
			cfg := config.DefaultConfig()
			cfg.Tiers.Limits[models.TierStarter] = low + drop
			cfg.Tiers.Limits[models.TierBusiness] = low
			cfg.Tiers.Limits[models.TierEnterprise] = low + drop
			cfg.Tiers.Limits[models.TierFree] = 1
			cfg.Tiers.Limits[models.TierAnonymous] = 1
			_, err := New(cfg)
			return dErrors.HasCode(err, dErrors.CodeValidation)
		},
		gen.IntRange(1, 10_000),
		gen.IntRange(1, 10_000),
	))

	properties.TestingRun(t)
}
