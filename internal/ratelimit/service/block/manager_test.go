package block

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quotaguard/internal/ratelimit/config"
	"quotaguard/internal/ratelimit/metrics"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/internal/ratelimit/ports"
	"quotaguard/internal/ratelimit/ports/mocks"
	"quotaguard/internal/ratelimit/store/counter"
	"quotaguard/pkg/platform/audit"
)

type recordingPublisher struct {
	events []audit.SecurityEvent
}

func (p *recordingPublisher) Emit(_ context.Context, event audit.SecurityEvent) {
	p.events = append(p.events, event)
}

func (p *recordingPublisher) actions() []audit.Action {
	out := make([]audit.Action, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Action)
	}
	return out
}

type ManagerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *counter.InMemoryCounterStore
	publisher *recordingPublisher
	manager   *Manager
	identity  models.ClientIdentity
	now       time.Time
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Unix(1_700_000_000, 0)
	frozen := s.now
	s.store = counter.NewInMemoryCounterStore(counter.WithClock(func() time.Time { return frozen }))
	s.publisher = &recordingPublisher{}
	s.identity = models.ClientIdentity{PrimaryKey: "user-1", Kind: models.KindAuthenticatedUser, Tier: models.TierFree}

	var err error
	s.manager, err = New(s.store,
		WithConfig(config.BlockConfig{
			ViolationWindow: 15 * time.Minute,
			WarnThreshold:   3,
			BlockThreshold:  5,
			Duration:        15 * time.Minute,
		}),
		WithAuditPublisher(s.publisher),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	s.Require().NoError(err)
}

func (s *ManagerSuite) TestRequiresStore() {
	_, err := New(nil)
	s.Error(err)
}

func (s *ManagerSuite) TestClearIdentityHasNoBlock() {
	record, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, s.now)
	s.Require().NoError(err)
	s.Nil(record)

	record, err = s.manager.Check(s.ctx, s.identity, nil, s.now)
	s.Require().NoError(err)
	s.Nil(record)
}

func (s *ManagerSuite) TestViolationsEscalate() {
	want := []models.BlockState{
		models.StateClear, models.StateClear,
		models.StateWarned, models.StateWarned,
		models.StateBlocked,
	}
	for i, expected := range want {
		state, err := s.manager.RecordViolation(s.ctx, s.identity, models.ThreatAuthFailure, s.now)
		s.Require().NoError(err)
		s.Equal(expected, state, "violation %d", i+1)
	}

	record, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.Require().NotNil(record)
	s.Equal(models.ScopeGlobal, record.Scope)
	s.Equal(models.ThreatAuthFailure, record.Reason)
	s.Equal(s.now.Add(15*time.Minute).UnixMilli(), record.ExpiresAt.UnixMilli())
	s.Equal(14*time.Minute, record.Remaining(s.now.Add(time.Minute)))
	s.Contains(s.publisher.actions(), audit.ActionBlockCreated)
}

func (s *ManagerSuite) TestBlockIsNotExtended() {
	for range 5 {
		_, err := s.manager.RecordViolation(s.ctx, s.identity, models.ThreatXSS, s.now)
		s.Require().NoError(err)
	}
	later := s.now.Add(10 * time.Minute)
	state, err := s.manager.RecordViolation(s.ctx, s.identity, models.ThreatSQLInjection, later)
	s.Require().NoError(err)
	s.Equal(models.StateBlocked, state)

	record, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, later)
	s.Require().NoError(err)
	s.Require().NotNil(record)
	s.Equal(s.now.Add(15*time.Minute).UnixMilli(), record.ExpiresAt.UnixMilli())
	s.Equal(models.ThreatXSS, record.Reason, "original reason is kept")
}

func (s *ManagerSuite) TestExistingBlockIsReturnedAsStored() {
	first, created, err := s.manager.Block(s.ctx, s.identity, "auth", models.ThreatRateLimit, 15*time.Minute, s.now)
	s.Require().NoError(err)
	s.Require().True(created)

	later := s.now.Add(5 * time.Minute)
	again, created, err := s.manager.Block(s.ctx, s.identity, "auth", models.ThreatXSS, 15*time.Minute, later)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(first.ExpiresAt.UnixMilli(), again.ExpiresAt.UnixMilli())
	s.Equal(models.ThreatRateLimit, again.Reason)
	s.Equal(10*time.Minute, again.Remaining(later))
}

func (s *ManagerSuite) TestExpiredBlockIsClear() {
	_, created, err := s.manager.Block(s.ctx, s.identity, models.ScopeGlobal, models.ThreatXSS, time.Minute, s.now)
	s.Require().NoError(err)
	s.True(created)

	record, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, s.now.Add(time.Minute-time.Millisecond))
	s.Require().NoError(err)
	s.NotNil(record)

	record, err = s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.Nil(record)
}

func (s *ManagerSuite) TestPolicyBlockIsScoped() {
	auth := models.QuotaPolicy{
		Scope: string(models.ClassAuth), Window: 15 * time.Minute, MaxRequests: 5,
		Algorithm: models.AlgorithmSliding, BlockDuration: 15 * time.Minute, FailurePolicy: models.FailClosed,
	}
	record, created, err := s.manager.BlockForPolicy(s.ctx, s.identity, auth, s.now)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(models.ThreatRateLimit, record.Reason)

	s.Run("other scopes are unaffected", func() {
		got, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, s.now)
		s.Require().NoError(err)
		s.Nil(got)
	})

	s.Run("policy scope is blocked", func() {
		got, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal, auth.Scope}, s.now)
		s.Require().NoError(err)
		s.Require().NotNil(got)
		s.Equal(auth.Scope, got.Scope)
	})

	s.Run("policy without block duration does nothing", func() {
		noBlock := auth
		noBlock.BlockDuration = 0
		_, created, err := s.manager.BlockForPolicy(s.ctx, s.identity, noBlock, s.now)
		s.Require().NoError(err)
		s.False(created)
	})
}

func (s *ManagerSuite) TestLongestBlockWins() {
	_, _, err := s.manager.Block(s.ctx, s.identity, models.ScopeGlobal, models.ThreatXSS, time.Minute, s.now)
	s.Require().NoError(err)
	_, _, err = s.manager.Block(s.ctx, s.identity, "auth", models.ThreatRateLimit, time.Hour, s.now)
	s.Require().NoError(err)

	record, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal, "auth"}, s.now)
	s.Require().NoError(err)
	s.Require().NotNil(record)
	s.Equal("auth", record.Scope)
}

func (s *ManagerSuite) TestMalformedRecordIsIgnored() {
	_, err := s.store.SetIfAbsent(s.ctx, models.BlockKey(models.ScopeGlobal, s.identity), "garbage", time.Hour)
	s.Require().NoError(err)

	record, err := s.manager.Check(s.ctx, s.identity, []string{models.ScopeGlobal}, s.now)
	s.Require().NoError(err)
	s.Nil(record)
}

func (s *ManagerSuite) TestIdentitiesAreIndependent() {
	for range 5 {
		_, err := s.manager.RecordViolation(s.ctx, s.identity, models.ThreatXSS, s.now)
		s.Require().NoError(err)
	}
	other := models.ClientIdentity{PrimaryKey: "user-2", Kind: models.KindAuthenticatedUser, Tier: models.TierFree}
	record, err := s.manager.Check(s.ctx, other, []string{models.ScopeGlobal}, s.now)
	s.Require().NoError(err)
	s.Nil(record)
}

func TestManagerPropagatesStoreErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockCounterStore(ctrl)
	boom := errors.New("store down")
	identity := models.ClientIdentity{PrimaryKey: "fp", Kind: models.KindIP, Tier: models.TierAnonymous}

	m, err := New(store)
	if err != nil {
		t.Fatal(err)
	}

	store.EXPECT().GetMany(gomock.Any(), "block:global:ip_fp").Return(nil, boom)
	if _, err := m.Check(context.Background(), identity, []string{models.ScopeGlobal}, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("Check error = %v, want %v", err, boom)
	}

	store.EXPECT().IncrementWithTTL(gomock.Any(), "violations:ip_fp", 15*time.Minute).Return(ports.IncrementResult{}, boom)
	if _, err := m.RecordViolation(context.Background(), identity, models.ThreatXSS, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("RecordViolation error = %v, want %v", err, boom)
	}
}

func TestBlockRaceWithUnreadableRecordReturnsZero(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockCounterStore(ctrl)
	identity := models.ClientIdentity{PrimaryKey: "fp", Kind: models.KindIP, Tier: models.TierAnonymous}
	m, err := New(store)
	if err != nil {
		t.Fatal(err)
	}

	store.EXPECT().SetIfAbsent(gomock.Any(), "block:auth:ip_fp", gomock.Any(), time.Minute).Return(false, nil)
	store.EXPECT().GetMany(gomock.Any(), "block:auth:ip_fp").Return(nil, errors.New("timeout"))

	record, created, err := m.Block(context.Background(), identity, "auth", models.ThreatRateLimit, time.Minute, time.Now())
	if err != nil || created {
		t.Fatalf("Block = created %v, err %v", created, err)
	}
	if record != (models.BlockRecord{}) {
		t.Fatalf("record = %+v, want zero", record)
	}
}
