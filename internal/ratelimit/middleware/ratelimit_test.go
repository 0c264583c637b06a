package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	jwttoken "quotaguard/internal/jwt_token"
	authmw "quotaguard/internal/platform/middleware"
	"quotaguard/internal/ratelimit/config"
	"quotaguard/internal/ratelimit/fingerprint"
	"quotaguard/internal/ratelimit/models"
	"quotaguard/internal/ratelimit/service/block"
	"quotaguard/internal/ratelimit/service/gate"
	"quotaguard/internal/ratelimit/service/policy"
	"quotaguard/internal/ratelimit/service/threat"
	"quotaguard/internal/ratelimit/service/window"
	"quotaguard/internal/ratelimit/store/counter"
	metadata "quotaguard/pkg/platform/middleware/metadata"
	"quotaguard/pkg/testutil"
)

var fixedNow = time.Unix(1_700_000_040, 0)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// atFixedTime pins the request clock so window buckets cannot roll over mid-test.
func atFixedTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, testutil.WithTime(r, fixedNow))
	})
}

type MiddlewareSuite struct {
	suite.Suite
	router *chi.Mux
	jwt    *jwttoken.JWTService
	// lastBody is what the echo handler read.
	lastBody string
}

func TestMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareSuite))
}

func (s *MiddlewareSuite) SetupTest() {
	s.lastBody = ""
	cfg := config.DefaultConfig()
	store := counter.NewInMemoryCounterStore()
	resolver, err := policy.New(cfg)
	s.Require().NoError(err)
	windows, err := window.New(store)
	s.Require().NoError(err)
	blocks, err := block.New(store, block.WithConfig(cfg.Block))
	s.Require().NoError(err)
	monitor, err := threat.New(nil)
	s.Require().NoError(err)
	g, err := gate.New(resolver, windows, blocks, gate.WithThreatMonitor(monitor), gate.WithLogger(discardLogger()))
	s.Require().NoError(err)

	s.jwt = jwttoken.NewJWTService("secret", "quotaguard", "")
	limiter := New(g, discardLogger(),
		WithFingerprints(fingerprint.New("fp-secret")),
		WithInspection(true, cfg.Threats.MaxBodyBytes),
		WithStatusViolations(true),
	)

	r := chi.NewRouter()
	r.Use(metadata.ClientMetadata, atFixedTime)
	r.Use(authmw.Identify(jwttoken.NewJWTServiceAdapter(s.jwt), discardLogger()))
	r.With(limiter.RateLimit(models.ClassGeneral)).Post("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.lastBody = string(b)
		w.WriteHeader(http.StatusOK)
	})
	r.With(limiter.RateLimit(models.ClassAuth)).Post("/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(limiter.RateLimit(models.ClassGeneral)).Get("/api/private", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	s.router = r
}

func (s *MiddlewareSuite) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.10:4242"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *MiddlewareSuite) decodeDeny(rec *httptest.ResponseRecorder) models.RateLimitExceededResponse {
	var body models.RateLimitExceededResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (s *MiddlewareSuite) TestAllowedResponseCarriesQuotaHeaders() {
	rec := s.do(http.MethodPost, "/api/echo", `{"q":"shoes"}`, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("30", rec.Header().Get(HeaderLimit))
	s.Equal("29", rec.Header().Get(HeaderRemaining))
	s.Equal("60", rec.Header().Get(HeaderWindow))
	s.Equal("1700000100", rec.Header().Get(HeaderReset))
	s.Empty(rec.Header().Get(HeaderRetryAfter))
	s.Equal(`{"q":"shoes"}`, s.lastBody, "handler reads the full body after inspection")
}

func (s *MiddlewareSuite) TestExceededReturns429() {
	for i := range 30 {
		s.Require().Equal(http.StatusOK, s.do(http.MethodPost, "/api/echo", "", nil).Code, "request %d", i)
	}
	rec := s.do(http.MethodPost, "/api/echo", "", nil)
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Equal("60", rec.Header().Get(HeaderRetryAfter))
	s.Equal("0", rec.Header().Get(HeaderRemaining))
	testutil.AssertDenied(s.T(), rec, http.StatusTooManyRequests, string(models.ReasonRateLimitExceeded))
	testutil.AssertJSONContains(s.T(), rec, "retry_after", float64(60))
}

func (s *MiddlewareSuite) TestRotatingHeadersShareOneAnonymousQuota() {
	for i := range 5 {
		rec := s.do(http.MethodPost, "/auth/login", "", map[string]string{
			"Accept-Language": fmt.Sprintf("lang-%d", i),
			"Accept-Encoding": fmt.Sprintf("enc-%d", i),
			"User-Agent":      fmt.Sprintf("agent/%d.0", i),
		})
		s.Require().Equal(http.StatusOK, rec.Code, "attempt %d", i)
	}

	rec := s.do(http.MethodPost, "/auth/login", "", map[string]string{"Accept-Language": "fr-CA"})
	testutil.AssertDenied(s.T(), rec, http.StatusTooManyRequests, string(models.ReasonRateLimitExceeded))
	s.Equal("900", rec.Header().Get(HeaderRetryAfter))
}

func (s *MiddlewareSuite) TestForwardedForFromUntrustedPeerIsIgnored() {
	for i := range 5 {
		rec := s.do(http.MethodPost, "/auth/login", "", map[string]string{"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i)})
		s.Require().Equal(http.StatusOK, rec.Code, "attempt %d", i)
	}
	rec := s.do(http.MethodPost, "/auth/login", "", map[string]string{"X-Forwarded-For": "10.0.0.99"})
	s.Equal(http.StatusTooManyRequests, rec.Code)
}

func (s *MiddlewareSuite) TestDistinctAddressesHaveIndependentQuotas() {
	exhaust := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec.Code
	}
	for range 5 {
		s.Require().Equal(http.StatusOK, exhaust("192.0.2.1:1000"))
	}
	s.Equal(http.StatusTooManyRequests, exhaust("192.0.2.1:2000"), "a new source port is the same client")
	s.Equal(http.StatusOK, exhaust("192.0.2.2:1000"))
}

func (s *MiddlewareSuite) TestThreatIsRejectedWithoutEcho() {
	rec := s.do(http.MethodPost, "/api/echo", `{"q":"' OR 1=1--"}`, map[string]string{"Content-Type": "application/json"})
	s.Equal(http.StatusForbidden, rec.Code)
	s.NotContains(rec.Body.String(), "1=1")
	testutil.AssertDenied(s.T(), rec, http.StatusForbidden, string(models.ReasonThreatDetected))
	testutil.AssertJSONContains(s.T(), rec, "message", models.ReasonThreatDetected.Message())
	s.Empty(s.lastBody, "handler never ran")
}

func (s *MiddlewareSuite) TestHandlerAuthFailuresEscalateToBlock() {
	for range 5 {
		s.Require().Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/private", "", nil).Code)
	}
	rec := s.do(http.MethodPost, "/api/echo", "", nil)
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Equal(models.ReasonBlocked, s.decodeDeny(rec).Error)
	s.Equal("900", rec.Header().Get(HeaderRetryAfter))
}

func (s *MiddlewareSuite) TestAuthenticatedCallersUseTheirTier() {
	token, err := s.jwt.GenerateAccessToken("user-7", "", "business", time.Hour)
	s.Require().NoError(err)

	rec := s.do(http.MethodPost, "/api/echo", "", map[string]string{"Authorization": "Bearer " + token})
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("1000", rec.Header().Get(HeaderLimit))
}

func (s *MiddlewareSuite) TestInvalidTokenFallsBackToAnonymous() {
	rec := s.do(http.MethodPost, "/api/echo", "", map[string]string{"Authorization": "Bearer not-a-token"})
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("30", rec.Header().Get(HeaderLimit))
}

func (s *MiddlewareSuite) TestDistinctUsersBehindOneAddressAreIndependent() {
	for _, user := range []string{"alice", "bob"} {
		token, err := s.jwt.GenerateAccessToken(user, "", "free", time.Hour)
		s.Require().NoError(err)
		rec := s.do(http.MethodPost, "/api/echo", "", map[string]string{"Authorization": "Bearer " + token})
		s.Equal("59", rec.Header().Get(HeaderRemaining), user)
	}
}

type stubGate struct {
	decision models.Decision
	statuses []int
}

func (g *stubGate) Evaluate(context.Context, gate.Request) models.Decision { return g.decision }

func (g *stubGate) RecordStatus(_ context.Context, _ models.ClientIdentity, status int) models.BlockState {
	g.statuses = append(g.statuses, status)
	return models.StateClear
}

func TestDegradedDecisions(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("fail open", func(t *testing.T) {
		g := &stubGate{decision: models.Decision{Allowed: true, Degraded: true}}
		rec := httptest.NewRecorder()
		New(g, discardLogger()).RateLimit(models.ClassUpload)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "degraded", rec.Header().Get(HeaderStatus))
		assert.Empty(t, rec.Header().Get(HeaderLimit))
	})

	t.Run("fail closed", func(t *testing.T) {
		d := models.Deny(models.ClientIdentity{}, models.ReasonTemporarilyUnavailable, 5*time.Second)
		d.Degraded = true
		rec := httptest.NewRecorder()
		New(&stubGate{decision: d}, discardLogger()).RateLimit(models.ClassPayment)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "degraded", rec.Header().Get(HeaderStatus))
		assert.Equal(t, "5", rec.Header().Get(HeaderRetryAfter))
	})
}

func TestStatusViolationsReportHandlerStatus(t *testing.T) {
	g := &stubGate{decision: models.Decision{Allowed: true}}
	h := New(g, discardLogger(), WithStatusViolations(true)).RateLimit(models.ClassGeneral)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusForbidden) }))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []int{http.StatusForbidden, http.StatusForbidden}, g.statuses)
}

func TestDisabledPassesThrough(t *testing.T) {
	g := &stubGate{decision: models.Deny(models.ClientIdentity{}, models.ReasonBlocked, time.Minute)}
	rec := httptest.NewRecorder()
	New(g, discardLogger(), WithDisabled(true)).RateLimit(models.ClassGeneral)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResolveIdentity(t *testing.T) {
	fps := fingerprint.New("")

	testutil.Given(t, "a verified user that also carries an api key", func(t *testing.T) {
		r := testutil.WithAPIKey(testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/"), "u1"), "k1", "starter")
		testutil.Then(t, "the user id is the primary key", func(t *testing.T) {
			id := ResolveIdentity(r, fps)
			assert.Equal(t, models.ClientIdentity{PrimaryKey: "u1", Kind: models.KindAuthenticatedUser, Tier: models.TierStarter}, id)
		})
	})

	testutil.Given(t, "an api key without a tier", func(t *testing.T) {
		r := testutil.WithAPIKey(testutil.NewRequest(t, http.MethodGet, "/"), "k1", "")
		testutil.Then(t, "the caller is a free api key", func(t *testing.T) {
			id := ResolveIdentity(r, fps)
			assert.Equal(t, models.KindAPIKey, id.Kind)
			assert.Equal(t, models.TierFree, id.Tier)
		})
	})

	testutil.Given(t, "an anonymous client", func(t *testing.T) {
		r := testutil.WithClient(testutil.NewRequest(t, http.MethodGet, "/"), "203.0.113.9", "")
		id := ResolveIdentity(r, fps)
		testutil.Then(t, "the keyed client address is the primary key", func(t *testing.T) {
			assert.Equal(t, models.KindIP, id.Kind)
			assert.Equal(t, models.TierAnonymous, id.Tier)
			assert.Equal(t, fps.ClientKey("203.0.113.9"), id.PrimaryKey)
			assert.NotEqual(t, id.PrimaryKey, id.Fingerprint)
			assert.Len(t, id.Fingerprint, 64)
			assert.NoError(t, id.Validate())
		})

		testutil.When(t, "it changes every client-controlled header", func(t *testing.T) {
			rotated := testutil.WithClient(testutil.NewRequest(t, http.MethodGet, "/"), "203.0.113.9", "curl/8.0")
			rotated.Header.Set("Accept-Language", "de-DE")
			rotated.Header.Set("Accept-Encoding", "zstd")
			other := ResolveIdentity(rotated, fps)
			testutil.Then(t, "the primary key is unchanged", func(t *testing.T) {
				assert.Equal(t, id.PrimaryKey, other.PrimaryKey)
				assert.NotEqual(t, id.Fingerprint, other.Fingerprint)
			})
		})
	})

	testutil.Given(t, "no metadata middleware ran", func(t *testing.T) {
		r := testutil.NewRequest(t, http.MethodGet, "/")
		r.RemoteAddr = "198.51.100.3:40000"
		testutil.Then(t, "the socket address without port is keyed", func(t *testing.T) {
			assert.Equal(t, fps.ClientKey("198.51.100.3"), ResolveIdentity(r, fps).PrimaryKey)
		})
	})
}
