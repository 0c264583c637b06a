package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "quotaguard/internal/jwt_token"
	"quotaguard/internal/platform/config"
	authmw "quotaguard/internal/platform/middleware"
	"quotaguard/internal/platform/redis"
	rlconfig "quotaguard/internal/ratelimit/config"
	"quotaguard/internal/ratelimit/fingerprint"
	"quotaguard/internal/ratelimit/metrics"
	ratelimitmw "quotaguard/internal/ratelimit/middleware"
	"quotaguard/internal/ratelimit/observability"
	"quotaguard/internal/ratelimit/ports"
	"quotaguard/internal/ratelimit/service/block"
	"quotaguard/internal/ratelimit/service/gate"
	"quotaguard/internal/ratelimit/service/policy"
	"quotaguard/internal/ratelimit/service/threat"
	"quotaguard/internal/ratelimit/service/window"
	"quotaguard/internal/ratelimit/store/counter"
	"quotaguard/internal/ratelimit/store/guard"
	httptransport "quotaguard/internal/transport/http"
	"quotaguard/pkg/platform/audit/publishers/security"
	"quotaguard/pkg/platform/circuit"
	"quotaguard/pkg/platform/middleware/metadata"
)

type app struct {
	router    http.Handler
	publisher *security.Publisher
	storeKind string
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires the gate and its collaborators from cfg.
func build(ctx context.Context, cfg config.Server, log *slog.Logger) (*app, error) {
	a := &app{}

	policyCfg, err := rlconfig.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	base, err := a.counterStore(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	breaker := circuit.New("counter-store",
		circuit.WithFailureThreshold(policyCfg.Breaker.FailureThreshold),
		circuit.WithSuccessThreshold(policyCfg.Breaker.SuccessThreshold),
		circuit.WithCooldown(policyCfg.Breaker.Cooldown),
	)
	store, err := guard.New(base,
		guard.WithTimeout(policyCfg.StoreTimeout),
		guard.WithBreaker(breaker),
		guard.WithLogger(log),
		guard.WithMetrics(m),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	sink, err := a.securitySink(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = security.NewPublisher(sink, security.WithLogger(log))

	g, err := newGate(policyCfg, store, a.publisher, m, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	var validator authmw.JWTValidator
	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	if cfg.JWTSigningKey != "" {
		validator = jwttoken.NewJWTServiceAdapter(jwtService)
	} else {
		log.Warn("JWT_SIGNING_KEY not set, every caller is treated as anonymous")
	}
	accounts, err := httptransport.ParseAccounts(cfg.Accounts)
	if err != nil {
		a.Close()
		return nil, err
	}

	proxies, err := metadata.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := ratelimitmw.New(g, log,
		ratelimitmw.WithInspection(policyCfg.Threats.Enabled, policyCfg.Threats.MaxBodyBytes),
		ratelimitmw.WithStatusViolations(policyCfg.Block.StatusViolations),
		ratelimitmw.WithFingerprints(fingerprint.New(cfg.FingerprintSecret)),
	)

	a.router = httptransport.NewRouter(httptransport.RouterDeps{
		Limiter:        limiter,
		Identify:       authmw.Identify(validator, log),
		Auth:           httptransport.NewAuthHandler(jwtService, accounts, cfg.TokenTTL, log),
		Health:         store,
		Logger:         log,
		TrustedProxies: proxies,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		MetricsPath:    cfg.MetricsPath,
	})
	return a, nil
}

func (a *app) counterStore(ctx context.Context, cfg config.Server, log *slog.Logger) (ports.CounterStore, error) {
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if client == nil {
		log.Warn("REDIS_URL not set, using in-memory counters; limits are per process")
		a.storeKind = "memory"
		return counter.NewInMemoryCounterStore(), nil
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.storeKind = "redis"
	store, err := counter.NewRedisCounterStore(client.Client)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) securitySink(cfg config.Server, log *slog.Logger) (security.Sink, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return observability.NewLogSink(log), nil
	}
	client, err := observability.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	sink, err := observability.NewKafkaSink(client, cfg.Kafka.Topic)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func newGate(cfg *rlconfig.Config, store ports.CounterStore, publisher *security.Publisher, m *metrics.Metrics, log *slog.Logger) (*gate.Gate, error) {
	resolver, err := policy.New(cfg)
	if err != nil {
		return nil, err
	}
	windows, err := window.New(store)
	if err != nil {
		return nil, err
	}
	blocks, err := block.New(store,
		block.WithConfig(cfg.Block),
		block.WithLogger(log),
		block.WithAuditPublisher(publisher),
		block.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	opts := []gate.Option{
		gate.WithUnavailableRetryAfter(cfg.UnavailableRetryAfter),
		gate.WithLogger(log),
		gate.WithAuditPublisher(publisher),
		gate.WithMetrics(m),
	}
	if cfg.Threats.Enabled {
		monitor, err := threat.New(cfg.Threats.Patterns)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gate.WithThreatMonitor(monitor))
	}
	return gate.New(resolver, windows, blocks, opts...)
}
