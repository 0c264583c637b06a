package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"quotaguard/internal/ratelimit/models"
)

// Metrics holds the Prometheus collectors of the rate limiting engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec
	BlocksCreated   *prometheus.CounterVec
	ThreatsDetected *prometheus.CounterVec
	ViolationsTotal *prometheus.CounterVec
	CircuitOpen     prometheus.Gauge
}

// New registers collectors against reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotaguard_decisions_total",
			Help: "Gate decisions by outcome, deny reason and operation class",
		}, []string{"outcome", "reason", "class"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotaguard_store_errors_total",
			Help: "Counter store failures by operation",
		}, []string{"operation"}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotaguard_store_latency_seconds",
			Help:    "Counter store call latency by operation",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"operation"}),
		BlocksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotaguard_blocks_created_total",
			Help: "Blocks created by reason and scope",
		}, []string{"reason", "scope"}),
		ThreatsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotaguard_threats_detected_total",
			Help: "Attack signature matches by kind",
		}, []string{"kind"}),
		ViolationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotaguard_violations_recorded_total",
			Help: "Violations recorded by kind",
		}, []string{"kind"}),
		CircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotaguard_store_circuit_open",
			Help: "1 while the counter store circuit breaker is open",
		}),
	}
}

func (m *Metrics) ObserveDecision(class models.OperationClass, d models.Decision) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	if d.Degraded {
		outcome += "_degraded"
	}
	if class == "" {
		class = models.ClassGeneral
	}
	m.Decisions.WithLabelValues(outcome, string(d.Reason), string(class)).Inc()
}

// ObserveStoreCall records latency and, on failure, the error.
func (m *Metrics) ObserveStoreCall(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

func (m *Metrics) IncrementBlocks(reason models.ThreatKind, scope string) {
	if m == nil {
		return
	}
	m.BlocksCreated.WithLabelValues(string(reason), scope).Inc()
}

func (m *Metrics) IncrementThreats(kinds []models.ThreatKind) {
	if m == nil {
		return
	}
	for _, k := range kinds {
		m.ThreatsDetected.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) IncrementViolations(kind models.ThreatKind) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(string(kind)).Inc()
}
