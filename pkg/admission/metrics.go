package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus collectors for the admission engine.
// Construct it once per process (collectors register globally) and share
// the instance; a nil *Metrics disables instrumentation.
type Metrics struct {
	checks        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	bypasses      prometheus.Counter
	breakerTrips  *prometheus.CounterVec
	storeFailures *prometheus.CounterVec
	checkDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance with Prometheus collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		checks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_admission_checks_total",
				Help: "Total admission checks performed",
			},
			[]string{"result"},
		),

		rejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_admission_rejections_total",
				Help: "Total rejections by limiting scope",
			},
			[]string{"scope"},
		),

		bypasses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gatewarden_admission_bypasses_total",
				Help: "Total requests admitted via whitelist bypass",
			},
		),

		breakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_admission_breaker_rejections_total",
				Help: "Total requests rejected by an open circuit breaker",
			},
			[]string{"scope"},
		),

		storeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_admission_store_failures_total",
				Help: "Store outages observed, labeled by the applied failure policy",
			},
			[]string{"scope", "policy"},
		),

		checkDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatewarden_admission_check_duration_seconds",
				Help:    "Duration of CheckAdmission calls",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to 160ms
			},
		),
	}
}

func (m *Metrics) recordCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.checks.WithLabelValues(result).Inc()
}

func (m *Metrics) recordRejection(scope Scope) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(string(scope)).Inc()
}

func (m *Metrics) recordBypass() {
	if m == nil {
		return
	}
	m.bypasses.Inc()
}

func (m *Metrics) recordBreakerRejection(scope Scope) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(string(scope)).Inc()
}

func (m *Metrics) recordStoreFailure(scope Scope, policy FailPolicy) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(string(scope), string(policy)).Inc()
}

func (m *Metrics) observeCheckDuration(seconds float64) {
	if m == nil {
		return
	}
	m.checkDuration.Observe(seconds)
}
