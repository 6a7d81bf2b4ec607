package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks code issuance, attribution outcomes, count repairs and HTTP latency.
// Each instance owns its registry so tests can construct as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	CodesIssued       prometheus.Counter
	CodeCollisions    prometheus.Counter
	ReferralOutcomes  *prometheus.CounterVec
	ReconciledRows    prometheus.Counter
	ValidateThrottled prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
}

// New creates a Metrics instance with all referral metrics registered, plus the Go runtime and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		CodesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "referrals_codes_issued_total",
			Help: "Total number of attribution codes issued",
		}),
		CodeCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "referrals_code_collisions_total",
			Help: "Generated candidates rejected by the code uniqueness constraint",
		}),
		ReferralOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "referrals_processed_total",
			Help: "Referral attribution attempts by outcome",
		}, []string{"outcome"}),
		ReconciledRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "referrals_counts_reconciled_total",
			Help: "Referral count rows raised to match the ledger",
		}),
		ValidateThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "referrals_validate_throttled_total",
			Help: "Public code validation requests rejected by the rate limiter",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "referrals_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route and status",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route", "status"}),
	}
}

// CodeIssued records a freshly inserted code.
func (m *Metrics) CodeIssued() {
	m.CodesIssued.Inc()
}

// CodeCollision records a candidate rejected by the uniqueness constraint.
func (m *Metrics) CodeCollision() {
	m.CodeCollisions.Inc()
}

// ReferralProcessed records the outcome label of one attribution attempt.
func (m *Metrics) ReferralProcessed(outcome string) {
	m.ReferralOutcomes.WithLabelValues(outcome).Inc()
}

// CountsReconciled records rows corrected by a reconcile pass.
func (m *Metrics) CountsReconciled(rows int64) {
	if rows > 0 {
		m.ReconciledRows.Add(float64(rows))
	}
}

// Throttled records a validation request rejected by the limiter.
func (m *Metrics) Throttled() {
	m.ValidateThrottled.Inc()
}

// ObserveRequest records the duration of a request.
// Call with time.Now() at the start of the request.
func (m *Metrics) ObserveRequest(route, status string, start time.Time) {
	m.RequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
