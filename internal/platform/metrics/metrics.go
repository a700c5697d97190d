package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the anchoring core. Components
// accept a nil *Metrics and skip observation, so tests can run unmetered.
type Metrics struct {
	SubmissionsTotal    *prometheus.CounterVec
	SubmissionAttempts  prometheus.Histogram
	ConfirmationSeconds prometheus.Histogram
	SessionRefreshes    *prometheus.CounterVec
	StreamReconnects    prometheus.Counter
	CacheLookups        *prometheus.CounterVec
	RateLimitDenials    prometheus.Counter
	VerificationsTotal  *prometheus.CounterVec
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credanchor_submissions_total",
			Help: "Logical submissions by terminal outcome",
		}, []string{"outcome"}),
		SubmissionAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credanchor_submission_attempts",
			Help:    "Send attempts consumed per logical submission",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		ConfirmationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credanchor_confirmation_seconds",
			Help:    "Latency from first send to durable confirmation",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		SessionRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credanchor_session_refreshes_total",
			Help: "Session token refreshes by result",
		}, []string{"result"}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "credanchor_stream_reconnects_total",
			Help: "Stream reconnect attempts",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credanchor_cache_lookups_total",
			Help: "Address cache lookups by operation and result",
		}, []string{"operation", "result"}),
		RateLimitDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "credanchor_rate_limit_denials_total",
			Help: "Calls rejected by the per-caller token bucket",
		}),
		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credanchor_verifications_total",
			Help: "Attestation verifications by result",
		}, []string{"result"}),
	}
}

// ObserveSubmission records a terminal submission outcome.
func (m *Metrics) ObserveSubmission(outcome string, attempts int, confirmLatency time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
	m.SubmissionAttempts.Observe(float64(attempts))
	if outcome == "confirmed" {
		m.ConfirmationSeconds.Observe(confirmLatency.Seconds())
	}
}

// ObserveRefresh records a session refresh result ("ok" or "failed").
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.SessionRefreshes.WithLabelValues(result).Inc()
}

// ObserveReconnect records a stream reconnect attempt.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

// ObserveCache records a cache lookup result ("hit" or "miss").
func (m *Metrics) ObserveCache(operation, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(operation, result).Inc()
}

// ObserveRateLimitDenial records a fails-closed rate limit rejection.
func (m *Metrics) ObserveRateLimitDenial() {
	if m == nil {
		return
	}
	m.RateLimitDenials.Inc()
}

// ObserveVerification records a verification result ("valid" or "invalid").
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
}
