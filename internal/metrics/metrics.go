// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	// RetryAttempts counts retried transient conflicts per operation.
	RetryAttempts *prometheus.CounterVec

	// RetryExhausted counts operations that failed after the final attempt.
	RetryExhausted *prometheus.CounterVec

	// AuditDropped counts audit records lost after retries were exhausted.
	AuditDropped prometheus.Counter

	// Reconciles counts reconcile calls by outcome
	// (created, diff, unchanged, needs_repair, repaired).
	Reconciles *prometheus.CounterVec

	// SaveDuration observes apply latency per operation.
	SaveDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a private
// registry so callers that do not export metrics need no special casing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_retry_attempts_total",
			Help: "Transient conflicts that were retried.",
		}, []string{"op"}),

		RetryExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_retry_exhausted_total",
			Help: "Operations abandoned after the final retry.",
		}, []string{"op"}),

		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_audit_dropped_total",
			Help: "Audit records not written after retries were exhausted.",
		}),

		Reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_reconcile_total",
			Help: "Reconcile calls by outcome.",
		}, []string{"outcome"}),

		SaveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconcile_save_duration_seconds",
			Help:    "Latency of change application.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}, []string{"op"}),
	}
}

// OrNew returns m, or a private instance when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
