// Package metrics exposes Prometheus instrumentation for the workflow engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/phasegate/internal/models"
)

// Recorder receives engine events. A nil *Metrics is a valid no-op Recorder.
type Recorder interface {
	RecordReview(phase models.Phase, score float64)
	RecordDecision(action models.Action)
	RecordRollback(from, to models.Phase)
}

// Metrics holds the Prometheus collectors for one registry.
//
// Metrics:
//   - phasegate_reviews_total{phase}
//   - phasegate_review_score{phase}
//   - phasegate_decisions_total{action}
//   - phasegate_rollbacks_total{from,to}
type Metrics struct {
	registry *prometheus.Registry

	ReviewsTotal   *prometheus.CounterVec
	ReviewScore    *prometheus.HistogramVec
	DecisionsTotal *prometheus.CounterVec
	RollbacksTotal *prometheus.CounterVec
}

var _ Recorder = (*Metrics)(nil)

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ReviewsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_reviews_total",
				Help: "Total number of reviews performed",
			},
			[]string{"phase"},
		),
		ReviewScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phasegate_review_score",
				Help:    "Distribution of review scores",
				Buckets: prometheus.LinearBuckets(10, 10, 10), // 10..100
			},
			[]string{"phase"},
		),
		DecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_decisions_total",
				Help: "Total number of transition decisions by action",
			},
			[]string{"action"},
		),
		RollbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_rollbacks_total",
				Help: "Total number of rollbacks between phases",
			},
			[]string{"from", "to"},
		),
	}
}

// RecordReview records a completed review.
func (m *Metrics) RecordReview(phase models.Phase, score float64) {
	if m == nil {
		return
	}
	m.ReviewsTotal.WithLabelValues(string(phase)).Inc()
	m.ReviewScore.WithLabelValues(string(phase)).Observe(score)
}

// RecordDecision records a transition decision.
func (m *Metrics) RecordDecision(action models.Action) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(action)).Inc()
}

// RecordRollback records a rollback between phases.
func (m *Metrics) RecordRollback(from, to models.Phase) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(string(from), string(to)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
