// Package metrics exposes Prometheus instrumentation for the workflow
// engine. A nil *Metrics is a valid no-op sink, so components can take
// metrics optionally without nil checks at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	gateEvaluations     *prometheus.CounterVec
	gateScores          prometheus.Histogram
	assessorCalls       *prometheus.CounterVec
	assessorLatency     prometheus.Histogram
	assessmentsDegraded prometheus.Counter
	advanceConflicts    prometheus.Counter
	overrides           *prometheus.CounterVec
}

// New creates and registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gateEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateflow",
			Name:      "gate_evaluations_total",
			Help:      "Gate evaluations by decision.",
		}, []string{"decision"}),
		gateScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateflow",
			Name:      "gate_weighted_score",
			Help:      "Distribution of weighted gate scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		assessorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateflow",
			Name:      "assessor_calls_total",
			Help:      "Assessor calls by outcome.",
		}, []string{"outcome"}),
		assessorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateflow",
			Name:      "assessor_call_seconds",
			Help:      "Assessor call latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		assessmentsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateflow",
			Name:      "assessments_degraded_total",
			Help:      "Assessments that fell back to a neutral score.",
		}),
		advanceConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateflow",
			Name:      "advance_conflicts_total",
			Help:      "Advance calls rejected because an evaluation was in flight.",
		}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateflow",
			Name:      "overrides_total",
			Help:      "Human overrides by resolved decision.",
		}, []string{"decision"}),
	}

	reg.MustRegister(
		m.gateEvaluations,
		m.gateScores,
		m.assessorCalls,
		m.assessorLatency,
		m.assessmentsDegraded,
		m.advanceConflicts,
		m.overrides,
	)

	return m
}

// IncGateEvaluation records one gate evaluation outcome.
func (m *Metrics) IncGateEvaluation(decision string, score float64) {
	if m == nil {
		return
	}
	m.gateEvaluations.WithLabelValues(decision).Inc()
	m.gateScores.Observe(score)
}

// ObserveAssessorCall records one assessor call.
func (m *Metrics) ObserveAssessorCall(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.assessorCalls.WithLabelValues(outcome).Inc()
	m.assessorLatency.Observe(d.Seconds())
}

// IncAssessmentDegraded records a fallback-scored assessment.
func (m *Metrics) IncAssessmentDegraded() {
	if m == nil {
		return
	}
	m.assessmentsDegraded.Inc()
}

// IncAdvanceConflict records a rejected concurrent advance.
func (m *Metrics) IncAdvanceConflict() {
	if m == nil {
		return
	}
	m.advanceConflicts.Inc()
}

// IncOverride records a human override resolution.
func (m *Metrics) IncOverride(decision string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(decision).Inc()
}
