package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	// None of these may panic on a nil receiver.
	m.IncGateEvaluation("pass", 80)
	m.ObserveAssessorCall(time.Second, true)
	m.IncAssessmentDegraded()
	m.IncAdvanceConflict()
	m.IncOverride("fail")
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncGateEvaluation("pass", 80)
	m.ObserveAssessorCall(250*time.Millisecond, false)
	m.IncAssessmentDegraded()
	m.IncAdvanceConflict()
	m.IncOverride("pass")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"gateflow_gate_evaluations_total",
		"gateflow_gate_weighted_score",
		"gateflow_assessor_calls_total",
		"gateflow_assessments_degraded_total",
		"gateflow_advance_conflicts_total",
		"gateflow_overrides_total",
	} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}
}
