package workflow

import (
	"strings"
	"testing"
	"time"
)

func TestStatus(t *testing.T) {
	t.Run("Valid accepts known statuses", func(t *testing.T) {
		for _, s := range []Status{StatusActive, StatusPassedAll, StatusRejected, StatusStalled} {
			if !s.Valid() {
				t.Errorf("expected %s to be valid", s)
			}
		}
	})

	t.Run("Valid rejects unknown status", func(t *testing.T) {
		if Status("archived").Valid() {
			t.Error("expected archived to be invalid")
		}
	})

	t.Run("Terminal covers passed_all and rejected only", func(t *testing.T) {
		if !StatusPassedAll.Terminal() {
			t.Error("passed_all should be terminal")
		}
		if !StatusRejected.Terminal() {
			t.Error("rejected should be terminal")
		}
		if StatusActive.Terminal() {
			t.Error("active should not be terminal")
		}
		if StatusStalled.Terminal() {
			t.Error("stalled should not be terminal")
		}
	})
}

func TestWorkItemValidate(t *testing.T) {
	valid := WorkItem{
		ID:      "item-1",
		OwnerID: "owner-1",
		Phase:   1,
		Status:  StatusActive,
	}

	t.Run("valid item passes", func(t *testing.T) {
		if err := valid.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		cases := map[string]func(*WorkItem){
			"id":     func(w *WorkItem) { w.ID = "" },
			"owner":  func(w *WorkItem) { w.OwnerID = "" },
			"phase":  func(w *WorkItem) { w.Phase = 0 },
			"status": func(w *WorkItem) { w.Status = "bogus" },
		}
		for name, mutate := range cases {
			item := valid
			mutate(&item)
			if err := item.Validate(); err == nil {
				t.Errorf("%s: expected error, got nil", name)
			}
		}
	})
}

func TestAssessmentValidate(t *testing.T) {
	valid := Assessment{
		ID:          "a-1",
		WorkItemID:  "item-1",
		Phase:       1,
		CriterionID: "c-1",
		Attempt:     1,
		Score:       50,
		Source:      SourceAutomated,
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outOfRange := valid
	outOfRange.Score = 101
	if err := outOfRange.Validate(); err == nil {
		t.Error("expected error for score > 100")
	}

	negative := valid
	negative.Score = -1
	if err := negative.Validate(); err == nil {
		t.Error("expected error for negative score")
	}

	badSource := valid
	badSource.Source = "oracle"
	if err := badSource.Validate(); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestGateResultValidate(t *testing.T) {
	valid := GateResult{
		WorkItemID:    "item-1",
		Phase:         1,
		Attempt:       1,
		Score:         80,
		Decision:      DecisionPass,
		AssessmentIDs: []string{"a-1"},
		CreatedAt:     time.Now(),
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	noAssessments := valid
	noAssessments.AssessmentIDs = nil
	if err := noAssessments.Validate(); err == nil {
		t.Error("expected error for empty assessment list")
	}
}

func TestPhaseDefinitionFallbackScore(t *testing.T) {
	p := PhaseDefinition{PassThreshold: 70, EscalateThreshold: 40}
	if got := p.FallbackScore(); got != 55 {
		t.Errorf("expected fallback 55, got %g", got)
	}
}

func TestSnapshot(t *testing.T) {
	t.Run("marshals values", func(t *testing.T) {
		raw := Snapshot(map[string]int{"score": 80})
		if string(raw) != `{"score":80}` {
			t.Errorf("unexpected snapshot: %s", raw)
		}
	})

	t.Run("marshal failure collapses to error note", func(t *testing.T) {
		raw := Snapshot(make(chan int))
		if !strings.Contains(string(raw), "snapshot_error") {
			t.Errorf("expected snapshot_error note, got %s", raw)
		}
	})
}
