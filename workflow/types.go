// Package workflow defines the core data model for the staged workflow
// engine: work items, phase definitions, assessments, gate results, and the
// audit trail. Types here are plain data; behavior lives in the registry,
// gate, and controller packages.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle status of a work item.
type Status string

const (
	// StatusActive means the work item is progressing through phases.
	StatusActive Status = "active"

	// StatusPassedAll means the work item cleared the gate of every phase.
	// Terminal.
	StatusPassedAll Status = "passed_all"

	// StatusRejected means a human override failed the work item out of the
	// workflow. Terminal.
	StatusRejected Status = "rejected"

	// StatusStalled means the work item exhausted its gate attempt budget.
	// Not terminal: an override can still resolve it.
	StatusStalled Status = "stalled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPassedAll, StatusRejected, StatusStalled:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusPassedAll || s == StatusRejected
}

// Decision is the outcome of one gate evaluation.
type Decision string

const (
	// DecisionPass advances the work item to the next phase.
	DecisionPass Decision = "pass"

	// DecisionFail keeps the work item in its phase and burns an attempt.
	DecisionFail Decision = "fail"

	// DecisionEscalate parks the work item pending a human override.
	// Never auto-resolved.
	DecisionEscalate Decision = "escalate"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPass, DecisionFail, DecisionEscalate:
		return true
	}
	return false
}

// AssessorSource tags where an assessment score came from.
type AssessorSource string

const (
	// SourceAutomated means the external assessor produced the score.
	SourceAutomated AssessorSource = "automated"

	// SourceHuman means a human reviewer produced the score.
	SourceHuman AssessorSource = "human"

	// SourceFallback means the engine substituted a neutral score after the
	// assessor failed, or clamped an out-of-range value.
	SourceFallback AssessorSource = "fallback"
)

// Valid reports whether s is a known assessor source.
func (s AssessorSource) Valid() bool {
	switch s {
	case SourceAutomated, SourceHuman, SourceFallback:
		return true
	}
	return false
}

// WorkItem is the entity advancing through phases. Owned exclusively by the
// transition controller; mutated only through controller operations. Never
// deleted, only status-terminated.
type WorkItem struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	// Payload is the descriptive content sent to the assessor with each
	// criterion prompt.
	Payload string `json:"payload"`

	// Phase is the current phase ordinal (1-based). One past the last phase
	// when status is passed_all.
	Phase int `json:"phase"`

	// Attempt is the number of gate evaluations already concluded for the
	// current phase. The next evaluation runs as Attempt+1.
	Attempt int `json:"attempt"`

	// LastGatePhase and LastGateAttempt locate the most recent concluded
	// gate result, which may belong to an earlier phase than Phase. Zero
	// when no gate has been evaluated yet.
	LastGatePhase   int `json:"last_gate_phase,omitempty"`
	LastGateAttempt int `json:"last_gate_attempt,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	if w.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if w.Phase < 1 {
		return fmt.Errorf("phase must be >= 1, got %d", w.Phase)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("unknown status: %s", w.Status)
	}
	return nil
}

// Criterion is one weighted question scored independently by the assessor.
// Weights need not sum to any fixed total; they are normalized at
// evaluation time.
type Criterion struct {
	ID     string  `json:"id" yaml:"id"`
	Prompt string  `json:"prompt" yaml:"prompt"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// PhaseDefinition is one ordered stage and the gate protecting it.
// Immutable after registry load.
type PhaseDefinition struct {
	// Ordinal is the 1-based position. Ordinals are contiguous.
	Ordinal int    `json:"ordinal" yaml:"ordinal"`
	Name    string `json:"name" yaml:"name"`

	Criteria []Criterion `json:"criteria" yaml:"criteria"`

	// PassThreshold and EscalateThreshold bound the gate decision, both in
	// [0,100] with EscalateThreshold <= PassThreshold.
	PassThreshold     float64 `json:"pass_threshold" yaml:"pass_threshold"`
	EscalateThreshold float64 `json:"escalate_threshold" yaml:"escalate_threshold"`

	// Deliverables are template glob patterns generated when the phase is
	// entered. Best-effort outputs, never gating.
	Deliverables []string `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`
}

// CriterionByID returns the criterion with the given ID, or nil.
func (p *PhaseDefinition) CriterionByID(id string) *Criterion {
	for i := range p.Criteria {
		if p.Criteria[i].ID == id {
			return &p.Criteria[i]
		}
	}
	return nil
}

// FallbackScore is the neutral score substituted when the assessor is
// unavailable: the midpoint of the phase's escalate and pass thresholds.
func (p *PhaseDefinition) FallbackScore() float64 {
	return (p.EscalateThreshold + p.PassThreshold) / 2
}

// Assessment is the scored outcome of one criterion for one work item at one
// phase attempt. Immutable once written; a new attempt creates new rows.
type Assessment struct {
	ID          string         `json:"id"`
	WorkItemID  string         `json:"work_item_id"`
	Phase       int            `json:"phase"`
	CriterionID string         `json:"criterion_id"`
	Attempt     int            `json:"attempt"`
	Score       float64        `json:"score"`
	Rationale   string         `json:"rationale,omitempty"`
	Source      AssessorSource `json:"source"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate checks required fields and score bounds.
func (a *Assessment) Validate() error {
	if a.WorkItemID == "" {
		return fmt.Errorf("work_item_id is required")
	}
	if a.CriterionID == "" {
		return fmt.Errorf("criterion_id is required")
	}
	if a.Phase < 1 {
		return fmt.Errorf("phase must be >= 1, got %d", a.Phase)
	}
	if a.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", a.Attempt)
	}
	if a.Score < 0 || a.Score > 100 {
		return fmt.Errorf("score must be in [0,100], got %g", a.Score)
	}
	if !a.Source.Valid() {
		return fmt.Errorf("unknown assessor source: %s", a.Source)
	}
	return nil
}

// GateResult is the aggregated outcome of one gate evaluation attempt.
// Immutable; exactly one exists per (work item, phase, attempt).
type GateResult struct {
	WorkItemID string   `json:"work_item_id"`
	Phase      int      `json:"phase"`
	Attempt    int      `json:"attempt"`
	Score      float64  `json:"score"`
	Decision   Decision `json:"decision"`

	// AssessmentIDs references the assessments the score was computed from,
	// covering every criterion of the phase at this attempt.
	AssessmentIDs []string `json:"assessment_ids"`

	// Degraded is true when any referenced assessment carries a fallback
	// score.
	Degraded bool `json:"degraded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields.
func (g *GateResult) Validate() error {
	if g.WorkItemID == "" {
		return fmt.Errorf("work_item_id is required")
	}
	if g.Phase < 1 {
		return fmt.Errorf("phase must be >= 1, got %d", g.Phase)
	}
	if g.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", g.Attempt)
	}
	if !g.Decision.Valid() {
		return fmt.Errorf("unknown decision: %s", g.Decision)
	}
	if len(g.AssessmentIDs) == 0 {
		return fmt.Errorf("at least one assessment is required")
	}
	return nil
}

// EventType classifies audit entries.
type EventType string

const (
	EventPhaseEntered       EventType = "phase_entered"
	EventGateEvaluated      EventType = "gate_evaluated"
	EventPhaseAdvanced      EventType = "phase_advanced"
	EventOverrideApplied    EventType = "override_applied"
	EventAssessmentDegraded EventType = "assessment_degraded"
	EventDeliverableFailed  EventType = "deliverable_failed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPhaseEntered, EventGateEvaluated, EventPhaseAdvanced,
		EventOverrideApplied, EventAssessmentDegraded, EventDeliverableFailed:
		return true
	}
	return false
}

// ActorSystem is the actor recorded on engine-initiated audit entries.
// Human-initiated entries carry the user ID instead.
const ActorSystem = "system"

// AuditEntry is one append-only record of something that happened to a work
// item. The audit log is the sole source of truth for "what happened when".
type AuditEntry struct {
	WorkItemID string    `json:"work_item_id"`
	Event      EventType `json:"event"`

	// Payload is a snapshot of the relevant object (gate result, assessment,
	// override) at the time of the event.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Actor is ActorSystem or a user ID.
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`

	// Sequence is a monotonic tie-break for entries sharing a timestamp.
	// Assigned by the audit log on append; zero until then.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Validate checks required fields.
func (e *AuditEntry) Validate() error {
	if e.WorkItemID == "" {
		return fmt.Errorf("work_item_id is required")
	}
	if !e.Event.Valid() {
		return fmt.Errorf("unknown event type: %s", e.Event)
	}
	if e.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	return nil
}

// Snapshot marshals v into an audit payload. Marshal failures collapse to an
// error note so an audit append never fails on payload encoding.
func Snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"snapshot_error":%q}`, err.Error()))
	}
	return data
}
