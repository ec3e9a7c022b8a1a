package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flywheelhq/gateflow/assessor"
	"github.com/flywheelhq/gateflow/metrics"
	"github.com/flywheelhq/gateflow/storage"
	"github.com/flywheelhq/gateflow/workflow"
)

// DefaultScoreTimeout bounds one assessor call, including its internal
// retries.
const DefaultScoreTimeout = 30 * time.Second

// auditAppender is the subset of the audit log the gate needs.
type auditAppender interface {
	Append(ctx context.Context, entry *workflow.AuditEntry) error
}

// Scorer scores a single work item against one weighted criterion,
// delegating judgment to the external assessor. The assessor is unreliable
// by assumption: on exhausted retries the scorer substitutes the phase's
// neutral fallback score so a dead collaborator can never deadlock the
// workflow, and records the degradation in the audit trail.
type Scorer struct {
	assessor assessor.Assessor
	store    *storage.Store
	auditLog auditAppender
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithScoreTimeout sets the per-call assessor timeout.
func WithScoreTimeout(d time.Duration) ScorerOption {
	return func(s *Scorer) {
		s.timeout = d
	}
}

// WithScorerLogger sets the logger.
func WithScorerLogger(logger *slog.Logger) ScorerOption {
	return func(s *Scorer) {
		s.logger = logger
	}
}

// WithScorerMetrics sets the metrics sink.
func WithScorerMetrics(m *metrics.Metrics) ScorerOption {
	return func(s *Scorer) {
		s.metrics = m
	}
}

// NewScorer creates a criterion scorer.
func NewScorer(a assessor.Assessor, store *storage.Store, auditLog auditAppender, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		assessor: a,
		store:    store,
		auditLog: auditLog,
		timeout:  DefaultScoreTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the per-call assessor timeout. The evaluator derives the
// whole-gate deadline from it.
func (s *Scorer) Timeout() time.Duration {
	return s.timeout
}

// Score scores the work item against one criterion of the phase at the given
// attempt. The assessment is persisted before it is returned, so a partially
// evaluated gate is always recoverable from storage. If the row for this
// (item, phase, attempt, criterion) already exists, the stored row is
// returned unchanged.
func (s *Scorer) Score(ctx context.Context, item *workflow.WorkItem, phase *workflow.PhaseDefinition, criterion *workflow.Criterion, attempt int) (*workflow.Assessment, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	result, err := s.assessor.Score(callCtx, assessor.ScoreRequest{
		WorkItemPayload: item.Payload,
		CriterionPrompt: criterion.Prompt,
	})
	s.metrics.ObserveAssessorCall(time.Since(started), err == nil)

	a := &workflow.Assessment{
		ID:          uuid.New().String(),
		WorkItemID:  item.ID,
		Phase:       phase.Ordinal,
		CriterionID: criterion.ID,
		Attempt:     attempt,
		Source:      workflow.SourceAutomated,
		CreatedAt:   time.Now().UTC(),
	}

	switch {
	case err != nil:
		// Assessor exhausted its retries; substitute the neutral fallback
		// score and make the degradation visible in the audit trail.
		a.Score = phase.FallbackScore()
		a.Source = workflow.SourceFallback
		a.Rationale = "assessor unavailable: " + err.Error()

		s.logger.Warn("Assessment degraded to fallback score",
			"work_item", item.ID,
			"phase", phase.Ordinal,
			"criterion", criterion.ID,
			"attempt", attempt,
			"fallback_score", a.Score,
			"error", err)

		s.metrics.IncAssessmentDegraded()
		s.appendDegradedAudit(ctx, a, err)

	default:
		clamped, wasClamped := Clamp(result.Score)
		a.Score = clamped
		a.Rationale = result.Rationale
		if wasClamped {
			// Out-of-range output means the assessor broke the wire
			// contract; keep the clamped value but tag it.
			a.Source = workflow.SourceFallback
			s.logger.Warn("Assessor score out of range, clamped",
				"work_item", item.ID,
				"criterion", criterion.ID,
				"raw_score", result.Score,
				"clamped_score", clamped)
		}
	}

	if err := s.store.PutAssessment(ctx, a); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// A previous run already scored this criterion at this attempt;
			// the stored row wins (assessments are immutable).
			return s.store.GetAssessment(ctx, item.ID, phase.Ordinal, attempt, criterion.ID)
		}
		return nil, err
	}

	return a, nil
}

// appendDegradedAudit records an assessment_degraded event. Audit failures
// here are logged, not propagated: the fallback score must still flow so
// the gate evaluation completes.
func (s *Scorer) appendDegradedAudit(ctx context.Context, a *workflow.Assessment, cause error) {
	entry := &workflow.AuditEntry{
		WorkItemID: a.WorkItemID,
		Event:      workflow.EventAssessmentDegraded,
		Payload: workflow.Snapshot(map[string]any{
			"phase":          a.Phase,
			"criterion_id":   a.CriterionID,
			"attempt":        a.Attempt,
			"fallback_score": a.Score,
			"cause":          cause.Error(),
		}),
		Actor: workflow.ActorSystem,
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.logger.Error("Failed to append assessment_degraded audit entry",
			"work_item", a.WorkItemID,
			"criterion", a.CriterionID,
			"error", err)
	}
}
