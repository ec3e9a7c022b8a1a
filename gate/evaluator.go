package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flywheelhq/gateflow/metrics"
	"github.com/flywheelhq/gateflow/registry"
	"github.com/flywheelhq/gateflow/storage"
	"github.com/flywheelhq/gateflow/workflow"
)

// Evaluator aggregates per-criterion assessments into one weighted gate
// result. Criteria with no stored assessment for the attempt are scored
// concurrently; there is no ordering dependency between criteria and the
// aggregation is order-independent.
type Evaluator struct {
	scorer  *Scorer
	store   *storage.Store
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithEvaluatorMetrics sets the metrics sink.
func WithEvaluatorMetrics(m *metrics.Metrics) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// NewEvaluator creates a gate evaluator.
func NewEvaluator(scorer *Scorer, store *storage.Store, reg *registry.Registry, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		scorer: scorer,
		store:  store,
		reg:    reg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scoreOutcome carries one criterion's result across the fan-out boundary.
type scoreOutcome struct {
	assessment *workflow.Assessment
	err        error
}

// Evaluate runs one gate evaluation attempt and writes the immutable
// GateResult. Re-evaluating a concluded (item, phase, attempt) tuple is an
// error: the tuple is the idempotency key.
//
// The whole evaluation is bounded by the per-criterion timeout times the
// number of criteria plus a small margin, so a misbehaving assessor
// surfaces as fallback-scored assessments rather than a hung work item.
func (e *Evaluator) Evaluate(ctx context.Context, item *workflow.WorkItem, phaseOrdinal, attempt int) (*workflow.GateResult, error) {
	phase, err := e.reg.DefinitionFor(phaseOrdinal)
	if err != nil {
		return nil, err
	}

	gateTimeout := time.Duration(float64(e.scorer.Timeout())*float64(len(phase.Criteria))*1.1) + time.Second
	gateCtx, cancel := context.WithTimeout(ctx, gateTimeout)
	defer cancel()

	assessments, err := e.collectAssessments(gateCtx, item, phase, attempt)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(assessments))
	ids := make([]string, 0, len(assessments))
	degraded := false
	for _, a := range assessments {
		scores[a.CriterionID] = a.Score
		ids = append(ids, a.ID)
		if a.Source == workflow.SourceFallback {
			degraded = true
		}
	}

	score, err := WeightedScore(phase.Criteria, scores)
	if err != nil {
		return nil, fmt.Errorf("aggregate gate score: %w", err)
	}

	result := &workflow.GateResult{
		WorkItemID:    item.ID,
		Phase:         phase.Ordinal,
		Attempt:       attempt,
		Score:         score,
		Decision:      Decide(score, phase.PassThreshold, phase.EscalateThreshold),
		AssessmentIDs: ids,
		Degraded:      degraded,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.store.PutGateResult(ctx, result); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("gate attempt %d for work item %s phase %d already evaluated: %w",
				attempt, item.ID, phase.Ordinal, err)
		}
		return nil, err
	}

	e.metrics.IncGateEvaluation(string(result.Decision), result.Score)

	e.logger.Info("Gate evaluated",
		"work_item", item.ID,
		"phase", phase.Ordinal,
		"attempt", attempt,
		"score", result.Score,
		"decision", result.Decision,
		"degraded", result.Degraded)

	return result, nil
}

// collectAssessments returns one assessment per criterion for the attempt,
// reusing stored rows and fanning out the missing ones concurrently.
func (e *Evaluator) collectAssessments(ctx context.Context, item *workflow.WorkItem, phase *workflow.PhaseDefinition, attempt int) ([]*workflow.Assessment, error) {
	assessments := make([]*workflow.Assessment, 0, len(phase.Criteria))
	var missing []*workflow.Criterion

	for i := range phase.Criteria {
		c := &phase.Criteria[i]
		a, err := e.store.GetAssessment(ctx, item.ID, phase.Ordinal, attempt, c.ID)
		switch {
		case err == nil:
			assessments = append(assessments, a)
		case errors.Is(err, storage.ErrNotFound):
			missing = append(missing, c)
		default:
			return nil, err
		}
	}

	if len(missing) == 0 {
		return assessments, nil
	}

	outcomes := make(chan scoreOutcome, len(missing))
	var wg sync.WaitGroup
	for _, c := range missing {
		wg.Add(1)
		go func(criterion *workflow.Criterion) {
			defer wg.Done()
			a, err := e.scorer.Score(ctx, item, phase, criterion, attempt)
			outcomes <- scoreOutcome{assessment: a, err: err}
		}(c)
	}
	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		if outcome.err != nil {
			return nil, fmt.Errorf("score criterion: %w", outcome.err)
		}
		assessments = append(assessments, outcome.assessment)
	}

	return assessments, nil
}
