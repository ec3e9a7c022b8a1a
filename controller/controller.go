// Package controller implements the work item state machine: it owns work
// item records, serializes gate evaluations per item through a storage
// lease, applies gate decisions, and writes the audit trail.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flywheelhq/gateflow/audit"
	"github.com/flywheelhq/gateflow/gate"
	"github.com/flywheelhq/gateflow/metrics"
	"github.com/flywheelhq/gateflow/registry"
	"github.com/flywheelhq/gateflow/storage"
	"github.com/flywheelhq/gateflow/workflow"
)

// DefaultMaxGateAttempts is how many concluded fail decisions a work item
// absorbs in one phase before it is marked stalled.
const DefaultMaxGateAttempts = 3

// PhaseHook is notified when a work item enters a phase. Implementations
// must not block the transition; failures are theirs to record.
type PhaseHook interface {
	OnPhaseEntered(ctx context.Context, item *workflow.WorkItem, phaseOrdinal int)
}

// Controller drives work items through the phase sequence. All work item
// mutations flow through it.
type Controller struct {
	store       *storage.Store
	evaluator   *gate.Evaluator
	reg         *registry.Registry
	auditLog    *audit.Log
	hook        PhaseHook
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
}

// Option configures a Controller.
type Option func(*Controller)

// WithPhaseHook sets the deliverable hook fired on phase entry.
func WithPhaseHook(h PhaseHook) Option {
	return func(c *Controller) {
		c.hook = h
	}
}

// WithMaxGateAttempts sets the fail budget per phase.
func WithMaxGateAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates a Controller.
func New(store *storage.Store, evaluator *gate.Evaluator, reg *registry.Registry, auditLog *audit.Log, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		evaluator:   evaluator,
		reg:         reg,
		auditLog:    auditLog,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxGateAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AdvanceResult reports the outcome of one advance call.
type AdvanceResult struct {
	Item *workflow.WorkItem

	// Gate is nil when the call was a terminal no-op.
	Gate *workflow.GateResult

	// Audit holds the entries this cycle appended, in append order. Empty
	// for a terminal no-op.
	Audit []workflow.AuditEntry
}

// StatusInfo is the caller-facing view of a work item.
type StatusInfo struct {
	Item           *workflow.WorkItem
	LastGateResult *workflow.GateResult
}

// CreateWorkItem registers a new work item in the first phase.
func (c *Controller) CreateWorkItem(ctx context.Context, ownerID, payload string) (*workflow.WorkItem, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	now := time.Now().UTC()
	item := &workflow.WorkItem{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Payload:   payload,
		Phase:     1,
		Status:    workflow.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateWorkItem(ctx, item); err != nil {
		return nil, err
	}

	c.appendAudit(ctx, &workflow.AuditEntry{
		WorkItemID: item.ID,
		Event:      workflow.EventPhaseEntered,
		Payload:    workflow.Snapshot(map[string]any{"phase": 1}),
		Actor:      workflow.ActorSystem,
	})

	if c.hook != nil {
		c.hook.OnPhaseEntered(ctx, item, 1)
	}

	c.logger.Info("Work item created", "work_item", item.ID, "owner", ownerID)
	return item, nil
}

// Advance runs one gate-evaluation-and-transition cycle. Safe to call
// repeatedly: terminal items are a no-op, and a concurrent caller for the
// same item gets ErrEvaluationInProgress with zero side effects.
func (c *Controller) Advance(ctx context.Context, itemID string) (*AdvanceResult, error) {
	item, _, err := c.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return &AdvanceResult{Item: item}, nil
	}
	if item.Status == workflow.StatusStalled {
		return nil, fmt.Errorf("work item %s is stalled and requires an override: %w", itemID, ErrInvalidTransition)
	}

	if err := c.store.AcquireLease(ctx, itemID); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			c.metrics.IncAdvanceConflict()
			return nil, fmt.Errorf("work item %s: %w", itemID, ErrEvaluationInProgress)
		}
		return nil, err
	}
	defer func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), itemID); err != nil {
			c.logger.Warn("Failed to release advance lease", "work_item", itemID, "error", err)
		}
	}()

	// Re-read under the lease; the pre-lease read may be stale.
	item, revision, err := c.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return &AdvanceResult{Item: item}, nil
	}
	if item.Status == workflow.StatusStalled {
		return nil, fmt.Errorf("work item %s is stalled and requires an override: %w", itemID, ErrInvalidTransition)
	}
	if c.pendingEscalation(ctx, item) {
		return nil, fmt.Errorf("work item %s has a pending escalation and requires an override: %w", itemID, ErrInvalidTransition)
	}

	attempt := item.Attempt + 1
	result, err := c.evaluator.Evaluate(ctx, item, item.Phase, attempt)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A previous advance wrote this attempt's result but did not get to
		// update the work item. Recover the stored result and apply it.
		result, err = c.store.GetGateResult(ctx, itemID, item.Phase, attempt)
	}
	if err != nil {
		return nil, err
	}

	gateEntry := &workflow.AuditEntry{
		WorkItemID: itemID,
		Event:      workflow.EventGateEvaluated,
		Payload:    workflow.Snapshot(result),
		Actor:      workflow.ActorSystem,
	}
	c.appendAudit(ctx, gateEntry)
	appended := []workflow.AuditEntry{*gateEntry}

	extra, err := c.applyDecision(ctx, item, revision, result)
	if err != nil {
		return nil, err
	}
	if extra != nil {
		appended = append(appended, *extra)
	}
	return &AdvanceResult{Item: item, Gate: result, Audit: appended}, nil
}

// applyDecision mutates the work item per the gate decision and persists it
// with a CAS update. Called with the item's lease held. Returns the
// phase_advanced entry when the decision moved the item forward.
func (c *Controller) applyDecision(ctx context.Context, item *workflow.WorkItem, revision uint64, result *workflow.GateResult) (*workflow.AuditEntry, error) {
	item.LastGatePhase = result.Phase
	item.LastGateAttempt = result.Attempt

	var advanced *workflow.AuditEntry
	switch result.Decision {
	case workflow.DecisionPass:
		advanced = c.enterNextPhase(ctx, item)
	case workflow.DecisionFail:
		item.Attempt = result.Attempt
		if item.Attempt >= c.maxAttempts {
			item.Status = workflow.StatusStalled
			c.logger.Warn("Work item stalled",
				"work_item", item.ID, "phase", item.Phase, "attempts", item.Attempt)
		}
	case workflow.DecisionEscalate:
		// Stays in phase pending a human override.
		item.Attempt = result.Attempt
	default:
		return nil, fmt.Errorf("unknown gate decision: %s", result.Decision)
	}

	if err := c.updateItem(ctx, item, revision); err != nil {
		return nil, err
	}
	return advanced, nil
}

// enterNextPhase moves a passing item forward, or terminates it after the
// last phase. Appends phase_advanced and fires the deliverable hook.
func (c *Controller) enterNextPhase(ctx context.Context, item *workflow.WorkItem) *workflow.AuditEntry {
	fromPhase := item.Phase
	next, ok := c.reg.NextOrdinal(item.Phase)
	if !ok {
		item.Phase = item.Phase + 1
		item.Attempt = 0
		item.Status = workflow.StatusPassedAll
	} else {
		item.Phase = next
		item.Attempt = 0
		item.Status = workflow.StatusActive
	}

	entry := &workflow.AuditEntry{
		WorkItemID: item.ID,
		Event:      workflow.EventPhaseAdvanced,
		Payload: workflow.Snapshot(map[string]any{
			"from_phase": fromPhase,
			"to_phase":   item.Phase,
			"status":     item.Status,
		}),
		Actor: workflow.ActorSystem,
	}
	c.appendAudit(ctx, entry)

	if ok && c.hook != nil {
		c.hook.OnPhaseEntered(ctx, item, next)
	}

	c.logger.Info("Work item advanced",
		"work_item", item.ID, "from_phase", fromPhase, "to_phase", item.Phase, "status", item.Status)
	return entry
}

// Override resolves an escalated or stalled work item with a human decision.
// A pass override advances the item exactly as a gate pass would; a fail
// override rejects the item terminally.
func (c *Controller) Override(ctx context.Context, itemID string, decision workflow.Decision, actorID, reason string) (*workflow.WorkItem, error) {
	if decision != workflow.DecisionPass && decision != workflow.DecisionFail {
		return nil, fmt.Errorf("override decision must be pass or fail, got %s: %w", decision, ErrInvalidTransition)
	}
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}

	if err := c.store.AcquireLease(ctx, itemID); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			c.metrics.IncAdvanceConflict()
			return nil, fmt.Errorf("work item %s: %w", itemID, ErrEvaluationInProgress)
		}
		return nil, err
	}
	defer func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), itemID); err != nil {
			c.logger.Warn("Failed to release advance lease", "work_item", itemID, "error", err)
		}
	}()

	item, revision, err := c.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return nil, fmt.Errorf("work item %s is %s: %w", itemID, item.Status, ErrInvalidTransition)
	}

	if !c.overridable(ctx, item) {
		return nil, fmt.Errorf("work item %s has no pending escalation and is not stalled: %w", itemID, ErrInvalidTransition)
	}

	c.appendAudit(ctx, &workflow.AuditEntry{
		WorkItemID: itemID,
		Event:      workflow.EventOverrideApplied,
		Payload: workflow.Snapshot(map[string]any{
			"decision": decision,
			"reason":   reason,
			"phase":    item.Phase,
			"attempt":  item.Attempt,
		}),
		Actor: actorID,
	})
	c.metrics.IncOverride(string(decision))

	if decision == workflow.DecisionPass {
		c.enterNextPhase(ctx, item)
	} else {
		item.Status = workflow.StatusRejected
		c.logger.Info("Work item rejected by override",
			"work_item", item.ID, "phase", item.Phase, "actor", actorID)
	}

	if err := c.updateItem(ctx, item, revision); err != nil {
		return nil, err
	}
	return item, nil
}

// overridable reports whether a human decision is currently allowed: the
// item is stalled, or its latest concluded gate evaluation escalated.
func (c *Controller) overridable(ctx context.Context, item *workflow.WorkItem) bool {
	return item.Status == workflow.StatusStalled || c.pendingEscalation(ctx, item)
}

// pendingEscalation reports whether the item's latest concluded gate
// evaluation in its current phase escalated. An escalated item is parked
// until an override records the human decision; automated advances must
// not touch it.
func (c *Controller) pendingEscalation(ctx context.Context, item *workflow.WorkItem) bool {
	if item.Attempt == 0 {
		return false
	}
	result, err := c.store.GetGateResult(ctx, item.ID, item.Phase, item.Attempt)
	if err != nil {
		return false
	}
	return result.Decision == workflow.DecisionEscalate
}

// GetStatus returns the work item with its most recent gate result, if any.
func (c *Controller) GetStatus(ctx context.Context, itemID string) (*StatusInfo, error) {
	item, _, err := c.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	info := &StatusInfo{Item: item}
	if item.LastGatePhase > 0 {
		result, err := c.store.GetGateResult(ctx, itemID, item.LastGatePhase, item.LastGateAttempt)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		info.LastGateResult = result
	}
	return info, nil
}

// GetHistory returns the item's audit entries ordered by timestamp then
// sequence.
func (c *Controller) GetHistory(ctx context.Context, itemID string) ([]workflow.AuditEntry, error) {
	if _, _, err := c.store.GetWorkItem(ctx, itemID); err != nil {
		return nil, err
	}
	return c.auditLog.History(ctx, itemID)
}

// updateItem persists the mutated item with CAS. A revision conflict under
// the held lease means another writer bypassed the lease; surface it.
func (c *Controller) updateItem(ctx context.Context, item *workflow.WorkItem, revision uint64) error {
	item.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateWorkItem(ctx, item, revision); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("work item %s changed under the advance lease: %w", item.ID, err)
		}
		return err
	}
	return nil
}

// appendAudit writes an audit entry, logging rather than failing the
// operation when the log is unavailable.
func (c *Controller) appendAudit(ctx context.Context, entry *workflow.AuditEntry) {
	if err := c.auditLog.Append(ctx, entry); err != nil {
		c.logger.Error("Failed to append audit entry",
			"work_item", entry.WorkItemID, "event", entry.Event, "error", err)
	}
}
