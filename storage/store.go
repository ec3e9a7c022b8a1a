// Package storage provides durable engine state over NATS JetStream KV:
// work items with compare-and-swap updates, append-only assessment and gate
// result rows, and per-item advance leases.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flywheelhq/gateflow/workflow"
)

// Bucket names for each entity type.
const (
	BucketWorkItems   = "GATEFLOW_WORKITEMS"
	BucketAssessments = "GATEFLOW_ASSESSMENTS"
	BucketGateResults = "GATEFLOW_GATERESULTS"
	BucketLeases      = "GATEFLOW_LEASES"
)

// DefaultLeaseTTL bounds how long a crashed process can hold an advance
// lease before the bucket reaps it.
const DefaultLeaseTTL = 2 * time.Minute

// Store provides entity storage operations backed by NATS KV.
type Store struct {
	workItems   jetstream.KeyValue
	assessments jetstream.KeyValue
	gateResults jetstream.KeyValue
	leases      jetstream.KeyValue
}

// Option configures the store.
type Option func(*options)

type options struct {
	leaseTTL time.Duration
}

// WithLeaseTTL overrides the lease bucket TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
	}
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	o := options{leaseTTL: DefaultLeaseTTL}
	for _, opt := range opts {
		opt(&o)
	}

	workItems, err := getOrCreateBucket(ctx, js, BucketWorkItems, 0)
	if err != nil {
		return nil, fmt.Errorf("create work items bucket: %w", err)
	}

	assessments, err := getOrCreateBucket(ctx, js, BucketAssessments, 0)
	if err != nil {
		return nil, fmt.Errorf("create assessments bucket: %w", err)
	}

	gateResults, err := getOrCreateBucket(ctx, js, BucketGateResults, 0)
	if err != nil {
		return nil, fmt.Errorf("create gate results bucket: %w", err)
	}

	leases, err := getOrCreateBucket(ctx, js, BucketLeases, o.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("create leases bucket: %w", err)
	}

	return &Store{
		workItems:   workItems,
		assessments: assessments,
		gateResults: gateResults,
		leases:      leases,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Gateflow %s storage", strings.ToLower(name)),
		TTL:         ttl,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

// isWrongRevision matches the wrong-last-sequence API error a KV Update
// returns when the expected revision no longer matches. Other failures,
// such as a NATS outage, are not conflicts and pass through unmapped.
func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// ---------------------------------------------------------------------------
// Work items
// ---------------------------------------------------------------------------

// CreateWorkItem stores a new work item. The item's ID must be set.
func (s *Store) CreateWorkItem(ctx context.Context, item *workflow.WorkItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate work item: %w", err)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	if _, err := s.workItems.Create(ctx, item.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("work item %s: %w", item.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("store work item: %w", err)
	}

	return nil
}

// GetWorkItem retrieves a work item and the KV revision backing it.
// The revision is the compare-and-swap token for UpdateWorkItem.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*workflow.WorkItem, uint64, error) {
	entry, err := s.workItems.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("work item %s: %w", id, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get work item: %w", err)
	}

	var item workflow.WorkItem
	if err := json.Unmarshal(entry.Value(), &item); err != nil {
		return nil, 0, fmt.Errorf("unmarshal work item: %w", err)
	}

	return &item, entry.Revision(), nil
}

// UpdateWorkItem writes the item back only if the stored revision still
// matches. A lost race returns ErrConflict so the caller re-reads and
// retries inside its lease.
func (s *Store) UpdateWorkItem(ctx context.Context, item *workflow.WorkItem, revision uint64) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate work item: %w", err)
	}

	item.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	if _, err := s.workItems.Update(ctx, item.ID, data, revision); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("work item %s: %w", item.ID, ErrNotFound)
		}
		if isWrongRevision(err) {
			return fmt.Errorf("update work item %s: %w", item.ID, ErrConflict)
		}
		return fmt.Errorf("update work item %s: %w", item.ID, err)
	}

	return nil
}

// ListWorkItemIDs returns the IDs of all stored work items.
func (s *Store) ListWorkItemIDs(ctx context.Context) ([]string, error) {
	lister, err := s.workItems.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}

	var ids []string
	for key := range lister.Keys() {
		ids = append(ids, key)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Assessments (append-only)
// ---------------------------------------------------------------------------

// assessmentKey builds the KV key for one assessment row.
func assessmentKey(itemID string, phase, attempt int, criterionID string) string {
	return fmt.Sprintf("%s.%d.%d.%s", itemID, phase, attempt, criterionID)
}

// PutAssessment appends an immutable assessment row. Writing the same
// (item, phase, attempt, criterion) twice returns ErrAlreadyExists.
func (s *Store) PutAssessment(ctx context.Context, a *workflow.Assessment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("validate assessment: %w", err)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	key := assessmentKey(a.WorkItemID, a.Phase, a.Attempt, a.CriterionID)
	if _, err := s.assessments.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("assessment %s: %w", key, ErrAlreadyExists)
		}
		return fmt.Errorf("store assessment: %w", err)
	}

	return nil
}

// GetAssessment retrieves one assessment row, or ErrNotFound.
func (s *Store) GetAssessment(ctx context.Context, itemID string, phase, attempt int, criterionID string) (*workflow.Assessment, error) {
	key := assessmentKey(itemID, phase, attempt, criterionID)
	entry, err := s.assessments.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("assessment %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	var a workflow.Assessment
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal assessment: %w", err)
	}
	return &a, nil
}

// ---------------------------------------------------------------------------
// Gate results (append-only, idempotency-keyed)
// ---------------------------------------------------------------------------

// gateResultKey builds the KV key for one gate result.
func gateResultKey(itemID string, phase, attempt int) string {
	return fmt.Sprintf("%s.%d.%d", itemID, phase, attempt)
}

// PutGateResult appends an immutable gate result. The (item, phase, attempt)
// tuple is the idempotency key: re-evaluating a concluded attempt returns
// ErrAlreadyExists.
func (s *Store) PutGateResult(ctx context.Context, g *workflow.GateResult) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("validate gate result: %w", err)
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gate result: %w", err)
	}

	key := gateResultKey(g.WorkItemID, g.Phase, g.Attempt)
	if _, err := s.gateResults.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("gate result %s: %w", key, ErrAlreadyExists)
		}
		return fmt.Errorf("store gate result: %w", err)
	}

	return nil
}

// GetGateResult retrieves one gate result, or ErrNotFound.
func (s *Store) GetGateResult(ctx context.Context, itemID string, phase, attempt int) (*workflow.GateResult, error) {
	key := gateResultKey(itemID, phase, attempt)
	entry, err := s.gateResults.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("gate result %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get gate result: %w", err)
	}

	var g workflow.GateResult
	if err := json.Unmarshal(entry.Value(), &g); err != nil {
		return nil, fmt.Errorf("unmarshal gate result: %w", err)
	}
	return &g, nil
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

// AcquireLease takes the per-item advance lease. Exactly one holder wins;
// losers get ErrLeaseHeld. The bucket TTL reaps leases orphaned by a crash.
func (s *Store) AcquireLease(ctx context.Context, itemID string) error {
	value := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := s.leases.Create(ctx, itemID, value); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("work item %s: %w", itemID, ErrLeaseHeld)
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	return nil
}

// ReleaseLease releases the per-item advance lease. Releasing a lease that
// is not held is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, itemID string) error {
	if err := s.leases.Delete(ctx, itemID); err != nil && !isNotFound(err) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
