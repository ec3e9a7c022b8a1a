package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/flywheelhq/gateflow/workflow"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return js
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), startJetStream(t), opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleItem(id string) *workflow.WorkItem {
	now := time.Now().UTC()
	return &workflow.WorkItem{
		ID:        id,
		OwnerID:   "owner-1",
		Payload:   "payload",
		Phase:     1,
		Status:    workflow.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkItemLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	t.Run("create and get", func(t *testing.T) {
		item := sampleItem("item-a")
		if err := store.CreateWorkItem(ctx, item); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, revision, err := store.GetWorkItem(ctx, "item-a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.OwnerID != "owner-1" || got.Phase != 1 {
			t.Errorf("unexpected item: %+v", got)
		}
		if revision == 0 {
			t.Error("expected non-zero revision")
		}
	})

	t.Run("duplicate create rejected", func(t *testing.T) {
		err := store.CreateWorkItem(ctx, sampleItem("item-a"))
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("missing item", func(t *testing.T) {
		_, _, err := store.GetWorkItem(ctx, "no-such-item")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		item, revision, err := store.GetWorkItem(ctx, "item-a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}

		item.Phase = 2
		if err := store.UpdateWorkItem(ctx, item, revision); err != nil {
			t.Fatalf("update: %v", err)
		}

		// Second write with the now-stale revision must lose.
		item.Phase = 3
		err = store.UpdateWorkItem(ctx, item, revision)
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}

		got, _, err := store.GetWorkItem(ctx, "item-a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Phase != 2 {
			t.Errorf("expected phase 2 to survive, got %d", got.Phase)
		}
	})

	t.Run("list ids", func(t *testing.T) {
		if err := store.CreateWorkItem(ctx, sampleItem("item-b")); err != nil {
			t.Fatalf("create: %v", err)
		}
		ids, err := store.ListWorkItemIDs(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 ids, got %v", ids)
		}
	})
}

func TestWrongRevisionClassification(t *testing.T) {
	mismatch := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
	if !isWrongRevision(fmt.Errorf("update: %w", mismatch)) {
		t.Error("wrapped wrong-last-sequence error should classify as a revision conflict")
	}

	// Transport failures are not conflicts; they must reach the caller as-is.
	for _, err := range []error{nats.ErrConnectionClosed, context.DeadlineExceeded} {
		if isWrongRevision(err) {
			t.Errorf("%v should not classify as a revision conflict", err)
		}
	}
}

func TestAssessmentRowsAreImmutable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	a := &workflow.Assessment{
		ID:          "assessment-1",
		WorkItemID:  "item-a",
		Phase:       1,
		CriterionID: "clarity",
		Attempt:     1,
		Score:       80,
		Source:      workflow.SourceAutomated,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutAssessment(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := store.PutAssessment(ctx, a); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on rewrite, got %v", err)
	}

	// A new attempt is a new row, not an overwrite.
	a2 := *a
	a2.Attempt = 2
	a2.Score = 40
	if err := store.PutAssessment(ctx, &a2); err != nil {
		t.Fatalf("put attempt 2: %v", err)
	}

	got, err := store.GetAssessment(ctx, "item-a", 1, 1, "clarity")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Score != 80 {
		t.Errorf("attempt 1 row changed: %v", got.Score)
	}
}

func TestGateResultIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	g := &workflow.GateResult{
		WorkItemID:    "item-a",
		Phase:         1,
		Attempt:       1,
		Score:         80,
		Decision:      workflow.DecisionPass,
		AssessmentIDs: []string{"assessment-1"},
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.PutGateResult(ctx, g); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutGateResult(ctx, g); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetGateResult(ctx, "item-a", 1, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != workflow.DecisionPass {
		t.Errorf("unexpected decision: %s", got.Decision)
	}

	if _, err := store.GetGateResult(ctx, "item-a", 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown attempt, got %v", err)
	}
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	if err := store.AcquireLease(ctx, "item-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := store.AcquireLease(ctx, "item-a"); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("expected ErrLeaseHeld, got %v", err)
	}

	// Different items have independent leases.
	if err := store.AcquireLease(ctx, "item-b"); err != nil {
		t.Errorf("independent lease failed: %v", err)
	}

	if err := store.ReleaseLease(ctx, "item-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.AcquireLease(ctx, "item-a"); err != nil {
		t.Errorf("re-acquire after release failed: %v", err)
	}

	// Releasing an unheld lease is a no-op.
	if err := store.ReleaseLease(ctx, "item-never-leased"); err != nil {
		t.Errorf("release of unheld lease failed: %v", err)
	}
}
