package audit

import (
	"context"
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

func newLog(t *testing.T) *Log {
	t.Helper()
	log, err := NewLog(context.Background(), startJetStream(t))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return log
}

func entry(itemID string, event workflow.EventType, ts time.Time) *workflow.AuditEntry {
	return &workflow.AuditEntry{
		WorkItemID: itemID,
		Event:      event,
		Actor:      workflow.ActorSystem,
		Timestamp:  ts,
	}
}

func TestAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	base := time.Now().UTC().Truncate(time.Second)
	events := []workflow.EventType{
		workflow.EventPhaseEntered,
		workflow.EventGateEvaluated,
		workflow.EventPhaseAdvanced,
	}
	for i, ev := range events {
		if err := log.Append(ctx, entry("item-a", ev, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append %s: %v", ev, err)
		}
	}
	// Another item's entries must not bleed into item-a's history.
	if err := log.Append(ctx, entry("item-b", workflow.EventPhaseEntered, base)); err != nil {
		t.Fatalf("append item-b: %v", err)
	}

	entries, err := log.History(ctx, "item-a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, ev := range events {
		if entries[i].Event != ev {
			t.Errorf("entry %d: expected %s, got %s", i, ev, entries[i].Event)
		}
	}
}

func TestHistoryBreaksTimestampTiesBySequence(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	// Same timestamp on every entry; stream sequence must decide the order.
	ts := time.Now().UTC().Truncate(time.Second)
	events := []workflow.EventType{
		workflow.EventPhaseEntered,
		workflow.EventGateEvaluated,
		workflow.EventPhaseAdvanced,
	}
	for _, ev := range events {
		if err := log.Append(ctx, entry("item-a", ev, ts)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := log.History(ctx, "item-a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	var last uint64
	for i, e := range entries {
		if e.Sequence <= last {
			t.Errorf("entry %d sequence %d not increasing", i, e.Sequence)
		}
		last = e.Sequence
		if e.Event != events[i] {
			t.Errorf("entry %d: expected %s, got %s", i, events[i], e.Event)
		}
	}
}

func TestReplayCursorIsRestartable(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, entry("item-a", workflow.EventGateEvaluated, time.Now().UTC())); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cursor, err := log.Replay(ctx, "item-a")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	count := 0
	for {
		e, err := cursor.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if e == nil {
			break
		}
		count++
	}
	if count != 5 {
		t.Errorf("expected 5 entries from cursor, got %d", count)
	}

	// A fresh cursor starts over from the beginning.
	cursor, err = log.Replay(ctx, "item-a")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	first, err := cursor.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first == nil {
		t.Fatal("expected restarted cursor to yield entries")
	}
}

func TestHistoryEmptyItem(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	entries, err := log.History(ctx, "item-unknown")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty history, got %d entries", len(entries))
	}
}

func TestAppendValidates(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	err := log.Append(ctx, &workflow.AuditEntry{Event: workflow.EventPhaseEntered, Actor: workflow.ActorSystem})
	if err == nil {
		t.Error("expected validation error for missing work item id")
	}

	err = log.Append(ctx, &workflow.AuditEntry{WorkItemID: "item-a", Event: "exploded", Actor: workflow.ActorSystem})
	if err == nil {
		t.Error("expected validation error for unknown event type")
	}
}
