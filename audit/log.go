// Package audit provides the append-only audit trail on a JetStream stream.
// Every phase transition, gate evaluation, and override is appended here;
// entries are never mutated or deleted, making the log the sole source of
// truth for what happened when.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flywheelhq/gateflow/workflow"
)

const (
	// StreamName is the JetStream stream holding all audit entries.
	StreamName = "GATEFLOW_AUDIT"

	// subjectPrefix is the subject namespace; one subject per work item.
	subjectPrefix = "gateflow.audit."
)

// ItemSubject returns the audit subject for a work item.
func ItemSubject(itemID string) string {
	return subjectPrefix + itemID
}

// Log appends and reads audit entries.
type Log struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// NewLog creates the audit log, provisioning the stream if needed.
func NewLog(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Log, error) {
	l := &Log{js: js, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Gateflow append-only audit trail",
		Subjects:    []string{subjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit stream: %w", err)
	}

	return l, nil
}

// Append writes one audit entry. Entries are write-only; there is no update
// or delete path.
func (l *Log) Append(ctx context.Context, entry *workflow.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("validate audit entry: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	ack, err := l.js.Publish(ctx, ItemSubject(entry.WorkItemID), data)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	l.logger.Debug("Audit entry appended",
		"work_item", entry.WorkItemID,
		"event", entry.Event,
		"sequence", ack.Sequence)

	return nil
}

// History returns all audit entries for a work item, ordered by timestamp
// with the stream sequence breaking ties.
func (l *Log) History(ctx context.Context, itemID string) ([]workflow.AuditEntry, error) {
	cursor, err := l.Replay(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var entries []workflow.AuditEntry
	for {
		entry, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		entries = append(entries, *entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Sequence < entries[j].Sequence
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	return entries, nil
}

// Replay returns a lazy cursor over a work item's audit entries in stream
// order. Cursors are cheap; restart by calling Replay again.
func (l *Log) Replay(ctx context.Context, itemID string) (*Cursor, error) {
	cons, err := l.js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ItemSubject(itemID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit consumer: %w", err)
	}

	return &Cursor{cons: cons}, nil
}

// Cursor iterates audit entries lazily. Next returns nil when the history is
// exhausted.
type Cursor struct {
	cons    jetstream.Consumer
	pending []jetstream.Msg
	done    bool
}

// fetchBatch is how many entries one fetch pulls.
const fetchBatch = 64

// Next returns the next audit entry, or nil when the log is exhausted.
func (c *Cursor) Next(ctx context.Context) (*workflow.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.pending) == 0 && !c.done {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
	if len(c.pending) == 0 {
		return nil, nil
	}

	msg := c.pending[0]
	c.pending = c.pending[1:]

	var entry workflow.AuditEntry
	if err := json.Unmarshal(msg.Data(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal audit entry: %w", err)
	}

	if meta, err := msg.Metadata(); err == nil {
		entry.Sequence = meta.Sequence.Stream
	}

	return &entry, nil
}

func (c *Cursor) fill() error {
	batch, err := c.cons.FetchNoWait(fetchBatch)
	if err != nil {
		return fmt.Errorf("fetch audit entries: %w", err)
	}

	for msg := range batch.Messages() {
		c.pending = append(c.pending, msg)
	}
	if err := batch.Error(); err != nil {
		return fmt.Errorf("fetch audit entries: %w", err)
	}

	if len(c.pending) == 0 {
		c.done = true
	}

	return nil
}
