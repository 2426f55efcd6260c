// Package oplog holds the live, unflushed interaction log of the current
// page: operations in insertion order plus answers upserted by target.
package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/observability"
)

const (
	// DefaultDedupWindow is how long an identical entry is suppressed.
	DefaultDedupWindow = time.Second
	auditCap           = 100
)

// BufferStore mirrors the buffer so a restart does not lose it.
type BufferStore interface {
	SaveOperationBuffer(ctx context.Context, raw string) error
	LoadOperationBuffer(ctx context.Context) (string, bool, error)
}

type entry struct {
	op model.Operation
	at time.Time
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	pageID  string
	ops     []entry
	answers []model.Answer
	audit   []model.Operation

	clock  clock.Clock
	window time.Duration
	store  BufferStore
	log    zerolog.Logger
}

// New creates an empty log. store may be nil.
func New(clk clock.Clock, window time.Duration, store BufferStore, log zerolog.Logger) *Log {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Log{
		clock:  clk,
		window: window,
		store:  store,
		log:    log.With().Str("component", "oplog").Logger(),
	}
}

// Append records op on the current page and reports whether it was kept.
//
// Unrecognized event types only reach the audit trail. An entry identical
// in target, event type and value to one recorded within the dedup window
// is dropped, except page_enter on the task-completion page. The sequence
// code is always the buffer length plus one.
func (l *Log) Append(ctx context.Context, op model.Operation) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if op.PageID == "" {
		op.PageID = l.pageID
	}
	if op.Value == nil {
		op.Value = ""
	}
	op.Time = model.FormatTimestamp(now)

	if !op.EventType.IsRecognized() {
		l.audit = append(l.audit, op)
		if len(l.audit) > auditCap {
			l.audit = l.audit[len(l.audit)-auditCap:]
		}
		l.log.Debug().
			Str("event_type", string(op.EventType)).
			Str("target", op.TargetElement).
			Msg("Unrecognized event type kept in audit trail only")
		observability.OperationsRecorded().WithLabelValues("unrecognized").Inc()
		return false
	}

	if !l.dedupExempt(op) {
		key := dedupKey(op)
		for _, e := range l.ops {
			if dedupKey(e.op) == key && now.Sub(e.at) < l.window {
				l.log.Debug().
					Str("event_type", string(op.EventType)).
					Str("target", op.TargetElement).
					Msg("Duplicate operation dropped")
				observability.OperationsRecorded().WithLabelValues("duplicate").Inc()
				return false
			}
		}
	}

	op.Code = len(l.ops) + 1
	l.ops = append(l.ops, entry{op: op, at: now})
	l.persistLocked(ctx)
	observability.OperationsRecorded().WithLabelValues("accepted").Inc()
	return true
}

// CollectAnswer upserts a by target element. An existing answer keeps its
// position and code.
func (l *Log) CollectAnswer(ctx context.Context, a model.Answer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.answers {
		if l.answers[i].TargetElement == a.TargetElement {
			l.answers[i].Value = a.Value
			l.persistLocked(ctx)
			return
		}
	}
	if a.Code == 0 {
		a.Code = len(l.answers) + 1
	}
	l.answers = append(l.answers, a)
	l.persistLocked(ctx)
}

// FlushAndClear hands out copies of both buffers and empties them. Entries
// appended afterwards start the next batch.
func (l *Log) FlushAndClear(ctx context.Context) ([]model.Operation, []model.Answer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops, answers := l.copyLocked()
	l.ops = nil
	l.answers = nil
	l.persistLocked(ctx)
	return ops, answers
}

// Requeue puts a batch handed out by FlushAndClear back in front of
// whatever was logged since, after a failed submission. Synthetic page_exit
// entries are dropped since the next attempt adds its own. Answers logged
// since the flush win over requeued ones for the same target.
func (l *Log) Requeue(ctx context.Context, ops []model.Operation, answers []model.Answer) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make([]entry, 0, len(ops)+len(l.ops))
	for _, op := range ops {
		if op.EventType == model.EventPageExit {
			continue
		}
		at, err := model.ParseTimestamp(op.Time, now.Location())
		if err != nil {
			at = now
		}
		merged = append(merged, entry{op: op, at: at})
	}
	merged = append(merged, l.ops...)
	for i := range merged {
		merged[i].op.Code = i + 1
	}
	l.ops = merged

	combined := append([]model.Answer(nil), answers...)
	for _, a := range l.answers {
		replaced := false
		for i := range combined {
			if combined[i].TargetElement == a.TargetElement {
				combined[i].Value = a.Value
				replaced = true
				break
			}
		}
		if !replaced {
			combined = append(combined, a)
		}
	}
	for i := range combined {
		combined[i].Code = i + 1
	}
	l.answers = combined
	l.persistLocked(ctx)
}

// Reset empties both buffers and moves the log to pageID.
func (l *Log) Reset(ctx context.Context, pageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pageID = pageID
	l.ops = nil
	l.answers = nil
	l.persistLocked(ctx)
}

// PageID is the page new entries are attributed to.
func (l *Log) PageID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pageID
}

// Snapshot returns copies of both buffers without clearing them.
func (l *Log) Snapshot() ([]model.Operation, []model.Answer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Audit returns the entries rejected for an unrecognized event type.
func (l *Log) Audit() []model.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Operation(nil), l.audit...)
}

func (l *Log) dedupExempt(op model.Operation) bool {
	return op.EventType == model.EventPageEnter && op.PageID == model.PageTaskCompletion
}

func (l *Log) copyLocked() ([]model.Operation, []model.Answer) {
	ops := make([]model.Operation, len(l.ops))
	for i, e := range l.ops {
		ops[i] = e.op
	}
	return ops, append([]model.Answer{}, l.answers...)
}

func dedupKey(op model.Operation) string {
	v, err := json.Marshal(op.Value)
	if err != nil {
		v = []byte(fmt.Sprint(op.Value))
	}
	return op.TargetElement + "\x00" + string(op.EventType) + "\x00" + string(v)
}
