package oplog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stemsi/exstem-runner/internal/model"
)

type mirror struct {
	PageID     string            `json:"pageId"`
	Operations []model.Operation `json:"operationList"`
	Answers    []model.Answer    `json:"answerList"`
}

func (l *Log) persistLocked(ctx context.Context) {
	if l.store == nil {
		return
	}
	ops, answers := l.copyLocked()
	raw, err := json.Marshal(mirror{PageID: l.pageID, Operations: ops, Answers: answers})
	if err == nil {
		err = l.store.SaveOperationBuffer(ctx, string(raw))
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("Failed to mirror operation buffer")
	}
}

// Restore reloads the mirrored buffer. A corrupt mirror is discarded.
func (l *Log) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	raw, ok, err := l.store.LoadOperationBuffer(ctx)
	if err != nil {
		return fmt.Errorf("load operation buffer: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}

	var m mirror
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		l.log.Warn().Err(err).Msg("Corrupt operation buffer discarded")
		return nil
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pageID = m.PageID
	l.ops = l.ops[:0]
	for _, op := range m.Operations {
		if !op.EventType.IsRecognized() {
			continue
		}
		at, err := model.ParseTimestamp(op.Time, now.Location())
		if err != nil {
			at = now
		}
		l.ops = append(l.ops, entry{op: op, at: at})
	}
	for i := range l.ops {
		l.ops[i].op.Code = i + 1
	}
	l.answers = append([]model.Answer(nil), m.Answers...)
	l.log.Info().
		Str("page_id", m.PageID).
		Int("operations", len(l.ops)).
		Int("answers", len(l.answers)).
		Msg("Operation buffer restored")
	return nil
}
