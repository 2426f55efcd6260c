package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stemsi/exstem-runner/internal/kvstore"
)

// TimerRecord is the persisted state of one timer scope.
//
// StartedAt only changes on start. CheckpointAt/CheckpointRemaining anchor
// the countdown: the live remaining value is always re-derived as
// CheckpointRemaining minus whole seconds since CheckpointAt. Remaining is a
// cache refreshed on every tick and used for offline compensation.
type TimerRecord struct {
	Duration            int
	Remaining           int
	StartedAt           time.Time
	CheckpointAt        time.Time
	CheckpointRemaining int
	Paused              bool
	TimeoutHandled      bool
}

type checkpoint struct {
	At        time.Time `json:"at"`
	Remaining int       `json:"remaining"`
}

// LoadTimer reads a scope's record. ok is false when the scope was never
// started or its record is corrupt; corruption is logged, never returned.
func (s *Store) LoadTimer(ctx context.Context, scope string) (rec TimerRecord, ok bool, err error) {
	k := s.keys
	vals, err := s.kv.GetMany(ctx, k.TimerKeys(scope))
	if err != nil {
		return TimerRecord{}, false, fmt.Errorf("load timer %s: %w", scope, err)
	}

	rawStart, found := vals[k.TimerStartKey(scope)]
	if !found {
		return TimerRecord{}, false, nil
	}

	corrupt := func(field string) (TimerRecord, bool, error) {
		s.log.Warn().Str("scope", scope).Str("field", field).Msg("Corrupt timer record treated as idle")
		return TimerRecord{}, false, nil
	}

	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, rawStart); err != nil {
		return corrupt("start")
	}
	if rec.Duration, err = strconv.Atoi(vals[k.TimerDurationKey(scope)]); err != nil || rec.Duration < 0 {
		return corrupt("duration")
	}
	if rec.Remaining, err = strconv.Atoi(vals[k.TimerRemainingKey(scope)]); err != nil || rec.Remaining < 0 {
		return corrupt("remaining")
	}

	var cp checkpoint
	if raw := vals[k.TimerCheckpointKey(scope)]; raw != "" {
		if json.Unmarshal([]byte(raw), &cp) != nil || cp.Remaining < 0 {
			return corrupt("checkpoint")
		}
	} else {
		cp = checkpoint{At: rec.StartedAt, Remaining: rec.Duration}
	}
	rec.CheckpointAt = cp.At
	rec.CheckpointRemaining = cp.Remaining
	rec.Paused = vals[k.TimerPausedKey(scope)] == "true"
	rec.TimeoutHandled = vals[k.TimerTimeoutHandledKey(scope)] == "true"
	return rec, true, nil
}

// SaveTimer writes a scope's full record.
func (s *Store) SaveTimer(ctx context.Context, scope string, rec TimerRecord) error {
	k := s.keys
	cp, err := json.Marshal(checkpoint{At: rec.CheckpointAt, Remaining: rec.CheckpointRemaining})
	if err != nil {
		return err
	}
	err = s.kv.SetMany(ctx, []kvstore.Entry{
		{Key: k.TimerStartKey(scope), Value: rec.StartedAt.Format(time.RFC3339Nano)},
		{Key: k.TimerDurationKey(scope), Value: strconv.Itoa(rec.Duration)},
		{Key: k.TimerRemainingKey(scope), Value: strconv.Itoa(rec.Remaining)},
		{Key: k.TimerCheckpointKey(scope), Value: string(cp)},
		{Key: k.TimerPausedKey(scope), Value: strconv.FormatBool(rec.Paused)},
		{Key: k.TimerTimeoutHandledKey(scope), Value: strconv.FormatBool(rec.TimeoutHandled)},
	})
	if err != nil {
		return fmt.Errorf("save timer %s: %w", scope, err)
	}
	return nil
}

// SaveTimerRemaining refreshes the remaining cache of a scope.
func (s *Store) SaveTimerRemaining(ctx context.Context, scope string, remaining int) error {
	return s.kv.Set(ctx, s.keys.TimerRemainingKey(scope), strconv.Itoa(remaining))
}

// ClearTimer removes every key of a scope.
func (s *Store) ClearTimer(ctx context.Context, scope string) error {
	if err := s.kv.Delete(ctx, s.keys.TimerKeys(scope)...); err != nil {
		return fmt.Errorf("clear timer %s: %w", scope, err)
	}
	return nil
}
