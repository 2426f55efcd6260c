// Package timer runs the named countdown scopes of a session. Remaining time
// is always re-derived from a persisted wall-clock anchor, so time spent
// with the process down is accounted for on recovery.
package timer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/observability"
	"github.com/stemsi/exstem-runner/internal/session"
)

var (
	ErrTimerExpired = errors.New("timer: scope expired, reset it first")
	ErrNotRunning   = errors.New("timer: scope is not running")
	ErrNotPaused    = errors.New("timer: scope is not paused")
	ErrUnknownScope = errors.New("timer: unknown scope")
)

// Store is the slice of the session store the engine persists through.
type Store interface {
	LoadTimer(ctx context.Context, scope string) (session.TimerRecord, bool, error)
	SaveTimer(ctx context.Context, scope string, rec session.TimerRecord) error
	SaveTimerRemaining(ctx context.Context, scope string, remaining int) error
	ClearTimer(ctx context.Context, scope string) error
	LastLiveness(ctx context.Context) (time.Time, bool, error)
	RecordLiveness(ctx context.Context, now time.Time) error
}

// TimeoutFunc runs once per expiry of the scope it is registered for.
type TimeoutFunc func(ctx context.Context, scope string)

// Listener observes timer changes. Calls happen outside the engine lock.
type Listener interface {
	TimerTicked(snap model.TimerSnapshot)
	TimerExpired(snap model.TimerSnapshot)
}

type scopeState struct {
	status          model.TimerStatus
	duration        int
	remaining       int
	startedAt       time.Time
	anchorAt        time.Time
	anchorRemaining int
}

func (s *scopeState) record() session.TimerRecord {
	return session.TimerRecord{
		Duration:            s.duration,
		Remaining:           s.remaining,
		StartedAt:           s.startedAt,
		CheckpointAt:        s.anchorAt,
		CheckpointRemaining: s.anchorRemaining,
		Paused:              s.status == model.TimerPaused,
		TimeoutHandled:      s.status == model.TimerExpired,
	}
}

// liveRemaining derives remaining seconds from the anchor.
func (s *scopeState) liveRemaining(now time.Time) int {
	return max(0, s.anchorRemaining-elapsedSeconds(s.anchorAt, now))
}

// Engine is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	scopes   map[string]*scopeState
	defaults map[string]time.Duration
	onExpire map[string][]TimeoutFunc
	listener Listener

	store Store
	clock clock.Clock
	log   zerolog.Logger
}

// NewEngine creates an engine. defaults lists the known scopes and their
// default durations.
func NewEngine(store Store, clk clock.Clock, defaults map[string]time.Duration, log zerolog.Logger) *Engine {
	d := make(map[string]time.Duration, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Engine{
		scopes:   make(map[string]*scopeState),
		defaults: d,
		onExpire: make(map[string][]TimeoutFunc),
		store:    store,
		clock:    clk,
		log:      log.With().Str("component", "timer").Logger(),
	}
}

// OnTimeout registers fn for scope.
func (e *Engine) OnTimeout(scope string, fn TimeoutFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExpire[scope] = append(e.onExpire[scope], fn)
}

// SetListener installs l, replacing any previous listener.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Scopes lists the known scope names, sorted.
func (e *Engine) Scopes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.defaults))
	for k := range e.defaults {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Start begins a countdown. A running scope is left untouched; an expired
// one must be reset first. durationSeconds <= 0 uses the scope default.
func (e *Engine) Start(ctx context.Context, scope string, durationSeconds int) (model.TimerSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.defaults[scope]; !ok {
		return model.TimerSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}

	st := e.scopes[scope]
	if st != nil && st.status == model.TimerRunning {
		return e.snapshotLocked(scope), nil
	}
	if st != nil && st.status == model.TimerExpired {
		return e.snapshotLocked(scope), ErrTimerExpired
	}

	if durationSeconds <= 0 {
		durationSeconds = int(e.defaults[scope] / time.Second)
	}
	now := e.clock.Now()
	st = &scopeState{
		status:          model.TimerRunning,
		duration:        durationSeconds,
		remaining:       durationSeconds,
		startedAt:       now,
		anchorAt:        now,
		anchorRemaining: durationSeconds,
	}
	if err := e.store.SaveTimer(ctx, scope, st.record()); err != nil {
		return model.TimerSnapshot{}, err
	}
	e.scopes[scope] = st

	e.log.Info().Str("scope", scope).Int("duration", durationSeconds).Msg("Timer started")
	return e.snapshotLocked(scope), nil
}

// Tick refreshes every running scope, expiring those that reached zero, and
// records liveness while any scope is active.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock.Now()

	e.mu.Lock()
	var (
		ticked  []model.TimerSnapshot
		expired []string
		errs    []error
		active  bool
	)
	for _, scope := range sortedKeys(e.scopes) {
		st := e.scopes[scope]
		if st.status == model.TimerRunning || st.status == model.TimerPaused {
			active = true
		}
		if st.status != model.TimerRunning {
			continue
		}
		st.remaining = st.liveRemaining(now)
		if st.remaining == 0 {
			if err := e.expireLocked(ctx, scope, st); err != nil {
				errs = append(errs, err)
			}
			expired = append(expired, scope)
			continue
		}
		if err := e.store.SaveTimerRemaining(ctx, scope, st.remaining); err != nil {
			errs = append(errs, err)
		}
		ticked = append(ticked, e.snapshotLocked(scope))
	}
	if active {
		if err := e.store.RecordLiveness(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}
	listener := e.listener
	e.mu.Unlock()

	if listener != nil {
		for _, snap := range ticked {
			listener.TimerTicked(snap)
		}
	}
	e.fireExpired(ctx, expired)
	return errors.Join(errs...)
}

// RecoverOnLoad rebuilds a scope from the durable store. A running scope
// loses the wall-clock gap since the last liveness record (or, without one,
// since its checkpoint); reaching zero expires it immediately. An expired
// scope stays expired without firing again. Corrupt state means idle.
func (e *Engine) RecoverOnLoad(ctx context.Context, scope string) (model.TimerSnapshot, error) {
	now := e.clock.Now()

	e.mu.Lock()
	rec, ok, err := e.store.LoadTimer(ctx, scope)
	if err != nil {
		e.mu.Unlock()
		return model.TimerSnapshot{}, err
	}
	if !ok {
		delete(e.scopes, scope)
		snap := e.snapshotLocked(scope)
		e.mu.Unlock()
		return snap, nil
	}

	st := &scopeState{
		duration:  rec.Duration,
		remaining: rec.Remaining,
		startedAt: rec.StartedAt,
	}
	var expired []string

	switch {
	case rec.TimeoutHandled:
		st.status = model.TimerExpired
		st.remaining = 0
		st.anchorAt, st.anchorRemaining = rec.CheckpointAt, 0

	case rec.Paused:
		st.status = model.TimerPaused
		st.anchorAt, st.anchorRemaining = now, rec.Remaining

	default:
		last, haveLiveness, err := e.store.LastLiveness(ctx)
		if err != nil {
			e.mu.Unlock()
			return model.TimerSnapshot{}, err
		}
		var remaining int
		if haveLiveness {
			remaining = max(0, rec.Remaining-elapsedSeconds(last, now))
		} else {
			remaining = max(0, rec.CheckpointRemaining-elapsedSeconds(rec.CheckpointAt, now))
		}
		st.status = model.TimerRunning
		st.remaining = remaining
		st.anchorAt, st.anchorRemaining = now, remaining

		e.log.Info().
			Str("scope", scope).
			Int("persisted_remaining", rec.Remaining).
			Int("remaining", remaining).
			Bool("from_liveness", haveLiveness).
			Msg("Timer recovered")
	}

	e.scopes[scope] = st
	if st.status == model.TimerRunning && st.remaining == 0 {
		err = e.expireLocked(ctx, scope, st)
		expired = append(expired, scope)
	} else if st.status != model.TimerExpired {
		err = e.store.SaveTimer(ctx, scope, st.record())
	}
	snap := e.snapshotLocked(scope)
	e.mu.Unlock()

	e.fireExpired(ctx, expired)
	return snap, err
}

// RecoverAll recovers every known scope.
func (e *Engine) RecoverAll(ctx context.Context) ([]model.TimerSnapshot, error) {
	var (
		snaps []model.TimerSnapshot
		errs  []error
	)
	for _, scope := range e.Scopes() {
		snap, err := e.RecoverOnLoad(ctx, scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", scope, err))
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, errors.Join(errs...)
}

// Pause freezes a running scope.
func (e *Engine) Pause(ctx context.Context, scope string) (model.TimerSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.scopes[scope]
	if st == nil || st.status != model.TimerRunning {
		return e.snapshotLocked(scope), ErrNotRunning
	}
	now := e.clock.Now()
	st.remaining = st.liveRemaining(now)
	st.status = model.TimerPaused
	st.anchorAt, st.anchorRemaining = now, st.remaining
	if err := e.store.SaveTimer(ctx, scope, st.record()); err != nil {
		return model.TimerSnapshot{}, err
	}
	e.log.Info().Str("scope", scope).Int("remaining", st.remaining).Msg("Timer paused")
	return e.snapshotLocked(scope), nil
}

// Resume restarts a paused scope from where it stopped.
func (e *Engine) Resume(ctx context.Context, scope string) (model.TimerSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.scopes[scope]
	if st == nil || st.status != model.TimerPaused {
		return e.snapshotLocked(scope), ErrNotPaused
	}
	st.status = model.TimerRunning
	st.anchorAt, st.anchorRemaining = e.clock.Now(), st.remaining
	if err := e.store.SaveTimer(ctx, scope, st.record()); err != nil {
		return model.TimerSnapshot{}, err
	}
	e.log.Info().Str("scope", scope).Int("remaining", st.remaining).Msg("Timer resumed")
	return e.snapshotLocked(scope), nil
}

// Reset clears one scope back to idle. Other scopes are untouched.
func (e *Engine) Reset(ctx context.Context, scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ClearTimer(ctx, scope); err != nil {
		return err
	}
	delete(e.scopes, scope)
	e.log.Info().Str("scope", scope).Msg("Timer reset")
	return nil
}

// Forget drops all in-memory state without touching the store, used after
// the store has been purged.
func (e *Engine) Forget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopes = make(map[string]*scopeState)
}

// Snapshot reports a scope's current state, recomputing remaining time for
// running scopes.
func (e *Engine) Snapshot(scope string) model.TimerSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(scope)
}

// Snapshots reports every known scope.
func (e *Engine) Snapshots() []model.TimerSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.TimerSnapshot, 0, len(e.defaults))
	for _, scope := range sortedKeys(e.defaults) {
		out = append(out, e.snapshotLocked(scope))
	}
	return out
}

// Active reports whether any scope is running or paused.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.scopes {
		if st.status == model.TimerRunning || st.status == model.TimerPaused {
			return true
		}
	}
	return false
}

// RecordLiveness stores a liveness timestamp if any scope is active. The
// host scheduler calls it once more on shutdown.
func (e *Engine) RecordLiveness(ctx context.Context) error {
	if !e.Active() {
		return nil
	}
	return e.store.RecordLiveness(ctx, e.clock.Now())
}

func (e *Engine) expireLocked(ctx context.Context, scope string, st *scopeState) error {
	st.status = model.TimerExpired
	st.remaining = 0
	st.anchorRemaining = 0
	observability.TimerExpiries().WithLabelValues(scope).Inc()
	e.log.Warn().Str("scope", scope).Msg("Timer expired")
	return e.store.SaveTimer(ctx, scope, st.record())
}

func (e *Engine) fireExpired(ctx context.Context, scopes []string) {
	if len(scopes) == 0 {
		return
	}
	e.mu.Lock()
	listener := e.listener
	calls := make(map[string][]TimeoutFunc, len(scopes))
	snaps := make(map[string]model.TimerSnapshot, len(scopes))
	for _, scope := range scopes {
		calls[scope] = append([]TimeoutFunc(nil), e.onExpire[scope]...)
		snaps[scope] = e.snapshotLocked(scope)
	}
	e.mu.Unlock()

	for _, scope := range scopes {
		if listener != nil {
			listener.TimerExpired(snaps[scope])
		}
		for _, fn := range calls[scope] {
			fn(ctx, scope)
		}
	}
}

func (e *Engine) snapshotLocked(scope string) model.TimerSnapshot {
	st := e.scopes[scope]
	if st == nil {
		return model.TimerSnapshot{
			Scope:     scope,
			Status:    model.TimerIdle,
			Duration:  int(e.defaults[scope] / time.Second),
			Remaining: int(e.defaults[scope] / time.Second),
		}
	}
	remaining := st.remaining
	if st.status == model.TimerRunning {
		remaining = st.liveRemaining(e.clock.Now())
	}
	return model.TimerSnapshot{
		Scope:     scope,
		Status:    st.status,
		Duration:  st.duration,
		Remaining: remaining,
		StartedAt: st.startedAt.Format(time.RFC3339),
	}
}

func elapsedSeconds(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Second)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
