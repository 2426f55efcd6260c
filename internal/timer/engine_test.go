package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/config"
	"github.com/stemsi/exstem-runner/internal/kvstore"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/session"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)

var testDefaults = map[string]time.Duration{
	model.ScopeTask:          2400 * time.Second,
	model.ScopeQuestionnaire: 600 * time.Second,
	model.ScopeNotice:        40 * time.Second,
}

type recorder struct {
	mu      sync.Mutex
	ticks   []model.TimerSnapshot
	expired []model.TimerSnapshot
}

func (r *recorder) TimerTicked(s model.TimerSnapshot) {
	r.mu.Lock()
	r.ticks = append(r.ticks, s)
	r.mu.Unlock()
}

func (r *recorder) TimerExpired(s model.TimerSnapshot) {
	r.mu.Lock()
	r.expired = append(r.expired, s)
	r.mu.Unlock()
}

type fixture struct {
	store  *session.Store
	clock  *clock.Fake
	engine *Engine
	mr     *miniredis.Miniredis
	fired  map[string]int
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewFake(t0)
	store := session.NewStore(kvstore.NewRedisStore(rdb), config.NewStorageKeyStruct("test"), clk, session.DefaultExpiry, zerolog.Nop())
	f := &fixture{store: store, clock: clk, mr: mr, fired: map[string]int{}}
	f.engine = f.newEngine()
	return f
}

// newEngine simulates a process restart against the same store.
func (f *fixture) newEngine() *Engine {
	e := NewEngine(f.store, f.clock, testDefaults, zerolog.Nop())
	for scope := range testDefaults {
		e.OnTimeout(scope, func(_ context.Context, scope string) {
			f.mu.Lock()
			f.fired[scope]++
			f.mu.Unlock()
		})
	}
	return e
}

func (f *fixture) firedCount(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired[scope]
}

func TestStartIsNoopWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.engine.Start(ctx, model.ScopeTask, 0)
	require.NoError(t, err)
	require.Equal(t, 2400, snap.Remaining)

	f.clock.Advance(10 * time.Second)
	snap, err = f.engine.Start(ctx, model.ScopeTask, 60)
	require.NoError(t, err)
	require.Equal(t, 2400, snap.Duration)
	require.Equal(t, 2390, snap.Remaining)
}

func TestStartUnknownScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Start(context.Background(), "lunch", 10)
	require.ErrorIs(t, err, ErrUnknownScope)
}

func TestTickDerivesFromAnchorAndExpiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recorder{}
	f.engine.SetListener(rec)

	_, err := f.engine.Start(ctx, model.ScopeNotice, 0)
	require.NoError(t, err)

	// irregular tick spacing must not cause drift
	f.clock.Advance(1500 * time.Millisecond)
	require.NoError(t, f.engine.Tick(ctx))
	f.clock.Advance(700 * time.Millisecond)
	require.NoError(t, f.engine.Tick(ctx))
	require.Equal(t, 38, f.engine.Snapshot(model.ScopeNotice).Remaining)

	f.clock.Advance(38 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	require.NoError(t, f.engine.Tick(ctx))

	snap := f.engine.Snapshot(model.ScopeNotice)
	require.Equal(t, model.TimerExpired, snap.Status)
	require.Equal(t, 0, snap.Remaining)
	require.Equal(t, 1, f.firedCount(model.ScopeNotice))
	require.Len(t, rec.expired, 1)
	require.Len(t, rec.ticks, 2)

	_, err = f.engine.Start(ctx, model.ScopeNotice, 0)
	require.ErrorIs(t, err, ErrTimerExpired)

	require.NoError(t, f.engine.Reset(ctx, model.ScopeNotice))
	_, err = f.engine.Start(ctx, model.ScopeNotice, 0)
	require.NoError(t, err)
	f.clock.Advance(41 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	require.Equal(t, 2, f.firedCount(model.ScopeNotice))
}

func TestRecoverOnLoadOfflineCompensationExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// D=2400, R=1200 persisted at t0, then 1500s offline
	require.NoError(t, f.store.SaveTimer(ctx, model.ScopeTask, session.TimerRecord{
		Duration:            2400,
		Remaining:           1200,
		StartedAt:           t0.Add(-1200 * time.Second),
		CheckpointAt:        t0.Add(-1200 * time.Second),
		CheckpointRemaining: 2400,
	}))
	require.NoError(t, f.store.RecordLiveness(ctx, t0))
	f.clock.Advance(1500 * time.Second)

	snap, err := f.engine.RecoverOnLoad(ctx, model.ScopeTask)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Remaining)
	require.Equal(t, model.TimerExpired, snap.Status)
	require.Equal(t, 1, f.firedCount(model.ScopeTask))

	// sticky across another restart, no second callback
	again := f.newEngine()
	snap, err = again.RecoverOnLoad(ctx, model.ScopeTask)
	require.NoError(t, err)
	require.Equal(t, model.TimerExpired, snap.Status)
	require.Equal(t, 1, f.firedCount(model.ScopeTask))
}

func TestRecoverOnLoadPartialGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, model.ScopeTask, 0)
	require.NoError(t, err)
	f.clock.Advance(100 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))

	// process down for five minutes
	f.clock.Advance(300 * time.Second)
	restarted := f.newEngine()
	snap, err := restarted.RecoverOnLoad(ctx, model.ScopeTask)
	require.NoError(t, err)
	require.Equal(t, model.TimerRunning, snap.Status)
	require.Equal(t, 2000, snap.Remaining)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, restarted.Tick(ctx))
	require.Equal(t, 1995, restarted.Snapshot(model.ScopeTask).Remaining)
}

func TestRecoverOnLoadFallsBackToCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveTimer(ctx, model.ScopeQuestionnaire, session.TimerRecord{
		Duration: 600, Remaining: 600, StartedAt: t0, CheckpointAt: t0, CheckpointRemaining: 600,
	}))
	f.clock.Advance(250 * time.Second)

	snap, err := f.engine.RecoverOnLoad(ctx, model.ScopeQuestionnaire)
	require.NoError(t, err)
	require.Equal(t, 350, snap.Remaining)
}

func TestRecoverOnLoadCorruptStateIsIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mr.Set("runner:test:timer.task.startTime", "garbage")
	f.mr.Set("runner:test:timer.task.duration", "2400")
	f.mr.Set("runner:test:timer.task.remaining", "10")

	snap, err := f.engine.RecoverOnLoad(ctx, model.ScopeTask)
	require.NoError(t, err)
	require.Equal(t, model.TimerIdle, snap.Status)
	require.Zero(t, f.firedCount(model.ScopeTask))
}

func TestPauseResumeKeepsTimeAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, model.ScopeQuestionnaire, 0)
	require.NoError(t, err)
	f.clock.Advance(60 * time.Second)

	snap, err := f.engine.Pause(ctx, model.ScopeQuestionnaire)
	require.NoError(t, err)
	require.Equal(t, 540, snap.Remaining)

	require.NoError(t, f.engine.RecordLiveness(ctx))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.Tick(ctx))

	restarted := f.newEngine()
	snap, err = restarted.RecoverOnLoad(ctx, model.ScopeQuestionnaire)
	require.NoError(t, err)
	require.Equal(t, model.TimerPaused, snap.Status)
	require.Equal(t, 540, snap.Remaining)

	_, err = restarted.Resume(ctx, model.ScopeQuestionnaire)
	require.NoError(t, err)
	f.clock.Advance(40 * time.Second)
	require.Equal(t, 500, restarted.Snapshot(model.ScopeQuestionnaire).Remaining)

	_, err = restarted.Resume(ctx, model.ScopeQuestionnaire)
	require.ErrorIs(t, err, ErrNotPaused)
}

func TestScopesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, model.ScopeTask, 0)
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, model.ScopeQuestionnaire, 0)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	require.NoError(t, f.engine.Reset(ctx, model.ScopeQuestionnaire))

	require.Equal(t, model.TimerIdle, f.engine.Snapshot(model.ScopeQuestionnaire).Status)
	task := f.engine.Snapshot(model.ScopeTask)
	require.Equal(t, model.TimerRunning, task.Status)
	require.Equal(t, 2370, task.Remaining)

	_, ok, err := f.store.LoadTimer(ctx, model.ScopeTask)
	require.NoError(t, err)
	require.True(t, ok)
}
