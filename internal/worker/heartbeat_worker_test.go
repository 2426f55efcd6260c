package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stretchr/testify/require"
)

const queueKey = "runner:test:flow.heartbeatQueue"

type stepSource struct{ ts int64 }

func (s *stepSource) Heartbeat() (model.Heartbeat, bool) {
	s.ts++
	return model.Heartbeat{FlowID: "flow-7", ExamNo: "E-1001", BatchCode: "B-2026", TS: s.ts}, true
}

type switchPoster struct {
	mu   sync.Mutex
	down bool
	sent []int64
}

func (p *switchPoster) PostProgress(_ context.Context, hb model.Heartbeat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("connection refused")
	}
	p.sent = append(p.sent, hb.TS)
	return nil
}

func newHeartbeatWorker(t *testing.T, max int) (*HeartbeatWorker, *switchPoster, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	poster := &switchPoster{}
	return NewHeartbeatWorker(rdb, queueKey, max, time.Second, &stepSource{}, poster, zerolog.Nop()), poster, rdb
}

func queued(t *testing.T, rdb *redis.Client) []int64 {
	t.Helper()
	raw, err := rdb.LRange(context.Background(), queueKey, 0, -1).Result()
	require.NoError(t, err)
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		var hb model.Heartbeat
		require.NoError(t, json.Unmarshal([]byte(r), &hb))
		out = append(out, hb.TS)
	}
	return out
}

func TestHeartbeatDeliveredDirectly(t *testing.T) {
	w, poster, rdb := newHeartbeatWorker(t, 50)

	w.RunOnce(context.Background())
	require.Equal(t, []int64{1}, poster.sent)
	require.Empty(t, queued(t, rdb))
}

func TestFailedHeartbeatsQueueAndFlushInOrder(t *testing.T) {
	w, poster, rdb := newHeartbeatWorker(t, 50)
	ctx := context.Background()

	poster.down = true
	w.RunOnce(ctx)
	w.RunOnce(ctx)
	require.Equal(t, []int64{1, 2}, queued(t, rdb))

	poster.down = false
	w.RunOnce(ctx)
	require.Equal(t, []int64{1, 2, 3}, poster.sent)
	require.Empty(t, queued(t, rdb))
}

func TestHeartbeatQueueIsCapped(t *testing.T) {
	w, poster, rdb := newHeartbeatWorker(t, 3)
	poster.down = true

	for i := 0; i < 5; i++ {
		w.RunOnce(context.Background())
	}
	require.Equal(t, []int64{3, 4, 5}, queued(t, rdb))
}

type countingTicker struct {
	ticks    atomic.Int32
	liveness atomic.Int32
	waited   atomic.Bool
}

func (c *countingTicker) Tick(context.Context) error { c.ticks.Add(1); return nil }

func (c *countingTicker) RecordLiveness(context.Context) error { c.liveness.Add(1); return nil }

func (c *countingTicker) WaitForced() { c.waited.Store(true) }

func TestTimerWorkerTicksAndRecordsFinalLiveness(t *testing.T) {
	tk := &countingTicker{}
	w := NewTimerWorker(tk, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tk.ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int32(1), tk.liveness.Load())
	require.True(t, tk.waited.Load())
}
