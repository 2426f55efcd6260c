package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/observability"
)

// DefaultHeartbeatQueueMax caps the offline heartbeat queue.
const DefaultHeartbeatQueueMax = 50

// HeartbeatSource reports the session's current progress.
type HeartbeatSource interface {
	Heartbeat() (model.Heartbeat, bool)
}

// ProgressPoster delivers one heartbeat.
type ProgressPoster interface {
	PostProgress(ctx context.Context, hb model.Heartbeat) error
}

// HeartbeatWorker periodically reports flow progress. Heartbeats that cannot
// be delivered wait in a capped Redis list and are retried, oldest first,
// before the next live heartbeat.
type HeartbeatWorker struct {
	rdb      *redis.Client
	queueKey string
	queueMax int
	interval time.Duration
	source   HeartbeatSource
	poster   ProgressPoster
	log      zerolog.Logger
}

func NewHeartbeatWorker(rdb *redis.Client, queueKey string, queueMax int, interval time.Duration, source HeartbeatSource, poster ProgressPoster, log zerolog.Logger) *HeartbeatWorker {
	if queueMax <= 0 {
		queueMax = DefaultHeartbeatQueueMax
	}
	return &HeartbeatWorker{
		rdb:      rdb,
		queueKey: queueKey,
		queueMax: queueMax,
		interval: interval,
		source:   source,
		poster:   poster,
		log:      log.With().Str("component", "heartbeat_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *HeartbeatWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce flushes the queue and then sends the current heartbeat.
func (w *HeartbeatWorker) RunOnce(ctx context.Context) {
	delivered, err := w.flush(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Warn().Err(err).Int("delivered", delivered).Msg("Heartbeat queue flush stopped")
	} else if delivered > 0 {
		w.log.Info().Int("count", delivered).Msg("Queued heartbeats delivered")
	}

	hb, ok := w.source.Heartbeat()
	if !ok {
		w.updateDepth(ctx)
		return
	}
	if err := w.poster.PostProgress(ctx, hb); err != nil {
		w.log.Warn().Err(err).Str("flow_id", hb.FlowID).Msg("Heartbeat failed, queued")
		if err := w.enqueue(ctx, hb); err != nil {
			w.log.Error().Err(err).Msg("Heartbeat enqueue error")
		}
	}
	w.updateDepth(ctx)
}

// flush delivers queued heartbeats oldest first. The first failure goes back
// to the head of the queue and stops the flush.
func (w *HeartbeatWorker) flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		raw, err := w.rdb.LPop(ctx, w.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}

		var hb model.Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			w.log.Error().Err(err).Msg("Unmarshal error, dropping queued heartbeat")
			continue
		}
		if err := w.poster.PostProgress(ctx, hb); err != nil {
			if perr := w.rdb.LPush(ctx, w.queueKey, raw).Err(); perr != nil {
				return delivered, errors.Join(err, perr)
			}
			return delivered, err
		}
		delivered++
	}
}

func (w *HeartbeatWorker) enqueue(ctx context.Context, hb model.Heartbeat) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	_, err = w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, w.queueKey, raw)
		pipe.LTrim(ctx, w.queueKey, int64(-w.queueMax), -1)
		return nil
	})
	return err
}

func (w *HeartbeatWorker) updateDepth(ctx context.Context) {
	n, err := w.rdb.LLen(ctx, w.queueKey).Result()
	if err != nil {
		return
	}
	observability.HeartbeatQueueDepth().Set(float64(n))
}
