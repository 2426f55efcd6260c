package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is driven once per interval by the TimerWorker.
type Ticker interface {
	Tick(ctx context.Context) error
	RecordLiveness(ctx context.Context) error
	WaitForced()
}

// TimerWorker is the host scheduler for countdowns: it ticks the engine
// every interval and, on shutdown, records a last liveness timestamp.
type TimerWorker struct {
	ticker   Ticker
	interval time.Duration
	log      zerolog.Logger
}

func NewTimerWorker(t Ticker, interval time.Duration, log zerolog.Logger) *TimerWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &TimerWorker{
		ticker:   t,
		interval: interval,
		log:      log.With().Str("component", "timer_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *TimerWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return
		case <-t.C:
			if err := w.ticker.Tick(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Tick error")
			}
		}
	}
}

func (w *TimerWorker) stop() {
	w.log.Info().Msg("Worker stopping...")
	w.ticker.WaitForced()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.ticker.RecordLiveness(ctx); err != nil {
		w.log.Error().Err(err).Msg("Final liveness record failed")
	}
	w.log.Info().Msg("Worker stopped")
}
