package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/config"
	"github.com/stemsi/exstem-runner/internal/database"
	"github.com/stemsi/exstem-runner/internal/events"
	"github.com/stemsi/exstem-runner/internal/handler"
	"github.com/stemsi/exstem-runner/internal/kvstore"
	"github.com/stemsi/exstem-runner/internal/logger"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/observability"
	"github.com/stemsi/exstem-runner/internal/router"
	"github.com/stemsi/exstem-runner/internal/service"
	"github.com/stemsi/exstem-runner/internal/session"
	"github.com/stemsi/exstem-runner/internal/submission"
	"github.com/stemsi/exstem-runner/internal/validator"
	"github.com/stemsi/exstem-runner/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("namespace", cfg.StoreNamespace).
		Msg("Starting ExStem Runner")

	validator.Setup()
	observability.RegisterMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	// Always needed: event fan-out and the heartbeat queue live there.
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	deps := map[string]handler.Pinger{
		"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}

	// ─── Durable Store ─────────────────────────────────────────────────
	var kv kvstore.Store
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		kv = kvstore.NewPostgresStore(pool)
		deps["postgres"] = handler.PingFunc(pool.Ping)
	case "redis":
		kv = kvstore.NewRedisStore(rdb)
	default:
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("Unknown STORE_DRIVER")
	}

	// ─── Core ──────────────────────────────────────────────────────────
	clk := clock.Real{}
	keys := config.NewStorageKeyStruct(cfg.StoreNamespace)
	store := session.NewStore(kv, keys, clk, cfg.SessionExpiry, log)
	submitter := submission.NewHTTPSubmitter(cfg.SubmitBaseURL, cfg.SubmitTimeout)
	publisher := events.NewPublisher(rdb, keys.EventsChannel(), clk, log)

	runner := service.NewRunnerService(store, model.DefaultCatalog(), publisher, clk, service.RunnerOptions{
		Submitter:      submitter,
		RetryDelays:    cfg.RetryDelays,
		DedupWindow:    cfg.DedupWindow,
		ScopeDurations: cfg.ScopeDurations(),
		LoginEntryURL:  cfg.LoginEntryURL,
		FlowID:         cfg.FlowID,
	}, log)
	runner.SetListeners(publisher, publisher)
	tokens := service.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)

	// Resume whatever session survived the last shutdown before serving.
	if sess, err := runner.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("Session restore failed")
	} else if sess != nil {
		log.Info().Str("session_id", sess.ID).Str("page_id", sess.CurrentPageID).Msg("Session restored")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Runner: handler.NewRunnerHandler(runner, tokens, log),
		Timer:  handler.NewTimerHandler(runner),
		WS:     handler.NewWSHandler(runner, publisher, log, cfg.AllowedOrigins),
		System: handler.NewSystemHandler(deps, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{})

	timerWorker := worker.NewTimerWorker(runner, time.Second, log)
	go func() {
		timerWorker.Start(workerCtx)
		close(workersDone)
	}()

	if cfg.FlowID != "" {
		heartbeatWorker := worker.NewHeartbeatWorker(rdb, keys.HeartbeatQueueKey(), cfg.HeartbeatQueueMax,
			cfg.HeartbeatInterval, runner, submitter, log)
		go heartbeatWorker.Start(workerCtx)
	} else {
		log.Info().Msg("FLOW_ID not set, heartbeat disabled")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(tokens, runner, handlers, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop workers; the timer worker records the final liveness stamp.
	workerCancel()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Timer worker did not stop in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
