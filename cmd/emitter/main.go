package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/api"
	"github.com/alphagov/pay-connector-sub011/internal/application/factories/infrastructure"
	"github.com/alphagov/pay-connector-sub011/internal/config"
	"github.com/alphagov/pay-connector-sub011/internal/consumer"
	"github.com/alphagov/pay-connector-sub011/internal/queue"
	"github.com/alphagov/pay-connector-sub011/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})).
		With("app", cfg.App.Name, "version", cfg.App.Version)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	emission, err := infraFactory.Emission(ctx)
	if err != nil {
		logger.Error("failed to build emission stack", "error", err)
		os.Exit(1)
	}

	q := queue.New()
	process := worker.NewEmitterProcess(q, emission.Events, emission.Service, cfg.Emitter.PollTimeout, logger.With("module", "emitter"))
	feed := consumer.NewFeed(infraFactory.TransitionConsumer(), q, cfg.Emitter.MaxAttempts, logger.With("module", "feed"))

	var locker worker.Locker
	if lock := infraFactory.RangeLock(ctx); lock != nil {
		locker = lock
	}
	scheduler := worker.New(emission.LedgerBackfill, locker, cfg.Backfill.Interval, logger)

	var draining atomic.Bool
	srv := &http.Server{
		Addr:              cfg.Emitter.MetricsAddr,
		Handler:           api.NewOpsRouter(func() bool { return !draining.Load() }),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", "addr", cfg.Emitter.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "error", err)
		}
	}()

	// The emitter outlives ctx so it can drain what the feed already queued.
	emitCtx, stopEmitter := context.WithCancel(context.Background())
	defer stopEmitter()

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		feed.Run(ctx)
	}()
	go func() {
		defer producers.Done()
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("ledger backfill scheduler stopped with error", "error", err)
		}
	}()

	emitterDone := make(chan struct{})
	go func() {
		defer close(emitterDone)
		_ = process.Run(emitCtx)
	}()

	<-ctx.Done()
	draining.Store(true)
	logger.Info("shutting down, draining transition queue", "queued", q.Size())

	producers.Wait()
	drain(process, cfg.Emitter.DrainTimeout, logger)
	stopEmitter()
	<-emitterDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server forced to shutdown", "error", err)
	}

	logger.Info("emitter exited", "undelivered", q.Size())
}

// drain waits until the queue is empty or the timeout passes.
func drain(process *worker.EmitterProcess, timeout time.Duration, logger *slog.Logger) {
	deadline := time.Now().Add(timeout)
	for !process.IsReadyForShutdown() {
		if time.Now().After(deadline) {
			logger.Warn("drain timeout reached with transitions still queued")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
