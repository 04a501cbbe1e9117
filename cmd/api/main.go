package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/api"
	"github.com/alphagov/pay-connector-sub011/internal/api/middleware"
	"github.com/alphagov/pay-connector-sub011/internal/application/factories/infrastructure"
	"github.com/alphagov/pay-connector-sub011/internal/config"
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

	var (
		locker api.Locker
		idem   middleware.Store
	)
	if lock := infraFactory.RangeLock(ctx); lock != nil {
		locker = lock
		redisClient, _ := infraFactory.Redis(ctx)
		idem = redisClient
	}

	// Jobs are cancelled only once the server has stopped taking triggers.
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	jobs := api.NewJobs(jobsCtx, logger.With("module", "jobs"))

	handlers := api.NewHandlers(emission.Historical, emission.LedgerBackfill, locker, jobs, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(handlers, idem),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down admin server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stopJobs()
	jobs.Wait()
	logger.Info("admin server exited")
}
