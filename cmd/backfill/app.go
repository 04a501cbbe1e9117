package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alphagov/pay-connector-sub011/internal/application/factories/infrastructure"
	"github.com/alphagov/pay-connector-sub011/internal/config"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type app struct {
	logger   *slog.Logger
	factory  *infrastructure.Factory
	emission *infrastructure.Emission
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})).
		With("app", cfg.App.Name, "version", cfg.App.Version)
	slog.SetDefault(logger)

	factory := infrastructure.NewFactory(cfg, logger)
	emission, err := factory.Emission(ctx)
	if err != nil {
		factory.Close()
		return nil, err
	}
	return &app{logger: logger, factory: factory, emission: emission}, nil
}

func (a *app) close() {
	a.factory.Close()
}

// withApp runs fn under the named range lock and prints its summary as JSON
// on stdout. Per-resource failures are inside the summary and do not fail the
// command.
func withApp(cmd *cobra.Command, lockName string, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if lock := a.factory.RangeLock(ctx); lock != nil {
		unlock, ok, err := lock.TryLock(ctx, lockName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("a backfill for %s is already running", lockName)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("failed to release backfill lock", "lock", lockName, "error", err)
			}
		}()
	}

	summary, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
}
