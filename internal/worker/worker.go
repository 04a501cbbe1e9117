package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/backfill"
)

const ledgerLockName = "ledger"

type LedgerBackfiller interface {
	Run(ctx context.Context, startID int64) (backfill.Summary, error)
}

// Locker is a cluster-wide try-lock. Only one instance runs a scheduled
// backfill at a time.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(context.Context) error, ok bool, err error)
}

// Worker runs the ledger backfill on a fixed interval.
type Worker struct {
	backfill LedgerBackfiller
	locker   Locker
	interval time.Duration
	logger   *slog.Logger
}

// New builds the scheduler. locker may be nil when only one instance runs.
func New(b LedgerBackfiller, locker Locker, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		backfill: b,
		locker:   locker,
		interval: interval,
		logger:   logger.With("component", "ledger_backfill_scheduler"),
	}
}

// Run blocks until ctx is cancelled. A zero interval disables the schedule.
func (w *Worker) Run(ctx context.Context) error {
	if w.interval <= 0 {
		w.logger.Info("scheduled ledger backfill disabled")
		return nil
	}
	w.logger.Info("scheduled ledger backfill started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scheduled ledger backfill stopped")
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single backfill pass if the lock is free.
func (w *Worker) RunOnce(ctx context.Context) {
	if w.locker != nil {
		unlock, ok, err := w.locker.TryLock(ctx, ledgerLockName)
		if err != nil {
			w.logger.Warn("could not take ledger backfill lock", "error", err)
			return
		}
		if !ok {
			w.logger.Info("ledger backfill already running elsewhere, skipping")
			return
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("failed to release ledger backfill lock", "error", err)
			}
		}()
	}

	summary, err := w.backfill.Run(ctx, 0)
	if err != nil {
		w.logger.Error("scheduled ledger backfill failed", "run_id", summary.RunID, "error", err)
		return
	}
	w.logger.Info("scheduled ledger backfill completed",
		"run_id", summary.RunID,
		"processed", summary.Processed,
		"failed", summary.Failed,
	)
}
