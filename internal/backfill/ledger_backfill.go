package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_ledger_rows_processed_total",
		Help: "The total number of unemitted ledger rows replayed by the backfill",
	})
	rowsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backfill_ledger_rows_failed_total",
		Help: "The total number of unemitted ledger rows whose replay failed",
	})
	lastProcessedID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backfill_ledger_last_processed_id",
		Help: "Ledger id reached by the most recent backfill batch",
	})
)

// Reconstructor re-emits the full event history of a resource.
type Reconstructor interface {
	EmitPaymentHistory(ctx context.Context, chargeExternalID string, doNotRetryUntil *time.Time) error
	EmitRefundHistory(ctx context.Context, refundExternalID string, doNotRetryUntil *time.Time) error
}

type Emitter interface {
	Emit(ctx context.Context, e event.Event) delivery.Result
}

type Config struct {
	BatchSize     int
	MaxAge        time.Duration
	DoNotRetryFor time.Duration
}

type Summary struct {
	RunID           string `json:"run_id"`
	StartID         int64  `json:"start_id"`
	MaxEligibleID   int64  `json:"max_eligible_id"`
	LastProcessedID int64  `json:"last_processed_id"`
	Batches         int    `json:"batches"`
	Processed       int    `json:"processed"`
	Failed          int    `json:"failed"`
}

// LedgerBackfill finds ledger rows that were offered but never emitted and
// replays their resources through the historical emission path.
type LedgerBackfill struct {
	ledger        ledger.Repository
	reconstructor Reconstructor
	emitter       Emitter
	cfg           Config
	now           func() time.Time
	logger        *slog.Logger
}

func NewLedgerBackfill(repo ledger.Repository, reconstructor Reconstructor, emitter Emitter, cfg Config, logger *slog.Logger) *LedgerBackfill {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerBackfill{
		ledger:        repo,
		reconstructor: reconstructor,
		emitter:       emitter,
		cfg:           cfg,
		now:           time.Now,
		logger:        logger,
	}
}

// WithClock replaces the time source used for the batch start time.
func (b *LedgerBackfill) WithClock(now func() time.Time) *LedgerBackfill {
	b.now = now
	return b
}

// Run scans from startID to the snapshot upper bound. Failures on individual
// rows are logged and counted; only ledger read errors abort the run.
func (b *LedgerBackfill) Run(ctx context.Context, startID int64) (Summary, error) {
	startedAt := b.now().UTC()
	summary := Summary{RunID: uuid.NewString(), StartID: startID, LastProcessedID: startID}

	scanner, err := NewScanner(ctx, b.ledger, startedAt, b.cfg.MaxAge, b.cfg.BatchSize, startID)
	if err != nil {
		return summary, err
	}
	summary.MaxEligibleID = scanner.MaxEligibleID()
	doNotRetryUntil := startedAt.Add(b.cfg.DoNotRetryFor)

	logger := b.logger.With("run_id", summary.RunID)
	logger.Info("ledger backfill started",
		"start_id", startID,
		"max_eligible_id", summary.MaxEligibleID,
		"cutoff", scanner.Cutoff(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := scanner.Next(ctx)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			break
		}
		summary.Batches++
		oldest, _ := scanner.OldestEventDate()
		logger.Info("processing ledger backfill batch",
			"size", len(batch),
			"first_id", batch[0].ID,
			"last_id", batch[len(batch)-1].ID,
			"oldest_event_date", oldest,
		)

		replayed := make(map[string]bool, len(batch))
		for _, entry := range batch {
			resource := string(entry.ResourceType) + "/" + entry.ResourceExternalID
			if !replayed[resource] {
				replayed[resource] = true
				if err := b.replay(ctx, entry, &doNotRetryUntil); err != nil {
					summary.Failed++
					rowsFailed.Inc()
					logger.Error("ledger backfill replay failed",
						"ledger_id", entry.ID,
						"resource_type", entry.ResourceType,
						"resource_external_id", entry.ResourceExternalID,
						"event_type", entry.EventType,
						"error", err,
					)
				} else {
					summary.Processed++
					rowsProcessed.Inc()
				}
			}
			b.suppressIfPending(ctx, entry, &doNotRetryUntil)
		}

		summary.LastProcessedID = scanner.LastProcessedID()
		lastProcessedID.Set(float64(summary.LastProcessedID))
	}

	logger.Info("ledger backfill finished",
		"last_processed_id", summary.LastProcessedID,
		"batches", summary.Batches,
		"processed", summary.Processed,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (b *LedgerBackfill) replay(ctx context.Context, entry ledger.Entry, doNotRetryUntil *time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch entry.ResourceType {
	case event.ResourceTypePayment:
		err = b.reconstructor.EmitPaymentHistory(ctx, entry.ResourceExternalID, doNotRetryUntil)
		if errors.Is(err, charge.ErrNotFound) {
			return b.emitOrphan(ctx, entry)
		}
		return err
	case event.ResourceTypeRefund:
		err = b.reconstructor.EmitRefundHistory(ctx, entry.ResourceExternalID, doNotRetryUntil)
		if errors.Is(err, refund.ErrNotFound) {
			return b.emitOrphan(ctx, entry)
		}
		return err
	}
	return fmt.Errorf("no replay path for resource type %s", entry.ResourceType)
}

// emitOrphan sends a reconstruction of a row whose resource no longer exists
// in primary storage. Only the ledger row itself is left to describe it, so
// the event carries event.ReconstructedDetails.
func (b *LedgerBackfill) emitOrphan(ctx context.Context, entry ledger.Entry) error {
	e := event.New(entry.ResourceType, entry.ResourceExternalID, entry.EventType, event.Reconstructed(), entry.EventDate)
	if err := b.emitter.Emit(ctx, e).Error(); err != nil {
		return err
	}
	b.logger.Warn("emitted ledger row for resource missing from primary storage",
		"ledger_id", entry.ID,
		"resource_type", entry.ResourceType,
		"resource_external_id", entry.ResourceExternalID,
		"event_type", entry.EventType,
	)
	return b.ledger.MarkEmitted(ctx, entry.Key, b.now())
}

// suppressIfPending pushes back rows the replay did not manage to emit so the
// next scheduled run does not pick them straight up again.
func (b *LedgerBackfill) suppressIfPending(ctx context.Context, entry ledger.Entry, doNotRetryUntil *time.Time) {
	current, found, err := b.ledger.Find(ctx, entry.Key)
	if err != nil {
		b.logger.Warn("failed to look up ledger row after replay", "ledger_id", entry.ID, "error", err)
		return
	}
	if !found || current.Emitted() {
		return
	}
	if err := b.ledger.MarkFailed(ctx, entry.Key, doNotRetryUntil); err != nil {
		b.logger.Warn("failed to extend ledger row suppression", "ledger_id", entry.ID, "error", err)
	}
}
