package historical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	resourcesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historical_resources_processed_total",
		Help: "The total number of resources whose history was replayed",
	}, []string{"mode"})
	resourcesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historical_resources_failed_total",
		Help: "The total number of resources whose history replay failed",
	}, []string{"mode"})
	eventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historical_events_skipped_total",
		Help: "The total number of replayed events skipped because they were already emitted",
	})
)

const defaultPageSize = 100

// EventBuilder rebuilds events from history rows.
type EventBuilder interface {
	PaymentEvents(c charge.Charge, ce charge.Event) ([]event.Event, error)
	RefundEvents(c charge.Charge, h refund.HistoryEntry) ([]event.Event, error)
}

type Emitter interface {
	EmitAndRecord(ctx context.Context, e event.Event, doNotRetryUntil *time.Time) error
}

// Service replays the full event history of payments and refunds. Every
// resource is processed in isolation: a failure is logged with the resource
// id and the run moves on to the next one.
type Service struct {
	charges  charge.Repository
	refunds  refund.Repository
	ledger   ledger.Repository
	builder  EventBuilder
	emitter  Emitter
	limiter  *rate.Limiter
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRateLimit caps emission at perSecond events. Zero or less disables the cap.
func WithRateLimit(perSecond float64) Option {
	return func(s *Service) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func New(charges charge.Repository, refunds refund.Repository, repo ledger.Repository, builder EventBuilder, emitter Emitter, opts ...Option) *Service {
	s := &Service{
		charges:  charges,
		refunds:  refunds,
		ledger:   repo,
		builder:  builder,
		emitter:  emitter,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		pageSize: defaultPageSize,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary describes a completed run. Failed resources do not fail the run.
type Summary struct {
	RunID           string `json:"run_id"`
	Mode            string `json:"mode"`
	Resources       int    `json:"resources"`
	Failed          int    `json:"failed"`
	EventsEmitted   int    `json:"events_emitted"`
	EventsSkipped   int    `json:"events_skipped"`
	LastProcessedID int64  `json:"last_processed_id,omitempty"`
}

func (s *Summary) add(t tally) {
	s.EventsEmitted += t.emitted
	s.EventsSkipped += t.skipped
}

type tally struct {
	emitted int
	skipped int
}

type run struct {
	doNotRetryUntil *time.Time
	force           bool
	logger          *slog.Logger
}

func (s *Service) newRun(mode string, doNotRetryFor time.Duration, force bool) (Summary, run) {
	summary := Summary{RunID: uuid.NewString(), Mode: mode}
	r := run{force: force, logger: s.logger.With("run_id", summary.RunID, "mode", mode)}
	if doNotRetryFor > 0 {
		until := s.now().Add(doNotRetryFor).UTC()
		r.doNotRetryUntil = &until
	}
	return summary, r
}

// EmitByIDRange replays every existing charge with an id in [StartID, MaxID],
// MaxID defaulting to the current highest charge id.
func (s *Service) EmitByIDRange(ctx context.Context, req IDRangeRequest) (Summary, error) {
	if err := req.Validate(); err != nil {
		return Summary{}, err
	}
	summary, r := s.newRun(ModeCharges, req.DoNotRetryFor, req.Force)

	maxID := req.MaxID
	if maxID == 0 {
		var err error
		if maxID, err = s.charges.MaxChargeID(ctx); err != nil {
			return summary, fmt.Errorf("find max charge id: %w", err)
		}
	}
	r.logger.Info("historical emission started", "start_id", req.StartID, "max_id", maxID, "force", req.Force)

	for id := req.StartID; id <= maxID; id++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		var t tally
		err := isolate(func() error {
			c, err := s.charges.ChargeByID(ctx, id)
			if err != nil {
				return err
			}
			summary.Resources++
			t, err = s.processCharge(ctx, r, c)
			return err
		})
		summary.LastProcessedID = id
		summary.add(t)
		if errors.Is(err, charge.ErrNotFound) {
			continue
		}
		s.record(&summary, r, err, "charge_id", id)
	}

	r.logger.Info("historical emission finished", summaryAttrs(summary)...)
	return summary, nil
}

// EmitByDateRange replays every charge with a status change in [Start, End),
// then every refund with a status change in the same window whose charge was
// not already replayed. Resources are deduplicated within a page, so one whose
// history spans several pages may be replayed more than once.
func (s *Service) EmitByDateRange(ctx context.Context, req DateRangeRequest) (Summary, error) {
	if err := req.Validate(); err != nil {
		return Summary{}, err
	}
	summary, r := s.newRun(ModeDates, req.DoNotRetryFor, req.Force)
	r.logger.Info("historical emission started", "start_date", req.Start, "end_date", req.End, "force", req.Force)

	replayedCharges := make(map[string]bool)

	for offset := 0; ; {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		page, err := s.charges.ChargeEventsBetween(ctx, req.Start, req.End, offset, s.pageSize)
		if err != nil {
			return summary, fmt.Errorf("list charge events from offset %d: %w", offset, err)
		}

		seen := make(map[int64]bool, len(page))
		for _, ce := range page {
			if seen[ce.ChargeID] {
				continue
			}
			seen[ce.ChargeID] = true

			var t tally
			err := isolate(func() error {
				c, err := s.charges.ChargeByID(ctx, ce.ChargeID)
				if err != nil {
					return err
				}
				replayedCharges[c.ExternalID] = true
				t, err = s.processCharge(ctx, r, c)
				return err
			})
			summary.Resources++
			summary.add(t)
			s.record(&summary, r, err, "charge_id", ce.ChargeID)
		}

		if len(page) < s.pageSize {
			break
		}
		offset += len(page)
	}

	for offset := 0; ; {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		page, err := s.refunds.HistoryBetween(ctx, req.Start, req.End, offset, s.pageSize)
		if err != nil {
			return summary, fmt.Errorf("list refund history from offset %d: %w", offset, err)
		}

		seen := make(map[string]bool, len(page))
		for _, h := range page {
			if seen[h.ExternalID] || replayedCharges[h.ChargeExternalID] {
				continue
			}
			seen[h.ExternalID] = true

			var t tally
			err := isolate(func() error {
				var err error
				t, err = s.processRefund(ctx, r, h.ExternalID)
				return err
			})
			summary.Resources++
			summary.add(t)
			s.record(&summary, r, err, "refund_id", h.RefundID)
		}

		if len(page) < s.pageSize {
			break
		}
		offset += len(page)
	}

	r.logger.Info("historical emission finished", summaryAttrs(summary)...)
	return summary, nil
}

// EmitRefundsByIDRange replays refund events only, for refunds with an id in
// [StartID, MaxID].
func (s *Service) EmitRefundsByIDRange(ctx context.Context, req IDRangeRequest) (Summary, error) {
	if err := req.Validate(); err != nil {
		return Summary{}, err
	}
	summary, r := s.newRun(ModeRefunds, req.DoNotRetryFor, req.Force)

	maxID := req.MaxID
	if maxID == 0 {
		var err error
		if maxID, err = s.refunds.MaxRefundID(ctx); err != nil {
			return summary, fmt.Errorf("find max refund id: %w", err)
		}
	}
	r.logger.Info("historical emission started", "start_id", req.StartID, "max_id", maxID, "force", req.Force)

	for id := req.StartID; id <= maxID; id++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		var t tally
		err := isolate(func() error {
			rf, err := s.refunds.RefundByID(ctx, id)
			if err != nil {
				return err
			}
			summary.Resources++
			t, err = s.processRefund(ctx, r, rf.ExternalID)
			return err
		})
		summary.LastProcessedID = id
		summary.add(t)
		if errors.Is(err, refund.ErrNotFound) {
			continue
		}
		s.record(&summary, r, err, "refund_id", id)
	}

	r.logger.Info("historical emission finished", summaryAttrs(summary)...)
	return summary, nil
}

// EmitPaymentHistory replays one charge and its refunds. Already emitted
// events are skipped. A missing charge is reported as charge.ErrNotFound.
func (s *Service) EmitPaymentHistory(ctx context.Context, chargeExternalID string, doNotRetryUntil *time.Time) error {
	c, err := s.charges.ChargeByExternalID(ctx, chargeExternalID)
	if err != nil {
		return fmt.Errorf("load charge %s: %w", chargeExternalID, err)
	}
	_, err = s.processCharge(ctx, run{doNotRetryUntil: doNotRetryUntil, logger: s.logger}, c)
	return err
}

// EmitRefundHistory replays one refund. A refund without history is reported
// as refund.ErrNotFound.
func (s *Service) EmitRefundHistory(ctx context.Context, refundExternalID string, doNotRetryUntil *time.Time) error {
	_, err := s.processRefund(ctx, run{doNotRetryUntil: doNotRetryUntil, logger: s.logger}, refundExternalID)
	return err
}

func (s *Service) processCharge(ctx context.Context, r run, c charge.Charge) (tally, error) {
	var t tally

	history, err := s.charges.ChargeEvents(ctx, c.ID)
	if err != nil {
		return t, fmt.Errorf("load history of charge %s: %w", c.ExternalID, err)
	}
	for _, ce := range history {
		events, err := s.builder.PaymentEvents(c, ce)
		if err != nil {
			return t, err
		}
		if err := s.emitAll(ctx, r, events, &t); err != nil {
			return t, err
		}
	}

	refunds, err := s.refunds.HistoryForCharge(ctx, c.ExternalID)
	if err != nil {
		return t, fmt.Errorf("load refund history of charge %s: %w", c.ExternalID, err)
	}
	for _, h := range refunds {
		events, err := s.builder.RefundEvents(c, h)
		if err != nil {
			return t, err
		}
		if err := s.emitAll(ctx, r, events, &t); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (s *Service) processRefund(ctx context.Context, r run, refundExternalID string) (tally, error) {
	var t tally

	history, err := s.refunds.HistoryForRefund(ctx, refundExternalID)
	if err != nil {
		return t, fmt.Errorf("load history of refund %s: %w", refundExternalID, err)
	}
	if len(history) == 0 {
		return t, fmt.Errorf("history of refund %s: %w", refundExternalID, refund.ErrNotFound)
	}
	c, err := s.charges.ChargeByExternalID(ctx, history[0].ChargeExternalID)
	if err != nil {
		return t, fmt.Errorf("load charge of refund %s: %w", refundExternalID, err)
	}
	for _, h := range history {
		events, err := s.builder.RefundEvents(c, h)
		if err != nil {
			return t, err
		}
		if err := s.emitAll(ctx, r, events, &t); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (s *Service) emitAll(ctx context.Context, r run, events []event.Event, t *tally) error {
	for _, e := range events {
		if !r.force {
			entry, found, err := s.ledger.Find(ctx, ledger.KeyFor(e))
			if err != nil {
				return fmt.Errorf("look up %s event for %s: %w", e.Type, e.ResourceExternalID, err)
			}
			if found && entry.Emitted() {
				t.skipped++
				eventsSkipped.Inc()
				continue
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.emitter.EmitAndRecord(ctx, e, r.doNotRetryUntil); err != nil {
			return err
		}
		t.emitted++
	}
	return nil
}

func (s *Service) record(summary *Summary, r run, err error, idKey string, id int64) {
	if err == nil {
		resourcesProcessed.WithLabelValues(summary.Mode).Inc()
		return
	}
	summary.Failed++
	resourcesFailed.WithLabelValues(summary.Mode).Inc()
	r.logger.Error("historical emission failed for resource", idKey, id, "error", err)
}

// isolate runs fn and converts a panic into an error.
func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func summaryAttrs(s Summary) []any {
	return []any{
		"resources", s.Resources,
		"failed", s.Failed,
		"events_emitted", s.EventsEmitted,
		"events_skipped", s.EventsSkipped,
		"last_processed_id", s.LastProcessedID,
	}
}
