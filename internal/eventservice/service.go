package eventservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
)

// Publisher is the outbound queue client. It makes exactly one delivery
// attempt per call.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) delivery.Result
}

type Service struct {
	publisher  Publisher
	ledger     ledger.Repository
	serializer *event.Serializer
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(publisher Publisher, repo ledger.Repository, serializer *event.Serializer, opts ...Option) *Service {
	s := &Service{
		publisher:  publisher,
		ledger:     repo,
		serializer: serializer,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit publishes without touching the ledger.
func (s *Service) Emit(ctx context.Context, e event.Event) delivery.Result {
	res := s.publish(ctx, e)
	if !res.OK() {
		s.logger.Warn("event emit failed",
			"resource_type", e.ResourceType,
			"resource_external_id", e.ResourceExternalID,
			"event_type", e.Type,
			"outcome", res.Outcome.String(),
			"error", res.Err,
		)
	}
	return res
}

// EmitAndRecord publishes and records the outcome. Publish failures are not
// returned: the ledger row with its suppression window is the record that the
// event still needs sending, and the backfill retries it. Only ledger write
// errors are returned.
func (s *Service) EmitAndRecord(ctx context.Context, e event.Event, doNotRetryUntil *time.Time) error {
	key := ledger.KeyFor(e)
	res := s.publish(ctx, e)

	if res.OK() {
		if err := s.ledger.MarkEmitted(ctx, key, s.now()); err != nil {
			return fmt.Errorf("record emitted %s event for %s: %w", e.Type, e.ResourceExternalID, err)
		}
		return nil
	}

	s.logger.Warn("event publish failed, recorded for retry",
		"resource_type", e.ResourceType,
		"resource_external_id", e.ResourceExternalID,
		"event_type", e.Type,
		"outcome", res.Outcome.String(),
		"do_not_retry_emit_until", doNotRetryUntil,
		"error", res.Err,
	)
	if err := s.ledger.MarkFailed(ctx, key, doNotRetryUntil); err != nil {
		return fmt.Errorf("record failed %s event for %s: %w", e.Type, e.ResourceExternalID, err)
	}
	return nil
}

// EmitAndMarkEmitted offers the ledger row, publishes and marks it emitted.
// Any failure is returned so the caller's retry loop sees it.
func (s *Service) EmitAndMarkEmitted(ctx context.Context, e event.Event) error {
	key := ledger.KeyFor(e)
	if _, err := s.ledger.Offer(ctx, key); err != nil {
		return fmt.Errorf("offer %s event for %s: %w", e.Type, e.ResourceExternalID, err)
	}

	if err := s.publish(ctx, e).Error(); err != nil {
		return fmt.Errorf("emit %s event for %s: %w", e.Type, e.ResourceExternalID, err)
	}

	if err := s.ledger.MarkEmitted(ctx, key, s.now()); err != nil {
		return fmt.Errorf("record emitted %s event for %s: %w", e.Type, e.ResourceExternalID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, e event.Event) delivery.Result {
	value, err := s.serializer.Marshal(e)
	if err != nil {
		return delivery.Permanent(err)
	}
	return s.publisher.Publish(ctx, []byte(e.ResourceExternalID), value)
}
