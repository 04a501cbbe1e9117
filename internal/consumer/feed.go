package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var (
	transitionsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_transitions_received_total",
		Help: "The total number of state transitions offered to the emitter queue",
	})
	transitionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_transitions_rejected_total",
		Help: "The total number of undecodable transition messages skipped",
	})
)

// MessageSource is a committing reader such as a kafka consumer group member.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type TransitionQueue interface {
	Offer(t transition.StateTransition)
}

// Feed moves state transitions from the transitions topic onto the in-process
// queue. A message is committed once it has been offered, so a crash before
// the emitter drains the queue loses it; the ledger backfill covers that gap
// for transitions whose ledger row already exists.
type Feed struct {
	source      MessageSource
	queue       TransitionQueue
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

func NewFeed(source MessageSource, queue TransitionQueue, maxAttempts int, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		source:      source,
		queue:       queue,
		maxAttempts: maxAttempts,
		retryDelay:  time.Second,
		logger:      logger,
	}
}

// Run consumes until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	f.logger.Info("transition feed started")
	for {
		msg, err := f.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("transition feed stopped")
				return
			}
			f.logger.Error("failed to fetch transition message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.retryDelay):
			}
			continue
		}

		f.handle(msg)

		if err := f.source.CommitMessages(ctx, msg); err != nil {
			f.logger.Error("failed to commit transition message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (f *Feed) handle(msg kafka.Message) {
	m, err := transition.DecodeMessage(msg.Value)
	if err != nil {
		transitionsRejected.Inc()
		f.logger.Error("skipping undecodable transition message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}
	t := m.Transition(f.maxAttempts)
	f.queue.Offer(t)
	transitionsReceived.Inc()
	f.logger.Debug("transition offered", "transition", t)
}
