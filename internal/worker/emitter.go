package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"
	"github.com/alphagov/pay-connector-sub011/internal/eventfactory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emitter_events_emitted_total",
		Help: "The total number of events published from state transitions",
	})
	emitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emitter_emit_failures_total",
		Help: "The total number of failed transition emission attempts by stage",
	}, []string{"stage"})
	transitionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emitter_transitions_dropped_total",
		Help: "The total number of transitions dropped after exhausting their attempts",
	})
	queueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emitter_transition_queue_size",
		Help: "Transitions waiting in the in-memory queue",
	})
)

type TransitionQueue interface {
	Offer(t transition.StateTransition)
	Poll(ctx context.Context, timeout time.Duration) (transition.StateTransition, bool)
	Size() int
	IsEmpty() bool
}

type EventFactory interface {
	CreateEvents(ctx context.Context, t transition.StateTransition) ([]event.Event, error)
}

type EventEmitter interface {
	EmitAndMarkEmitted(ctx context.Context, e event.Event) error
}

// EmitterProcess is the single consumer of the transition queue. Failed
// transitions go to the back of the queue so one bad transition cannot hold
// up the others.
type EmitterProcess struct {
	queue       TransitionQueue
	factory     EventFactory
	emitter     EventEmitter
	pollTimeout time.Duration
	logger      *slog.Logger
}

func NewEmitterProcess(q TransitionQueue, factory EventFactory, emitter EventEmitter, pollTimeout time.Duration, logger *slog.Logger) *EmitterProcess {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmitterProcess{
		queue:       q,
		factory:     factory,
		emitter:     emitter,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// Run processes transitions until ctx is cancelled.
func (p *EmitterProcess) Run(ctx context.Context) error {
	p.logger.Info("emitter process started", "poll_timeout", p.pollTimeout)

	for ctx.Err() == nil {
		p.ProcessNext(ctx)
	}

	p.logger.Info("emitter process stopped", "queued", p.queue.Size())
	return nil
}

// ProcessNext polls for one transition and handles it. It reports whether a
// transition was taken off the queue.
func (p *EmitterProcess) ProcessNext(ctx context.Context) bool {
	queueSize.Set(float64(p.queue.Size()))

	t, ok := p.queue.Poll(ctx, p.pollTimeout)
	if !ok {
		return false
	}
	p.handle(ctx, t)
	return true
}

func (p *EmitterProcess) IsReadyForShutdown() bool {
	return p.queue.IsEmpty()
}

func (p *EmitterProcess) handle(ctx context.Context, t transition.StateTransition) {
	defer func() {
		if r := recover(); r != nil {
			p.retry(t, "panic", fmt.Errorf("panic: %v", r))
		}
	}()

	events, err := p.factory.CreateEvents(ctx, t)
	if err != nil {
		if eventfactory.IsPermanent(err) {
			emitFailures.WithLabelValues("resolve").Inc()
			transitionsDropped.Inc()
			p.logger.Error("dropping transition with unresolvable event type", "transition", t, "error", err)
			return
		}
		p.retry(t, "build", err)
		return
	}

	for _, e := range events {
		if err := p.emitter.EmitAndMarkEmitted(ctx, e); err != nil {
			p.retry(t, "publish", err)
			return
		}
		eventsEmitted.Inc()
	}
}

func (p *EmitterProcess) retry(t transition.StateTransition, stage string, err error) {
	emitFailures.WithLabelValues(stage).Inc()

	next := t.IncrementAttempts()
	if next.ShouldAttempt() {
		p.logger.Warn("failed to emit event for transition, requeued",
			"transition", next,
			"stage", stage,
			"error", err,
		)
		p.queue.Offer(next)
		return
	}

	transitionsDropped.Inc()
	p.logger.Error("failed to emit event for transition, giving up",
		"transition", next,
		"stage", stage,
		"error", err,
	)
}
