package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"
	"github.com/alphagov/pay-connector-sub011/internal/eventfactory"
	"github.com/alphagov/pay-connector-sub011/internal/eventservice"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/memory"
	"github.com/alphagov/pay-connector-sub011/internal/queue"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 15, 30, 123456000, time.UTC)

// scriptedPublisher fails calls for a resource while failuresLeft is positive.
type scriptedPublisher struct {
	failuresLeft map[string]int
	attempts     int
	delivered    []map[string]any
}

func (p *scriptedPublisher) Publish(_ context.Context, key, value []byte) delivery.Result {
	p.attempts++
	if p.failuresLeft[string(key)] > 0 {
		p.failuresLeft[string(key)]--
		return delivery.Transient(errors.New("queue throttled"))
	}
	var wire map[string]any
	if err := json.Unmarshal(value, &wire); err != nil {
		return delivery.Permanent(err)
	}
	p.delivered = append(p.delivered, wire)
	return delivery.Delivered()
}

// countingFactory wraps a factory and counts calls, optionally failing them all.
type countingFactory struct {
	next  EventFactory
	err   error
	calls int
}

func (f *countingFactory) CreateEvents(ctx context.Context, t transition.StateTransition) ([]event.Event, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.next.CreateEvents(ctx, t)
}

type panickingFactory struct{ calls int }

func (f *panickingFactory) CreateEvents(context.Context, transition.StateTransition) ([]event.Event, error) {
	f.calls++
	panic("corrupt row")
}

type harness struct {
	queue     *queue.TransitionQueue
	store     *memory.Store
	ledger    *memory.Ledger
	publisher *scriptedPublisher
	factory   *countingFactory
	process   *EmitterProcess
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue:     queue.New(),
		store:     memory.NewStore(),
		ledger:    memory.NewLedger(),
		publisher: &scriptedPublisher{failuresLeft: map[string]int{}},
	}
	h.factory = &countingFactory{next: eventfactory.New(h.store, h.store)}
	svc := eventservice.New(h.publisher, h.ledger, event.NewSerializer())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.process = NewEmitterProcess(h.queue, h.factory, svc, 5*time.Millisecond, logger)
	return h
}

func (h *harness) addCharge(id int64, externalID string) {
	h.store.PutCharge(charge.Charge{ID: id, ExternalID: externalID, Amount: 1000, Status: charge.StatusCaptured})
}

func (h *harness) addChargeEvent(id, chargeID int64, status charge.Status, at time.Time) {
	h.store.PutChargeEvent(charge.Event{ID: id, ChargeID: chargeID, Status: status, UpdatedAt: at})
}

// drain processes until the queue stays empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if !h.process.ProcessNext(context.Background()) && h.queue.IsEmpty() {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func TestEmitterProcess_CaptureConfirmedRetriedOnceThenDelivered(t *testing.T) {
	h := newHarness(t)
	h.addCharge(1, "ch_1")
	h.addChargeEvent(10, 1, charge.StatusCaptured, t0)
	h.publisher.failuresLeft["ch_1"] = 1

	h.queue.Offer(transition.NewPayment("ch_1", 10, event.CaptureConfirmed, t0))
	h.drain(t)

	assert.Equal(t, 2, h.publisher.attempts)
	require.Len(t, h.publisher.delivered, 1)
	assert.Equal(t, "CAPTURE_CONFIRMED", h.publisher.delivered[0]["event_type"])
	assert.Equal(t, "2024-03-01T10:15:30.123456Z", h.publisher.delivered[0]["timestamp"])

	entry, found, err := h.ledger.Find(context.Background(), ledger.Key{
		ResourceType:       event.ResourceTypePayment,
		ResourceExternalID: "ch_1",
		EventType:          event.CaptureConfirmed,
		EventDate:          t0,
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.NotNil(t, entry.EmittedDate)
}

func TestEmitterProcess_AtLeastOnceBelowMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.addCharge(1, "ch_1")
	h.addChargeEvent(10, 1, charge.StatusCaptured, t0)
	h.publisher.failuresLeft["ch_1"] = transition.DefaultMaxAttempts - 1

	h.queue.Offer(transition.NewPayment("ch_1", 10, event.CaptureConfirmed, t0))
	h.drain(t)

	assert.Equal(t, transition.DefaultMaxAttempts, h.publisher.attempts)
	assert.Len(t, h.publisher.delivered, 1)
	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Emitted())
}

func TestEmitterProcess_DropsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.factory.err = &eventfactory.CreationError{
		EventType:          event.CaptureConfirmed,
		ResourceExternalID: "ch_gone",
		Reason:             "charge event not found",
	}
	tr := transition.NewPayment("ch_gone", 99, event.CaptureConfirmed, t0)
	tr.MaxAttempts = 3

	h.queue.Offer(tr)
	h.drain(t)

	assert.Equal(t, 3, h.factory.calls)
	assert.Zero(t, h.publisher.attempts)
	assert.Empty(t, h.ledger.Entries())
	assert.True(t, h.process.IsReadyForShutdown())
}

func TestEmitterProcess_UnknownEventTypeIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.addCharge(1, "ch_1")
	h.addChargeEvent(10, 1, charge.StatusCaptured, t0)

	h.queue.Offer(transition.NewPayment("ch_1", 10, event.Type("NOT_A_THING"), t0))
	h.drain(t)

	assert.Equal(t, 1, h.factory.calls)
	assert.Zero(t, h.publisher.attempts)
}

func TestEmitterProcess_PreservesOrderWithinResource(t *testing.T) {
	h := newHarness(t)
	h.addCharge(1, "ch_1")
	statuses := []struct {
		status charge.Status
		typ    event.Type
	}{
		{charge.StatusCreated, event.PaymentCreated},
		{charge.StatusEnteringCardDetails, event.PaymentStarted},
		{charge.StatusCaptureApproved, event.UserApprovedForCapture},
		{charge.StatusCaptured, event.CaptureConfirmed},
	}
	for i, s := range statuses {
		at := t0.Add(time.Duration(i) * time.Minute)
		h.addChargeEvent(int64(i+1), 1, s.status, at)
		h.queue.Offer(transition.NewPayment("ch_1", int64(i+1), s.typ, at))
	}

	h.drain(t)

	require.Len(t, h.publisher.delivered, len(statuses))
	for i, s := range statuses {
		assert.Equal(t, string(s.typ), h.publisher.delivered[i]["event_type"])
	}
}

func TestEmitterProcess_RetryGoesToBackOfQueue(t *testing.T) {
	h := newHarness(t)
	h.addCharge(1, "ch_a")
	h.addCharge(2, "ch_b")
	h.addChargeEvent(10, 1, charge.StatusCaptured, t0)
	h.addChargeEvent(20, 2, charge.StatusCaptured, t0)
	h.publisher.failuresLeft["ch_a"] = 1

	h.queue.Offer(transition.NewPayment("ch_a", 10, event.CaptureConfirmed, t0))
	h.queue.Offer(transition.NewPayment("ch_b", 20, event.CaptureConfirmed, t0))
	h.drain(t)

	require.Len(t, h.publisher.delivered, 2)
	assert.Equal(t, "ch_b", h.publisher.delivered[0]["resource_external_id"])
	assert.Equal(t, "ch_a", h.publisher.delivered[1]["resource_external_id"])
}

func TestEmitterProcess_RecoversFromPanic(t *testing.T) {
	q := queue.New()
	factory := &panickingFactory{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewEmitterProcess(q, factory, nil, 5*time.Millisecond, logger)

	tr := transition.NewPayment("ch_1", 1, event.CaptureConfirmed, t0)
	tr.MaxAttempts = 2
	q.Offer(tr)

	assert.NotPanics(t, func() {
		for p.ProcessNext(context.Background()) {
		}
	})
	assert.Equal(t, 2, factory.calls)
	assert.True(t, p.IsReadyForShutdown())
}

func TestEmitterProcess_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.process.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("emitter process did not stop")
	}
}
