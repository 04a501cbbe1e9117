package eventservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/memory"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher fails the first failures calls and then succeeds.
type fakePublisher struct {
	failures int
	outcome  delivery.Outcome
	calls    int
	sent     [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, _, value []byte) delivery.Result {
	p.calls++
	if p.calls <= p.failures {
		if p.outcome == delivery.PermanentError {
			return delivery.Permanent(errors.New("message rejected"))
		}
		return delivery.Transient(errors.New("broker unavailable"))
	}
	p.sent = append(p.sent, value)
	return delivery.Delivered()
}

type failingLedger struct {
	*memory.Ledger
	err error
}

func (l failingLedger) MarkEmitted(context.Context, ledger.Key, time.Time) error { return l.err }

var (
	t0      = time.Date(2024, 3, 1, 10, 15, 30, 123456789, time.UTC)
	emitted = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
)

func captureConfirmed() event.Event {
	return event.New(event.ResourceTypePayment, "ch_1", event.CaptureConfirmed, event.CaptureConfirmedDetails{
		CapturedDate: t0.Format(event.TimestampFormat),
	}, t0)
}

func newService(pub Publisher, repo ledger.Repository) *Service {
	return New(pub, repo, event.NewSerializer(), WithClock(func() time.Time { return emitted }))
}

func TestEmit_DoesNotTouchLedger(t *testing.T) {
	pub := &fakePublisher{}
	repo := memory.NewLedger()

	res := newService(pub, repo).Emit(context.Background(), captureConfirmed())

	assert.True(t, res.OK())
	assert.Equal(t, 1, pub.calls)
	assert.Empty(t, repo.Entries())
}

func TestEmit_PublishesWireFormat(t *testing.T) {
	pub := &fakePublisher{}
	newService(pub, memory.NewLedger()).Emit(context.Background(), captureConfirmed())

	require.Len(t, pub.sent, 1)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(pub.sent[0], &wire))
	assert.Equal(t, "PAYMENT", wire["resource_type"])
	assert.Equal(t, "ch_1", wire["resource_external_id"])
	assert.Equal(t, "CAPTURE_CONFIRMED", wire["event_type"])
	assert.Equal(t, "2024-03-01T10:15:30.123456Z", wire["timestamp"])
}

func TestEmitAndRecord_SuccessMarksEmitted(t *testing.T) {
	pub := &fakePublisher{}
	repo := memory.NewLedger()
	e := captureConfirmed()

	require.NoError(t, newService(pub, repo).EmitAndRecord(context.Background(), e, nil))

	entry, found, err := repo.Find(context.Background(), ledger.KeyFor(e))
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, entry.EmittedDate)
	assert.True(t, entry.EmittedDate.Equal(emitted))
}

func TestEmitAndRecord_SwallowsPublishFailure(t *testing.T) {
	tests := []struct {
		name    string
		outcome delivery.Outcome
	}{
		{name: "transient", outcome: delivery.TransientError},
		{name: "permanent", outcome: delivery.PermanentError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{failures: 1, outcome: tt.outcome}
			repo := memory.NewLedger()
			e := captureConfirmed()
			until := emitted.Add(time.Hour)

			err := newService(pub, repo).EmitAndRecord(context.Background(), e, &until)
			require.NoError(t, err)

			entry, found, err := repo.Find(context.Background(), ledger.KeyFor(e))
			require.NoError(t, err)
			require.True(t, found)
			assert.Nil(t, entry.EmittedDate)
			require.NotNil(t, entry.DoNotRetryEmitUntil)
			assert.True(t, entry.DoNotRetryEmitUntil.Equal(until))
			assert.Equal(t, 1, pub.calls)
		})
	}
}

func TestEmitAndRecord_ReturnsLedgerError(t *testing.T) {
	repo := failingLedger{Ledger: memory.NewLedger(), err: errors.New("db down")}

	err := newService(&fakePublisher{}, repo).EmitAndRecord(context.Background(), captureConfirmed(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestEmitAndMarkEmitted_PropagatesPublishFailure(t *testing.T) {
	pub := &fakePublisher{failures: 1}
	repo := memory.NewLedger()
	e := captureConfirmed()

	err := newService(pub, repo).EmitAndMarkEmitted(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")

	entry, found, err := repo.Find(context.Background(), ledger.KeyFor(e))
	require.NoError(t, err)
	require.True(t, found, "row is offered before the publish attempt")
	assert.False(t, entry.Emitted())
}

func TestEmitAndMarkEmitted_RecordingIsIdempotent(t *testing.T) {
	repo := memory.NewLedger()
	e := captureConfirmed()
	clock := emitted

	svc := New(&fakePublisher{}, repo, event.NewSerializer(), WithClock(func() time.Time { return clock }))
	require.NoError(t, svc.EmitAndMarkEmitted(context.Background(), e))

	clock = emitted.Add(24 * time.Hour)
	require.NoError(t, svc.EmitAndMarkEmitted(context.Background(), e))

	entries := repo.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].EmittedDate)
	assert.True(t, entries[0].EmittedDate.Equal(emitted))
}
