package historical

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"
	"github.com/alphagov/pay-connector-sub011/internal/eventfactory"
	"github.com/alphagov/pay-connector-sub011/internal/eventservice"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/memory"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	day0 = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	now  = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
)

type sentEvent struct {
	ResourceExternalID string `json:"resource_external_id"`
	EventType          string `json:"event_type"`
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sentEvent
	fail map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, key, value []byte) delivery.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[string(key)] {
		return delivery.Transient(errors.New("broker unavailable"))
	}
	var e sentEvent
	if err := json.Unmarshal(value, &e); err != nil {
		return delivery.Permanent(err)
	}
	p.sent = append(p.sent, e)
	return delivery.Delivered()
}

func (p *recordingPublisher) resources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.sent {
		out = append(out, e.ResourceExternalID)
	}
	return out
}

// brokenHistory fails to load the history of one charge.
type brokenHistory struct {
	*memory.Store
	chargeID int64
	panics   bool
}

func (b brokenHistory) ChargeEvents(ctx context.Context, chargeID int64) ([]charge.Event, error) {
	if chargeID == b.chargeID {
		if b.panics {
			panic("corrupt row")
		}
		return nil, errors.New("column status: invalid value")
	}
	return b.Store.ChargeEvents(ctx, chargeID)
}

type fixture struct {
	store     *memory.Store
	ledger    *memory.Ledger
	publisher *recordingPublisher
}

func newFixture() *fixture {
	return &fixture{
		store:     memory.NewStore(),
		ledger:    memory.NewLedger(),
		publisher: &recordingPublisher{},
	}
}

func (f *fixture) addCharge(id int64, statuses ...charge.Status) {
	f.store.PutCharge(charge.Charge{
		ID:               id,
		ExternalID:       fmt.Sprintf("ch_%d", id),
		Amount:           1000,
		GatewayAccountID: 7,
		ServiceID:        "svc_1",
		CreatedDate:      day0,
	})
	for i, status := range statuses {
		f.store.PutChargeEvent(charge.Event{
			ID:        id*100 + int64(i),
			ChargeID:  id,
			Status:    status,
			UpdatedAt: day0.Add(time.Duration(id)*time.Hour + time.Duration(i)*time.Minute),
		})
	}
}

func (f *fixture) service(charges charge.Repository, opts ...Option) *Service {
	emitter := eventservice.New(f.publisher, f.ledger, event.NewSerializer(),
		eventservice.WithClock(func() time.Time { return now }))
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(charges, f.store, f.ledger, eventfactory.New(charges, f.store), emitter, opts...)
}

func TestEmitByIDRange_IsolatesFailingResource(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panics=%v", panics), func(t *testing.T) {
			f := newFixture()
			for id := int64(1); id <= 5; id++ {
				f.addCharge(id, charge.StatusCreated)
			}
			svc := f.service(brokenHistory{Store: f.store, chargeID: 3, panics: panics})

			summary, err := svc.EmitByIDRange(context.Background(), IDRangeRequest{StartID: 1, MaxID: 5})
			require.NoError(t, err)

			assert.Equal(t, []string{"ch_1", "ch_2", "ch_4", "ch_5"}, f.publisher.resources())
			assert.Equal(t, 5, summary.Resources)
			assert.Equal(t, 1, summary.Failed)
			assert.Equal(t, 4, summary.EventsEmitted)
			assert.Equal(t, int64(5), summary.LastProcessedID)
			assert.Equal(t, ModeCharges, summary.Mode)
		})
	}
}

func TestEmitByIDRange_DefaultsToCurrentMaxAndSkipsGaps(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated)
	f.addCharge(4, charge.StatusCreated, charge.StatusEnteringCardDetails)

	summary, err := f.service(f.store).EmitByIDRange(context.Background(), IDRangeRequest{StartID: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"ch_1", "ch_4", "ch_4"}, f.publisher.resources())
	assert.Equal(t, 2, summary.Resources)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, int64(4), summary.LastProcessedID)
}

func TestEmitByIDRange_ReplaysRefundsWithCharge(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated, charge.StatusCaptured)
	f.store.PutRefundHistory(refund.HistoryEntry{
		ID:               1,
		RefundID:         1,
		ExternalID:       "rf_1",
		ChargeExternalID: "ch_1",
		Amount:           500,
		Status:           refund.StatusCreated,
		HistoryStartDate: day0.Add(48 * time.Hour),
	})

	_, err := f.service(f.store).EmitByIDRange(context.Background(), IDRangeRequest{StartID: 1, MaxID: 1})
	require.NoError(t, err)

	var types []string
	for _, e := range f.publisher.sent {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		string(event.PaymentCreated),
		string(event.CaptureConfirmed),
		string(event.RefundCreatedByService),
	}, types)
}

func TestEmitByIDRange_SkipsEmittedUnlessForced(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addCharge(1, charge.StatusCreated)
	svc := f.service(f.store)

	first, err := svc.EmitByIDRange(ctx, IDRangeRequest{StartID: 1, MaxID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, first.EventsEmitted)

	second, err := svc.EmitByIDRange(ctx, IDRangeRequest{StartID: 1, MaxID: 1})
	require.NoError(t, err)
	assert.Zero(t, second.EventsEmitted)
	assert.Equal(t, 1, second.EventsSkipped)

	forced, err := svc.EmitByIDRange(ctx, IDRangeRequest{StartID: 1, MaxID: 1, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, forced.EventsEmitted)

	assert.Len(t, f.publisher.sent, 2)
	assert.Len(t, f.ledger.Entries(), 1)
}

func TestEmitByIDRange_PublishFailureRecordsSuppressionWindow(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated)
	f.publisher.fail = map[string]bool{"ch_1": true}

	summary, err := f.service(f.store).EmitByIDRange(context.Background(), IDRangeRequest{
		StartID:       1,
		MaxID:         1,
		DoNotRetryFor: time.Hour,
	})
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)

	entries := f.ledger.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Emitted())
	require.NotNil(t, entries[0].DoNotRetryEmitUntil)
	assert.Equal(t, now.Add(time.Hour), *entries[0].DoNotRetryEmitUntil)
}

func TestEmitByIDRange_RejectsInvalidRange(t *testing.T) {
	f := newFixture()
	_, err := f.service(f.store).EmitByIDRange(context.Background(), IDRangeRequest{StartID: 5, MaxID: 2})
	assert.Error(t, err)

	_, err = f.service(f.store).EmitByIDRange(context.Background(), IDRangeRequest{StartID: -1})
	assert.Error(t, err)
}

func TestEmitByDateRange_DeduplicatesChargesWithinPage(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated, charge.StatusEnteringCardDetails, charge.StatusExpired)
	f.addCharge(2, charge.StatusCreated)
	f.addCharge(9, charge.StatusCreated)

	summary, err := f.service(f.store, WithPageSize(10)).EmitByDateRange(context.Background(), DateRangeRequest{
		Start: day0,
		End:   day0.Add(3 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Resources)
	assert.Equal(t, []string{"ch_1", "ch_1", "ch_1", "ch_2"}, f.publisher.resources())
}

func TestEmitByDateRange_PagesThroughRange(t *testing.T) {
	f := newFixture()
	for id := int64(1); id <= 5; id++ {
		f.addCharge(id, charge.StatusCreated)
	}

	summary, err := f.service(f.store, WithPageSize(2)).EmitByDateRange(context.Background(), DateRangeRequest{
		Start: day0,
		End:   day0.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Resources)
	assert.Equal(t, []string{"ch_1", "ch_2", "ch_3", "ch_4", "ch_5"}, f.publisher.resources())
}

func (f *fixture) addRefund(id int64, chargeExternalID string, at time.Time, statuses ...refund.Status) {
	extID := fmt.Sprintf("rf_%d", id)
	f.store.PutRefund(refund.Refund{ID: id, ExternalID: extID, ChargeExternalID: chargeExternalID, Amount: 100})
	for i, status := range statuses {
		f.store.PutRefundHistory(refund.HistoryEntry{
			ID:               id*100 + int64(i),
			RefundID:         id,
			ExternalID:       extID,
			ChargeExternalID: chargeExternalID,
			Amount:           100,
			Status:           status,
			HistoryStartDate: at.Add(time.Duration(i) * time.Minute),
		})
	}
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, e := range f.publisher.sent {
		out = append(out, e.ResourceExternalID+" "+e.EventType)
	}
	return out
}

func TestEmitByDateRange_ReplaysRefundsWithoutChargeActivity(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated, charge.StatusCaptured)
	refundedAt := day0.Add(30 * 24 * time.Hour)
	f.addRefund(1, "ch_1", refundedAt, refund.StatusCreated, refund.StatusRefunded)

	summary, err := f.service(f.store).EmitByDateRange(context.Background(), DateRangeRequest{
		Start: refundedAt.Add(-time.Hour),
		End:   refundedAt.Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Resources)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, []string{
		"rf_1 " + string(event.RefundCreatedByService),
		"rf_1 " + string(event.RefundSucceeded),
	}, f.eventTypes())
}

func TestEmitByDateRange_RefundsOfReplayedChargeAreNotRepeated(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated)
	f.addRefund(1, "ch_1", day0.Add(2*time.Hour), refund.StatusCreated)
	f.addCharge(3, charge.StatusCreated)
	f.addRefund(2, "ch_3", day0.Add(90*time.Minute), refund.StatusSubmitted)

	summary, err := f.service(f.store, WithPageSize(1)).EmitByDateRange(context.Background(), DateRangeRequest{
		Start: day0,
		End:   day0.Add(2*time.Hour + time.Minute),
		Force: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Resources)
	assert.Equal(t, []string{
		"ch_1 " + string(event.PaymentCreated),
		"rf_1 " + string(event.RefundCreatedByService),
		"rf_2 " + string(event.RefundSubmitted),
	}, f.eventTypes())
}

func TestEmitByDateRange_RejectsEndBeforeStart(t *testing.T) {
	f := newFixture()
	_, err := f.service(f.store).EmitByDateRange(context.Background(), DateRangeRequest{
		Start: day0,
		End:   day0.Add(-time.Hour),
	})
	assert.Error(t, err)
}

func TestEmitRefundsByIDRange(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated)
	for id := int64(1); id <= 3; id++ {
		extID := fmt.Sprintf("rf_%d", id)
		f.store.PutRefund(refund.Refund{ID: id, ExternalID: extID, ChargeExternalID: "ch_1", Amount: 100})
		f.store.PutRefundHistory(refund.HistoryEntry{
			ID:               id,
			RefundID:         id,
			ExternalID:       extID,
			ChargeExternalID: "ch_1",
			Amount:           100,
			Status:           refund.StatusCreated,
			UserExternalID:   "user_1",
			HistoryStartDate: day0.Add(time.Duration(id) * time.Hour),
		})
	}
	f.store.PutRefund(refund.Refund{ID: 4, ExternalID: "rf_orphan", ChargeExternalID: "ch_missing"})
	f.store.PutRefundHistory(refund.HistoryEntry{
		ID:               4,
		RefundID:         4,
		ExternalID:       "rf_orphan",
		ChargeExternalID: "ch_missing",
		Status:           refund.StatusCreated,
		HistoryStartDate: day0,
	})

	summary, err := f.service(f.store).EmitRefundsByIDRange(context.Background(), IDRangeRequest{StartID: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"rf_1", "rf_2", "rf_3"}, f.publisher.resources())
	assert.Equal(t, 4, summary.Resources)
	assert.Equal(t, 1, summary.Failed)
	for _, e := range f.publisher.sent {
		assert.Equal(t, string(event.RefundCreatedByUser), e.EventType)
	}
}

func TestEmitPaymentHistory_MissingCharge(t *testing.T) {
	f := newFixture()
	err := f.service(f.store).EmitPaymentHistory(context.Background(), "ch_gone", nil)
	assert.ErrorIs(t, err, charge.ErrNotFound)
}

func TestEmitRefundHistory_MissingRefund(t *testing.T) {
	f := newFixture()
	err := f.service(f.store).EmitRefundHistory(context.Background(), "rf_gone", nil)
	assert.ErrorIs(t, err, refund.ErrNotFound)
}

func TestEmitByIDRange_StopsOnCancelledContext(t *testing.T) {
	f := newFixture()
	f.addCharge(1, charge.StatusCreated)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service(f.store).EmitByIDRange(ctx, IDRangeRequest{StartID: 1, MaxID: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.publisher.sent)
}
