package backfill_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/backfill"
	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/delivery"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"
	"github.com/alphagov/pay-connector-sub011/internal/eventfactory"
	"github.com/alphagov/pay-connector-sub011/internal/eventservice"
	"github.com/alphagov/pay-connector-sub011/internal/historical"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type switchPublisher struct {
	mu        sync.Mutex
	down      bool
	published int
}

func (p *switchPublisher) Publish(_ context.Context, _, _ []byte) delivery.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return delivery.Transient(errors.New("broker unavailable"))
	}
	p.published++
	return delivery.Delivered()
}

func (p *switchPublisher) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *switchPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// A row left pending by a failed live publish is resolved by the next ledger
// backfill through the real replay path, and stays resolved.
func TestLedgerBackfill_ResolvesRowLeftPendingByLivePath(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return runAt }

	store := memory.NewStore()
	updated := runAt.Add(-2 * time.Hour)
	store.PutCharge(charge.Charge{ID: 1, ExternalID: "ch_1", Amount: 1000, ServiceID: "svc_1", CreatedDate: updated})
	store.PutChargeEvent(charge.Event{ID: 11, ChargeID: 1, Status: charge.StatusCaptured, UpdatedAt: updated})

	repo := memory.NewLedger()
	publisher := &switchPublisher{down: true}
	service := eventservice.New(publisher, repo, event.NewSerializer(), eventservice.WithClock(clock))
	factory := eventfactory.New(store, store)

	// The producer's clock runs slightly ahead of the history row.
	live := transition.NewPayment("ch_1", 11, event.CaptureConfirmed, updated.Add(250*time.Millisecond))
	events, err := factory.CreateEvents(ctx, live)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Error(t, service.EmitAndMarkEmitted(ctx, events[0]))
	require.Len(t, repo.Entries(), 1)
	require.False(t, repo.Entries()[0].Emitted())

	publisher.setDown(false)
	hist := historical.New(store, store, repo, factory, service, historical.WithClock(clock))
	lb := backfill.NewLedgerBackfill(repo, hist, service, backfill.Config{
		BatchSize:     10,
		MaxAge:        time.Hour,
		DoNotRetryFor: 30 * time.Minute,
	}, nil).WithClock(clock)

	summary, err := lb.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 1, publisher.count())

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Emitted())

	again, err := lb.Run(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
	assert.Equal(t, 1, publisher.count())
}
