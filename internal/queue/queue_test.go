package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentTransition(id string, sourceID int64) transition.StateTransition {
	return transition.NewPayment(id, sourceID, event.CaptureConfirmed, time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC))
}

func TestTransitionQueue_FIFO(t *testing.T) {
	q := New()
	for i := int64(1); i <= 3; i++ {
		q.Offer(paymentTransition("ch_1", i))
	}
	assert.Equal(t, 3, q.Size())

	for i := int64(1); i <= 3; i++ {
		got, ok := q.Poll(context.Background(), 10*time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, i, got.SourceID)
	}
	assert.True(t, q.IsEmpty())
}

func TestTransitionQueue_PollTimesOutWhenEmpty(t *testing.T) {
	q := New()

	start := time.Now()
	_, ok := q.Poll(context.Background(), 20*time.Millisecond)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTransitionQueue_PollReturnsOnCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Poll(ctx, time.Minute)
	assert.False(t, ok)
}

func TestTransitionQueue_PollWakesOnOffer(t *testing.T) {
	q := New()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Offer(paymentTransition("ch_wake", 1))
	}()

	got, ok := q.Poll(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "ch_wake", got.ResourceExternalID)
}

func TestTransitionQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := New()
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Offer(paymentTransition(fmt.Sprintf("ch_%d", p), int64(i)))
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, producers*perProducer, q.Size())

	last := map[string]int64{}
	for i := 0; i < producers*perProducer; i++ {
		got, ok := q.Poll(context.Background(), 10*time.Millisecond)
		require.True(t, ok)
		if prev, seen := last[got.ResourceExternalID]; seen {
			assert.Greater(t, got.SourceID, prev)
		}
		last[got.ResourceExternalID] = got.SourceID
	}
	assert.True(t, q.IsEmpty())
}
