package queue

import (
	"context"
	"sync"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"
)

// TransitionQueue is an unbounded FIFO of pending state transitions. It is
// safe for many producers and a single consumer.
type TransitionQueue struct {
	mu     sync.Mutex
	items  []transition.StateTransition
	notify chan struct{}
}

func New() *TransitionQueue {
	return &TransitionQueue{
		notify: make(chan struct{}, 1),
	}
}

// Offer enqueues t without blocking.
func (q *TransitionQueue) Offer(t transition.StateTransition) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Poll waits up to timeout for a transition. It returns false when the
// timeout elapses or ctx is done before anything is available.
func (q *TransitionQueue) Poll(ctx context.Context, timeout time.Duration) (transition.StateTransition, bool) {
	if t, ok := q.pop(); ok {
		return t, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return transition.StateTransition{}, false
		case <-timer.C:
			return q.pop()
		case <-q.notify:
			if t, ok := q.pop(); ok {
				return t, true
			}
		}
	}
}

func (q *TransitionQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *TransitionQueue) IsEmpty() bool {
	return q.Size() == 0
}

func (q *TransitionQueue) pop() (transition.StateTransition, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return transition.StateTransition{}, false
	}
	t := q.items[0]
	q.items[0] = transition.StateTransition{}
	q.items = q.items[1:]
	return t, true
}
