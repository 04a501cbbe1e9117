package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"
)

// Store holds charges, their status history and refunds in memory. It
// implements charge.Repository and refund.Repository.
type Store struct {
	mu sync.RWMutex

	charges       map[int64]charge.Charge
	chargeEvents  map[int64]charge.Event
	refunds       map[int64]refund.Refund
	refundHistory map[int64]refund.HistoryEntry
}

func NewStore() *Store {
	return &Store{
		charges:       make(map[int64]charge.Charge),
		chargeEvents:  make(map[int64]charge.Event),
		refunds:       make(map[int64]refund.Refund),
		refundHistory: make(map[int64]refund.HistoryEntry),
	}
}

func (s *Store) PutCharge(c charge.Charge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[c.ID] = c
}

func (s *Store) PutChargeEvent(e charge.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargeEvents[e.ID] = e
}

func (s *Store) DeleteChargeEvent(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chargeEvents, id)
}

func (s *Store) PutRefund(r refund.Refund) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[r.ID] = r
}

func (s *Store) PutRefundHistory(h refund.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundHistory[h.ID] = h
}

func (s *Store) ChargeByID(_ context.Context, id int64) (charge.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charges[id]
	if !ok {
		return charge.Charge{}, charge.ErrNotFound
	}
	return c, nil
}

func (s *Store) ChargeByExternalID(_ context.Context, externalID string) (charge.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.charges {
		if c.ExternalID == externalID {
			return c, nil
		}
	}
	return charge.Charge{}, charge.ErrNotFound
}

func (s *Store) MaxChargeID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxID int64
	for id := range s.charges {
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

func (s *Store) ChargeEvent(_ context.Context, id int64) (charge.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.chargeEvents[id]
	if !ok {
		return charge.Event{}, charge.ErrNotFound
	}
	return e, nil
}

func (s *Store) ChargeEvents(_ context.Context, chargeID int64) ([]charge.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []charge.Event
	for _, e := range s.chargeEvents {
		if e.ChargeID == chargeID {
			out = append(out, e)
		}
	}
	sortChargeEvents(out)
	return out, nil
}

func (s *Store) ChargeEventsBetween(_ context.Context, start, end time.Time, offset, limit int) ([]charge.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []charge.Event
	for _, e := range s.chargeEvents {
		if !e.UpdatedAt.Before(start) && e.UpdatedAt.Before(end) {
			out = append(out, e)
		}
	}
	sortChargeEvents(out)
	return page(out, offset, limit), nil
}

func (s *Store) RefundByID(_ context.Context, id int64) (refund.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[id]
	if !ok {
		return refund.Refund{}, refund.ErrNotFound
	}
	return r, nil
}

func (s *Store) RefundByExternalID(_ context.Context, externalID string) (refund.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.refunds {
		if r.ExternalID == externalID {
			return r, nil
		}
	}
	return refund.Refund{}, refund.ErrNotFound
}

func (s *Store) MaxRefundID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxID int64
	for id := range s.refunds {
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

func (s *Store) HistoryEntry(_ context.Context, id int64) (refund.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.refundHistory[id]
	if !ok {
		return refund.HistoryEntry{}, refund.ErrNotFound
	}
	return h, nil
}

func (s *Store) HistoryForCharge(_ context.Context, chargeExternalID string) ([]refund.HistoryEntry, error) {
	return s.history(func(h refund.HistoryEntry) bool { return h.ChargeExternalID == chargeExternalID }), nil
}

func (s *Store) HistoryForRefund(_ context.Context, refundExternalID string) ([]refund.HistoryEntry, error) {
	return s.history(func(h refund.HistoryEntry) bool { return h.ExternalID == refundExternalID }), nil
}

func (s *Store) HistoryBetween(_ context.Context, start, end time.Time, offset, limit int) ([]refund.HistoryEntry, error) {
	out := s.history(func(h refund.HistoryEntry) bool {
		return !h.HistoryStartDate.Before(start) && h.HistoryStartDate.Before(end)
	})
	return page(out, offset, limit), nil
}

func (s *Store) history(match func(refund.HistoryEntry) bool) []refund.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []refund.HistoryEntry
	for _, h := range s.refundHistory {
		if match(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HistoryStartDate.Equal(out[j].HistoryStartDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].HistoryStartDate.Before(out[j].HistoryStartDate)
	})
	return out
}

func sortChargeEvents(events []charge.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].UpdatedAt.Equal(events[j].UpdatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].UpdatedAt.Before(events[j].UpdatedAt)
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
