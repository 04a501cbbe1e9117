package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
)

// Ledger is an in-process emission ledger with the same upsert semantics as
// the postgres repository.
type Ledger struct {
	mu      sync.Mutex
	nextID  int64
	entries map[string]*ledger.Entry
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*ledger.Entry)}
}

func keyString(k ledger.Key) string {
	return fmt.Sprintf("%s|%s|%s|%d", k.ResourceType, k.ResourceExternalID, k.EventType, k.EventDate.UTC().UnixMicro())
}

func (l *Ledger) offerLocked(k ledger.Key) *ledger.Entry {
	id := keyString(k)
	if e, ok := l.entries[id]; ok {
		return e
	}
	l.nextID++
	k.EventDate = k.EventDate.UTC()
	e := &ledger.Entry{ID: l.nextID, Key: k}
	l.entries[id] = e
	return e
}

func (l *Ledger) Offer(_ context.Context, key ledger.Key) (ledger.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyEntry(l.offerLocked(key)), nil
}

func (l *Ledger) MarkEmitted(_ context.Context, key ledger.Key, emittedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.offerLocked(key)
	if e.EmittedDate == nil {
		at := emittedAt.UTC()
		e.EmittedDate = &at
	}
	return nil
}

func (l *Ledger) MarkFailed(_ context.Context, key ledger.Key, doNotRetryUntil *time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.offerLocked(key)
	if doNotRetryUntil == nil {
		e.DoNotRetryEmitUntil = nil
		return nil
	}
	until := doNotRetryUntil.UTC()
	e.DoNotRetryEmitUntil = &until
	return nil
}

func (l *Ledger) Find(_ context.Context, key ledger.Key) (ledger.Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[keyString(key)]
	if !ok {
		return ledger.Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

func (l *Ledger) MaxEligibleID(_ context.Context, filter ledger.Eligibility) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var maxID int64
	for _, e := range l.entries {
		if eligible(e, filter) && e.ID > maxID {
			maxID = e.ID
		}
	}
	return maxID, nil
}

func (l *Ledger) ListEligible(_ context.Context, filter ledger.Eligibility, afterID, maxID int64, limit int) ([]ledger.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Entry
	for _, e := range l.entries {
		if e.ID > afterID && e.ID <= maxID && eligible(e, filter) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a snapshot ordered by id.
func (l *Ledger) Entries() []ledger.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func eligible(e *ledger.Entry, filter ledger.Eligibility) bool {
	if e.EmittedDate != nil || !e.EventDate.Before(filter.Cutoff) {
		return false
	}
	return !e.Suppressed(filter.AsOf)
}

func copyEntry(e *ledger.Entry) ledger.Entry {
	out := *e
	if e.EmittedDate != nil {
		t := *e.EmittedDate
		out.EmittedDate = &t
	}
	if e.DoNotRetryEmitUntil != nil {
		t := *e.DoNotRetryEmitUntil
		out.DoNotRetryEmitUntil = &t
	}
	return out
}
