package ledger

import (
	"context"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
)

// Key is the natural key of an emission ledger row.
type Key struct {
	ResourceType       event.ResourceType
	ResourceExternalID string
	EventType          event.Type
	EventDate          time.Time
}

func KeyFor(e event.Event) Key {
	return Key{
		ResourceType:       e.ResourceType,
		ResourceExternalID: e.ResourceExternalID,
		EventType:          e.Type,
		EventDate:          event.NormaliseTimestamp(e.Timestamp),
	}
}

// Entry records whether an event has been published. ID is a monotonic
// sequence used as the backfill cursor.
type Entry struct {
	ID int64
	Key
	EmittedDate         *time.Time
	DoNotRetryEmitUntil *time.Time
}

func (e Entry) Emitted() bool {
	return e.EmittedDate != nil
}

// Suppressed reports whether the entry must not be retried at instant now.
func (e Entry) Suppressed(now time.Time) bool {
	return e.DoNotRetryEmitUntil != nil && e.DoNotRetryEmitUntil.After(now)
}

// Eligibility bounds the rows a backfill may pick up: not emitted, event date
// strictly before Cutoff, and not suppressed beyond AsOf.
type Eligibility struct {
	Cutoff time.Time
	AsOf   time.Time
}

// Repository is the durable emission ledger. Every write is a single-row
// upsert on the natural key, so concurrent writers converge.
type Repository interface {
	// Offer inserts the row if absent and returns the stored entry.
	Offer(ctx context.Context, key Key) (Entry, error)
	// MarkEmitted sets emitted_date; once set it is never overwritten.
	MarkEmitted(ctx context.Context, key Key, emittedAt time.Time) error
	// MarkFailed stores the suppression window, creating the row if needed.
	MarkFailed(ctx context.Context, key Key, doNotRetryUntil *time.Time) error
	Find(ctx context.Context, key Key) (Entry, bool, error)
	// MaxEligibleID returns 0 when no row is eligible.
	MaxEligibleID(ctx context.Context, filter Eligibility) (int64, error)
	// ListEligible returns up to limit eligible rows with afterID < id <= maxID ordered by id.
	ListEligible(ctx context.Context, filter Eligibility, afterID, maxID int64, limit int) ([]Entry, error)
}
