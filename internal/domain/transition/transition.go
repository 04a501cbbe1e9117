package transition

import (
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
)

const DefaultMaxAttempts = 10

// StateTransition is one resource moving into a new state. SourceID points at
// the history row that records the change: charge_events.id for payments and
// refunds_history.id for refunds. EventType is the recipe used to build the event.
// OccurredAt is the producer's clock reading and is only logged; the event
// timestamp is taken from the history row.
type StateTransition struct {
	ResourceType       event.ResourceType
	ResourceExternalID string
	SourceID           int64
	EventType          event.Type
	OccurredAt         time.Time
	Attempts           int
	MaxAttempts        int
}

func NewPayment(chargeExternalID string, chargeEventID int64, eventType event.Type, occurredAt time.Time) StateTransition {
	return StateTransition{
		ResourceType:       event.ResourceTypePayment,
		ResourceExternalID: chargeExternalID,
		SourceID:           chargeEventID,
		EventType:          eventType,
		OccurredAt:         occurredAt,
		MaxAttempts:        DefaultMaxAttempts,
	}
}

func NewRefund(refundExternalID string, refundHistoryID int64, eventType event.Type, occurredAt time.Time) StateTransition {
	return StateTransition{
		ResourceType:       event.ResourceTypeRefund,
		ResourceExternalID: refundExternalID,
		SourceID:           refundHistoryID,
		EventType:          eventType,
		OccurredAt:         occurredAt,
		MaxAttempts:        DefaultMaxAttempts,
	}
}

func (t StateTransition) ShouldAttempt() bool {
	return t.Attempts < t.MaxAttempts
}

// IncrementAttempts returns a copy with one more recorded attempt.
func (t StateTransition) IncrementAttempts() StateTransition {
	t.Attempts++
	return t
}

func (t StateTransition) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("resource_type", string(t.ResourceType)),
		slog.String("resource_external_id", t.ResourceExternalID),
		slog.Int64("source_id", t.SourceID),
		slog.String("event_type", string(t.EventType)),
		slog.Time("occurred_at", t.OccurredAt),
		slog.Int("attempt", t.Attempts),
		slog.Int("max_attempts", t.MaxAttempts),
	)
}
