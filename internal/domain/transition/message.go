package transition

import (
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"

	json "github.com/goccy/go-json"
)

// Message is the state-change notification published by the payments domain
// onto the transitions topic.
type Message struct {
	ResourceType       event.ResourceType `json:"resource_type"`
	ResourceExternalID string             `json:"resource_external_id"`
	SourceID           int64              `json:"source_id"`
	EventType          event.Type         `json:"event_type"`
	OccurredAt         time.Time          `json:"occurred_at"`
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode transition message: %w", err)
	}
	if !m.ResourceType.Valid() || m.ResourceExternalID == "" || m.EventType == "" {
		return Message{}, fmt.Errorf("decode transition message: incomplete message %+v", m)
	}
	return m, nil
}

func (m Message) Transition(maxAttempts int) StateTransition {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return StateTransition{
		ResourceType:       m.ResourceType,
		ResourceExternalID: m.ResourceExternalID,
		SourceID:           m.SourceID,
		EventType:          m.EventType,
		OccurredAt:         m.OccurredAt,
		MaxAttempts:        maxAttempts,
	}
}
