package event

import (
	"time"

	json "github.com/goccy/go-json"
)

// TimestampFormat is the wire format of Event.Timestamp: UTC with microsecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

type ResourceType string

const (
	ResourceTypePayment           ResourceType = "PAYMENT"
	ResourceTypeRefund            ResourceType = "REFUND"
	ResourceTypePaymentInstrument ResourceType = "PAYMENT_INSTRUMENT"
	ResourceTypeAgreement         ResourceType = "AGREEMENT"
)

func (r ResourceType) Valid() bool {
	switch r {
	case ResourceTypePayment, ResourceTypeRefund, ResourceTypePaymentInstrument, ResourceTypeAgreement:
		return true
	}
	return false
}

// Event is a domain occurrence for a single resource. Values are never mutated
// after construction; copy them freely.
type Event struct {
	ResourceType       ResourceType
	ResourceExternalID string
	Type               Type
	Details            Details
	Timestamp          time.Time
	ServiceID          string
	Live               *bool
}

// New builds an event with its timestamp normalised to UTC microseconds, the
// precision kept by both the wire format and the emission ledger.
func New(resourceType ResourceType, resourceExternalID string, eventType Type, details Details, timestamp time.Time) Event {
	if details == nil {
		details = NoDetails{}
	}
	return Event{
		ResourceType:       resourceType,
		ResourceExternalID: resourceExternalID,
		Type:               eventType,
		Details:            details,
		Timestamp:          NormaliseTimestamp(timestamp),
	}
}

// WithService returns a copy of e routed to the given service and mode.
func (e Event) WithService(serviceID string, live bool) Event {
	e.ServiceID = serviceID
	e.Live = &live
	return e
}

func NormaliseTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type wireEvent struct {
	ResourceType       ResourceType `json:"resource_type"`
	ResourceExternalID string       `json:"resource_external_id"`
	EventType          Type         `json:"event_type"`
	EventDetails       Details      `json:"event_details"`
	Timestamp          string       `json:"timestamp"`
	ServiceID          string       `json:"service_id,omitempty"`
	Live               *bool        `json:"live,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	details := e.Details
	if details == nil {
		details = NoDetails{}
	}
	return json.Marshal(wireEvent{
		ResourceType:       e.ResourceType,
		ResourceExternalID: e.ResourceExternalID,
		EventType:          e.Type,
		EventDetails:       details,
		Timestamp:          e.Timestamp.UTC().Format(TimestampFormat),
		ServiceID:          e.ServiceID,
		Live:               e.Live,
	})
}
