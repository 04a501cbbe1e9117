package eventfactory

import (
	"errors"
	"fmt"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
)

// ErrUnknownEventType means the transition's recipe has no registered
// definition. Retrying cannot fix it.
var ErrUnknownEventType = errors.New("unknown event type")

// CreationError reports data needed to build an event that could not be
// found. It is retryable: the row may not be visible yet.
type CreationError struct {
	EventType          event.Type
	ResourceExternalID string
	Reason             string
	Err                error
}

func (e *CreationError) Error() string {
	msg := fmt.Sprintf("create %s event for %s: %s", e.EventType, e.ResourceExternalID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownEventType)
}
