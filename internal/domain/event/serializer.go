package event

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Serializer encodes events into the outbound wire format. One instance is
// built at bootstrap and passed to whoever publishes.
type Serializer struct{}

func NewSerializer() *Serializer {
	return &Serializer{}
}

func (s *Serializer) Marshal(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event for %s: %w", e.Type, e.ResourceExternalID, err)
	}
	return b, nil
}
