package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEnvelopeRequired is returned when a nil envelope is serialized.
var ErrEnvelopeRequired = errors.New("event envelope is required")

// Serializer converts envelopes to and from their wire representation.
type Serializer interface {
	Serialize(envelope *Envelope) ([]byte, error)
	Deserialize(data []byte) (*Envelope, error)
}

// JSONSerializer is the default Serializer. The wire format is the JSON
// encoding of the Envelope struct itself, payload included verbatim.
type JSONSerializer struct{}

// NewJSONSerializer creates the default JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

var _ Serializer = (*JSONSerializer)(nil)

// Serialize encodes the envelope as JSON.
func (s *JSONSerializer) Serialize(envelope *Envelope) ([]byte, error) {
	if envelope == nil {
		return nil, ErrEnvelopeRequired
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope %q: %w", envelope.Name, err)
	}

	return data, nil
}

// Deserialize decodes an envelope from JSON.
func (s *JSONSerializer) Deserialize(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrPayloadRequired
	}

	var envelope Envelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("deserialize envelope: %w", err)
	}

	return &envelope, nil
}
