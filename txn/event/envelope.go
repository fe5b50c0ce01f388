// Package event defines the domain-event envelope exchanged between the
// unit of work, the dispatcher, and the outbox/inbox stores.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNameRequired is returned when an envelope has no event name.
	ErrNameRequired = errors.New("event name is required")
	// ErrChannelRequired is returned when an envelope has no target channel.
	ErrChannelRequired = errors.New("event channel is required")
	// ErrPayloadRequired is returned when an envelope carries no payload.
	ErrPayloadRequired = errors.New("event payload is required")
	// ErrPayloadNotJSON is returned when an envelope payload is not valid JSON.
	ErrPayloadNotJSON = errors.New("event payload must be valid JSON")
)

// Envelope is a domain event instance plus its delivery metadata. It is
// created when an aggregate raises an event and consumed exactly once by
// the dispatcher.
type Envelope struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Version    int               `json:"version"`
	Channel    string            `json:"channel"`
	Subject    string            `json:"subject,omitempty"`
	Schema     string            `json:"schema,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// New creates a validated envelope around a JSON payload. The version
// defaults to 1 when non-positive.
func New(name, channel string, payload []byte, opts ...Option) (*Envelope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("event %q: %w", name, ErrChannelRequired)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("event %q: %w", name, ErrPayloadRequired)
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("event %q: %w", name, ErrPayloadNotJSON)
	}

	envelope := &Envelope{
		ID:         uuid.New(),
		Name:       name,
		Version:    1,
		Channel:    channel,
		OccurredAt: time.Now().UTC(),
		Payload:    append(json.RawMessage(nil), payload...),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(envelope)
		}
	}

	if envelope.Version <= 0 {
		envelope.Version = 1
	}

	return envelope, nil
}

// Marshal creates an envelope whose payload is the JSON encoding of body.
func Marshal(name, channel string, body any, opts ...Option) (*Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal event %q payload: %w", name, err)
	}

	return New(name, channel, payload, opts...)
}

// Option mutates an envelope at construction.
type Option func(*Envelope)

// WithID overrides the generated envelope id.
func WithID(id uuid.UUID) Option {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.ID = id
		}
	}
}

// WithVersion sets the event schema version.
func WithVersion(version int) Option {
	return func(e *Envelope) {
		e.Version = version
	}
}

// WithSubject sets the delivery subject (routing key, partition key).
func WithSubject(subject string) Option {
	return func(e *Envelope) {
		e.Subject = strings.TrimSpace(subject)
	}
}

// WithSchema sets the payload schema reference.
func WithSchema(schema string) Option {
	return func(e *Envelope) {
		e.Schema = strings.TrimSpace(schema)
	}
}

// WithMetadata merges entries into the envelope metadata map.
func WithMetadata(metadata map[string]string) Option {
	return func(e *Envelope) {
		if len(metadata) == 0 {
			return
		}

		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(metadata))
		}

		for key, value := range metadata {
			e.Metadata[key] = value
		}
	}
}

// WithOccurredAt overrides the event timestamp; zero values are ignored.
func WithOccurredAt(at time.Time) Option {
	return func(e *Envelope) {
		if !at.IsZero() {
			e.OccurredAt = at.UTC()
		}
	}
}
