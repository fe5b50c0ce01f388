package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veridianlabs/lib-txn/txn/event"
)

// DefaultMaxPayloadBytes bounds serialized envelope size at append time.
const DefaultMaxPayloadBytes = 1 << 20

// ErrPayloadTooLarge is returned when a serialized envelope exceeds the bound.
var ErrPayloadTooLarge = fmt.Errorf("outbox message payload exceeds %d bytes", DefaultMaxPayloadBytes)

// Message is one durable outbox row: a serialized event envelope plus the
// delivery bookkeeping the processor mutates.
type Message struct {
	ID          uuid.UUID
	EventName   string
	Payload     []byte
	Status      Status
	RetryCount  int
	LastError   string
	LeaseOwner  string
	LeaseExpiry *time.Time
	NextRetryAt time.Time
	CreatedAt   time.Time
	ProcessedAt *time.Time
	Metadata    map[string]string
}

// NewMessage wraps a serialized envelope into a pending outbox message.
func NewMessage(envelope *event.Envelope, payload []byte) (*Message, error) {
	if envelope == nil {
		return nil, event.ErrEnvelopeRequired
	}

	name := strings.TrimSpace(envelope.Name)
	if name == "" {
		return nil, ErrEventNameRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("outbox message %q: %w", name, event.ErrPayloadNotJSON)
	}

	now := time.Now().UTC()

	metadata := map[string]string{
		"channel": envelope.Channel,
	}

	if envelope.Subject != "" {
		metadata["subject"] = envelope.Subject
	}

	if envelope.Schema != "" {
		metadata["schema"] = envelope.Schema
	}

	for key, value := range envelope.Metadata {
		metadata[key] = value
	}

	return &Message{
		ID:          envelope.ID,
		EventName:   name,
		Payload:     payload,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		Metadata:    metadata,
	}, nil
}

// Channel returns the target channel recorded at append time.
func (m *Message) Channel() string {
	if m == nil || m.Metadata == nil {
		return ""
	}

	return m.Metadata["channel"]
}

// LeaseExpired reports whether the message's lease, if any, lapsed at now.
func (m *Message) LeaseExpired(now time.Time) bool {
	return m.LeaseExpiry == nil || !m.LeaseExpiry.After(now)
}
