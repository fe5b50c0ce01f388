package inbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/veridianlabs/lib-txn/txn/event"
)

// Message is the durable record of one inbound event. The event id is the
// natural key: recording the same id twice is a no-op, which is what makes
// consumption idempotent.
type Message struct {
	EventID     uuid.UUID
	EventName   string
	Payload     []byte
	Status      Status
	RetryCount  int
	LastError   string
	ClaimOwner  string
	ClaimExpiry *time.Time
	NextRetryAt time.Time
	CreatedAt   time.Time
	HandledAt   *time.Time
}

// NewMessage builds a pending inbox message from an envelope and its
// serialized payload.
func NewMessage(env *event.Envelope, payload []byte) (*Message, error) {
	if env == nil {
		return nil, ErrMessageRequired
	}

	if env.ID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	if env.Name == "" {
		return nil, ErrEventNameRequired
	}

	now := time.Now().UTC()

	return &Message{
		EventID:     env.ID,
		EventName:   env.Name,
		Payload:     payload,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}, nil
}

// ClaimExpired reports whether the message's claim, if any, lapsed at now.
func (m *Message) ClaimExpired(now time.Time) bool {
	return m.ClaimExpiry == nil || !m.ClaimExpiry.After(now)
}

// Validate checks the message fields a store relies on.
func (m *Message) Validate() error {
	if m == nil {
		return ErrMessageRequired
	}

	if m.EventID == uuid.Nil {
		return ErrEventIDRequired
	}

	if m.EventName == "" {
		return ErrEventNameRequired
	}

	return nil
}
