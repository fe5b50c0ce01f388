package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists inbox records. Every implementation must treat the event
// id as a unique key: Record and MarkProcessed are upserts on that key, so
// concurrent consumers of the same event converge on a single row.
type Store interface {
	// HasProcessed reports whether eventID was already handled.
	HasProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)

	// MarkProcessed durably records msg as processed, creating the row if
	// it was never recorded. It must be called only after the handler
	// succeeded.
	MarkProcessed(ctx context.Context, msg *Message) error

	// Record stores msg as pending for deferred handling. It returns false
	// without error when the event id was already seen.
	Record(ctx context.Context, msg *Message) (bool, error)

	// Claim atomically assigns up to limit due pending messages to owner,
	// oldest first, setting a claim that expires after claimFor. Only rows
	// with no claim or an expired one are eligible, so replicated
	// processors never pick up the same message while a claim is live.
	Claim(ctx context.Context, owner string, limit int, claimFor time.Duration) ([]*Message, error)

	// Reschedule increments the retry count, sets the next attempt time,
	// and releases the claim on a pending message.
	Reschedule(ctx context.Context, eventID uuid.UUID, lastError string, nextRetryAt time.Time) error

	// Discard terminally drops a message, keeping the row so duplicates of
	// the same event id stay rejected.
	Discard(ctx context.Context, eventID uuid.UUID, reason string) error

	// DeleteProcessedBefore removes up to limit terminal rows handled
	// before cutoff and returns how many were deleted.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
