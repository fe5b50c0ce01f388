package uow

import (
	"context"
	"database/sql"

	"github.com/veridianlabs/lib-txn/txn/event"
)

// SourceOptions carries the per-source view of the coordinator options at
// Begin time.
type SourceOptions struct {
	// Transactional controls whether the source opens a real local
	// transaction or a plain session (a "reserve" used for pure reads).
	Transactional bool
	// Isolation is the requested isolation level; sql.LevelDefault leaves
	// the backing resource's default in place.
	Isolation sql.IsolationLevel
}

// TransactionSource is one independently transactional backing resource
// enrolled in a unit of work. Implementations live next to their drivers
// (postgres, mongo); the coordinator only sequences them.
type TransactionSource interface {
	Begin(ctx context.Context, opts SourceOptions) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Flusher is an optional source capability: push pending writes to the
// backing resource without committing, so generated identifiers become
// visible to later statements in the same transaction.
type Flusher interface {
	SaveChanges(ctx context.Context) error
}

// EventCollector is an optional source capability: surface domain events
// raised through this source during the unit of work. Collected events are
// snapshotted before any source commits.
type EventCollector interface {
	CollectEvents(ctx context.Context) ([]*event.Envelope, error)
}

// Escalator is an optional source capability: upgrade an open
// non-transactional session to a real transaction without reopening it.
type Escalator interface {
	EnsureTransaction(ctx context.Context, isolation sql.IsolationLevel) error
}

// SourceAs returns the first registered source implementing T. It lets
// collaborators (such as the outbox dispatcher) reach source capabilities
// without the coordinator knowing about them.
func SourceAs[T any](c *Coordinator) (T, bool) {
	var zero T

	if c == nil {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, source := range c.sources {
		if typed, ok := source.(T); ok {
			return typed, true
		}
	}

	return zero, false
}
