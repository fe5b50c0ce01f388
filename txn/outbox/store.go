package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by Append.
//
// It intentionally aliases *sql.Tx so outbox writes run inside the
// caller's open business transaction without a hidden adapter layer. A nil
// Tx appends through the store's own connection, which forfeits atomicity
// with business writes.
type Tx = *sql.Tx

// TxProvider is implemented by transaction sources that can expose their
// live transaction to the outbox. The dispatcher resolves it through
// uow.SourceAs to stage events atomically with business writes.
type TxProvider interface {
	OutboxTx(ctx context.Context) (Tx, error)
}

// Store defines persistence operations for outbox messages. All mutations
// after Append are owned by the Processor.
type Store interface {
	// Append persists messages inside the given transaction.
	Append(ctx context.Context, tx Tx, msgs ...*Message) error

	// Lease conditionally claims up to limit pending, due messages for
	// owner, setting lease owner and expiry only where no live lease
	// exists. The conditional write is what allows replicated processors
	// to run concurrently without double publishing.
	Lease(ctx context.Context, owner string, limit int, leaseFor time.Duration) ([]*Message, error)

	// MarkProcessed records a successful publish.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// Reschedule releases the lease, increments the retry count, records
	// the error, and defers the next attempt to nextRetryAt.
	Reschedule(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error

	// MarkFailed terminally fails a message; it will never be leased again.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// DeleteProcessedBefore removes processed messages older than cutoff,
	// at most limit rows, returning the number deleted. Bounded batches
	// keep retention deletes short.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
