package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/uow"
)

var (
	// ErrSourceNotOpen is returned when a transactional operation runs on a
	// source before Begin.
	ErrSourceNotOpen = errors.New("postgres source is not open")

	// ErrTxNotStarted is returned when the live transaction is requested
	// from a reserve source that was never escalated.
	ErrTxNotStarted = errors.New("postgres source has no open transaction")
)

// DeferredWrite is a write queued on the source and executed against the
// live transaction when SaveChanges or Commit flushes the queue.
type DeferredWrite func(ctx context.Context, tx *sql.Tx) error

// Source enrolls a PostgreSQL database in a unit of work. A transactional
// Begin opens a real transaction on the primary; a reserve Begin opens
// nothing until EnsureTransaction escalates it. Repositories either execute
// against Tx directly or queue DeferredWrites flushed on SaveChanges.
type Source struct {
	conn   *Connection
	raiser *event.Raiser
	logger log.Logger

	mu        sync.Mutex
	tx        *sql.Tx
	open      bool
	isolation sql.IsolationLevel
	pending   []DeferredWrite
}

// Compile-time capability checks.
var (
	_ uow.TransactionSource = (*Source)(nil)
	_ uow.Flusher           = (*Source)(nil)
	_ uow.EventCollector    = (*Source)(nil)
	_ uow.Escalator         = (*Source)(nil)
)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithSourceLogger sets the source logger.
func WithSourceLogger(logger log.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSource builds a Source over conn.
func NewSource(conn *Connection, opts ...SourceOption) (*Source, error) {
	if conn == nil {
		return nil, ErrNotConnected
	}

	s := &Source{
		conn:   conn,
		raiser: &event.Raiser{},
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Begin opens the source. With opts.Transactional a real transaction starts
// immediately; otherwise the source stays a reserve until escalated.
func (s *Source) Begin(ctx context.Context, opts uow.SourceOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return uow.ErrAlreadyInitialized
	}

	s.isolation = opts.Isolation

	if opts.Transactional {
		tx, err := s.beginTx(ctx, opts.Isolation)
		if err != nil {
			return err
		}

		s.tx = tx
	}

	s.open = true

	return nil
}

func (s *Source) beginTx(ctx context.Context, isolation sql.IsolationLevel) (*sql.Tx, error) {
	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := primary.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return nil, fmt.Errorf("begin postgres transaction: %w", err)
	}

	return tx, nil
}

// EnsureTransaction escalates a reserve source to a real transaction. It is
// a no-op when one is already open.
func (s *Source) EnsureTransaction(ctx context.Context, isolation sql.IsolationLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrSourceNotOpen
	}

	if s.tx != nil {
		return nil
	}

	if isolation == sql.LevelDefault {
		isolation = s.isolation
	}

	tx, err := s.beginTx(ctx, isolation)
	if err != nil {
		return err
	}

	s.tx = tx

	return nil
}

// Defer queues a write to run inside the transaction at the next flush.
func (s *Source) Defer(write DeferredWrite) {
	if write == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, write)
}

// SaveChanges flushes queued writes into the live transaction without
// committing, making their effects visible to later statements.
func (s *Source) SaveChanges(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked(ctx)
}

func (s *Source) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	if s.tx == nil {
		return ErrTxNotStarted
	}

	queued := s.pending
	s.pending = nil

	for _, write := range queued {
		if err := write(ctx, s.tx); err != nil {
			return fmt.Errorf("flush deferred write: %w", err)
		}
	}

	return nil
}

// Raise records a domain event to be collected at commit time.
func (s *Source) Raise(env *event.Envelope) {
	s.raiser.Raise(env)
}

// CollectEvents drains events raised through this source.
func (s *Source) CollectEvents(_ context.Context) ([]*event.Envelope, error) {
	return s.raiser.Drain(), nil
}

// Tx returns the live transaction.
func (s *Source) Tx() (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, ErrSourceNotOpen
	}

	if s.tx == nil {
		return nil, ErrTxNotStarted
	}

	return s.tx, nil
}

// OutboxTx exposes the live transaction to the outbox staging path.
func (s *Source) OutboxTx(_ context.Context) (*sql.Tx, error) {
	return s.Tx()
}

// Commit flushes queued writes and commits the transaction. A reserve
// source that never escalated commits trivially.
func (s *Source) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrSourceNotOpen
	}

	if err := s.flushLocked(ctx); err != nil {
		return err
	}

	if s.tx == nil {
		s.open = false

		return nil
	}

	err := s.tx.Commit()
	s.tx = nil
	s.open = false

	if err != nil {
		return fmt.Errorf("commit postgres transaction: %w", err)
	}

	return nil
}

// Rollback discards queued writes and rolls back the transaction.
func (s *Source) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = nil

	if !s.open {
		return nil
	}

	s.open = false

	if s.tx == nil {
		return nil
	}

	err := s.tx.Rollback()
	s.tx = nil

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.SafeError(s.logger, ctx, "postgres rollback failed", err)

		return fmt.Errorf("rollback postgres transaction: %w", err)
	}

	return nil
}
