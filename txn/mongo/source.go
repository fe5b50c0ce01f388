package mongo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/uow"
)

var (
	// ErrSourceNotOpen is returned when a transactional operation runs on a
	// source before Begin.
	ErrSourceNotOpen = errors.New("mongo source is not open")

	// ErrSessionNotStarted is returned when the live session is requested
	// from a reserve source that was never escalated.
	ErrSessionNotStarted = errors.New("mongo source has no open session")
)

// Source enrolls a MongoDB database in a unit of work through a driver
// session. Multi-document transactions require a replica set or mongos.
// MongoDB has no SQL-style isolation levels, so the requested isolation is
// accepted and ignored.
type Source struct {
	conn   *Connection
	raiser *event.Raiser
	logger log.Logger

	mu      sync.Mutex
	session mongo.Session
	open    bool
}

var (
	_ uow.TransactionSource = (*Source)(nil)
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

// Begin opens the source. With opts.Transactional a session and transaction
// start immediately; otherwise the source stays a reserve until escalated.
func (s *Source) Begin(ctx context.Context, opts uow.SourceOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return uow.ErrAlreadyInitialized
	}

	if opts.Transactional {
		session, err := s.startTransaction(ctx)
		if err != nil {
			return err
		}

		s.session = session
	}

	s.open = true

	return nil
}

func (s *Source) startTransaction(ctx context.Context) (mongo.Session, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start mongo session: %w", err)
	}

	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)

		return nil, fmt.Errorf("start mongo transaction: %w", err)
	}

	return session, nil
}

// EnsureTransaction escalates a reserve source to a real transaction.
func (s *Source) EnsureTransaction(ctx context.Context, _ sql.IsolationLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrSourceNotOpen
	}

	if s.session != nil {
		return nil
	}

	session, err := s.startTransaction(ctx)
	if err != nil {
		return err
	}

	s.session = session

	return nil
}

// Context binds ctx to the live session so repository operations join the
// transaction.
func (s *Source) Context(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, ErrSourceNotOpen
	}

	if s.session == nil {
		return nil, ErrSessionNotStarted
	}

	return mongo.NewSessionContext(ctx, s.session), nil
}

// Raise records a domain event to be collected at commit time.
func (s *Source) Raise(env *event.Envelope) {
	s.raiser.Raise(env)
}

// CollectEvents drains events raised through this source.
func (s *Source) CollectEvents(_ context.Context) ([]*event.Envelope, error) {
	return s.raiser.Drain(), nil
}

// Commit commits the transaction and ends the session. A reserve source
// that never escalated commits trivially.
func (s *Source) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrSourceNotOpen
	}

	s.open = false

	if s.session == nil {
		return nil
	}

	session := s.session
	s.session = nil

	defer session.EndSession(ctx)

	if err := session.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("commit mongo transaction: %w", err)
	}

	return nil
}

// Rollback aborts the transaction and ends the session.
func (s *Source) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}

	s.open = false

	if s.session == nil {
		return nil
	}

	session := s.session
	s.session = nil

	defer session.EndSession(ctx)

	if err := session.AbortTransaction(ctx); err != nil {
		log.SafeError(s.logger, ctx, "mongo abort failed", err)

		return fmt.Errorf("abort mongo transaction: %w", err)
	}

	return nil
}
