// Package postgres persists inbox records in PostgreSQL. The event id is
// the primary key, so concurrent recording of one event converges on a
// single row via ON CONFLICT.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridianlabs/lib-txn/txn/inbox"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/postgres"
)

const maxSQLIdentifierLength = 63

var (
	// ErrConnectionRequired is returned when the store is built without a
	// connection.
	ErrConnectionRequired = errors.New("postgres connection is required")

	// ErrInvalidIdentifier is returned when a configured table name fails
	// identifier validation.
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	messageColumns = "event_id, event_name, payload, status, retry_count, " +
		"last_error, claim_owner, claim_expiry, next_retry_at, created_at, handled_at"
)

// Store is the PostgreSQL inbox.Store implementation.
type Store struct {
	conn      *postgres.Connection
	logger    log.Logger
	tableName string
}

var _ inbox.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithTableName overrides the inbox table name. The name may be schema
// qualified.
func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// NewStore creates a PostgreSQL inbox store.
func NewStore(conn *postgres.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: "inbox_messages",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.tableName = strings.TrimSpace(s.tableName)
	if s.tableName == "" {
		s.tableName = "inbox_messages"
	}

	if err := validateIdentifierPath(s.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return s, nil
}

// HasProcessed reports whether eventID has a processed row. Reads go
// through the resolver so replicas can serve them.
func (s *Store) HasProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	db, err := s.conn.DB(ctx)
	if err != nil {
		return false, err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "SELECT 1 FROM " + table + " WHERE event_id = $1 AND status = $2"

	var one int

	err = db.QueryRowContext(ctx, query, eventID, string(inbox.StatusProcessed)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("check inbox message: %w", err)
	}

	return true, nil
}

// MarkProcessed upserts msg as processed on the event id key.
func (s *Store) MarkProcessed(ctx context.Context, msg *inbox.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	table := quoteIdentifierPath(s.tableName)
	query := "INSERT INTO " + table + " (" + messageColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, NULL, NULL, NULL, $6, $7, $8)" +
		" ON CONFLICT (event_id) DO UPDATE" +
		" SET status = EXCLUDED.status, handled_at = EXCLUDED.handled_at," +
		" last_error = NULL, claim_owner = NULL, claim_expiry = NULL"

	_, err = primary.ExecContext(ctx, query,
		msg.EventID,
		msg.EventName,
		msg.Payload,
		string(inbox.StatusProcessed),
		msg.RetryCount,
		now,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("mark inbox message processed: %w", err)
	}

	return nil
}

// Record inserts msg as pending, returning false when the event id exists.
func (s *Store) Record(ctx context.Context, msg *inbox.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}

	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return false, err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "INSERT INTO " + table + " (" + messageColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, NULL, NULL, NULL, $6, $7, NULL)" +
		" ON CONFLICT (event_id) DO NOTHING"

	result, err := primary.ExecContext(ctx, query,
		msg.EventID,
		msg.EventName,
		msg.Payload,
		string(inbox.StatusPending),
		msg.RetryCount,
		msg.NextRetryAt,
		msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record inbox message: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count recorded inbox rows: %w", err)
	}

	return inserted > 0, nil
}

// Claim atomically assigns up to limit due pending messages to owner,
// oldest first. The conditional update only touches rows with no claim or
// an expired one, and SKIP LOCKED keeps concurrent claimers from blocking
// on each other, so the claim outlives the statement and excludes other
// replicas until it expires or the row is settled.
func (s *Store) Claim(ctx context.Context, owner string, limit int, claimFor time.Duration) ([]*inbox.Message, error) {
	if owner == "" {
		return nil, inbox.ErrClaimOwnerRequired
	}

	if limit <= 0 {
		return nil, nil
	}

	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table + " SET claim_owner = $1, claim_expiry = $2" +
		" WHERE event_id IN (" +
		"SELECT event_id FROM " + table +
		" WHERE status = $3 AND next_retry_at <= $4" +
		" AND (claim_expiry IS NULL OR claim_expiry < $4)" +
		" ORDER BY created_at ASC LIMIT $5" +
		" FOR UPDATE SKIP LOCKED" +
		") RETURNING " + messageColumns

	now := time.Now().UTC()

	rows, err := primary.QueryContext(ctx, query,
		owner,
		now.Add(claimFor),
		string(inbox.StatusPending),
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim inbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Reschedule bumps the retry count and next attempt time of a pending row
// and releases its claim.
func (s *Store) Reschedule(ctx context.Context, eventID uuid.UUID, lastError string, nextRetryAt time.Time) error {
	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table +
		" SET retry_count = retry_count + 1, last_error = $1, next_retry_at = $2," +
		" claim_owner = NULL, claim_expiry = NULL" +
		" WHERE event_id = $3 AND status = $4"

	result, err := primary.ExecContext(ctx, query,
		lastError, nextRetryAt, eventID, string(inbox.StatusPending))
	if err != nil {
		return fmt.Errorf("reschedule inbox message: %w", err)
	}

	return requireRow(result, eventID)
}

// Discard terminally drops a pending row while keeping it for duplicate
// rejection.
func (s *Store) Discard(ctx context.Context, eventID uuid.UUID, reason string) error {
	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table +
		" SET status = $1, last_error = $2, handled_at = $3," +
		" claim_owner = NULL, claim_expiry = NULL" +
		" WHERE event_id = $4 AND status = $5"

	result, err := primary.ExecContext(ctx, query,
		string(inbox.StatusDiscarded), reason, time.Now().UTC(), eventID, string(inbox.StatusPending))
	if err != nil {
		return fmt.Errorf("discard inbox message: %w", err)
	}

	return requireRow(result, eventID)
}

// DeleteProcessedBefore removes up to limit terminal rows handled before
// cutoff.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return 0, err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "DELETE FROM " + table + " WHERE event_id IN (" +
		"SELECT event_id FROM " + table +
		" WHERE status IN ($1, $2) AND handled_at < $3" +
		" ORDER BY handled_at ASC LIMIT $4" +
		")"

	result, err := primary.ExecContext(ctx, query,
		string(inbox.StatusProcessed), string(inbox.StatusDiscarded), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete processed inbox messages: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted inbox messages: %w", err)
	}

	return deleted, nil
}

func scanMessages(rows *sql.Rows) ([]*inbox.Message, error) {
	var msgs []*inbox.Message

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox rows: %w", err)
	}

	return msgs, nil
}

func scanMessage(rows *sql.Rows) (*inbox.Message, error) {
	var (
		msg        inbox.Message
		status     string
		lastError  sql.NullString
		claimOwner sql.NullString
	)

	err := rows.Scan(
		&msg.EventID,
		&msg.EventName,
		&msg.Payload,
		&status,
		&msg.RetryCount,
		&lastError,
		&claimOwner,
		&msg.ClaimExpiry,
		&msg.NextRetryAt,
		&msg.CreatedAt,
		&msg.HandledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan inbox row: %w", err)
	}

	parsed, err := inbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	msg.Status = parsed
	msg.LastError = lastError.String
	msg.ClaimOwner = claimOwner.String

	return &msg, nil
}

func requireRow(result sql.Result, eventID uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected inbox rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", inbox.ErrMessageNotFound, eventID)
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, `"`+strings.TrimSpace(part)+`"`)
	}

	return strings.Join(quoted, ".")
}
