// Package postgres persists outbox messages in PostgreSQL. Lease
// acquisition is one conditional UPDATE, so replicated processors can poll
// the same table without double publishing.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/outbox"
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

	messageColumns = "id, event_name, payload, status, retry_count, last_error, " +
		"lease_owner, lease_expiry, next_retry_at, created_at, processed_at, metadata"
)

// Store is the PostgreSQL outbox.Store implementation.
type Store struct {
	conn      *postgres.Connection
	logger    log.Logger
	tableName string
}

var _ outbox.Store = (*Store)(nil)

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

// WithTableName overrides the outbox table name. The name may be schema
// qualified.
func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// NewStore creates a PostgreSQL outbox store.
func NewStore(conn *postgres.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: "outbox_messages",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.tableName = strings.TrimSpace(s.tableName)
	if s.tableName == "" {
		s.tableName = "outbox_messages"
	}

	if err := validateIdentifierPath(s.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return s, nil
}

// Append inserts messages inside tx. A nil tx falls back to the store's
// own connection, which forfeits atomicity with business writes.
func (s *Store) Append(ctx context.Context, tx outbox.Tx, msgs ...*outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	exec, err := s.execer(ctx, tx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "INSERT INTO " + table + " (" + messageColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"

	for _, msg := range msgs {
		if msg == nil {
			return outbox.ErrMessageRequired
		}

		metadata, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal outbox metadata: %w", err)
		}

		_, err = exec.ExecContext(ctx, query,
			msg.ID,
			msg.EventName,
			msg.Payload,
			string(msg.Status),
			msg.RetryCount,
			nullString(msg.LastError),
			nullString(msg.LeaseOwner),
			msg.LeaseExpiry,
			msg.NextRetryAt,
			msg.CreatedAt,
			msg.ProcessedAt,
			metadata,
		)
		if err != nil {
			return fmt.Errorf("insert outbox message %s: %w", msg.ID, err)
		}
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context, tx outbox.Tx) (execer, error) {
	if tx != nil {
		return tx, nil
	}

	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	return primary, nil
}

// Lease claims up to limit due pending messages for owner in one
// conditional UPDATE keyed on a subselect with SKIP LOCKED. Only rows with
// no live lease qualify, which is the mutual-exclusion guarantee replicated
// processors rely on.
func (s *Store) Lease(ctx context.Context, owner string, limit int, leaseFor time.Duration) ([]*outbox.Message, error) {
	if owner == "" {
		return nil, outbox.ErrLeaseOwnerRequired
	}

	if limit <= 0 {
		return nil, nil
	}

	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table + " SET lease_owner = $1, lease_expiry = $2" +
		" WHERE id IN (" +
		"SELECT id FROM " + table +
		" WHERE status = $3 AND next_retry_at <= $4" +
		" AND (lease_expiry IS NULL OR lease_expiry < $4)" +
		" ORDER BY created_at ASC LIMIT $5" +
		" FOR UPDATE SKIP LOCKED" +
		") RETURNING " + messageColumns

	now := time.Now().UTC()

	rows, err := primary.QueryContext(ctx, query,
		owner,
		now.Add(leaseFor),
		string(outbox.StatusPending),
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease outbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkProcessed records a successful publish and releases the lease.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table +
		" SET status = $1, processed_at = $2, lease_owner = NULL, lease_expiry = NULL, last_error = NULL" +
		" WHERE id = $3 AND status = $4"

	result, err := primary.ExecContext(ctx, query,
		string(outbox.StatusProcessed), processedAt, id, string(outbox.StatusPending))
	if err != nil {
		return fmt.Errorf("mark outbox message processed: %w", err)
	}

	return requireRow(result, id)
}

// Reschedule releases the lease and defers the next attempt.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table +
		" SET retry_count = retry_count + 1, last_error = $1, next_retry_at = $2," +
		" lease_owner = NULL, lease_expiry = NULL" +
		" WHERE id = $3 AND status = $4"

	result, err := primary.ExecContext(ctx, query,
		errMsg, nextRetryAt, id, string(outbox.StatusPending))
	if err != nil {
		return fmt.Errorf("reschedule outbox message: %w", err)
	}

	return requireRow(result, id)
}

// MarkFailed terminally fails a message.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	primary, err := s.conn.Primary(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(s.tableName)
	query := "UPDATE " + table +
		" SET status = $1, last_error = $2, lease_owner = NULL, lease_expiry = NULL" +
		" WHERE id = $3 AND status = $4"

	result, err := primary.ExecContext(ctx, query,
		string(outbox.StatusFailed), errMsg, id, string(outbox.StatusPending))
	if err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}

	return requireRow(result, id)
}

// DeleteProcessedBefore removes up to limit processed rows older than
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
	query := "DELETE FROM " + table + " WHERE id IN (" +
		"SELECT id FROM " + table +
		" WHERE status = $1 AND processed_at < $2" +
		" ORDER BY processed_at ASC LIMIT $3" +
		")"

	result, err := primary.ExecContext(ctx, query,
		string(outbox.StatusProcessed), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox messages: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted outbox messages: %w", err)
	}

	return deleted, nil
}

func scanMessages(rows *sql.Rows) ([]*outbox.Message, error) {
	var msgs []*outbox.Message

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return msgs, nil
}

func scanMessage(rows *sql.Rows) (*outbox.Message, error) {
	var (
		msg        outbox.Message
		status     string
		lastError  sql.NullString
		leaseOwner sql.NullString
		metadata   []byte
	)

	err := rows.Scan(
		&msg.ID,
		&msg.EventName,
		&msg.Payload,
		&status,
		&msg.RetryCount,
		&lastError,
		&leaseOwner,
		&msg.LeaseExpiry,
		&msg.NextRetryAt,
		&msg.CreatedAt,
		&msg.ProcessedAt,
		&metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox row: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	msg.Status = parsed
	msg.LastError = lastError.String
	msg.LeaseOwner = leaseOwner.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal outbox metadata: %w", err)
		}
	}

	return &msg, nil
}

func requireRow(result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected outbox rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrMessageNotFound, id)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
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
