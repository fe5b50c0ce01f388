//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/outbox"
	"github.com/veridianlabs/lib-txn/txn/postgres"
)

const outboxDDL = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id            UUID PRIMARY KEY,
	event_name    TEXT NOT NULL,
	payload       JSONB NOT NULL,
	status        TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	lease_owner   TEXT,
	lease_expiry  TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	processed_at  TIMESTAMPTZ,
	metadata      JSONB
);
CREATE INDEX IF NOT EXISTS idx_outbox_messages_pending
	ON outbox_messages (next_retry_at) WHERE status = 'PENDING';
`

func setupStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("txn"),
		tcpostgres.WithUsername("txn"),
		tcpostgres.WithPassword("txn"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn := &postgres.Connection{
		ConnectionStringPrimary: dsn,
		PrimaryDBName:           "txn",
	}
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() { _ = conn.Close() })

	primary, err := conn.Primary(ctx)
	require.NoError(t, err)

	_, err = primary.ExecContext(ctx, outboxDDL)
	require.NoError(t, err)

	store, err := NewStore(conn)
	require.NoError(t, err)

	return store
}

func appendMessage(t *testing.T, store *Store, name string) *outbox.Message {
	t.Helper()

	env, err := event.New(name, "orders", []byte(`{"id":1}`))
	require.NoError(t, err)

	payload, err := event.NewJSONSerializer().Serialize(env)
	require.NoError(t, err)

	msg, err := outbox.NewMessage(env, payload)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), nil, msg))

	return msg
}

func TestStore_LeaseLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	msg := appendMessage(t, store, "order.created")

	leased, err := store.Lease(ctx, "worker-a", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, msg.ID, leased[0].ID)
	require.Equal(t, "worker-a", leased[0].LeaseOwner)
	require.Equal(t, outbox.StatusPending, leased[0].Status)
	require.JSONEq(t, string(msg.Payload), string(leased[0].Payload))
	require.Equal(t, "orders", leased[0].Channel())

	// The live lease excludes the row from other owners.
	blocked, err := store.Lease(ctx, "worker-b", 10, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, blocked)

	require.NoError(t, store.MarkProcessed(ctx, msg.ID, time.Now().UTC()))

	// Terminal rows are invisible to the lease query.
	after, err := store.Lease(ctx, "worker-a", 10, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, after)

	// Settling an already settled row reports not found.
	require.ErrorIs(t, store.MarkProcessed(ctx, msg.ID, time.Now().UTC()), outbox.ErrMessageNotFound)
}

func TestStore_RescheduleAndFail(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	msg := appendMessage(t, store, "order.created")

	_, err := store.Lease(ctx, "worker-a", 10, 30*time.Second)
	require.NoError(t, err)

	// Reschedule frees the lease but defers the next attempt.
	retryAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.Reschedule(ctx, msg.ID, "broker unavailable", retryAt))

	leased, err := store.Lease(ctx, "worker-b", 10, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, leased)

	require.NoError(t, store.MarkFailed(ctx, msg.ID, "retry budget exhausted"))
	require.ErrorIs(t, store.MarkFailed(ctx, msg.ID, "again"), outbox.ErrMessageNotFound)
}

func TestStore_RetentionCleanup(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	old := appendMessage(t, store, "order.created")
	fresh := appendMessage(t, store, "order.paid")

	require.NoError(t, store.MarkProcessed(ctx, old.ID, time.Now().UTC().Add(-100*time.Hour)))
	require.NoError(t, store.MarkProcessed(ctx, fresh.ID, time.Now().UTC()))

	deleted, err := store.DeleteProcessedBefore(ctx, time.Now().UTC().Add(-72*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	deleted, err = store.DeleteProcessedBefore(ctx, time.Now().UTC().Add(-72*time.Hour), 100)
	require.NoError(t, err)
	require.Zero(t, deleted)
}
