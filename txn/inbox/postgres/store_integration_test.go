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
	"github.com/veridianlabs/lib-txn/txn/inbox"
	"github.com/veridianlabs/lib-txn/txn/postgres"
)

const inboxDDL = `
CREATE TABLE IF NOT EXISTS inbox_messages (
	event_id      UUID PRIMARY KEY,
	event_name    TEXT NOT NULL,
	payload       JSONB NOT NULL,
	status        TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	claim_owner   TEXT,
	claim_expiry  TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	handled_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_inbox_messages_pending
	ON inbox_messages (next_retry_at) WHERE status = 'PENDING';
`

type containerEnv struct {
	dsn string
}

func setupContainer(t *testing.T) *containerEnv {
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

	return &containerEnv{dsn: dsn}
}

func (e *containerEnv) openStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	conn := &postgres.Connection{
		ConnectionStringPrimary: e.dsn,
		PrimaryDBName:           "txn",
	}
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() { _ = conn.Close() })

	primary, err := conn.Primary(ctx)
	require.NoError(t, err)

	_, err = primary.ExecContext(ctx, inboxDDL)
	require.NoError(t, err)

	store, err := NewStore(conn)
	require.NoError(t, err)

	return store
}

func recordMessage(t *testing.T, store *Store, name string) *inbox.Message {
	t.Helper()

	env, err := event.New(name, "orders", []byte(`{"id":1}`))
	require.NoError(t, err)

	payload, err := event.NewJSONSerializer().Serialize(env)
	require.NoError(t, err)

	msg, err := inbox.NewMessage(env, payload)
	require.NoError(t, err)

	recorded, err := store.Record(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, recorded)

	return msg
}

func TestStore_ClaimLifecycle(t *testing.T) {
	env := setupContainer(t)
	store := env.openStore(t)
	ctx := context.Background()

	msg := recordMessage(t, store, "order.created")

	// Recording the same event id again is a no-op.
	duplicate, err := store.Record(ctx, msg)
	require.NoError(t, err)
	require.False(t, duplicate)

	claimed, err := store.Claim(ctx, "replica-a", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, msg.EventID, claimed[0].EventID)
	require.Equal(t, "replica-a", claimed[0].ClaimOwner)
	require.NotNil(t, claimed[0].ClaimExpiry)

	// The live claim excludes the row from other replicas.
	blocked, err := store.Claim(ctx, "replica-b", 10, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, blocked)

	// Reschedule releases the claim so the next due attempt is claimable.
	require.NoError(t, store.Reschedule(ctx, msg.EventID, "handler down", time.Now().UTC()))

	reclaimed, err := store.Claim(ctx, "replica-b", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, 1, reclaimed[0].RetryCount)
	require.Equal(t, "replica-b", reclaimed[0].ClaimOwner)

	claimed[0].Status = inbox.StatusProcessed
	require.NoError(t, store.MarkProcessed(ctx, claimed[0]))

	processed, err := store.HasProcessed(ctx, msg.EventID)
	require.NoError(t, err)
	require.True(t, processed)

	// Terminal rows are invisible to claimers.
	after, err := store.Claim(ctx, "replica-a", 10, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, after)
}

func TestStore_ProcessedSurvivesReconnect(t *testing.T) {
	env := setupContainer(t)
	store := env.openStore(t)
	ctx := context.Background()

	msg := recordMessage(t, store, "order.created")

	msg.Status = inbox.StatusProcessed
	require.NoError(t, store.MarkProcessed(ctx, msg))

	// A fresh connection over the same database must still see the event
	// as handled, as a restarted consumer would.
	reopened := env.openStore(t)

	processed, err := reopened.HasProcessed(ctx, msg.EventID)
	require.NoError(t, err)
	require.True(t, processed)

	recorded, err := reopened.Record(ctx, msg)
	require.NoError(t, err)
	require.False(t, recorded)
}

func TestStore_DiscardAndCleanup(t *testing.T) {
	env := setupContainer(t)
	store := env.openStore(t)
	ctx := context.Background()

	poisoned := recordMessage(t, store, "order.created")
	fresh := recordMessage(t, store, "order.paid")

	require.NoError(t, store.Discard(ctx, poisoned.EventID, "undecodable payload"))
	require.ErrorIs(t, store.Discard(ctx, poisoned.EventID, "again"), inbox.ErrMessageNotFound)

	fresh.Status = inbox.StatusProcessed
	require.NoError(t, store.MarkProcessed(ctx, fresh))

	// Only rows handled before the cutoff are purged.
	deleted, err := store.DeleteProcessedBefore(ctx, time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	deleted, err = store.DeleteProcessedBefore(ctx, time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)
	require.Zero(t, deleted)
}
