//go:build unit

package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/lib-txn/txn/postgres"
)

func TestNewStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	conn := &postgres.Connection{}

	store, err := NewStore(conn)
	require.NoError(t, err)
	require.Equal(t, "inbox_messages", store.tableName)

	store, err = NewStore(conn, WithTableName("events.inbox_messages"))
	require.NoError(t, err)
	require.Equal(t, "events.inbox_messages", store.tableName)

	_, err = NewStore(conn, WithTableName("inbox;delete"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}
