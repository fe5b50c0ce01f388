//go:build unit

package inbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/lib-txn/txn/event"
)

func inboundEnvelope(t *testing.T, name string) (*event.Envelope, []byte) {
	t.Helper()

	env, err := event.New(name, "orders", []byte(`{"id":1}`))
	require.NoError(t, err)

	payload, err := event.NewJSONSerializer().Serialize(env)
	require.NoError(t, err)

	return env, payload
}

func TestNewGate_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewGate(nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestGate_HandleOncePerEventID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gate, err := NewGate(store)
	require.NoError(t, err)

	env, payload := inboundEnvelope(t, "order.created")

	calls := 0
	handler := func(context.Context, *event.Envelope) error {
		calls++

		return nil
	}

	require.NoError(t, gate.Handle(context.Background(), env, payload, handler))
	require.Equal(t, 1, calls)

	seen, err := store.HasProcessed(context.Background(), env.ID)
	require.NoError(t, err)
	require.True(t, seen)

	// Redelivery of the same event id never reaches the handler.
	require.NoError(t, gate.Handle(context.Background(), env, payload, handler))
	require.Equal(t, 1, calls)
}

func TestGate_HandlerFailureLeavesEventRedeliverable(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gate, err := NewGate(store)
	require.NoError(t, err)

	env, payload := inboundEnvelope(t, "order.created")
	handlerErr := errors.New("downstream rejected")

	err = gate.Handle(context.Background(), env, payload, func(context.Context, *event.Envelope) error {
		return handlerErr
	})
	require.ErrorIs(t, err, handlerErr)

	seen, err := store.HasProcessed(context.Background(), env.ID)
	require.NoError(t, err)
	require.False(t, seen)

	// The retried delivery succeeds and is recorded.
	require.NoError(t, gate.Handle(context.Background(), env, payload, func(context.Context, *event.Envelope) error {
		return nil
	}))

	seen, err = store.HasProcessed(context.Background(), env.ID)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestGate_HandleValidation(t *testing.T) {
	t.Parallel()

	gate, err := NewGate(NewMemoryStore())
	require.NoError(t, err)

	noop := func(context.Context, *event.Envelope) error { return nil }

	require.ErrorIs(t, gate.Handle(context.Background(), nil, nil, noop), ErrMessageRequired)

	env, payload := inboundEnvelope(t, "order.created")
	require.ErrorIs(t, gate.Handle(context.Background(), env, payload, nil), ErrHandlerRequired)
}

func TestGate_DeferRecordsOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gate, err := NewGate(store)
	require.NoError(t, err)

	env, payload := inboundEnvelope(t, "order.created")

	recorded, err := gate.Defer(context.Background(), env, payload)
	require.NoError(t, err)
	require.True(t, recorded)

	row, ok := store.Get(env.ID)
	require.True(t, ok)
	require.Equal(t, StatusPending, row.Status)

	// The duplicate delivery is absorbed without touching the first row.
	recorded, err = gate.Defer(context.Background(), env, payload)
	require.NoError(t, err)
	require.False(t, recorded)
}
