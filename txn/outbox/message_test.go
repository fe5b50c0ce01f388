//go:build unit

package outbox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/lib-txn/txn/event"
)

func TestNewMessage(t *testing.T) {
	t.Parallel()

	env, err := event.New("order.created", "orders", []byte(`{"id":1}`),
		event.WithSubject("order.1"),
		event.WithMetadata(map[string]string{"tenant": "acme"}),
	)
	require.NoError(t, err)

	payload, err := event.NewJSONSerializer().Serialize(env)
	require.NoError(t, err)

	msg, err := NewMessage(env, payload)
	require.NoError(t, err)

	require.Equal(t, env.ID, msg.ID)
	require.Equal(t, "order.created", msg.EventName)
	require.Equal(t, StatusPending, msg.Status)
	require.Zero(t, msg.RetryCount)
	require.False(t, msg.CreatedAt.IsZero())
	require.Equal(t, "orders", msg.Channel())
	require.Equal(t, "order.1", msg.Metadata["subject"])
	require.Equal(t, "acme", msg.Metadata["tenant"])
}

func TestNewMessage_Validation(t *testing.T) {
	t.Parallel()

	env, err := event.New("order.created", "orders", []byte(`{}`))
	require.NoError(t, err)

	_, err = NewMessage(nil, []byte(`{}`))
	require.ErrorIs(t, err, event.ErrEnvelopeRequired)

	_, err = NewMessage(env, nil)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = NewMessage(env, []byte(`broken`))
	require.ErrorIs(t, err, event.ErrPayloadNotJSON)

	huge := bytes.Repeat([]byte("a"), DefaultMaxPayloadBytes)
	_, err = NewMessage(env, append([]byte(`{"x":"`), append(huge, '"', '}')...))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus("PENDING")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	_, err = ParseStatus("pending")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	require.True(t, StatusPending.CanTransitionTo(StatusProcessed))
	require.True(t, StatusPending.CanTransitionTo(StatusFailed))
	require.True(t, StatusPending.CanTransitionTo(StatusPending))

	// Processed and failed are terminal.
	require.False(t, StatusProcessed.CanTransitionTo(StatusPending))
	require.False(t, StatusFailed.CanTransitionTo(StatusPending))
	require.False(t, Status("UNKNOWN").CanTransitionTo(StatusPending))
}
