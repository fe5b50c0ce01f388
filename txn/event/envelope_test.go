//go:build unit

package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New("", "orders", []byte(`{}`))
	require.ErrorIs(t, err, ErrNameRequired)

	_, err = New("order.created", "  ", []byte(`{}`))
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = New("order.created", "orders", nil)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = New("order.created", "orders", []byte(`{not json`))
	require.ErrorIs(t, err, ErrPayloadNotJSON)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	env, err := New(" order.created ", "orders", []byte(`{"id":1}`))
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, env.ID)
	require.Equal(t, "order.created", env.Name)
	require.Equal(t, "orders", env.Channel)
	require.Equal(t, 1, env.Version)
	require.False(t, env.OccurredAt.IsZero())
	require.Equal(t, time.UTC, env.OccurredAt.Location())
}

func TestNew_Options(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	env, err := New("order.created", "orders", []byte(`{"id":1}`),
		WithID(id),
		WithVersion(3),
		WithSubject(" order.42 "),
		WithSchema("orders/v3"),
		WithMetadata(map[string]string{"tenant": "acme"}),
		WithOccurredAt(at),
	)
	require.NoError(t, err)

	require.Equal(t, id, env.ID)
	require.Equal(t, 3, env.Version)
	require.Equal(t, "order.42", env.Subject)
	require.Equal(t, "orders/v3", env.Schema)
	require.Equal(t, "acme", env.Metadata["tenant"])
	require.Equal(t, at, env.OccurredAt)
}

func TestNew_NonPositiveVersionNormalized(t *testing.T) {
	t.Parallel()

	env, err := New("order.created", "orders", []byte(`{}`), WithVersion(-2))
	require.NoError(t, err)
	require.Equal(t, 1, env.Version)
}

func TestMarshal_EncodesBody(t *testing.T) {
	t.Parallel()

	env, err := Marshal("order.created", "orders", map[string]int{"id": 42})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":42}`, string(env.Payload))

	_, err = Marshal("order.created", "orders", func() {})
	require.Error(t, err)
}

func TestJSONSerializer_RoundTrip(t *testing.T) {
	t.Parallel()

	serializer := NewJSONSerializer()

	env, err := New("order.created", "orders",
		[]byte(`{"id":7}`),
		WithSubject("order.7"),
		WithMetadata(map[string]string{"trace": "abc"}),
	)
	require.NoError(t, err)

	data, err := serializer.Serialize(env)
	require.NoError(t, err)

	decoded, err := serializer.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, env.ID, decoded.ID)
	require.Equal(t, env.Name, decoded.Name)
	require.Equal(t, env.Subject, decoded.Subject)
	require.Equal(t, env.Metadata, decoded.Metadata)
	require.JSONEq(t, string(env.Payload), string(decoded.Payload))
	require.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
}

func TestJSONSerializer_Errors(t *testing.T) {
	t.Parallel()

	serializer := NewJSONSerializer()

	_, err := serializer.Serialize(nil)
	require.ErrorIs(t, err, ErrEnvelopeRequired)

	_, err = serializer.Deserialize(nil)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = serializer.Deserialize([]byte(`not json`))
	require.Error(t, err)
}
