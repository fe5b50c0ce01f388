//go:build unit

package uow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContext_Empty(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(context.Background())
	require.False(t, ok)
}

func TestContextWithCurrent_RoundTrip(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(WithSources(&fakeSource{name: "a", journal: &journal{}}))
	ctx := ContextWithCurrent(context.Background(), coord)

	ambient, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, coord, ambient)
}

func TestDetach_HidesAmbientWithoutTouchingParent(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(WithSources(&fakeSource{name: "a", journal: &journal{}}))
	parent := ContextWithCurrent(context.Background(), coord)
	detached := Detach(parent)

	_, ok := FromContext(detached)
	require.False(t, ok)

	ambient, ok := FromContext(parent)
	require.True(t, ok)
	require.Same(t, coord, ambient)
}

func TestAmbient_SiblingContextsAreIsolated(t *testing.T) {
	t.Parallel()

	base := context.Background()
	first := NewCoordinator(WithSources(&fakeSource{name: "a", journal: &journal{}}))
	second := NewCoordinator(WithSources(&fakeSource{name: "b", journal: &journal{}}))

	ctxA := ContextWithCurrent(base, first)
	ctxB := ContextWithCurrent(base, second)

	ambientA, ok := FromContext(ctxA)
	require.True(t, ok)
	require.Same(t, first, ambientA)

	ambientB, ok := FromContext(ctxB)
	require.True(t, ok)
	require.Same(t, second, ambientB)

	_, ok = FromContext(base)
	require.False(t, ok)
}
