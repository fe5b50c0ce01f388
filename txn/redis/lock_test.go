//go:build unit

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T) *LockManager {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager, err := NewLockManager(NewConnectionWithClient(client))
	require.NoError(t, err)

	return manager
}

func TestNewLockManager_RequiresConnection(t *testing.T) {
	t.Parallel()

	_, err := NewLockManager(nil)
	require.ErrorIs(t, err, ErrNilClient)
}

func TestLockManager_TryLockMutualExclusion(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := manager.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotNil(t, handle)

	// A second contender is refused without error.
	second, acquired, err := manager.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Nil(t, second)

	// A different key is independent.
	other, acquired, err := manager.TryLock(ctx, "outbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, other.Unlock(ctx))

	// Releasing frees the key for the next contender.
	require.NoError(t, handle.Unlock(ctx))

	handle, acquired, err = manager.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, handle.Unlock(ctx))
}

func TestLockManager_TryLockValidation(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)

	_, _, err := manager.TryLock(context.Background(), "  ", time.Minute)
	require.ErrorIs(t, err, ErrEmptyLockKey)
}

func TestLockManager_DoubleUnlock(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := manager.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, handle.Unlock(ctx))
	require.ErrorIs(t, handle.Unlock(ctx), ErrLockNotHeld)

	var nilHandle *LockHandle
	require.ErrorIs(t, nilHandle.Unlock(ctx), ErrLockNotHeld)
}

func TestLockManager_WithLock(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)
	ctx := context.Background()

	ran := false

	err := manager.WithLock(ctx, "inbox:cleanup", time.Minute, func(context.Context) error {
		ran = true

		// The lock is held while fn runs.
		_, acquired, err := manager.TryLock(ctx, "inbox:cleanup", time.Minute)
		require.NoError(t, err)
		require.False(t, acquired)

		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// Released on return.
	handle, acquired, err := manager.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, handle.Unlock(ctx))

	require.ErrorIs(t, manager.WithLock(ctx, "inbox:cleanup", time.Minute, nil), ErrNilLockFn)

	fnErr := errors.New("cleanup failed")
	require.ErrorIs(t, manager.WithLock(ctx, "inbox:cleanup", time.Minute, func(context.Context) error {
		return fnErr
	}), fnErr)
}

func TestCleanupLocker_AdaptsForInbox(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)
	locker := manager.CleanupLocker()
	ctx := context.Background()

	unlocker, acquired, err := locker.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotNil(t, unlocker)

	_, acquired, err = locker.TryLock(ctx, "inbox:cleanup", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, unlocker.Unlock(ctx))
}
