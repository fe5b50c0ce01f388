package redis

import (
	"context"
	"time"

	"github.com/veridianlabs/lib-txn/txn/inbox"
)

// CleanupLocker adapts the manager to the inbox processor's lock contract.
func (m *LockManager) CleanupLocker() inbox.Locker {
	return lockerAdapter{manager: m}
}

type lockerAdapter struct {
	manager *LockManager
}

func (a lockerAdapter) TryLock(ctx context.Context, key string, ttl time.Duration) (inbox.Unlocker, bool, error) {
	handle, acquired, err := a.manager.TryLock(ctx, key, ttl)
	if handle == nil {
		return nil, acquired, err
	}

	return handle, acquired, err
}
