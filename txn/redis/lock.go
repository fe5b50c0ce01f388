package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/veridianlabs/lib-txn/txn/log"
)

const defaultLockExpiry = 10 * time.Second

var (
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrLockNotHeld is returned when unlock finds the lock no longer held.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
)

// clientPool adapts the connection to the redsync pool interface, resolving
// the latest client per operation so the pool survives reconnections.
type clientPool struct {
	conn *Connection
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	client, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(client).Get(ctx)
}

// LockManager provides distributed mutual exclusion over Redis. The inbox
// cleanup loop uses TryLock so exactly one replica runs retention at a time.
type LockManager struct {
	redsync *redsync.Redsync
	logger  log.Logger
}

// LockManagerOption configures a LockManager.
type LockManagerOption func(*LockManager)

// WithLockLogger sets the lock manager logger.
func WithLockLogger(logger log.Logger) LockManagerOption {
	return func(m *LockManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewLockManager builds a lock manager over conn.
func NewLockManager(conn *Connection, opts ...LockManagerOption) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	m := &LockManager{
		redsync: redsync.New(&clientPool{conn: conn}),
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// LockHandle is a held lock.
type LockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

// Unlock releases the lock.
func (h *LockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrLockNotHeld
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		// redsync reports an expired or stolen lock as an unlock error,
		// not via ok=false.
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return ErrLockNotHeld
		}

		return fmt.Errorf("release lock: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

// TryLock attempts to acquire key without retrying. It returns false when
// another holder owns the lock.
func (m *LockManager) TryLock(ctx context.Context, key string, ttl time.Duration) (*LockHandle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if ttl <= 0 {
		ttl = defaultLockExpiry
	}

	mutex := m.redsync.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return &LockHandle{mutex: mutex, logger: m.logger}, true, nil
}

// WithLock runs fn while holding key, releasing the lock on return.
func (m *LockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}

	handle, acquired, err := m.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}

	if !acquired {
		return fmt.Errorf("acquire lock %s: %w", key, redsync.ErrFailed)
	}

	defer func() {
		if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Log(ctx, log.LevelError, "failed to release lock",
				log.String("lock_key", key), log.Err(err))
		}
	}()

	return fn(ctx)
}
