package uow

import (
	"context"
	"sync"
)

// Scope is the handle through which callers observe a coordinator. An
// owner scope created the coordinator and may commit or roll it back; a
// participant scope joined an existing ambient coordinator and may only
// request abort. A suppressed scope references no coordinator at all.
type Scope struct {
	coordinator *Coordinator
	owner       bool
	suppressed  bool

	mu       sync.Mutex
	disposed bool
}

// Coordinator returns the underlying coordinator, nil for suppressed scopes.
func (s *Scope) Coordinator() *Coordinator {
	return s.coordinator
}

// IsOwner reports whether this scope may commit or roll back.
func (s *Scope) IsOwner() bool {
	return s.owner
}

// IsSuppressed reports whether this scope detached the ambient reference.
func (s *Scope) IsSuppressed() bool {
	return s.suppressed
}

func (s *Scope) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrScopeDisposed
	}

	return nil
}

// Commit completes the unit of work. For participants this is a no-op:
// only the owner's commit reaches the coordinator.
func (s *Scope) Commit(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	if s.suppressed || !s.owner {
		return nil
	}

	return s.coordinator.Commit(ctx)
}

// Rollback abandons the unit of work. The owner rolls the coordinator back
// directly; a participant sets Abort on the shared coordinator so the
// owner's later commit is refused.
func (s *Scope) Rollback(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	if s.suppressed {
		return nil
	}

	if !s.owner {
		s.coordinator.Abort()

		return nil
	}

	return s.coordinator.Rollback(ctx)
}

// SaveChanges flushes pending writes on the coordinator's sources without
// committing.
func (s *Scope) SaveChanges(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	if s.suppressed {
		return nil
	}

	return s.coordinator.SaveChanges(ctx)
}

// Initialize lazily opens the real transaction on a prepared coordinator.
// Only the owner of a reserved scope may initialize it.
func (s *Scope) Initialize(ctx context.Context, options Options) error {
	if err := s.guard(); err != nil {
		return err
	}

	if s.suppressed {
		return ErrCoordinatorRequired
	}

	if !s.owner {
		return ErrNotOwner
	}

	return s.coordinator.Initialize(ctx, options)
}

// Dispose releases the scope. An owner disposes its coordinator, rolling
// back an incomplete unit of work; a participant leaves the shared
// coordinator to its owner. Dispose is idempotent.
func (s *Scope) Dispose(ctx context.Context) error {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		return nil
	}

	s.disposed = true
	s.mu.Unlock()

	if s.suppressed || !s.owner {
		return nil
	}

	return s.coordinator.Dispose(ctx)
}
