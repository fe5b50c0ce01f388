package uow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned when commit or flush runs before Initialize.
	ErrNotInitialized = errors.New("unit of work is not initialized")
	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("unit of work is already initialized")
	// ErrCommitAfterAbort is returned when commit is attempted on an aborted coordinator.
	ErrCommitAfterAbort = errors.New("unit of work was aborted; commit refused")
	// ErrCompleted is returned when an operation runs on a completed coordinator.
	ErrCompleted = errors.New("unit of work is already completed")
	// ErrDisposed is returned when an operation runs on a disposed coordinator.
	ErrDisposed = errors.New("unit of work is disposed")
	// ErrCoordinatorRequired is returned when a nil coordinator is supplied.
	ErrCoordinatorRequired = errors.New("coordinator is required")
	// ErrSourceRequired is returned when a nil transaction source is registered.
	ErrSourceRequired = errors.New("transaction source is required")
	// ErrFactoryRequired is returned when a Manager is built without a coordinator factory.
	ErrFactoryRequired = errors.New("coordinator factory is required")
	// ErrEscalationUnsupported is returned when EnsureTransaction meets a
	// source that cannot upgrade an open non-transactional session.
	ErrEscalationUnsupported = errors.New("transaction source does not support escalation")
	// ErrPreparationNameRequired is returned when Prepare is called with an empty name.
	ErrPreparationNameRequired = errors.New("preparation name is required")
	// ErrPreparationNotFound is returned when no reserved unit of work
	// matching the requested preparation name is in scope.
	ErrPreparationNotFound = errors.New("no reserved unit of work with that preparation name")
	// ErrScopeDisposed is returned when a disposed scope handle is used.
	ErrScopeDisposed = errors.New("scope is disposed")
	// ErrNotOwner is returned when a participant scope attempts an owner-only operation.
	ErrNotOwner = errors.New("scope does not own the unit of work")
)

// RollbackError aggregates per-source rollback failures into a single
// surfaced error instead of stopping at the first failure.
type RollbackError struct {
	Errs []error
}

// Error returns the aggregate rollback failure description.
func (e *RollbackError) Error() string {
	if e == nil || len(e.Errs) == 0 {
		return "rollback failed"
	}

	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}

	return fmt.Sprintf("rollback failed for %d source(s): %s", len(e.Errs), strings.Join(parts, "; "))
}

// Unwrap exposes the per-source failures to errors.Is / errors.As.
func (e *RollbackError) Unwrap() []error {
	if e == nil {
		return nil
	}

	return e.Errs
}
