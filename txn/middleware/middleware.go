// Package middleware composes unit-of-work behavior around request
// handlers as an explicit decorator chain built at startup. Nothing here
// intercepts attribute metadata or mutates handlers implicitly; what runs
// is exactly what was chained.
package middleware

import (
	"context"
	"errors"

	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/uow"
)

// ErrManagerRequired is returned when a middleware is built without a
// scope manager.
var ErrManagerRequired = errors.New("scope manager is required")

// Handler is one unit of request work.
type Handler func(ctx context.Context) error

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain composes middlewares so the first listed is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i](next)
			}
		}

		return next
	}
}

// Transactional wraps a handler in a unit-of-work scope of the given kind.
// The handler runs with the scope's context; a nil return commits and any
// error rolls back. Dispose always runs, so an abandoned scope cannot leak
// an open transaction.
func Transactional(manager *uow.Manager, kind uow.ScopeKind, opts ...uow.BeginOption) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context) error {
			if manager == nil {
				return ErrManagerRequired
			}

			scopeCtx, scope, err := manager.Begin(ctx, kind, opts...)
			if err != nil {
				return err
			}

			defer func() {
				_ = scope.Dispose(scopeCtx)
			}()

			if err := next(scopeCtx); err != nil {
				if rbErr := scope.Rollback(scopeCtx); rbErr != nil {
					return errors.Join(err, rbErr)
				}

				return err
			}

			return scope.Commit(scopeCtx)
		}
	}
}

// Prepared wraps a handler in a reserved unit of work that opens no
// transaction until the handler (or code it calls) initializes it by name.
func Prepared(manager *uow.Manager, name string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context) error {
			if manager == nil {
				return ErrManagerRequired
			}

			scopeCtx, scope, err := manager.Prepare(ctx, name)
			if err != nil {
				return err
			}

			defer func() {
				_ = scope.Dispose(scopeCtx)
			}()

			if err := next(scopeCtx); err != nil {
				if rbErr := scope.Rollback(scopeCtx); rbErr != nil {
					return errors.Join(err, rbErr)
				}

				return err
			}

			// A reservation nobody initialized has nothing to commit.
			if !scope.Coordinator().IsInitialized() {
				return nil
			}

			return scope.Commit(scopeCtx)
		}
	}
}

// Logging logs handler failures without wrapping them, useful as the
// outermost link of a chain.
func Logging(logger log.Logger, name string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context) error {
			err := next(ctx)
			if err != nil {
				logger.Log(ctx, log.LevelError, "handler failed",
					log.String("handler", name),
					log.Err(err),
				)
			}

			return err
		}
	}
}
