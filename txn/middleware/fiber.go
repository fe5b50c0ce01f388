package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/veridianlabs/lib-txn/txn/uow"
)

// WithUnitOfWork creates a fiber middleware that runs each request inside a
// unit-of-work scope. A handler error or a 5xx response rolls the scope
// back; anything else commits.
func WithUnitOfWork(manager *uow.Manager, kind uow.ScopeKind, opts ...uow.BeginOption) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if manager == nil {
			return ErrManagerRequired
		}

		scopeCtx, scope, err := manager.Begin(c.UserContext(), kind, opts...)
		if err != nil {
			return err
		}

		defer func() {
			_ = scope.Dispose(scopeCtx)
		}()

		c.SetUserContext(scopeCtx)

		if err := c.Next(); err != nil {
			if rbErr := scope.Rollback(scopeCtx); rbErr != nil {
				return errors.Join(err, rbErr)
			}

			return err
		}

		if c.Response().StatusCode() >= fiber.StatusInternalServerError {
			return scope.Rollback(scopeCtx)
		}

		return scope.Commit(scopeCtx)
	}
}

// WithPreparedUnitOfWork creates a fiber middleware that reserves a named
// unit of work for the request without opening a transaction. Handlers that
// mutate state initialize it through the manager; read-only requests never
// pay for a connection.
func WithPreparedUnitOfWork(manager *uow.Manager, name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if manager == nil {
			return ErrManagerRequired
		}

		scopeCtx, scope, err := manager.Prepare(c.UserContext(), name)
		if err != nil {
			return err
		}

		defer func() {
			_ = scope.Dispose(scopeCtx)
		}()

		c.SetUserContext(scopeCtx)

		if err := c.Next(); err != nil {
			if rbErr := scope.Rollback(scopeCtx); rbErr != nil {
				return errors.Join(err, rbErr)
			}

			return err
		}

		if !scope.Coordinator().IsInitialized() {
			return nil
		}

		if c.Response().StatusCode() >= fiber.StatusInternalServerError {
			return scope.Rollback(scopeCtx)
		}

		return scope.Commit(scopeCtx)
	}
}
