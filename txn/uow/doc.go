// Package uow implements the unit-of-work coordinator: a single
// commit/rollback unit spanning an arbitrary number of independently
// transactional backing resources.
//
// A Coordinator owns a set of TransactionSources opened together. Commit
// snapshots domain events from every source strictly before any source
// commits, commits sources in registration order, and triggers dispatch of
// the snapshot strictly after all sources committed. Rollback runs in
// reverse registration order and aggregates per-source failures.
//
// Callers interact through Scope handles resolved by a Manager. An owner
// scope may commit or roll back its coordinator; a participant scope joined
// an existing ambient coordinator and may only veto the owner's commit via
// Abort. The ambient coordinator travels through context.Context, so
// push-on-enter/pop-on-exit scoping falls out of ordinary context
// discipline: the parent's context, and therefore the previous ambient
// value, is naturally restored when a child scope's context goes out of
// scope.
package uow
