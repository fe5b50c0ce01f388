// Package txn is the root of lib-txn: a toolkit for transactional,
// event-driven backend services.
//
// The library is organized around three concerns:
//
//   - uow: a unit-of-work coordinator that sequences commit and rollback
//     across independently-transactional backing resources, with an
//     ambient "current unit of work" carried through context.Context.
//   - dispatch + outbox: reliable domain-event delivery. Events raised
//     during a unit of work are either staged into a durable outbox within
//     the same transaction or published directly with an outbox fallback.
//   - inbox: idempotent consumption of inbound events on the receiving
//     side, with durable dedup records and retention cleanup.
//
// The root package carries cross-cutting plumbing: the request-scoped
// logger/tracer container and the Launcher used to run background
// processors as long-lived apps.
package txn
