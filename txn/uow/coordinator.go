package uow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EventDispatcher receives the event snapshot around the source commit
// sequence. BeforeCommit runs after the snapshot is taken and before any
// source commits, so implementations can stage events into the outbox
// within the still-open transaction. AfterCommit runs strictly after every
// source committed; its failures are isolated to the dispatch path and are
// never surfaced to the committing caller.
type EventDispatcher interface {
	BeforeCommit(ctx context.Context, c *Coordinator, events []*event.Envelope) error
	AfterCommit(ctx context.Context, events []*event.Envelope) error
}

// Coordinator owns one transactional commit/rollback unit across possibly
// multiple backing resources.
//
// State machine: Uninitialized -> Initialized -> (Committed | Aborted) ->
// Disposed. Abort is monotonic; once set, Commit refuses permanently.
type Coordinator struct {
	id         uuid.UUID
	logger     log.Logger
	tracer     trace.Tracer
	dispatcher EventDispatcher

	mu          sync.Mutex
	sources     []TransactionSource
	opened      int
	options     Options
	raiser      event.Raiser
	onCompleted []func(context.Context)

	initialized   bool
	completed     bool
	aborted       bool
	disposed      bool
	transactional bool

	preparationName string
	outer           *Coordinator
}

// CoordinatorOption mutates a coordinator at construction.
type CoordinatorOption func(*Coordinator)

// WithSources registers transaction sources in the order they must commit.
func WithSources(sources ...TransactionSource) CoordinatorOption {
	return func(c *Coordinator) {
		for _, source := range sources {
			if !nilcheck.Interface(source) {
				c.sources = append(c.sources, source)
			}
		}
	}
}

// WithDispatcher sets the event dispatcher invoked around commit.
func WithDispatcher(dispatcher EventDispatcher) CoordinatorOption {
	return func(c *Coordinator) {
		if !nilcheck.Interface(dispatcher) {
			c.dispatcher = dispatcher
		}
	}
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithCoordinatorTracer sets the coordinator tracer.
func WithCoordinatorTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		if !nilcheck.Interface(tracer) {
			c.tracer = tracer
		}
	}
}

// NewCoordinator creates an uninitialized coordinator.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		id:     uuid.New(),
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("lib-txn.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// ID returns the opaque identity of this unit of work.
func (c *Coordinator) ID() uuid.UUID {
	return c.id
}

// IsInitialized reports whether Initialize has run.
func (c *Coordinator) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.initialized
}

// IsCompleted reports whether the coordinator committed or rolled back.
func (c *Coordinator) IsCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.completed
}

// IsAborted reports whether Abort was requested or a rollback ran.
func (c *Coordinator) IsAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.aborted
}

// IsDisposed reports whether Dispose has run.
func (c *Coordinator) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disposed
}

// IsTransactional reports whether the open sources hold real transactions,
// as opposed to a reserve opened for pure reads.
func (c *Coordinator) IsTransactional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transactional
}

// PreparationName returns the two-phase preparation name, empty when the
// coordinator was not prepared.
func (c *Coordinator) PreparationName() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.preparationName
}

// Outer returns the coordinator that was ambient when this one was
// prepared, forming a chain for nested prepared scopes.
func (c *Coordinator) Outer() *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outer
}

// RegisterSource enrolls an additional source. When the coordinator is
// already initialized the source is opened immediately with the same
// options as its siblings.
func (c *Coordinator) RegisterSource(ctx context.Context, source TransactionSource) error {
	if nilcheck.Interface(source) {
		return ErrSourceRequired
	}

	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}

	if c.completed {
		c.mu.Unlock()
		return ErrCompleted
	}

	c.sources = append(c.sources, source)
	initialized := c.initialized
	opts := c.options.sourceOptions()
	c.mu.Unlock()

	if !initialized {
		return nil
	}

	if err := source.Begin(ctx, opts); err != nil {
		return fmt.Errorf("begin late-registered source: %w", err)
	}

	c.mu.Lock()
	c.opened++
	c.mu.Unlock()

	return nil
}

// Initialize opens a local transaction (or a reserve session) on every
// registered source. Calling it twice fails with ErrAlreadyInitialized.
func (c *Coordinator) Initialize(ctx context.Context, options Options) error {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}

	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}

	c.options = options
	c.initialized = true
	c.transactional = options.IsTransactional
	sources := append([]TransactionSource(nil), c.sources...)
	c.mu.Unlock()

	if options.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "uow.initialize",
		trace.WithAttributes(attribute.Bool("uow.transactional", options.IsTransactional)))
	defer span.End()

	for i, source := range sources {
		if err := source.Begin(ctx, options.sourceOptions()); err != nil {
			// Close what was opened so a failed initialize leaves nothing
			// dangling, and complete the unit so Dispose does not roll the
			// same sources back twice.
			rollbackErr := c.rollbackOpened(ctx, i)

			c.mu.Lock()
			c.completed = true
			c.aborted = true
			c.opened = 0
			c.mu.Unlock()

			if rollbackErr != nil {
				c.logger.Log(ctx, log.LevelError, "rollback after failed initialize", log.Err(rollbackErr))
			}

			return fmt.Errorf("initialize source %d: %w", i, err)
		}

		c.mu.Lock()
		c.opened++
		c.mu.Unlock()
	}

	return nil
}

// SaveChanges flushes pending writes on each flushing source without
// committing, so generated identifiers become observable mid-transaction.
func (c *Coordinator) SaveChanges(ctx context.Context) error {
	c.mu.Lock()

	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}

	if c.completed {
		c.mu.Unlock()
		return ErrCompleted
	}

	sources := append([]TransactionSource(nil), c.sources...)
	c.mu.Unlock()

	for i, source := range sources {
		flusher, ok := source.(Flusher)
		if !ok {
			continue
		}

		if err := flusher.SaveChanges(ctx); err != nil {
			return fmt.Errorf("save changes on source %d: %w", i, err)
		}
	}

	return nil
}

// EnsureTransaction escalates a reserve coordinator to a real transaction.
// It is a no-op when the coordinator is already transactional.
func (c *Coordinator) EnsureTransaction(ctx context.Context, isolation sql.IsolationLevel) error {
	c.mu.Lock()

	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}

	if c.completed {
		c.mu.Unlock()
		return ErrCompleted
	}

	if c.transactional {
		c.mu.Unlock()
		return nil
	}

	sources := append([]TransactionSource(nil), c.sources...)
	c.mu.Unlock()

	for i, source := range sources {
		escalator, ok := source.(Escalator)
		if !ok {
			return fmt.Errorf("source %d: %w", i, ErrEscalationUnsupported)
		}

		if err := escalator.EnsureTransaction(ctx, isolation); err != nil {
			return fmt.Errorf("escalate source %d: %w", i, err)
		}
	}

	c.mu.Lock()
	c.transactional = true
	c.options.IsTransactional = true
	c.options.Isolation = isolation
	c.mu.Unlock()

	return nil
}

// AddEvent enrolls an envelope raised directly against the coordinator.
// Source-collected events dispatch first, in source registration order;
// coordinator-local events follow in add order.
func (c *Coordinator) AddEvent(envelope *event.Envelope) {
	c.raiser.Raise(envelope)
}

// OnCompleted registers a hook invoked after a successful commit, once the
// event snapshot has been handed to the dispatcher.
func (c *Coordinator) OnCompleted(hook func(context.Context)) {
	if hook == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.onCompleted = append(c.onCompleted, hook)
}

// Abort vetoes a later commit. It is idempotent and never un-aborts.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aborted = true
}

// Commit snapshots domain events from every source, commits each source in
// registration order, marks the unit completed, then triggers dispatch of
// the snapshot and the on-completed hooks.
//
// Cancellation before the first source commit aborts cleanly. Once the
// first source has begun committing the sequence runs to completion
// regardless of ctx state.
func (c *Coordinator) Commit(ctx context.Context) error {
	c.mu.Lock()

	switch {
	case c.disposed:
		c.mu.Unlock()
		return ErrDisposed
	case c.completed:
		c.mu.Unlock()
		return ErrCompleted
	case c.aborted:
		c.mu.Unlock()
		return ErrCommitAfterAbort
	case !c.initialized:
		c.mu.Unlock()
		return ErrNotInitialized
	}

	sources := append([]TransactionSource(nil), c.sources...)
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "uow.commit",
		trace.WithAttributes(attribute.String("uow.id", c.id.String())))
	defer span.End()

	snapshot, err := c.collectEvents(ctx, sources)
	if err != nil {
		return err
	}

	if c.dispatcher != nil && len(snapshot) > 0 {
		if err := c.dispatcher.BeforeCommit(ctx, c, snapshot); err != nil {
			return fmt.Errorf("stage events before commit: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit canceled before first source: %w", err)
	}

	// Point of no return: each source is independently transactional, so a
	// half-committed sequence must not be widened by cancellation.
	commitCtx := context.WithoutCancel(ctx)

	for i, source := range sources {
		if err := source.Commit(commitCtx); err != nil {
			return fmt.Errorf("commit source %d: %w", i, err)
		}
	}

	c.mu.Lock()
	c.completed = true
	hooks := make([]func(context.Context), len(c.onCompleted))
	copy(hooks, c.onCompleted)
	c.mu.Unlock()

	c.afterCommit(commitCtx, snapshot, hooks)

	return nil
}

// collectEvents snapshots pending events strictly before any source commit:
// collecting sources first, in registration order, then coordinator-local
// events in add order.
func (c *Coordinator) collectEvents(ctx context.Context, sources []TransactionSource) ([]*event.Envelope, error) {
	var snapshot []*event.Envelope

	for i, source := range sources {
		collector, ok := source.(EventCollector)
		if !ok {
			continue
		}

		collected, err := collector.CollectEvents(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect events from source %d: %w", i, err)
		}

		snapshot = append(snapshot, collected...)
	}

	return append(snapshot, c.raiser.Drain()...), nil
}

// afterCommit hands the snapshot to the dispatcher and runs the hooks.
// Business data is already committed, so failures here are logged and
// contained; they never propagate to the committing caller.
func (c *Coordinator) afterCommit(ctx context.Context, snapshot []*event.Envelope, hooks []func(context.Context)) {
	if c.dispatcher != nil && len(snapshot) > 0 {
		if err := c.dispatcher.AfterCommit(ctx, snapshot); err != nil {
			c.logger.Log(ctx, log.LevelError,
				"post-commit event dispatch failed; events remain recoverable through the outbox",
				log.String("uow_id", c.id.String()),
				log.Int("events", len(snapshot)),
				log.Err(err),
			)
		}
	}

	for _, hook := range hooks {
		func() {
			defer runtime.RecoverAndLog(ctx, c.logger, "uow", "on_completed_hook")

			hook(ctx)
		}()
	}
}

// Rollback rolls back every opened source in reverse registration order,
// collecting per-source failures into one RollbackError. The coordinator
// always ends completed and aborted, even on partial failure.
func (c *Coordinator) Rollback(ctx context.Context) error {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}

	if c.completed {
		c.mu.Unlock()
		return nil
	}

	opened := c.opened
	sources := append([]TransactionSource(nil), c.sources...)
	c.completed = true
	c.aborted = true
	c.mu.Unlock()

	if opened > len(sources) {
		opened = len(sources)
	}

	return c.rollbackOpened(ctx, opened)
}

func (c *Coordinator) rollbackOpened(ctx context.Context, opened int) error {
	ctx = context.WithoutCancel(ctx)

	var failures []error

	for i := opened - 1; i >= 0; i-- {
		if err := c.sources[i].Rollback(ctx); err != nil {
			failures = append(failures, fmt.Errorf("rollback source %d: %w", i, err))
		}
	}

	if len(failures) > 0 {
		return &RollbackError{Errs: failures}
	}

	return nil
}

// Dispose releases the coordinator. An incomplete unit of work is rolled
// back first; Dispose is idempotent.
func (c *Coordinator) Dispose(ctx context.Context) error {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return nil
	}

	completed := c.completed
	c.mu.Unlock()

	var err error

	if !completed {
		err = c.Rollback(ctx)
	}

	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()

	return err
}
