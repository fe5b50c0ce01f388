// Package dispatch routes domain events collected by a unit of work either
// straight to a channel publisher or into the outbox, per configured
// strategy.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	txn "github.com/veridianlabs/lib-txn/txn"
	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/outbox"
	"github.com/veridianlabs/lib-txn/txn/uow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher implements uow.EventDispatcher.
//
// With AlwaysUseOutbox, BeforeCommit serializes the snapshot into the
// outbox through the unit of work's own transaction, making staging atomic
// with business writes by construction; AfterCommit is a no-op.
//
// With PublishWithFallback, BeforeCommit is a no-op and AfterCommit
// attempts a direct publish per event; any publish failure falls back to
// staging the event into the outbox under a brand-new transaction scope,
// since the original transaction is already committed.
type Dispatcher struct {
	strategy   Strategy
	store      outbox.Store
	publisher  txn.ChannelPublisher
	serializer event.Serializer
	scopes     *uow.Manager
	breaker    *gobreaker.CircuitBreaker
	logger     log.Logger
	tracer     trace.Tracer
}

var _ uow.EventDispatcher = (*Dispatcher)(nil)

// Option mutates a Dispatcher at construction.
type Option func(*Dispatcher)

// WithStrategy selects the dispatch strategy; the default is AlwaysUseOutbox.
func WithStrategy(strategy Strategy) Option {
	return func(d *Dispatcher) {
		d.strategy = strategy
	}
}

// WithScopeManager supplies the unit-of-work manager used to stage
// fallback writes under a fresh transaction. Without it, fallback staging
// appends through the store's own connection.
func WithScopeManager(manager *uow.Manager) Option {
	return func(d *Dispatcher) {
		d.scopes = manager
	}
}

// WithBreaker wraps direct publishes in a circuit breaker so a dead
// channel fails fast into the outbox instead of timing out per event.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(d *Dispatcher) {
		d.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(logger) {
			d.logger = logger
		}
	}
}

// WithTracer sets the dispatcher tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(tracer) {
			d.tracer = tracer
		}
	}
}

// New creates a Dispatcher.
func New(
	store outbox.Store,
	publisher txn.ChannelPublisher,
	serializer event.Serializer,
	opts ...Option,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, ErrSerializerRequired
	}

	d := &Dispatcher{
		strategy:   AlwaysUseOutbox,
		store:      store,
		publisher:  publisher,
		serializer: serializer,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("lib-txn.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Strategy returns the configured dispatch strategy.
func (d *Dispatcher) Strategy() Strategy {
	return d.strategy
}

// BeforeCommit stages the event snapshot into the outbox inside the still
// open transaction when the strategy demands it. A staging failure fails
// the commit: atomicity of event capture is the whole point. The
// coordinator must register a source exposing outbox.TxProvider;
// otherwise BeforeCommit fails with ErrTxUnavailable.
func (d *Dispatcher) BeforeCommit(ctx context.Context, c *uow.Coordinator, events []*event.Envelope) error {
	if d.strategy != AlwaysUseOutbox || len(events) == 0 {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.stage_outbox",
		trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	msgs, err := d.toMessages(events)
	if err != nil {
		return err
	}

	provider, ok := uow.SourceAs[outbox.TxProvider](c)
	if !ok {
		// Staging outside the business transaction would silently trade
		// away the atomicity this strategy exists for.
		return fmt.Errorf("stage events to outbox: %w", ErrTxUnavailable)
	}

	tx, err := provider.OutboxTx(ctx)
	if err != nil {
		return fmt.Errorf("resolve outbox transaction: %w", err)
	}

	if err := d.store.Append(ctx, tx, msgs...); err != nil {
		return fmt.Errorf("append events to outbox: %w", err)
	}

	return nil
}

// AfterCommit publishes the snapshot directly when the strategy allows it.
// Publish failures fall back to outbox staging; the returned error is
// informational only, the coordinator logs and contains it.
func (d *Dispatcher) AfterCommit(ctx context.Context, events []*event.Envelope) error {
	if d.strategy != PublishWithFallback || len(events) == 0 {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.publish",
		trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	var failures []error

	for _, envelope := range events {
		if envelope == nil {
			continue
		}

		payload, err := d.serializer.Serialize(envelope)
		if err != nil {
			failures = append(failures, fmt.Errorf("serialize event %q: %w", envelope.Name, err))

			continue
		}

		if err := d.publish(ctx, envelope.Channel, payload); err == nil {
			continue
		} else if fallbackErr := d.stageFallback(ctx, envelope, payload); fallbackErr != nil {
			failures = append(failures, fmt.Errorf("event %q lost to both channel and outbox: %w", envelope.Name, errors.Join(err, fallbackErr)))
		} else {
			d.logger.Log(ctx, log.LevelWarn, "direct publish failed; event staged to outbox",
				log.String("event", envelope.Name),
				log.String("channel", envelope.Channel),
				log.Err(err),
			)
		}
	}

	return errors.Join(failures...)
}

func (d *Dispatcher) publish(ctx context.Context, channel string, payload []byte) error {
	if d.breaker == nil {
		return d.publisher.Publish(ctx, channel, payload)
	}

	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.publisher.Publish(ctx, channel, payload)
	})

	return err
}

// stageFallback writes one failed event into the outbox under a brand-new
// transaction scope: the original transaction is already committed.
func (d *Dispatcher) stageFallback(ctx context.Context, envelope *event.Envelope, payload []byte) error {
	msg, err := outbox.NewMessage(envelope, payload)
	if err != nil {
		return err
	}

	if d.scopes == nil {
		return d.store.Append(ctx, nil, msg)
	}

	scopeCtx, scope, err := d.scopes.Begin(ctx, uow.RequiresNew)
	if err != nil {
		return fmt.Errorf("open fallback scope: %w", err)
	}

	defer func() {
		if disposeErr := scope.Dispose(scopeCtx); disposeErr != nil {
			log.SafeError(d.logger, scopeCtx, "dispose fallback scope", disposeErr)
		}
	}()

	var tx outbox.Tx

	if provider, ok := uow.SourceAs[outbox.TxProvider](scope.Coordinator()); ok {
		tx, err = provider.OutboxTx(scopeCtx)
		if err != nil {
			return fmt.Errorf("resolve fallback outbox transaction: %w", err)
		}
	}

	if err := d.store.Append(scopeCtx, tx, msg); err != nil {
		return fmt.Errorf("append fallback message: %w", err)
	}

	return scope.Commit(scopeCtx)
}

func (d *Dispatcher) toMessages(events []*event.Envelope) ([]*outbox.Message, error) {
	msgs := make([]*outbox.Message, 0, len(events))

	for _, envelope := range events {
		if envelope == nil {
			continue
		}

		payload, err := d.serializer.Serialize(envelope)
		if err != nil {
			return nil, fmt.Errorf("serialize event %q: %w", envelope.Name, err)
		}

		msg, err := outbox.NewMessage(envelope, payload)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}
