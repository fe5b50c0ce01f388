package inbox

import (
	"context"

	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/log"
)

// Gate is the idempotency barrier for direct (non-deferred) consumption.
// It checks the durable record before invoking the handler and marks the
// event processed only after the handler succeeds, so a handler failure
// leaves the event eligible for redelivery.
type Gate struct {
	store  Store
	logger log.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the gate logger.
func WithGateLogger(logger log.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate builds a Gate over store.
func NewGate(store Store, opts ...GateOption) (*Gate, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	g := &Gate{
		store:  store,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Handle runs handler for env exactly once per event id. Duplicates are
// dropped silently; the caller should ack them to the broker as usual.
func (g *Gate) Handle(ctx context.Context, env *event.Envelope, payload []byte, handler Handler) error {
	if env == nil {
		return ErrMessageRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	seen, err := g.store.HasProcessed(ctx, env.ID)
	if err != nil {
		return err
	}

	if seen {
		g.logger.Log(ctx, log.LevelDebug, "duplicate event rejected",
			log.String("event_id", env.ID.String()),
			log.String("event_name", env.Name))

		return nil
	}

	if err := handler(ctx, env); err != nil {
		return err
	}

	msg, err := NewMessage(env, payload)
	if err != nil {
		return err
	}

	return g.store.MarkProcessed(ctx, msg)
}

// Defer records env for later handling by a Processor without invoking any
// handler. It returns false when the event id was already seen.
func (g *Gate) Defer(ctx context.Context, env *event.Envelope, payload []byte) (bool, error) {
	msg, err := NewMessage(env, payload)
	if err != nil {
		return false, err
	}

	return g.store.Record(ctx, msg)
}
