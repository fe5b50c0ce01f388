package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	txn "github.com/veridianlabs/lib-txn/txn"
	"github.com/veridianlabs/lib-txn/txn/backoff"
	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Processor drains the outbox: it leases pending messages, publishes them
// to their target channel, and applies retry/backoff or terminal failure.
// Multiple Processor instances may run concurrently across processes;
// correctness relies on the store's atomic conditional lease.
type Processor struct {
	store      Store
	publisher  txn.ChannelPublisher
	serializer event.Serializer
	logger     log.Logger
	tracer     trace.Tracer
	clock      clockwork.Clock
	cfg        Config
	owner      string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	tickWg     sync.WaitGroup
}

var _ txn.App = (*Processor)(nil)

// TickResult captures one processing tick outcome.
type TickResult struct {
	Leased    int
	Published int
	Retried   int
	Failed    int
}

// ProcessorOption mutates processor configuration at construction.
type ProcessorOption func(*Processor)

// WithConfig replaces the whole processor configuration.
func WithConfig(cfg Config) ProcessorOption {
	return func(p *Processor) {
		p.cfg = cfg
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger log.Logger) ProcessorOption {
	return func(p *Processor) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// WithTracer sets the processor tracer.
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		if !nilcheck.Interface(tracer) {
			p.tracer = tracer
		}
	}
}

// WithClock injects a clock, used by tests to drive ticks deterministically.
func WithClock(clock clockwork.Clock) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLeaseOwner overrides the generated lease owner identity.
func WithLeaseOwner(owner string) ProcessorOption {
	return func(p *Processor) {
		if owner != "" {
			p.owner = owner
		}
	}
}

// NewProcessor creates an outbox processor.
func NewProcessor(
	store Store,
	publisher txn.ChannelPublisher,
	serializer event.Serializer,
	opts ...ProcessorOption,
) (*Processor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, ErrSerializerRequired
	}

	hostname, _ := os.Hostname()

	p := &Processor{
		store:      store,
		publisher:  publisher,
		serializer: serializer,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("lib-txn.noop"),
		clock:      clockwork.NewRealClock(),
		cfg:        DefaultConfig(),
		owner:      fmt.Sprintf("%s:%s", hostname, uuid.NewString()),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.cfg.normalize()

	return p, nil
}

// LeaseOwner returns this processor's lease identity.
func (p *Processor) LeaseOwner() string {
	return p.owner
}

// Run starts the processing and cleanup loops until Stop is called.
func (p *Processor) Run(launcher *txn.Launcher) error {
	return p.RunContext(context.Background(), launcher)
}

// RunContext starts the processing and cleanup loops until Stop is called
// or ctx is canceled.
func (p *Processor) RunContext(parentCtx context.Context, launcher *txn.Launcher) error {
	if p == nil {
		return ErrProcessorRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !p.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer p.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox processor started", log.String("lease_owner", p.owner))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox processor stopped")
	}

	defer runtime.RecoverAndLog(ctx, p.logger, "outbox", "processor_run")

	processTicker := p.clock.NewTicker(p.cfg.ProcessingInterval)
	defer processTicker.Stop()

	cleanupTicker := p.clock.NewTicker(p.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	p.runTick(ctx)

	for {
		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-processTicker.Chan():
			p.runTick(ctx)
		case <-cleanupTicker.Chan():
			p.runCleanup(ctx)
		}
	}
}

// Stop signals the processor loops to stop.
func (p *Processor) Stop() {
	if p == nil {
		return
	}

	p.stopOnce.Do(func() {
		p.runStateMu.Lock()
		cancel := p.cancelFunc
		p.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(p.stop)
	})
}

// Shutdown stops the processor and waits for the in-flight tick.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, p.logger, "outbox", "processor_shutdown_wait", func() {
		p.tickWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox processor shutdown: %w", ctx.Err())
	}
}

func (p *Processor) registerRun(cancel context.CancelFunc) bool {
	p.runStateMu.Lock()
	defer p.runStateMu.Unlock()

	if p.running {
		return false
	}

	p.running = true
	p.cancelFunc = cancel

	return true
}

func (p *Processor) clearRun() {
	p.runStateMu.Lock()
	defer p.runStateMu.Unlock()

	p.running = false
	p.cancelFunc = nil
}

func (p *Processor) runTick(ctx context.Context) {
	p.tickWg.Add(1)
	defer p.tickWg.Done()

	tickCtx, span := p.tracer.Start(ctx, "outbox.processor.tick")
	defer span.End()
	defer runtime.RecoverAndLog(tickCtx, p.logger, "outbox", "processor_tick")

	result := p.ProcessOnce(tickCtx)
	span.SetAttributes(
		attribute.Int("outbox.leased", result.Leased),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.retried", result.Retried),
		attribute.Int("outbox.failed", result.Failed),
	)
}

func (p *Processor) runCleanup(ctx context.Context) {
	p.tickWg.Add(1)
	defer p.tickWg.Done()

	cleanupCtx, span := p.tracer.Start(ctx, "outbox.processor.cleanup")
	defer span.End()
	defer runtime.RecoverAndLog(cleanupCtx, p.logger, "outbox", "processor_cleanup")

	deleted, err := p.CleanupOnce(cleanupCtx)
	if err != nil {
		log.SafeError(p.logger, cleanupCtx, "outbox retention cleanup failed", err)

		return
	}

	if deleted > 0 {
		p.logger.Log(cleanupCtx, log.LevelDebug, "outbox retention cleanup",
			log.Int("deleted", int(deleted)))
	}
}

// ProcessOnce runs one lease-publish-settle cycle and returns counters.
func (p *Processor) ProcessOnce(ctx context.Context) TickResult {
	if p == nil {
		return TickResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	msgs, err := p.store.Lease(ctx, p.owner, p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		log.SafeError(p.logger, ctx, "failed to lease outbox messages", err)

		return TickResult{}
	}

	result := TickResult{Leased: len(msgs)}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		switch p.deliver(ctx, msg) {
		case deliveryPublished:
			result.Published++
		case deliveryRetried:
			result.Retried++
		case deliveryFailed:
			result.Failed++
		}
	}

	return result
}

type deliveryOutcome int

const (
	deliveryPublished deliveryOutcome = iota
	deliveryRetried
	deliveryFailed
)

func (p *Processor) deliver(ctx context.Context, msg *Message) deliveryOutcome {
	envelope, err := p.serializer.Deserialize(msg.Payload)
	if err != nil {
		// Serialization failures never heal on retry.
		p.failTerminally(ctx, msg, fmt.Errorf("deserialize: %w", err))

		return deliveryFailed
	}

	channel := envelope.Channel
	if channel == "" {
		channel = msg.Channel()
	}

	if err := p.publisher.Publish(ctx, channel, msg.Payload); err != nil {
		return p.handlePublishFailure(ctx, msg, err)
	}

	if err := p.store.MarkProcessed(ctx, msg.ID, p.clock.Now().UTC()); err != nil {
		// Published but not recorded: the lease expires and the message is
		// retried, so downstream consumers must stay idempotent.
		p.logger.Log(ctx, log.LevelError,
			"outbox message published but failed to persist PROCESSED state; delivery may repeat",
			log.String("message_id", msg.ID.String()),
			log.Err(err),
		)
	}

	return deliveryPublished
}

func (p *Processor) handlePublishFailure(ctx context.Context, msg *Message, publishErr error) deliveryOutcome {
	nextRetryCount := msg.RetryCount + 1

	if nextRetryCount > p.cfg.MaxRetryCount {
		p.failTerminally(ctx, msg, fmt.Errorf("retry budget exhausted after %d attempts: %w", msg.RetryCount, publishErr))

		return deliveryFailed
	}

	delay := backoff.ExponentialCapped(p.cfg.RetryBaseDelay, msg.RetryCount, p.cfg.MaxRetryDelay)
	nextRetryAt := p.clock.Now().UTC().Add(delay)

	if err := p.store.Reschedule(ctx, msg.ID, publishErr.Error(), nextRetryAt); err != nil {
		log.SafeError(p.logger, ctx, "failed to reschedule outbox message", err)

		return deliveryFailed
	}

	p.logger.Log(ctx, log.LevelWarn, "outbox publish failed; retry scheduled",
		log.String("message_id", msg.ID.String()),
		log.String("event", msg.EventName),
		log.Int("retry_count", nextRetryCount),
		log.Duration("delay", delay),
		log.Err(publishErr),
	)

	return deliveryRetried
}

func (p *Processor) failTerminally(ctx context.Context, msg *Message, cause error) {
	if err := p.store.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
		log.SafeError(p.logger, ctx, "failed to mark outbox message failed", err)

		return
	}

	p.logger.Log(ctx, log.LevelError, "outbox message permanently failed",
		log.String("message_id", msg.ID.String()),
		log.String("event", msg.EventName),
		log.Err(cause),
	)
}

// CleanupOnce deletes processed messages older than the retention period,
// in bounded batches, and returns the total number of rows removed.
func (p *Processor) CleanupOnce(ctx context.Context) (int64, error) {
	if p == nil {
		return 0, ErrProcessorRequired
	}

	cutoff := p.clock.Now().UTC().Add(-p.cfg.RetentionPeriod)

	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := p.store.DeleteProcessedBefore(ctx, cutoff, p.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total, err
			}

			return total, fmt.Errorf("delete processed outbox messages: %w", err)
		}

		total += deleted

		if deleted < int64(p.cfg.BatchSize) {
			return total, nil
		}
	}
}
