package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	txn "github.com/veridianlabs/lib-txn/txn"
	"github.com/veridianlabs/lib-txn/txn/backoff"
	"github.com/veridianlabs/lib-txn/txn/event"
	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
	"github.com/veridianlabs/lib-txn/txn/runtime"
)

// Unlocker releases a held distributed lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker acquires named distributed locks. The cleanup loop uses it so
// that only one replica purges old inbox rows at a time; acquisition is
// non-blocking.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error)
}

// Processor drains deferred inbox messages: it claims due pending rows
// under an exclusive time-bounded claim, dispatches them to registered
// handlers, and applies retry/backoff or terminal discard. The claim is
// what keeps replicated processors from double-invoking a handler; an
// expired claim makes the row eligible again, so a replica that dies
// mid-handling only delays the message. A periodic cleanup pass deletes terminal rows past the
// retention period under a distributed lock.
type Processor struct {
	store      Store
	registry   *Registry
	serializer event.Serializer
	owner      string
	locker     Locker
	logger     log.Logger
	tracer     trace.Tracer
	clock      clockwork.Clock
	cfg        Config

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
	Claimed   int
	Handled   int
	Retried   int
	Discarded int
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

// WithClaimOwner overrides the generated claim owner identity.
func WithClaimOwner(owner string) ProcessorOption {
	return func(p *Processor) {
		if owner != "" {
			p.owner = owner
		}
	}
}

// WithLocker sets the distributed lock manager guarding cleanup. Without
// one, cleanup runs unguarded, which is fine for single-replica deployments.
func WithLocker(locker Locker) ProcessorOption {
	return func(p *Processor) {
		if !nilcheck.Interface(locker) {
			p.locker = locker
		}
	}
}

// NewProcessor creates an inbox processor.
func NewProcessor(
	store Store,
	registry *Registry,
	serializer event.Serializer,
	opts ...ProcessorOption,
) (*Processor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrHandlerRequired
	}

	if nilcheck.Interface(serializer) {
		return nil, ErrSerializerRequired
	}

	hostname, _ := os.Hostname()

	p := &Processor{
		store:      store,
		registry:   registry,
		serializer: serializer,
		owner:      fmt.Sprintf("%s:%s", hostname, uuid.NewString()),
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("lib-txn.noop"),
		clock:      clockwork.NewRealClock(),
		cfg:        DefaultConfig(),
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

// ClaimOwner returns this processor's claim identity.
func (p *Processor) ClaimOwner() string {
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
		return ErrStoreRequired
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
		launcher.Logger.Log(ctx, log.LevelInfo, "inbox processor started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "inbox processor stopped")
	}

	defer runtime.RecoverAndLog(ctx, p.logger, "inbox", "processor_run")

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

	runtime.SafeGo(ctx, p.logger, "inbox", "processor_shutdown_wait", func() {
		p.tickWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inbox processor shutdown: %w", ctx.Err())
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

	tickCtx, span := p.tracer.Start(ctx, "inbox.processor.tick")
	defer span.End()
	defer runtime.RecoverAndLog(tickCtx, p.logger, "inbox", "processor_tick")

	result := p.ProcessOnce(tickCtx)
	span.SetAttributes(
		attribute.Int("inbox.claimed", result.Claimed),
		attribute.Int("inbox.handled", result.Handled),
		attribute.Int("inbox.retried", result.Retried),
		attribute.Int("inbox.discarded", result.Discarded),
	)
}

func (p *Processor) runCleanup(ctx context.Context) {
	p.tickWg.Add(1)
	defer p.tickWg.Done()

	cleanupCtx, span := p.tracer.Start(ctx, "inbox.processor.cleanup")
	defer span.End()
	defer runtime.RecoverAndLog(cleanupCtx, p.logger, "inbox", "processor_cleanup")

	deleted, err := p.CleanupOnce(cleanupCtx)
	if err != nil {
		log.SafeError(p.logger, cleanupCtx, "inbox retention cleanup failed", err)

		return
	}

	if deleted > 0 {
		p.logger.Log(cleanupCtx, log.LevelDebug, "inbox retention cleanup",
			log.Int("deleted", int(deleted)))
	}
}

// ProcessOnce runs one claim-handle-settle cycle and returns counters.
func (p *Processor) ProcessOnce(ctx context.Context) TickResult {
	if p == nil {
		return TickResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	msgs, err := p.store.Claim(ctx, p.owner, p.cfg.ProcessingBatchSize, p.cfg.ClaimDuration)
	if err != nil {
		log.SafeError(p.logger, ctx, "failed to claim due inbox messages", err)

		return TickResult{}
	}

	result := TickResult{Claimed: len(msgs)}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		switch p.handle(ctx, msg) {
		case handleDone:
			result.Handled++
		case handleRetried:
			result.Retried++
		case handleDiscarded:
			result.Discarded++
		}
	}

	return result
}

type handleOutcome int

const (
	handleDone handleOutcome = iota
	handleRetried
	handleDiscarded
)

func (p *Processor) handle(ctx context.Context, msg *Message) handleOutcome {
	envelope, err := p.serializer.Deserialize(msg.Payload)
	if err != nil {
		// Serialization failures never heal on retry.
		p.discard(ctx, msg, fmt.Errorf("deserialize: %w", err))

		return handleDiscarded
	}

	handler, err := p.registry.Resolve(msg.EventName)
	if err != nil {
		return p.handleFailure(ctx, msg, err)
	}

	if err := p.invoke(ctx, envelope, handler); err != nil {
		return p.handleFailure(ctx, msg, err)
	}

	msg.Status = StatusProcessed

	if err := p.store.MarkProcessed(ctx, msg); err != nil {
		// Handled but not recorded: the message stays pending and is
		// retried, so handlers must tolerate repeats.
		p.logger.Log(ctx, log.LevelError,
			"inbox message handled but failed to persist PROCESSED state; handling may repeat",
			log.String("event_id", msg.EventID.String()),
			log.Err(err),
		)
	}

	return handleDone
}

func (p *Processor) invoke(ctx context.Context, env *event.Envelope, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbox handler panic: %v", r)
		}
	}()

	return handler(ctx, env)
}

func (p *Processor) handleFailure(ctx context.Context, msg *Message, handleErr error) handleOutcome {
	nextRetryCount := msg.RetryCount + 1

	if nextRetryCount > p.cfg.MaxRetryCount {
		p.discard(ctx, msg, fmt.Errorf("retry budget exhausted after %d attempts: %w", msg.RetryCount, handleErr))

		return handleDiscarded
	}

	delay := backoff.ExponentialCapped(p.cfg.RetryBaseDelay, msg.RetryCount, p.cfg.MaxRetryDelay)
	nextRetryAt := p.clock.Now().UTC().Add(delay)

	if err := p.store.Reschedule(ctx, msg.EventID, handleErr.Error(), nextRetryAt); err != nil {
		log.SafeError(p.logger, ctx, "failed to reschedule inbox message", err)

		return handleDiscarded
	}

	p.logger.Log(ctx, log.LevelWarn, "inbox handling failed; retry scheduled",
		log.String("event_id", msg.EventID.String()),
		log.String("event", msg.EventName),
		log.Int("retry_count", nextRetryCount),
		log.Duration("delay", delay),
		log.Err(handleErr),
	)

	return handleRetried
}

func (p *Processor) discard(ctx context.Context, msg *Message, cause error) {
	if err := p.store.Discard(ctx, msg.EventID, cause.Error()); err != nil {
		log.SafeError(p.logger, ctx, "failed to discard inbox message", err)

		return
	}

	p.logger.Log(ctx, log.LevelError, "inbox message discarded",
		log.String("event_id", msg.EventID.String()),
		log.String("event", msg.EventName),
		log.Err(cause),
	)
}

// CleanupOnce deletes terminal messages older than the retention period in
// bounded batches, guarded by the distributed lock when one is configured.
// It returns the total number of rows removed; a lock held elsewhere means
// another replica is cleaning, so zero is returned without error.
func (p *Processor) CleanupOnce(ctx context.Context) (int64, error) {
	if p == nil {
		return 0, ErrStoreRequired
	}

	if p.locker != nil {
		unlocker, acquired, err := p.locker.TryLock(ctx, p.cfg.DistributedLockName, p.cfg.LockExpiry)
		if err != nil {
			return 0, fmt.Errorf("acquire inbox cleanup lock: %w", err)
		}

		if !acquired {
			return 0, nil
		}

		defer func() {
			if err := unlocker.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.SafeError(p.logger, ctx, "failed to release inbox cleanup lock", err)
			}
		}()
	}

	cutoff := p.clock.Now().UTC().Add(-p.cfg.RetentionPeriod)

	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := p.store.DeleteProcessedBefore(ctx, cutoff, p.cfg.CleanupBatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total, err
			}

			return total, fmt.Errorf("delete processed inbox messages: %w", err)
		}

		total += deleted

		if deleted < int64(p.cfg.CleanupBatchSize) {
			return total, nil
		}
	}
}
