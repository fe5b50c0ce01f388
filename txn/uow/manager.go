package uow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/veridianlabs/lib-txn/txn/internal/nilcheck"
	"github.com/veridianlabs/lib-txn/txn/log"
)

// ScopeKind selects how Begin resolves the requested scope against the
// ambient unit of work.
type ScopeKind int

const (
	// Required joins the ambient coordinator when one exists, otherwise
	// creates and owns a new one.
	Required ScopeKind = iota
	// RequiresNew always creates a brand-new coordinator, isolated from a
	// still-open parent transaction.
	RequiresNew
	// Suppress detaches the ambient reference for the duration of the
	// scope and touches no coordinator.
	Suppress
)

// String returns the scope kind name.
func (k ScopeKind) String() string {
	switch k {
	case Required:
		return "required"
	case RequiresNew:
		return "requires_new"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// CoordinatorFactory builds a coordinator wired with the application's
// transaction sources and event dispatcher.
type CoordinatorFactory func(ctx context.Context) (*Coordinator, error)

// Manager resolves scope requests into Scope handles, consulting the
// ambient coordinator carried by context.
type Manager struct {
	factory CoordinatorFactory
	logger  log.Logger
}

// ManagerOption mutates a Manager at construction.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager around a coordinator factory.
func NewManager(factory CoordinatorFactory, opts ...ManagerOption) (*Manager, error) {
	if factory == nil {
		return nil, ErrFactoryRequired
	}

	m := &Manager{
		factory: factory,
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// BeginOption adjusts one Begin call.
type BeginOption func(*beginConfig)

type beginConfig struct {
	options Options
}

// WithOptions overrides the coordinator options for a newly created unit
// of work. Ignored when joining an existing ambient coordinator.
func WithOptions(options Options) BeginOption {
	return func(cfg *beginConfig) {
		cfg.options = options
	}
}

// WithIsolation sets the isolation level for a newly created unit of work.
func WithIsolation(isolation sql.IsolationLevel) BeginOption {
	return func(cfg *beginConfig) {
		cfg.options.Isolation = isolation
	}
}

// NonTransactional opens the new unit of work as a reserve (pure reads);
// it can later be escalated via Coordinator.EnsureTransaction.
func NonTransactional() BeginOption {
	return func(cfg *beginConfig) {
		cfg.options.IsTransactional = false
	}
}

// Begin resolves kind against the ambient coordinator and returns a child
// context carrying the scope's coordinator together with the scope handle.
// Callers must Dispose the scope; disposing restores nothing explicitly
// because the previous ambient value lives on in the parent context.
func (m *Manager) Begin(ctx context.Context, kind ScopeKind, opts ...BeginOption) (context.Context, *Scope, error) {
	cfg := beginConfig{options: DefaultOptions()}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	switch kind {
	case Suppress:
		return Detach(ctx), &Scope{suppressed: true}, nil
	case Required:
		if ambient, ok := FromContext(ctx); ok && !ambient.IsCompleted() && !ambient.IsDisposed() {
			return ctx, &Scope{coordinator: ambient}, nil
		}

		return m.beginNew(ctx, cfg.options, "")
	case RequiresNew:
		return m.beginNew(ctx, cfg.options, "")
	default:
		return nil, nil, fmt.Errorf("unsupported scope kind %d", kind)
	}
}

// Prepare reserves a named unit of work without opening any transaction.
// Later code matching the preparation name calls TryInitializePrepared (or
// Scope.Initialize) to lazily open the real transaction, so requests that
// never mutate state never pay for a connection.
func (m *Manager) Prepare(ctx context.Context, name string) (context.Context, *Scope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, ErrPreparationNameRequired
	}

	coordinator, err := m.factory(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create prepared unit of work: %w", err)
	}

	if outer, ok := FromContext(ctx); ok {
		coordinator.outer = outer
	}

	coordinator.preparationName = name

	return ContextWithCurrent(ctx, coordinator), &Scope{coordinator: coordinator, owner: true}, nil
}

// TryInitializePrepared walks the ambient chain for a reserved coordinator
// whose preparation name matches and opens its real transaction. It
// reports false when no matching reservation is in scope.
func (m *Manager) TryInitializePrepared(ctx context.Context, name string, options Options) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, ErrPreparationNameRequired
	}

	for c, _ := FromContext(ctx); c != nil; c = c.Outer() {
		if c.PreparationName() != name {
			continue
		}

		if c.IsInitialized() {
			return false, fmt.Errorf("preparation %q: %w", name, ErrAlreadyInitialized)
		}

		if err := c.Initialize(ctx, options); err != nil {
			return false, fmt.Errorf("initialize preparation %q: %w", name, err)
		}

		return true, nil
	}

	return false, nil
}

// InitializePrepared is the strict variant of TryInitializePrepared, for
// callers that require the reservation to exist. It fails with
// ErrPreparationNotFound when no matching reservation is in scope.
func (m *Manager) InitializePrepared(ctx context.Context, name string, options Options) error {
	initialized, err := m.TryInitializePrepared(ctx, name, options)
	if err != nil {
		return err
	}

	if !initialized {
		return fmt.Errorf("preparation %q: %w", name, ErrPreparationNotFound)
	}

	return nil
}

func (m *Manager) beginNew(ctx context.Context, options Options, preparationName string) (context.Context, *Scope, error) {
	coordinator, err := m.factory(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create unit of work: %w", err)
	}

	coordinator.preparationName = preparationName

	if err := coordinator.Initialize(ctx, options); err != nil {
		return nil, nil, err
	}

	m.logger.Log(ctx, log.LevelDebug, "unit of work opened",
		log.String("uow_id", coordinator.ID().String()),
		log.Bool("transactional", options.IsTransactional),
	)

	return ContextWithCurrent(ctx, coordinator), &Scope{coordinator: coordinator, owner: true}, nil
}
