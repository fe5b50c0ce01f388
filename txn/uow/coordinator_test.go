//go:build unit

package uow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/lib-txn/txn/event"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.entries...)
}

// fakeSource records lifecycle calls and implements every optional
// capability.
type fakeSource struct {
	name    string
	journal *journal

	beginErr    error
	commitErr   error
	rollbackErr error
	flushErr    error
	collectErr  error
	escalateErr error

	onCommit func(ctx context.Context)
	events   []*event.Envelope

	mu        sync.Mutex
	begun     bool
	committed bool
	escalated bool
	opts      SourceOptions
}

func (s *fakeSource) Begin(_ context.Context, opts SourceOptions) error {
	if s.beginErr != nil {
		return s.beginErr
	}

	s.mu.Lock()
	s.begun = true
	s.opts = opts
	s.mu.Unlock()

	s.journal.add("begin:" + s.name)

	return nil
}

func (s *fakeSource) Commit(ctx context.Context) error {
	if s.onCommit != nil {
		s.onCommit(ctx)
	}

	if s.commitErr != nil {
		return s.commitErr
	}

	s.mu.Lock()
	s.committed = true
	s.mu.Unlock()

	s.journal.add("commit:" + s.name)

	return nil
}

func (s *fakeSource) Rollback(_ context.Context) error {
	s.journal.add("rollback:" + s.name)

	return s.rollbackErr
}

func (s *fakeSource) SaveChanges(_ context.Context) error {
	if s.flushErr != nil {
		return s.flushErr
	}

	s.journal.add("flush:" + s.name)

	return nil
}

func (s *fakeSource) CollectEvents(_ context.Context) ([]*event.Envelope, error) {
	if s.collectErr != nil {
		return nil, s.collectErr
	}

	collected := s.events
	s.events = nil

	return collected, nil
}

func (s *fakeSource) EnsureTransaction(_ context.Context, _ sql.IsolationLevel) error {
	if s.escalateErr != nil {
		return s.escalateErr
	}

	s.mu.Lock()
	s.escalated = true
	s.mu.Unlock()

	s.journal.add("escalate:" + s.name)

	return nil
}

// plainSource implements only the base contract.
type plainSource struct {
	journal *journal
	name    string
}

func (s *plainSource) Begin(_ context.Context, _ SourceOptions) error {
	s.journal.add("begin:" + s.name)

	return nil
}

func (s *plainSource) Commit(_ context.Context) error {
	s.journal.add("commit:" + s.name)

	return nil
}

func (s *plainSource) Rollback(_ context.Context) error {
	s.journal.add("rollback:" + s.name)

	return nil
}

type fakeDispatcher struct {
	journal   *journal
	beforeErr error
	afterErr  error

	mu     sync.Mutex
	before [][]*event.Envelope
	after  [][]*event.Envelope
}

func (d *fakeDispatcher) BeforeCommit(_ context.Context, _ *Coordinator, events []*event.Envelope) error {
	if d.beforeErr != nil {
		return d.beforeErr
	}

	d.mu.Lock()
	d.before = append(d.before, events)
	d.mu.Unlock()

	d.journal.add("before_commit")

	return nil
}

func (d *fakeDispatcher) AfterCommit(_ context.Context, events []*event.Envelope) error {
	if d.afterErr != nil {
		return d.afterErr
	}

	d.mu.Lock()
	d.after = append(d.after, events)
	d.mu.Unlock()

	d.journal.add("after_commit")

	return nil
}

func testEnvelope(t *testing.T, name string) *event.Envelope {
	t.Helper()

	env, err := event.New(name, "test.events", []byte(`{"ok":true}`))
	require.NoError(t, err)

	return env
}

func TestCoordinator_CommitsSourcesInRegistrationOrder(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}
	b := &fakeSource{name: "b", journal: j}
	c := &fakeSource{name: "c", journal: j}

	coord := NewCoordinator(WithSources(a, b, c))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))
	require.NoError(t, coord.Commit(context.Background()))

	require.Equal(t, []string{
		"begin:a", "begin:b", "begin:c",
		"commit:a", "commit:b", "commit:c",
	}, j.list())
	require.True(t, coord.IsCompleted())
	require.False(t, coord.IsAborted())
}

func TestCoordinator_RollbackReverseOrderAggregatesErrors(t *testing.T) {
	t.Parallel()

	j := &journal{}
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	a := &fakeSource{name: "a", journal: j, rollbackErr: errA}
	b := &fakeSource{name: "b", journal: j}
	c := &fakeSource{name: "c", journal: j, rollbackErr: errC}

	coord := NewCoordinator(WithSources(a, b, c))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	err := coord.Rollback(context.Background())
	require.Error(t, err)

	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	require.Len(t, rbErr.Errs, 2)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errC)

	require.Equal(t, []string{
		"begin:a", "begin:b", "begin:c",
		"rollback:c", "rollback:b", "rollback:a",
	}, j.list())
	require.True(t, coord.IsCompleted())
	require.True(t, coord.IsAborted())
}

func TestCoordinator_CommitRefusedAfterAbort(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}

	coord := NewCoordinator(WithSources(a))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	coord.Abort()
	coord.Abort() // idempotent

	err := coord.Commit(context.Background())
	require.ErrorIs(t, err, ErrCommitAfterAbort)
	require.False(t, a.committed)

	// The vetoed unit can still be rolled back.
	require.NoError(t, coord.Rollback(context.Background()))
}

func TestCoordinator_DoubleInitialize(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(WithSources(&fakeSource{name: "a", journal: &journal{}}))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	err := coord.Initialize(context.Background(), DefaultOptions())
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestCoordinator_CommitRequiresInitialize(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(WithSources(&fakeSource{name: "a", journal: &journal{}}))

	require.ErrorIs(t, coord.Commit(context.Background()), ErrNotInitialized)
}

func TestCoordinator_InitializeFailureRollsBackOpenedOnce(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}
	b := &fakeSource{name: "b", journal: j, beginErr: errors.New("begin b failed")}

	coord := NewCoordinator(WithSources(a, b))

	err := coord.Initialize(context.Background(), DefaultOptions())
	require.Error(t, err)
	require.True(t, coord.IsCompleted())
	require.True(t, coord.IsAborted())

	// Dispose must not roll the already-closed source back a second time.
	require.NoError(t, coord.Dispose(context.Background()))
	require.Equal(t, []string{"begin:a", "rollback:a"}, j.list())
}

func TestCoordinator_EventSnapshotSequencing(t *testing.T) {
	t.Parallel()

	j := &journal{}
	envA := testEnvelope(t, "order.created")
	envB := testEnvelope(t, "stock.reserved")
	envLocal := testEnvelope(t, "audit.recorded")

	a := &fakeSource{name: "a", journal: j, events: []*event.Envelope{envA}}
	b := &fakeSource{name: "b", journal: j, events: []*event.Envelope{envB}}
	dispatcher := &fakeDispatcher{journal: j}

	coord := NewCoordinator(WithSources(a, b), WithDispatcher(dispatcher))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	coord.AddEvent(envLocal)

	hookRan := false

	coord.OnCompleted(func(context.Context) { hookRan = true })

	require.NoError(t, coord.Commit(context.Background()))

	// Staging precedes every source commit; dispatch follows all of them.
	require.Equal(t, []string{
		"begin:a", "begin:b",
		"before_commit",
		"commit:a", "commit:b",
		"after_commit",
	}, j.list())

	// Source events in registration order, coordinator-local events last.
	require.Len(t, dispatcher.before, 1)
	require.Equal(t, []*event.Envelope{envA, envB, envLocal}, dispatcher.before[0])
	require.Equal(t, dispatcher.before, dispatcher.after)
	require.True(t, hookRan)
}

func TestCoordinator_BeforeCommitFailureFailsCommit(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j, events: []*event.Envelope{testEnvelope(t, "x.y")}}
	dispatcher := &fakeDispatcher{journal: j, beforeErr: errors.New("staging unavailable")}

	coord := NewCoordinator(WithSources(a), WithDispatcher(dispatcher))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	err := coord.Commit(context.Background())
	require.Error(t, err)
	require.False(t, a.committed)
	require.False(t, coord.IsCompleted())

	require.NoError(t, coord.Rollback(context.Background()))
}

func TestCoordinator_AfterCommitFailureIsContained(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j, events: []*event.Envelope{testEnvelope(t, "x.y")}}
	dispatcher := &fakeDispatcher{journal: j, afterErr: errors.New("broker down")}

	coord := NewCoordinator(WithSources(a), WithDispatcher(dispatcher))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	require.NoError(t, coord.Commit(context.Background()))
	require.True(t, coord.IsCompleted())
}

func TestCoordinator_CancellationBeforeFirstCommitAborts(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}

	coord := NewCoordinator(WithSources(a))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coord.Commit(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, a.committed)
	require.False(t, coord.IsCompleted())
}

func TestCoordinator_CommitRunsToCompletionOnceStarted(t *testing.T) {
	t.Parallel()

	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())

	var secondSawCancel bool

	a := &fakeSource{name: "a", journal: j, onCommit: func(context.Context) {
		// Cancellation arriving mid-sequence must not stop source b.
		cancel()
	}}
	b := &fakeSource{name: "b", journal: j, onCommit: func(commitCtx context.Context) {
		secondSawCancel = commitCtx.Err() != nil
	}}

	coord := NewCoordinator(WithSources(a, b))
	require.NoError(t, coord.Initialize(ctx, DefaultOptions()))

	require.NoError(t, coord.Commit(ctx))
	require.True(t, a.committed)
	require.True(t, b.committed)
	require.False(t, secondSawCancel)
}

func TestCoordinator_SaveChangesFlushesSources(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}
	plain := &plainSource{name: "p", journal: j}
	b := &fakeSource{name: "b", journal: j}

	coord := NewCoordinator(WithSources(a, plain, b))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	require.NoError(t, coord.SaveChanges(context.Background()))
	require.Equal(t, []string{
		"begin:a", "begin:p", "begin:b",
		"flush:a", "flush:b",
	}, j.list())
}

func TestCoordinator_EnsureTransactionEscalatesReserve(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}

	coord := NewCoordinator(WithSources(a))

	opts := DefaultOptions()
	opts.IsTransactional = false
	require.NoError(t, coord.Initialize(context.Background(), opts))
	require.False(t, coord.IsTransactional())
	require.False(t, a.opts.Transactional)

	require.NoError(t, coord.EnsureTransaction(context.Background(), sql.LevelReadCommitted))
	require.True(t, coord.IsTransactional())
	require.True(t, a.escalated)

	// Idempotent once transactional.
	require.NoError(t, coord.EnsureTransaction(context.Background(), sql.LevelReadCommitted))
}

func TestCoordinator_EnsureTransactionUnsupportedSource(t *testing.T) {
	t.Parallel()

	j := &journal{}
	coord := NewCoordinator(WithSources(&plainSource{name: "p", journal: j}))

	opts := DefaultOptions()
	opts.IsTransactional = false
	require.NoError(t, coord.Initialize(context.Background(), opts))

	err := coord.EnsureTransaction(context.Background(), sql.LevelDefault)
	require.ErrorIs(t, err, ErrEscalationUnsupported)
}

func TestCoordinator_OnCompletedPanicIsContained(t *testing.T) {
	t.Parallel()

	j := &journal{}
	coord := NewCoordinator(WithSources(&fakeSource{name: "a", journal: j}))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	ran := false

	coord.OnCompleted(func(context.Context) { panic("hook exploded") })
	coord.OnCompleted(func(context.Context) { ran = true })

	require.NoError(t, coord.Commit(context.Background()))
	require.True(t, ran)
}

func TestCoordinator_DisposeRollsBackIncompleteWork(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}

	coord := NewCoordinator(WithSources(a))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	require.NoError(t, coord.Dispose(context.Background()))
	require.True(t, coord.IsDisposed())
	require.True(t, coord.IsAborted())
	require.Equal(t, []string{"begin:a", "rollback:a"}, j.list())

	// Idempotent; operations after dispose are refused.
	require.NoError(t, coord.Dispose(context.Background()))
	require.ErrorIs(t, coord.Commit(context.Background()), ErrDisposed)
	require.ErrorIs(t, coord.Rollback(context.Background()), ErrDisposed)
}

func TestCoordinator_CommitTwice(t *testing.T) {
	t.Parallel()

	j := &journal{}
	coord := NewCoordinator(WithSources(&fakeSource{name: "a", journal: j}))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))
	require.NoError(t, coord.Commit(context.Background()))

	require.ErrorIs(t, coord.Commit(context.Background()), ErrCompleted)

	// Rollback after completion is a harmless no-op.
	require.NoError(t, coord.Rollback(context.Background()))
}

func TestCoordinator_RegisterSourceAfterInitializeBeginsImmediately(t *testing.T) {
	t.Parallel()

	j := &journal{}
	a := &fakeSource{name: "a", journal: j}
	late := &fakeSource{name: "late", journal: j}

	coord := NewCoordinator(WithSources(a))
	require.NoError(t, coord.Initialize(context.Background(), DefaultOptions()))

	require.NoError(t, coord.RegisterSource(context.Background(), late))
	require.True(t, late.begun)

	require.NoError(t, coord.Commit(context.Background()))
	require.Equal(t, []string{
		"begin:a", "begin:late",
		"commit:a", "commit:late",
	}, j.list())
}

func TestSourceAs_FindsCapability(t *testing.T) {
	t.Parallel()

	j := &journal{}
	plain := &plainSource{name: "p", journal: j}
	capable := &fakeSource{name: "a", journal: j}

	coord := NewCoordinator(WithSources(plain, capable))

	found, ok := SourceAs[Escalator](coord)
	require.True(t, ok)
	require.Same(t, capable, found)

	_, ok = SourceAs[interface{ Missing() }](coord)
	require.False(t, ok)
}
