package uow

import "context"

type ambientContextKey struct{}

// ContextWithCurrent returns a context carrying c as the ambient unit of
// work. Code further down the call chain observes it via FromContext
// without explicit parameter passing; sibling goroutines with their own
// contexts never see it.
func ContextWithCurrent(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, ambientContextKey{}, c)
}

// FromContext returns the ambient coordinator, if any. A detached context
// (see Detach) reports no ambient coordinator even when a parent context
// carried one.
func FromContext(ctx context.Context) (*Coordinator, bool) {
	c, ok := ctx.Value(ambientContextKey{}).(*Coordinator)
	if !ok || c == nil {
		return nil, false
	}

	return c, true
}

// Detach returns a context with the ambient reference removed for the
// duration of the derived scope. The parent context is untouched, so the
// previous ambient value is restored simply by returning to it.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, ambientContextKey{}, (*Coordinator)(nil))
}
