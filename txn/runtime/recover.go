// Package runtime provides panic-safety helpers for background goroutines.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/veridianlabs/lib-txn/txn/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for handlers and workers
// where a panic must not bring the process down.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			logger = log.NewNop()
		}

		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("operation", name),
			log.String("panic", fmt.Sprintf("%v", r)),
			log.String("stack", string(debug.Stack())),
		)
	}
}

// SafeGo launches fn in a goroutine that recovers and logs panics instead
// of crashing the process.
func SafeGo(ctx context.Context, logger log.Logger, component, name string, fn func()) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, name)

		fn()
	}()
}
