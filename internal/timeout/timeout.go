// Package timeout bounds contexts with an injectable clock so deadlines
// can be driven by a fake clock in tests.
package timeout

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// With returns a context canceled after d on clock. context.Cause of an
// expired context is context.DeadlineExceeded. d <= 0 means no bound.
func With(parent context.Context, clock clockwork.Clock, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if d <= 0 {
		return ctx, func() { cancel(context.Canceled) }
	}
	t := clock.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
	return ctx, func() {
		t.Stop()
		cancel(context.Canceled)
	}
}

// Expired reports whether ctx ended because its bound elapsed.
func Expired(ctx context.Context) bool {
	return ctx.Err() != nil && context.Cause(ctx) == context.DeadlineExceeded
}
