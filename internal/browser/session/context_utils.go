package session

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also
// cancelled when secondary is done. Values come from primary only, which is
// what chromedp needs: the session context carries the CDP target and the
// caller's context carries the deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps the parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context carrying ctx's values that outlives ctx. Sessions
// hang their lifetime off a detached request context so a finished request
// does not tear down a session that is still being finalized.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
