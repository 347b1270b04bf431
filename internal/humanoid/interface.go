// internal/humanoid/interface.go
package humanoid

import (
	"context"
	"time"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// Executor defines the low-level input surface the Humanoid drives.
type Executor interface {
	Sleep(ctx context.Context, d time.Duration) error
	DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error
	InsertText(ctx context.Context, text string) error
}

// InputDispatcher is the subset of a page that can receive synthetic input.
type InputDispatcher interface {
	DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error
	InsertText(ctx context.Context, text string) error
}

// dispatcherExecutor adds a context aware sleep to an InputDispatcher.
type dispatcherExecutor struct {
	InputDispatcher
}

// Adapt turns any input dispatcher (typically a browser page) into an Executor.
func Adapt(d InputDispatcher) Executor {
	if e, ok := d.(Executor); ok {
		return e
	}
	return dispatcherExecutor{InputDispatcher: d}
}

func (dispatcherExecutor) Sleep(ctx context.Context, d time.Duration) error {
	return SleepContext(ctx, d)
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
