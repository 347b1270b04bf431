// internal/humanoid/timing.go
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Timing produces bounded random delays. It is safe for concurrent use.
type Timing struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTiming creates a Timing seeded from the clock.
func NewTiming() *Timing {
	return NewSeededTiming(time.Now().UnixNano())
}

// NewSeededTiming creates a deterministic Timing.
func NewSeededTiming(seed int64) *Timing {
	return &Timing{rng: rand.New(rand.NewSource(seed))}
}

// Between returns a uniformly distributed duration in [min, max].
// Inverted bounds are swapped; equal bounds return min.
func (t *Timing) Between(min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	if max == min {
		return min
	}
	t.mu.Lock()
	n := t.rng.Int63n(int64(max-min) + 1)
	t.mu.Unlock()
	return min + time.Duration(n)
}

// Float returns a uniformly distributed value in [min, max).
func (t *Timing) Float(min, max float64) float64 {
	if max < min {
		min, max = max, min
	}
	t.mu.Lock()
	f := t.rng.Float64()
	t.mu.Unlock()
	return min + f*(max-min)
}

// Pause sleeps for a random duration in [min, max] through the executor.
func (t *Timing) Pause(ctx context.Context, exec Executor, min, max time.Duration) error {
	d := t.Between(min, max)
	if d <= 0 {
		return ctx.Err()
	}
	return exec.Sleep(ctx, d)
}

// EaseOutCubic maps linear progress to a decelerating curve: 1-(1-t)^3.
// Input is clamped to [0, 1].
func EaseOutCubic(t float64) float64 {
	t = math.Max(0, math.Min(1, t))
	inv := 1 - t
	return 1 - inv*inv*inv
}
