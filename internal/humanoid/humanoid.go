// internal/humanoid/humanoid.go
package humanoid

import (
	"context"
	"sync"
	"time"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"go.uber.org/zap"
)

// Humanoid synthesizes paced pointer and keyboard input on top of an Executor.
type Humanoid struct {
	// mu protects the pointer state below. Internal helpers assume it is held.
	mu                 sync.Mutex
	cfg                config.HumanoidConfig
	logger             *zap.Logger
	executor           Executor
	timing             *Timing
	currentPos         Vector2D
	currentButtonState schemas.MouseButton
}

// New creates a Humanoid. A nil timing gets a clock-seeded one.
func New(cfg config.HumanoidConfig, logger *zap.Logger, executor Executor, timing *Timing) *Humanoid {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timing == nil {
		timing = NewTiming()
	}
	return &Humanoid{
		cfg:                cfg,
		logger:             logger.Named("humanoid"),
		executor:           executor,
		timing:             timing,
		currentButtonState: schemas.ButtonNone,
	}
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() config.HumanoidConfig {
	return config.HumanoidConfig{
		Enabled:        true,
		ActionDelayMin: 200 * time.Millisecond,
		ActionDelayMax: 500 * time.Millisecond,
		KeyDelayMin:    30 * time.Millisecond,
		KeyDelayMax:    90 * time.Millisecond,
		ClickHoldMin:   40 * time.Millisecond,
		ClickHoldMax:   120 * time.Millisecond,
		ApproachSteps:  8,
	}
}

// NewTestHumanoid creates a Humanoid with deterministic timing for tests.
func NewTestHumanoid(executor Executor, seed int64) *Humanoid {
	return New(DefaultConfig(), zap.NewNop(), executor, NewSeededTiming(seed))
}

// Timing exposes the delay source so callers can share it.
func (h *Humanoid) Timing() *Timing {
	return h.timing
}

// Position returns the last known pointer position.
func (h *Humanoid) Position() schemas.Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentPos.Point()
}

// ActionPause waits a random action delay. Disabled humanoid pacing skips it.
func (h *Humanoid) ActionPause(ctx context.Context) error {
	if !h.cfg.Enabled {
		return ctx.Err()
	}
	return h.timing.Pause(ctx, h.executor, h.cfg.ActionDelayMin, h.cfg.ActionDelayMax)
}

func (h *Humanoid) buttonsBitfield() int64 {
	if h.currentButtonState == schemas.ButtonLeft {
		return 1
	}
	return 0
}
