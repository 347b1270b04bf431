// internal/humanoid/movement.go
package humanoid

import (
	"context"
	"fmt"
	"time"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"go.uber.org/zap"
)

const approachStepDelay = 12 * time.Millisecond

// MoveTo moves the pointer to target along an eased path.
func (h *Humanoid) MoveTo(ctx context.Context, target schemas.Point) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.moveToVector(ctx, VectorFromPoint(target))
}

// moveToVector assumes the caller holds the lock.
func (h *Humanoid) moveToVector(ctx context.Context, target Vector2D) error {
	steps := h.cfg.ApproachSteps
	if !h.cfg.Enabled || steps < 1 {
		steps = 1
	}
	start := h.currentPos
	buttons := h.buttonsBitfield()

	for i := 1; i <= steps; i++ {
		p := start.Lerp(target, EaseOutCubic(float64(i)/float64(steps)))
		if i < steps && h.cfg.Enabled {
			// Sub-pixel tremor on intermediate points only; the last one lands exactly.
			p = p.Add(Vector2D{X: h.timing.Float(-0.6, 0.6), Y: h.timing.Float(-0.6, 0.6)})
		}
		err := h.executor.DispatchMouseEvent(ctx, schemas.MouseEventData{
			Type:    schemas.MouseMove,
			X:       p.X,
			Y:       p.Y,
			Button:  schemas.ButtonNone,
			Buttons: buttons,
		})
		if err != nil {
			return fmt.Errorf("humanoid: pointer move failed: %w", err)
		}
		h.currentPos = p
		if i < steps && h.cfg.Enabled {
			if err := h.executor.Sleep(ctx, approachStepDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// Click moves to target, presses and releases the primary button after a
// randomized hold.
func (h *Humanoid) Click(ctx context.Context, target schemas.Point) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.moveToVector(ctx, VectorFromPoint(target)); err != nil {
		return err
	}
	if err := h.pressMouse(ctx); err != nil {
		return err
	}

	hold := h.timing.Between(h.cfg.ClickHoldMin, h.cfg.ClickHoldMax)
	if h.cfg.Enabled && hold > 0 {
		if err := h.executor.Sleep(ctx, hold); err != nil {
			h.releaseMouse(context.Background())
			return err
		}
	}
	return h.releaseMouse(ctx)
}

func (h *Humanoid) pressMouse(ctx context.Context) error {
	err := h.executor.DispatchMouseEvent(ctx, schemas.MouseEventData{
		Type:       schemas.MousePress,
		X:          h.currentPos.X,
		Y:          h.currentPos.Y,
		Button:     schemas.ButtonLeft,
		Buttons:    1,
		ClickCount: 1,
	})
	if err != nil {
		return fmt.Errorf("humanoid: mouse press failed: %w", err)
	}
	h.currentButtonState = schemas.ButtonLeft
	return nil
}

// releaseMouse is a no-op unless the primary button is down.
func (h *Humanoid) releaseMouse(ctx context.Context) error {
	if h.currentButtonState != schemas.ButtonLeft {
		return nil
	}
	err := h.executor.DispatchMouseEvent(ctx, schemas.MouseEventData{
		Type:       schemas.MouseRelease,
		X:          h.currentPos.X,
		Y:          h.currentPos.Y,
		Button:     schemas.ButtonLeft,
		Buttons:    0,
		ClickCount: 1,
	})
	if err != nil {
		h.logger.Error("Failed to dispatch mouse release, clearing button state anyway", zap.Error(err))
	}
	h.currentButtonState = schemas.ButtonNone
	return err
}
