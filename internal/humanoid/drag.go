// internal/humanoid/drag.go
package humanoid

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"go.uber.org/zap"
)

// DragPlan describes a horizontal drag. It is derived data with no identity.
type DragPlan struct {
	Start    schemas.Point
	Distance float64
	Steps    int
	// Jitter is the amplitude, in pixels, of the vertical wobble.
	Jitter float64
	Easing func(float64) float64
}

// PlanDrag builds a plan with the ease-out cubic curve. Fewer than one step
// is raised to one.
func PlanDrag(start schemas.Point, distance float64, steps int, jitter float64) DragPlan {
	if steps < 1 {
		steps = 1
	}
	return DragPlan{Start: start, Distance: distance, Steps: steps, Jitter: jitter, Easing: EaseOutCubic}
}

// End is the release point of the plan.
func (p DragPlan) End() schemas.Point {
	return schemas.Point{X: p.Start.X + p.Distance, Y: p.Start.Y}
}

// Points returns the intermediate pointer positions, excluding the start and
// ending exactly at End().
func (p DragPlan) Points() []schemas.Point {
	steps := p.Steps
	if steps < 1 {
		steps = 1
	}
	ease := p.Easing
	if ease == nil {
		ease = EaseOutCubic
	}

	points := make([]schemas.Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		wobble := 0.0
		if i < steps {
			// Two full periods over the path, zero at both ends.
			wobble = p.Jitter * math.Sin(t*2*math.Pi*2)
		}
		points = append(points, schemas.Point{
			X: p.Start.X + p.Distance*ease(t),
			Y: p.Start.Y + wobble,
		})
	}
	return points
}

// Drag executes the plan: approach the start, press, move through every
// point with the button held, then release. The button is always released
// on failure.
func (h *Humanoid) Drag(ctx context.Context, plan DragPlan, stepDelay time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.moveToVector(ctx, VectorFromPoint(plan.Start)); err != nil {
		return fmt.Errorf("dragdrop: could not reach handle: %w", err)
	}
	if err := h.pressMouse(ctx); err != nil {
		return err
	}

	// Grab pause before the handle starts moving.
	if err := h.timing.Pause(ctx, h.executor, 80*time.Millisecond, 160*time.Millisecond); err != nil {
		h.releaseMouse(context.Background())
		return err
	}

	for _, p := range plan.Points() {
		err := h.executor.DispatchMouseEvent(ctx, schemas.MouseEventData{
			Type:    schemas.MouseMove,
			X:       p.X,
			Y:       p.Y,
			Button:  schemas.ButtonLeft,
			Buttons: 1,
		})
		if err != nil {
			h.logger.Warn("Drag movement failed, releasing mouse", zap.Error(err))
			h.releaseMouse(context.Background())
			return fmt.Errorf("dragdrop: move failed: %w", err)
		}
		h.currentPos = VectorFromPoint(p)

		if stepDelay > 0 {
			if err := h.executor.Sleep(ctx, stepDelay); err != nil {
				h.releaseMouse(context.Background())
				return err
			}
		}
	}

	if err := h.timing.Pause(ctx, h.executor, 60*time.Millisecond, 120*time.Millisecond); err != nil {
		h.releaseMouse(context.Background())
		return err
	}
	return h.releaseMouse(ctx)
}
