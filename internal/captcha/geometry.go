package captcha

import (
	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

// DragDistance is the horizontal travel needed to move the handle to the
// end of its track: track width minus handle width minus the margin. Missing
// geometry or a result outside [MinDistance, MaxDistance] yields the default.
func DragDistance(ch Challenge, cfg config.CaptchaConfig) float64 {
	fallback := clamp(cfg.DefaultDistance, cfg.MinDistance, cfg.MaxDistance)
	if ch.Handle == nil || ch.Track == nil {
		return fallback
	}
	d := ch.Track.Width - ch.Handle.Width - cfg.Margin
	if d < cfg.MinDistance || d > cfg.MaxDistance {
		return fallback
	}
	return d
}

// perturb shifts the start point and distance for local retry attempt n,
// zero based. Attempt 0 is unchanged; later attempts alternate between a
// shorter drag started lower and a longer drag started higher, growing
// every second attempt.
func perturb(n int, start schemas.Point, distance float64, cfg config.CaptchaConfig) (schemas.Point, float64) {
	if n <= 0 {
		return start, distance
	}
	k := float64((n + 1) / 2)
	sign := 1.0
	if n%2 == 1 {
		sign = -1.0
	}
	start.Y -= sign * k * cfg.PerturbOffsetY
	distance = clamp(distance+sign*k*cfg.PerturbDistance, cfg.MinDistance, cfg.MaxDistance)
	return start, distance
}

// region is the screenshot area around a challenge, padded on every side.
// ok is false when nothing was located.
func region(ch Challenge, pad float64) (schemas.Box, bool) {
	var boxes []schemas.Box
	for _, b := range []*schemas.Box{ch.Track, ch.Handle} {
		if b != nil && b.Valid() {
			boxes = append(boxes, *b)
		}
	}
	if len(boxes) == 0 {
		return schemas.Box{}, false
	}
	minX, minY := boxes[0].X, boxes[0].Y
	maxX, maxY := boxes[0].X+boxes[0].Width, boxes[0].Y+boxes[0].Height
	for _, b := range boxes[1:] {
		minX, minY = min(minX, b.X), min(minY, b.Y)
		maxX, maxY = max(maxX, b.X+b.Width), max(maxY, b.Y+b.Height)
	}
	minX, minY = max(0, minX-pad), max(0, minY-pad)
	return schemas.Box{X: minX, Y: minY, Width: maxX + pad - minX, Height: maxY + pad - minY}, true
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return v
	}
	return max(lo, min(v, hi))
}
