// internal/humanoid/vector.go
package humanoid

import (
	"math"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// Vector2D represents a point or vector in viewport space.
type Vector2D struct {
	X float64
	Y float64
}

// VectorFromPoint converts a schema point.
func VectorFromPoint(p schemas.Point) Vector2D {
	return Vector2D{X: p.X, Y: p.Y}
}

// Point converts the vector back to a schema point.
func (v Vector2D) Point() schemas.Point {
	return schemas.Point{X: v.X, Y: v.Y}
}

// Add returns v + other.
func (v Vector2D) Add(other Vector2D) Vector2D {
	return Vector2D{X: v.X + other.X, Y: v.Y + other.Y}
}

// Sub returns v - other.
func (v Vector2D) Sub(other Vector2D) Vector2D {
	return Vector2D{X: v.X - other.X, Y: v.Y - other.Y}
}

// Mul scales v.
func (v Vector2D) Mul(scalar float64) Vector2D {
	return Vector2D{X: v.X * scalar, Y: v.Y * scalar}
}

// Mag is the Euclidean length of v.
func (v Vector2D) Mag() float64 {
	return math.Hypot(v.X, v.Y)
}

// Dist is the Euclidean distance between two points.
func (v Vector2D) Dist(other Vector2D) float64 {
	return math.Hypot(v.X-other.X, v.Y-other.Y)
}

// Lerp interpolates linearly between v and other; t is not clamped.
func (v Vector2D) Lerp(other Vector2D, t float64) Vector2D {
	return v.Add(other.Sub(v).Mul(t))
}
