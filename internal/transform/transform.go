// Package transform maps a hand landmark frame onto an object transform.
package transform

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ayusman/handlink/internal/protocol"
)

// Landmark indices used by the mapping (MediaPipe numbering).
const (
	PalmIndex     = 0
	ThumbTipIndex = 4
	IndexTipIndex = 8
)

// Mapping gains and scale bounds.
const (
	LocationGain = 5.0
	RotationGain = 2 * math.Pi
	ScaleGain    = 3.0
	MinScale     = 0.1
	MaxScale     = 3.0
)

var (
	// ErrTooFewLandmarks is returned for frames without a full hand.
	ErrTooFewLandmarks = errors.New("frame has fewer than 21 landmarks")
	// ErrInvalidImageSize is returned when the frame width or height is not positive.
	ErrInvalidImageSize = errors.New("frame image size must be positive")
)

// Transform is an object's location, Euler rotation (radians) and scale.
type Transform struct {
	Location r3.Vec `json:"location"`
	Rotation r3.Vec `json:"rotation"`
	Scale    r3.Vec `json:"scale"`
}

// Identity returns a transform at the origin with unit scale.
func Identity() Transform {
	return Transform{Scale: r3.Vec{X: 1, Y: 1, Z: 1}}
}

// Baseline is the transform captured when a tracking session starts.
// Every update is computed relative to it, never to the live object.
type Baseline Transform

// Transform returns the baseline as a plain Transform.
func (b Baseline) Transform() Transform { return Transform(b) }

// Apply computes the transform for frame f relative to base. It is a pure
// function of its inputs.
//
// Location and rotation offsets are left unbounded; only the pinch scale
// factor is clamped to [MinScale, MaxScale].
func Apply(f *protocol.Frame, base Baseline) (Transform, error) {
	if !f.Valid() {
		return Transform{}, ErrTooFewLandmarks
	}
	w, h := float64(f.Width()), float64(f.Height())
	if w <= 0 || h <= 0 {
		return Transform{}, ErrInvalidImageSize
	}

	palm := pixel(f, PalmIndex)
	thumb := pixel(f, ThumbTipIndex)
	index := pixel(f, IndexTipIndex)

	// Palm offset in [-0.5, 0.5] scaled by the location gain. Image Y grows
	// downward, scene Y grows upward.
	px := (palm.X/w - 0.5) * LocationGain
	py := (palm.Y/h - 0.5) * LocationGain

	ix := index.X / w
	iy := index.Y / h

	k := ScaleFactor(r2.Norm(r2.Sub(thumb, index)), w)

	return Transform{
		Location: r3.Vec{
			X: base.Location.X + px,
			Y: base.Location.Y - py,
			Z: base.Location.Z,
		},
		Rotation: r3.Vec{
			X: base.Rotation.X + (iy-0.5)*RotationGain,
			Y: base.Rotation.Y + (ix-0.5)*RotationGain,
			Z: base.Rotation.Z,
		},
		Scale: r3.Scale(k, base.Scale),
	}, nil
}

// ScaleFactor converts a pinch distance in pixels into a clamped uniform
// scale multiplier.
func ScaleFactor(pinch, width float64) float64 {
	return Clamp(pinch/width*ScaleGain, MinScale, MaxScale)
}

// Clamp restricts v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func pixel(f *protocol.Frame, i int) r2.Vec {
	lm := f.Landmarks[i]
	return r2.Vec{X: lm[protocol.X], Y: lm[protocol.Y]}
}
