package geometry

import (
	"errors"
	"fmt"
	"math"
)

// Servo travel limits, in degrees.
const (
	MinAngle = 0.0
	MaxAngle = 180.0
	Center   = 90.0
)

// ErrOutOfRange is returned when a pose component lies outside
// [MinAngle, MaxAngle] or is not a finite number.
var ErrOutOfRange = errors.New("angle out of range")

// Pose is the (yaw, pitch, roll) orientation of the gimbal in degrees.
type Pose struct {
	Yaw   float64 `json:"yaw" yaml:"yaw"`
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Roll  float64 `json:"roll" yaml:"roll"`
}

// CenterPose returns the geometric midpoint of all three axes.
func CenterPose() Pose {
	return Pose{Yaw: Center, Pitch: Center, Roll: Center}
}

// Validate reports whether every component is a finite angle within the
// travel limits. Out-of-range input is rejected, never clamped.
func (p Pose) Validate() error {
	for _, a := range []struct {
		name string
		v    float64
	}{{"yaw", p.Yaw}, {"pitch", p.Pitch}, {"roll", p.Roll}} {
		if !ValidAngle(a.v) {
			return fmt.Errorf("%s=%g: %w (must be %g-%g)", a.name, a.v, ErrOutOfRange, MinAngle, MaxAngle)
		}
	}
	return nil
}

// ValidAngle reports whether v is finite and within [MinAngle, MaxAngle].
func ValidAngle(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= MinAngle && v <= MaxAngle
}

// Clamp limits every component to [MinAngle, MaxAngle].
func (p Pose) Clamp() Pose {
	return Pose{
		Yaw:   ClampAngle(p.Yaw),
		Pitch: ClampAngle(p.Pitch),
		Roll:  ClampAngle(p.Roll),
	}
}

// ClampAngle limits a single angle to [MinAngle, MaxAngle].
// NaN collapses to MinAngle so it can never reach an actuator.
func ClampAngle(v float64) float64 {
	if math.IsNaN(v) || v < MinAngle {
		return MinAngle
	}
	if v > MaxAngle {
		return MaxAngle
	}
	return v
}

// Add returns the component-wise sum p + o.
func (p Pose) Add(o Pose) Pose {
	return Pose{Yaw: p.Yaw + o.Yaw, Pitch: p.Pitch + o.Pitch, Roll: p.Roll + o.Roll}
}

// Sub returns the component-wise difference p - o.
func (p Pose) Sub(o Pose) Pose {
	return Pose{Yaw: p.Yaw - o.Yaw, Pitch: p.Pitch - o.Pitch, Roll: p.Roll - o.Roll}
}

// Scale multiplies every component by k.
func (p Pose) Scale(k float64) Pose {
	return Pose{Yaw: p.Yaw * k, Pitch: p.Pitch * k, Roll: p.Roll * k}
}

// Lerp interpolates linearly between a (t=0) and b (t=1).
// t is clamped to [0, 1].
func Lerp(a, b Pose, t float64) Pose {
	switch {
	case math.IsNaN(t) || t <= 0:
		return a
	case t >= 1:
		return b
	}
	return a.Add(b.Sub(a).Scale(t))
}

// Smooth moves current a fraction alpha of the way toward target
// (first-order exponential smoothing).
func Smooth(current, target Pose, alpha float64) Pose {
	return current.Add(target.Sub(current).Scale(alpha))
}

// MaxAbsDiff returns the largest per-axis absolute difference between p and o.
func (p Pose) MaxAbsDiff(o Pose) float64 {
	d := p.Sub(o)
	return math.Max(math.Abs(d.Yaw), math.Max(math.Abs(d.Pitch), math.Abs(d.Roll)))
}

func (p Pose) String() string {
	return fmt.Sprintf("(yaw=%.2f, pitch=%.2f, roll=%.2f)", p.Yaw, p.Pitch, p.Roll)
}
