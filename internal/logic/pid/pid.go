// Package pid implements the per-axis PID compute unit used by the
// stabilization loop.
package pid

import "math"

// AxisController is a proportional-integral-derivative controller for one
// gimbal axis. It is not safe for concurrent use; the motion controller
// only touches it while holding its own lock.
//
// The integral term is not clamped (no anti-windup). A long saturation in
// Auto mode will accumulate integral error until the next Reset.
type AxisController struct {
	kp, ki, kd float64

	integral  float64
	prevError float64
}

// NewAxisController creates a controller with the given gains and zeroed state.
func NewAxisController(kp, ki, kd float64) *AxisController {
	return &AxisController{kp: kp, ki: ki, kd: kd}
}

// Compute returns the correction for one step of dt seconds.
// A non-positive (or NaN) dt is a no-op that returns 0 and leaves the
// integral and previous error untouched.
func (c *AxisController) Compute(setpoint, measurement, dt float64) float64 {
	if !(dt > 0) {
		return 0
	}

	err := setpoint - measurement
	c.integral += err * dt
	derivative := (err - c.prevError) / dt
	c.prevError = err

	return c.kp*err + c.ki*c.integral + c.kd*derivative
}

// SetTunings replaces all three gains at once.
func (c *AxisController) SetTunings(kp, ki, kd float64) {
	c.kp, c.ki, c.kd = kp, ki, kd
}

// Tunings returns the current gains.
func (c *AxisController) Tunings() (kp, ki, kd float64) {
	return c.kp, c.ki, c.kd
}

// Reset zeroes the accumulated integral and the previous error.
func (c *AxisController) Reset() {
	c.integral = 0
	c.prevError = 0
}

// Integral returns the accumulated integral term.
func (c *AxisController) Integral() float64 {
	return c.integral
}

// ValidGains reports whether all gains are finite and non-negative.
func ValidGains(kp, ki, kd float64) bool {
	for _, g := range []float64{kp, ki, kd} {
		if math.IsNaN(g) || math.IsInf(g, 0) || g < 0 {
			return false
		}
	}
	return true
}
