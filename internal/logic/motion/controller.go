// Package motion is the gimbal motion core: the shared position state, the
// Manual/Auto arbitration, timed moves and the fixed-rate control loop.
package motion

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/pid"
)

// ErrOutOfRange is returned for a pose outside the travel limits. Nothing
// is clamped on input.
var ErrOutOfRange = geometry.ErrOutOfRange

// Defaults used when the settings snapshot carries no usable value.
const (
	DefaultPeriod    = 20 * time.Millisecond
	DefaultSmoothing = 0.1
)

// RateSource reports angular rates in degrees per second. It must return
// zero when no sensor data is available.
type RateSource interface {
	Rates() geometry.Pose
}

// Settings is the configuration collaborator. Control is read by value on
// every tick; the setters persist before returning.
type Settings interface {
	Control() config.Control
	SetMode(config.Mode) error
	SetFlatReference(geometry.Pose) error
}

// Actuator receives the per-axis command in degrees once per tick.
type Actuator interface {
	Write(geometry.Pose) error
}

// Status is a consistent snapshot of the motion state.
type Status struct {
	Mode         config.Mode   `json:"mode"`
	Current      geometry.Pose `json:"position"`
	Target       geometry.Pose `json:"target"`
	ManualTarget geometry.Pose `json:"manual_target"`
	AutoTarget   geometry.Pose `json:"auto_target"`
	MoveActive   bool          `json:"move_active"`
	Ticks        uint64        `json:"ticks"`
	WriteErrors  uint64        `json:"write_errors"`
}

// Controller owns the motion state. current is written only by Tick; every
// other field may be written by the command methods. All fields are guarded
// by mu, and mu is never held while calling a collaborator.
type Controller struct {
	settings Settings
	rates    RateSource
	actuator Actuator

	// modeMu serializes SetMode so the persisted mode and the reset it
	// implies land together. It is taken before the settings write and
	// before mu.
	modeMu sync.Mutex

	mu           sync.Mutex
	current      geometry.Pose
	target       geometry.Pose // target chosen by the last tick
	manualTarget geometry.Pose
	autoTarget   geometry.Pose
	move         *TimedMove
	clock        time.Duration // sum of tick intervals
	ticks        uint64
	yaw          *pid.AxisController
	pitch        *pid.AxisController
	roll         *pid.AxisController

	writeErrors atomic.Uint64
}

// NewController creates a controller resting at the geometric center.
// rates may be nil when no sensor is fitted.
func NewController(settings Settings, rates RateSource, actuator Actuator) *Controller {
	ctl := settings.Control()
	c := &Controller{
		settings:     settings,
		rates:        rates,
		actuator:     actuator,
		current:      geometry.CenterPose(),
		target:       geometry.CenterPose(),
		manualTarget: geometry.CenterPose(),
		autoTarget:   geometry.CenterPose(),
		yaw:          pid.NewAxisController(ctl.Kp, ctl.Ki, ctl.Kd),
		pitch:        pid.NewAxisController(ctl.Kp, ctl.Ki, ctl.Kd),
		roll:         pid.NewAxisController(ctl.Kp, ctl.Ki, ctl.Kd),
	}
	return c
}

// SetManualPosition sets the Manual target and cancels any timed move.
func (c *Controller) SetManualPosition(p geometry.Pose) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("manual position: %w", err)
	}
	c.mu.Lock()
	c.manualTarget = p
	cancelled := c.move != nil
	c.move = nil
	c.mu.Unlock()

	if cancelled {
		debug.Live("Timed move cancelled by manual position")
	}
	debug.Verbose("Manual target %v", p)
	return nil
}

// SetAutoTarget sets the attitude tracked in Auto mode.
func (c *Controller) SetAutoTarget(p geometry.Pose) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("auto target: %w", err)
	}
	c.mu.Lock()
	c.autoTarget = p
	c.mu.Unlock()

	debug.Verbose("Auto target %v", p)
	return nil
}

// SetMode persists the new mode, then resets the axis controllers when
// entering Manual. Concurrent calls are applied one at a time, so a Manual
// reset never lands after a later switch to Auto.
func (c *Controller) SetMode(m config.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("set mode %d: %w", int(m), config.ErrInvalidMode)
	}
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	prev := c.settings.Control().Mode
	if err := c.settings.SetMode(m); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}

	c.mu.Lock()
	if m == config.ModeManual {
		c.yaw.Reset()
		c.pitch.Reset()
		c.roll.Reset()
	}
	c.mu.Unlock()

	debug.Mode(prev, m)
	return nil
}

// Mode returns the persisted mode.
func (c *Controller) Mode() config.Mode {
	return c.settings.Control().Mode
}

// StartTimedMove interpolates from the current position to end over d.
// It replaces any active move; d <= 0 completes on the next tick and d
// above MaxMoveDuration is rejected.
func (c *Controller) StartTimedMove(d time.Duration, end geometry.Pose) error {
	if err := end.Validate(); err != nil {
		return fmt.Errorf("timed move: %w", err)
	}
	if d > MaxMoveDuration {
		return fmt.Errorf("timed move: %w: %v", ErrInvalidDuration, d)
	}
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.move = &TimedMove{Start: c.current, End: end, Duration: d, began: c.clock}
	start := c.current
	c.mu.Unlock()

	debug.Live("Timed move %v -> %v over %v", start, end, d)
	return nil
}

// CurrentPosition returns the smoothed position tracked by the loop.
func (c *Controller) CurrentPosition() geometry.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CaptureFlatReference saves the current position as the level reference.
func (c *Controller) CaptureFlatReference() (geometry.Pose, error) {
	p := c.CurrentPosition()
	if err := c.settings.SetFlatReference(p); err != nil {
		return p, fmt.Errorf("capture flat reference: %w", err)
	}
	debug.Info("Flat reference set to %v", p)
	return p, nil
}

// FlatReference returns the stored level reference, if any.
func (c *Controller) FlatReference() (geometry.Pose, bool) {
	ref := c.settings.Control().FlatReference
	if ref == nil {
		return geometry.Pose{}, false
	}
	return *ref, true
}

// Center sets the Manual target to the flat reference, or to the geometric
// center when none has been captured.
func (c *Controller) Center() error {
	home, ok := c.FlatReference()
	if !ok {
		home = geometry.CenterPose()
	}
	return c.SetManualPosition(home)
}

// Status returns a snapshot of the motion state taken in a single pass
// under the lock.
func (c *Controller) Status() Status {
	mode := c.settings.Control().Mode

	c.mu.Lock()
	s := Status{
		Mode:         mode,
		Current:      c.current,
		Target:       c.target,
		ManualTarget: c.manualTarget,
		AutoTarget:   c.autoTarget,
		MoveActive:   c.move != nil,
		Ticks:        c.ticks,
	}
	c.mu.Unlock()

	s.WriteErrors = c.writeErrors.Load()
	return s
}
