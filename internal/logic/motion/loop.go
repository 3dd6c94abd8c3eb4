package motion

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

// Run drives Tick at the configured loop period until ctx is done. Each
// tick receives the monotonic time since the previous one; the first tick
// receives one period.
func (c *Controller) Run(ctx context.Context) error {
	period := c.settings.Control().LoopPeriod()
	if period <= 0 {
		period = DefaultPeriod
	}
	debug.Info("Control loop running every %v", period)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			debug.Info("Control loop stopped after %d ticks", c.Status().Ticks)
			return ctx.Err()
		case now := <-ticker.C:
			dt := period
			if !last.IsZero() {
				dt = now.Sub(last)
			}
			last = now
			c.Tick(dt)
		}
	}
}

// Tick advances the loop by dt. The settings and rate snapshots are taken
// before the lock; the actuator is written after it is released. A tick
// with dt <= 0 changes nothing and only refreshes the actuator.
func (c *Controller) Tick(dt time.Duration) {
	ctl := c.settings.Control()
	var rates geometry.Pose
	if c.rates != nil {
		rates = sanitize(c.rates.Rates())
	}
	alpha := ctl.Smoothing
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultSmoothing
	}

	c.mu.Lock()
	c.yaw.SetTunings(ctl.Kp, ctl.Ki, ctl.Kd)
	c.pitch.SetTunings(ctl.Kp, ctl.Ki, ctl.Kd)
	c.roll.SetTunings(ctl.Kp, ctl.Ki, ctl.Kd)

	if dt > 0 {
		c.clock += dt
		c.ticks++
		c.target = c.selectTarget(ctl.Mode, rates, dt.Seconds())
		c.current = geometry.Smooth(c.current, c.target, alpha).Clamp()
	}
	cmd := c.current.Add(ctl.Trim()).Clamp()
	current, ticks := c.current, c.ticks
	c.mu.Unlock()

	if debug.IsEnabled(debug.LevelTrace) {
		debug.Trace("tick %d dt=%v current=%v cmd=%v", ticks, dt, current, cmd)
	}
	if c.actuator == nil {
		return
	}
	if err := c.actuator.Write(cmd); err != nil {
		n := c.writeErrors.Add(1)
		// Log the first failure and every 100th after it.
		if n == 1 || n%100 == 0 {
			debug.Error(fmt.Errorf("actuator write (%d failures): %w", n, err))
		}
	}
}

// selectTarget picks this tick's target. An active timed move wins in
// either mode; otherwise Auto applies PID correction and Manual holds the
// manual target. Must be called with mu held.
func (c *Controller) selectTarget(mode config.Mode, rates geometry.Pose, sec float64) geometry.Pose {
	if c.move != nil {
		target, done := c.move.At(c.clock)
		if done {
			c.manualTarget = c.move.End
			c.move = nil
			debug.Live("Timed move complete at %v", target)
		}
		return target
	}

	if mode == config.ModeAuto {
		// Dead-reckon where the platform has rotated to since the last tick.
		measured := c.current.Add(rates.Scale(sec))
		correction := geometry.Pose{
			Yaw:   c.yaw.Compute(c.autoTarget.Yaw, measured.Yaw, sec),
			Pitch: c.pitch.Compute(c.autoTarget.Pitch, measured.Pitch, sec),
			Roll:  c.roll.Compute(c.autoTarget.Roll, measured.Roll, sec),
		}
		return c.current.Add(correction)
	}

	return c.manualTarget
}

func sanitize(r geometry.Pose) geometry.Pose {
	fix := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	return geometry.Pose{Yaw: fix(r.Yaw), Pitch: fix(r.Pitch), Roll: fix(r.Roll)}
}
