package servo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/hw/gpio"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

// Config holds the hardware configuration for one hobby servo.
type Config struct {
	Name        string // axis name, for logs
	Pin         int    // BCM pin with hardware PWM
	FrequencyHz int
	MinPulse    time.Duration // pulse at 0 degrees
	MaxPulse    time.Duration // pulse at 180 degrees
}

// Servo drives one hobby servo from a PWM-capable GPIO pin.
type Servo struct {
	gpio gpio.Driver
	cfg  Config
}

// NewServo configures the pin for PWM and returns the servo. The servo
// receives no pulse until the first Write.
func NewServo(g gpio.Driver, cfg Config) (*Servo, error) {
	if cfg.MinPulse <= 0 || cfg.MaxPulse <= cfg.MinPulse {
		return nil, fmt.Errorf("servo %s: invalid pulse range %v-%v", cfg.Name, cfg.MinPulse, cfg.MaxPulse)
	}
	if err := g.SetupPWM(cfg.Pin, cfg.FrequencyHz); err != nil {
		return nil, fmt.Errorf("servo %s: %w", cfg.Name, err)
	}
	debug.Verbose("Servo %s on pin %d (%d Hz, %v-%v)", cfg.Name, cfg.Pin, cfg.FrequencyHz, cfg.MinPulse, cfg.MaxPulse)
	return &Servo{gpio: g, cfg: cfg}, nil
}

// Write moves the servo to angle. The angle is clamped to the travel
// limits and truncated to whole degrees. A nil servo is an unfitted axis
// and ignores the write.
func (s *Servo) Write(angle float64) error {
	if s == nil {
		return nil
	}
	pulse := PulseFor(angle, s.cfg.MinPulse, s.cfg.MaxPulse)
	debug.Servo(s.cfg.Name, angle, int(pulse/time.Microsecond))
	return s.gpio.WritePulse(s.cfg.Pin, pulse)
}

// PulseFor maps an angle linearly onto [minPulse, maxPulse], in whole
// degrees.
func PulseFor(angle float64, minPulse, maxPulse time.Duration) time.Duration {
	deg := math.Trunc(geometry.ClampAngle(angle))
	span := float64(maxPulse - minPulse)
	return minPulse + time.Duration(math.Round(deg/geometry.MaxAngle*span))
}

// Gimbal bundles the three axis servos into a single pose actuator.
type Gimbal struct {
	yaw, pitch, roll *Servo
}

// NewGimbal creates the PWM servos described by cfg. An axis with a
// negative pin is not fitted and its writes are dropped.
func NewGimbal(g gpio.Driver, cfg config.ServosConfig) (*Gimbal, error) {
	mk := func(name string, ch config.ServoChannel) (*Servo, error) {
		if ch.Pin < 0 {
			debug.Verbose("Servo %s not fitted", name)
			return nil, nil
		}
		return NewServo(g, Config{
			Name:        name,
			Pin:         ch.Pin,
			FrequencyHz: cfg.FrequencyHz,
			MinPulse:    cfg.MinPulse(),
			MaxPulse:    cfg.MaxPulse(),
		})
	}
	yaw, err := mk("yaw", cfg.Yaw)
	if err != nil {
		return nil, err
	}
	pitch, err := mk("pitch", cfg.Pitch)
	if err != nil {
		return nil, err
	}
	roll, err := mk("roll", cfg.Roll)
	if err != nil {
		return nil, err
	}
	return &Gimbal{yaw: yaw, pitch: pitch, roll: roll}, nil
}

// Write commands all three axes. Every axis is attempted even if an
// earlier one fails.
func (g *Gimbal) Write(p geometry.Pose) error {
	return errors.Join(
		g.yaw.Write(p.Yaw),
		g.pitch.Write(p.Pitch),
		g.roll.Write(p.Roll),
	)
}
