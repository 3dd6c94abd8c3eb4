package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/GimbalGo/internal/hw/gpio"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/pid"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// Servo driver names.
const (
	DriverMock    = "mock"
	DriverGPIO    = "gpio"
	DriverMaestro = "maestro"
)

// Sensor types.
const (
	SensorNone     = "none"
	SensorExternal = "external"
)

// Rate units accepted from an external sensor.
const (
	UnitsDegPerSec = "deg_per_sec"
	UnitsRadPerSec = "rad_per_sec"
)

// MaxMoveMs bounds a timed move and a preset step delay, in milliseconds.
const MaxMoveMs = 24 * 60 * 60 * 1000

// MaxTrimDeg bounds the per-axis mechanical trim.
const MaxTrimDeg = 90.0

// DefaultsConfig contains process-wide parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Control holds everything the control loop reads on each tick. It is
// always handed out by value.
type Control struct {
	Mode         Mode    `yaml:"mode" json:"mode"`
	Kp           float64 `yaml:"kp" json:"kp"`
	Ki           float64 `yaml:"ki" json:"ki"`
	Kd           float64 `yaml:"kd" json:"kd"`
	LoopPeriodMs int     `yaml:"loop_period_ms" json:"loop_period_ms"`
	Smoothing    float64 `yaml:"smoothing" json:"smoothing"` // fraction of the remaining error applied per tick, (0,1]
	YawTrim      float64 `yaml:"yaw_trim" json:"yaw_trim"`
	PitchTrim    float64 `yaml:"pitch_trim" json:"pitch_trim"`
	RollTrim     float64 `yaml:"roll_trim" json:"roll_trim"`
	// FlatReference is the pose captured as "level". Nil until captured.
	FlatReference *geometry.Pose `yaml:"flat_reference,omitempty" json:"flat_reference"`
}

// LoopPeriod returns the control loop period.
func (c Control) LoopPeriod() time.Duration {
	return time.Duration(c.LoopPeriodMs) * time.Millisecond
}

// Trim returns the per-axis trim as a pose offset.
func (c Control) Trim() geometry.Pose {
	return geometry.Pose{Yaw: c.YawTrim, Pitch: c.PitchTrim, Roll: c.RollTrim}
}

func (c Control) clone() Control {
	if c.FlatReference != nil {
		ref := *c.FlatReference
		c.FlatReference = &ref
	}
	return c
}

// ServoChannel locates one axis servo: a BCM pin for the gpio driver or a
// channel number for the maestro driver. On the gpio driver a negative pin
// leaves the axis unfitted.
type ServoChannel struct {
	Pin     int `yaml:"pin"`
	Channel int `yaml:"channel"`
}

// ServosConfig describes the three hobby servos.
// A Raspberry Pi exposes two hardware PWM channels, so the gpio driver
// drives at most two axes. Use the maestro driver for all three.
type ServosConfig struct {
	Driver      string       `yaml:"driver"` // mock, gpio or maestro
	FrequencyHz int          `yaml:"frequency_hz"`
	MinPulseUs  int          `yaml:"min_pulse_us"`
	MaxPulseUs  int          `yaml:"max_pulse_us"`
	Yaw         ServoChannel `yaml:"yaw"`
	Pitch       ServoChannel `yaml:"pitch"`
	Roll        ServoChannel `yaml:"roll"`
}

// MinPulse returns the pulse width for 0 degrees.
func (s ServosConfig) MinPulse() time.Duration {
	return time.Duration(s.MinPulseUs) * time.Microsecond
}

// MaxPulse returns the pulse width for 180 degrees.
func (s ServosConfig) MaxPulse() time.Duration {
	return time.Duration(s.MaxPulseUs) * time.Microsecond
}

// MaestroConfig selects the Pololu Maestro serial servo controller.
type MaestroConfig struct {
	Port     string `yaml:"port"` // e.g. /dev/ttyACM0
	BaudRate int    `yaml:"baud_rate"`
	Device   int    `yaml:"device"`  // Pololu protocol device number
	Compact  bool   `yaml:"compact"` // compact protocol instead of Pololu framing
}

// SensorConfig selects the angular-rate source used in Auto mode.
type SensorConfig struct {
	Type           string `yaml:"type"`  // none or external
	Units          string `yaml:"units"` // deg_per_sec or rad_per_sec
	StaleTimeoutMs int    `yaml:"stale_timeout_ms"`
}

// StaleTimeout returns how long an external rate sample stays valid.
func (s SensorConfig) StaleTimeout() time.Duration {
	return time.Duration(s.StaleTimeoutMs) * time.Millisecond
}

// RadioConfig describes the serial radio command link. An empty port
// disables it.
type RadioConfig struct {
	Port           string `yaml:"port"`
	BaudRate       int    `yaml:"baud_rate"`
	StatusPeriodMs int    `yaml:"status_period_ms"`
}

// StatusPeriod returns the interval between unsolicited status lines.
func (r RadioConfig) StatusPeriod() time.Duration {
	return time.Duration(r.StatusPeriodMs) * time.Millisecond
}

// ButtonConfig describes the physical push button (active low).
type ButtonConfig struct {
	Disabled    bool `yaml:"disabled"`
	Pin         int  `yaml:"pin"` // BCM
	LongPressMs int  `yaml:"long_press_ms"`
	DebounceMs  int  `yaml:"debounce_ms"`
	PollMs      int  `yaml:"poll_ms"`
}

// LongPress returns the hold time that triggers the long-press action.
func (b ButtonConfig) LongPress() time.Duration {
	return time.Duration(b.LongPressMs) * time.Millisecond
}

// Debounce returns the time a level must stay stable to be accepted.
func (b ButtonConfig) Debounce() time.Duration {
	return time.Duration(b.DebounceMs) * time.Millisecond
}

// Poll returns the input sampling interval.
func (b ButtonConfig) Poll() time.Duration {
	return time.Duration(b.PollMs) * time.Millisecond
}

// WebConfig holds web interface parameters.
type WebConfig struct {
	StatusPeriodMs int `yaml:"status_period_ms"`
}

// StatusPeriod returns the WebSocket status broadcast interval.
func (w WebConfig) StatusPeriod() time.Duration {
	return time.Duration(w.StatusPeriodMs) * time.Millisecond
}

// PresetStep is one two-point move of a preset.
type PresetStep struct {
	Position   geometry.Pose `yaml:"position" json:"position"`
	DurationMs int           `yaml:"duration_ms" json:"duration_ms"`
	DelayMs    int           `yaml:"delay_ms" json:"delay_ms"`
}

// Duration returns the move duration.
func (s PresetStep) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// Delay returns the pause before the move starts.
func (s PresetStep) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

// Preset is a named queue of moves.
type Preset struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description"`
	Steps       []PresetStep `yaml:"steps" json:"steps"`
}

// Validate checks the preset name and every step.
func (p Preset) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return errors.New("preset name is required")
	}
	if name != p.Name || strings.ContainsAny(name, "/\\") || len(name) > 64 {
		return fmt.Errorf("preset name %q is invalid", p.Name)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("preset %q has no steps", p.Name)
	}
	for i, s := range p.Steps {
		if err := s.Position.Validate(); err != nil {
			return fmt.Errorf("preset %q step %d: %w", p.Name, i+1, err)
		}
		if s.DurationMs < 0 || s.DelayMs < 0 || s.DurationMs > MaxMoveMs || s.DelayMs > MaxMoveMs {
			return fmt.Errorf("preset %q step %d: duration and delay must be 0-%d ms", p.Name, i+1, MaxMoveMs)
		}
	}
	return nil
}

func (p Preset) clone() Preset {
	p.Steps = append([]PresetStep(nil), p.Steps...)
	return p
}

// Config aggregates all application configuration.
type Config struct {
	Defaults DefaultsConfig `yaml:"defaults"`
	Control  Control        `yaml:"control"`
	Servos   ServosConfig   `yaml:"servos"`
	Maestro  MaestroConfig  `yaml:"maestro"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Radio    RadioConfig    `yaml:"radio"`
	Button   ButtonConfig   `yaml:"button"`
	Web      WebConfig      `yaml:"web"`
	Presets  []Preset       `yaml:"presets,omitempty"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		Control: Control{
			Mode:         ModeManual,
			Kp:           2.0,
			Ki:           0.5,
			Kd:           1.0,
			LoopPeriodMs: 20,
			Smoothing:    0.1,
		},
		Servos: ServosConfig{
			Driver:      DriverMock,
			FrequencyHz: 50,
			MinPulseUs:  500,
			MaxPulseUs:  2500,
			Yaw:         ServoChannel{Pin: 12, Channel: 0},
			Pitch:       ServoChannel{Pin: 13, Channel: 1},
			Roll:        ServoChannel{Pin: 18, Channel: 2},
		},
		Maestro: MaestroConfig{BaudRate: 9600, Device: 12},
		Sensor:  SensorConfig{Type: SensorNone, Units: UnitsDegPerSec, StaleTimeoutMs: 500},
		Radio:   RadioConfig{BaudRate: 9600, StatusPeriodMs: 100},
		Button:  ButtonConfig{Pin: 15, LongPressMs: 3000, DebounceMs: 50, PollMs: 10},
		Web:     WebConfig{StatusPeriodMs: 100},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Control = c.Control.clone()
	if c.Presets != nil {
		out.Presets = make([]Preset, len(c.Presets))
		for i, p := range c.Presets {
			out.Presets[i] = p.clone()
		}
	}
	return &out
}

// Load reads a YAML file and returns the configuration. Keys absent from
// the file keep their Default value.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills zero durations with defaults and rejects inconsistent
// values.
func (c *Config) Validate() error {
	d := Default()

	// Control
	if !c.Control.Mode.Valid() {
		return fmt.Errorf("control.mode: %w", ErrInvalidMode)
	}
	if !pid.ValidGains(c.Control.Kp, c.Control.Ki, c.Control.Kd) {
		return fmt.Errorf("control gains must be finite and >= 0, got kp=%g ki=%g kd=%g",
			c.Control.Kp, c.Control.Ki, c.Control.Kd)
	}
	if c.Control.LoopPeriodMs <= 0 {
		c.Control.LoopPeriodMs = d.Control.LoopPeriodMs
	}
	if c.Control.LoopPeriodMs > 1000 {
		return fmt.Errorf("control.loop_period_ms must be <= 1000, got %d", c.Control.LoopPeriodMs)
	}
	if c.Control.Smoothing == 0 {
		c.Control.Smoothing = d.Control.Smoothing
	}
	if err := ValidateSmoothing(c.Control.Smoothing); err != nil {
		return err
	}
	for _, t := range []struct {
		name string
		v    float64
	}{{"yaw_trim", c.Control.YawTrim}, {"pitch_trim", c.Control.PitchTrim}, {"roll_trim", c.Control.RollTrim}} {
		if err := ValidateTrim(t.v); err != nil {
			return fmt.Errorf("control.%s: %w", t.name, err)
		}
	}
	if c.Control.FlatReference != nil {
		if err := c.Control.FlatReference.Validate(); err != nil {
			return fmt.Errorf("control.flat_reference: %w", err)
		}
	}

	// Servos
	switch c.Servos.Driver {
	case "":
		c.Servos.Driver = d.Servos.Driver
	case DriverMock, DriverGPIO, DriverMaestro:
	default:
		return fmt.Errorf("servos.driver must be one of mock, gpio, maestro, got %q", c.Servos.Driver)
	}
	if c.Servos.FrequencyHz <= 0 {
		c.Servos.FrequencyHz = d.Servos.FrequencyHz
	}
	if c.Servos.MinPulseUs <= 0 {
		c.Servos.MinPulseUs = d.Servos.MinPulseUs
	}
	if c.Servos.MaxPulseUs <= 0 {
		c.Servos.MaxPulseUs = d.Servos.MaxPulseUs
	}
	if c.Servos.MinPulseUs >= c.Servos.MaxPulseUs {
		return fmt.Errorf("servos.min_pulse_us (%d) must be < max_pulse_us (%d)", c.Servos.MinPulseUs, c.Servos.MaxPulseUs)
	}
	if period := 1e6 / float64(c.Servos.FrequencyHz); float64(c.Servos.MaxPulseUs) >= period {
		return fmt.Errorf("servos.max_pulse_us (%d) does not fit a %d Hz period", c.Servos.MaxPulseUs, c.Servos.FrequencyHz)
	}
	if c.Servos.Driver == DriverGPIO {
		if err := validatePWMAxes(c.Servos); err != nil {
			return err
		}
	}
	if c.Servos.Driver == DriverMaestro && c.Maestro.Port == "" {
		return errors.New("maestro.port is required when servos.driver is maestro")
	}
	if c.Maestro.BaudRate <= 0 {
		c.Maestro.BaudRate = d.Maestro.BaudRate
	}
	if c.Maestro.Device < 0 || c.Maestro.Device > 127 {
		return fmt.Errorf("maestro.device must be 0-127, got %d", c.Maestro.Device)
	}

	// Sensor
	switch c.Sensor.Type {
	case "":
		c.Sensor.Type = SensorNone
	case SensorNone, SensorExternal:
	default:
		return fmt.Errorf("sensor.type must be none or external, got %q", c.Sensor.Type)
	}
	switch c.Sensor.Units {
	case "":
		c.Sensor.Units = UnitsDegPerSec
	case UnitsDegPerSec, UnitsRadPerSec:
	default:
		return fmt.Errorf("sensor.units must be deg_per_sec or rad_per_sec, got %q", c.Sensor.Units)
	}
	if c.Sensor.StaleTimeoutMs <= 0 {
		c.Sensor.StaleTimeoutMs = d.Sensor.StaleTimeoutMs
	}

	// Radio
	if c.Radio.BaudRate <= 0 {
		c.Radio.BaudRate = d.Radio.BaudRate
	}
	if c.Radio.StatusPeriodMs <= 0 {
		c.Radio.StatusPeriodMs = d.Radio.StatusPeriodMs
	}

	// Button
	if c.Button.Pin <= 0 {
		c.Button.Pin = d.Button.Pin
	}
	if c.Button.LongPressMs <= 0 {
		c.Button.LongPressMs = d.Button.LongPressMs
	}
	if c.Button.DebounceMs <= 0 {
		c.Button.DebounceMs = d.Button.DebounceMs
	}
	if c.Button.PollMs <= 0 {
		c.Button.PollMs = d.Button.PollMs
	}
	if c.Button.DebounceMs >= c.Button.LongPressMs {
		return fmt.Errorf("button.debounce_ms (%d) must be < long_press_ms (%d)", c.Button.DebounceMs, c.Button.LongPressMs)
	}

	// Web
	if c.Web.StatusPeriodMs <= 0 {
		c.Web.StatusPeriodMs = d.Web.StatusPeriodMs
	}

	// Presets
	seen := make(map[string]bool, len(c.Presets))
	for _, p := range c.Presets {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate preset %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// validatePWMAxes checks that every fitted axis has its own hardware PWM
// channel.
func validatePWMAxes(s ServosConfig) error {
	owner := make(map[int]string, 2)
	fitted := 0
	for _, a := range []struct {
		name string
		pin  int
	}{{"yaw", s.Yaw.Pin}, {"pitch", s.Pitch.Pin}, {"roll", s.Roll.Pin}} {
		if a.pin < 0 {
			continue
		}
		fitted++
		ch, ok := gpio.PWMChannel(a.pin)
		if !ok {
			return fmt.Errorf("servos.%s.pin %d has no hardware PWM (use 12, 13, 18 or 19)", a.name, a.pin)
		}
		if other, taken := owner[ch]; taken {
			return fmt.Errorf("servos.%s.pin %d shares PWM channel %d with %s; the gpio driver drives two axes at most, use the maestro driver for three", a.name, a.pin, ch, other)
		}
		owner[ch] = a.name
	}
	if fitted == 0 {
		return errors.New("servos: the gpio driver needs at least one fitted axis")
	}
	return nil
}

// ValidateSmoothing checks a smoothing factor lies in (0, 1].
func ValidateSmoothing(v float64) error {
	if math.IsNaN(v) || v <= 0 || v > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %g", v)
	}
	return nil
}

// ValidateTrim checks a trim is finite and within ±MaxTrimDeg.
func ValidateTrim(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxTrimDeg {
		return fmt.Errorf("trim must be within ±%g, got %g", MaxTrimDeg, v)
	}
	return nil
}

// ValidateConfigPath accepts only a .yaml file whose parent directory is
// named configs, with no parent traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}
