package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up enabled (active-low buttons)
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case InputPullUp:
		return "input-pullup"
	}
	return fmt.Sprintf("PinMode(%d)", int(m))
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetupPWM configures pin as a hardware PWM output at freqHz.
	SetupPWM(pin int, freqHz int) error
	// WritePulse sets the high time of each PWM period on pin.
	WritePulse(pin int, width time.Duration) error
	Close() error
}

// PWMChannel returns the hardware PWM channel a BCM header pin is routed
// to. The BCM283x has two channels: pins 12 and 18 share channel 0, pins 13
// and 19 share channel 1.
func PWMChannel(pin int) (int, bool) {
	switch pin {
	case 12, 18:
		return 0, true
	case 13, 19:
		return 1, true
	}
	return 0, false
}

// channelClaims maps each hardware PWM channel to the pin that owns it.
type channelClaims map[int]int

// claim reserves pin's channel. Two pins on one channel would receive the
// same duty cycle, so the second is refused.
func (c channelClaims) claim(pin int) error {
	ch, ok := PWMChannel(pin)
	if !ok {
		return fmt.Errorf("pin %d has no hardware PWM (use 12, 13, 18 or 19)", pin)
	}
	if owner, taken := c[ch]; taken && owner != pin {
		return fmt.Errorf("pin %d shares PWM channel %d with pin %d", pin, ch, owner)
	}
	c[ch] = pin
	return nil
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// MockDriver is an in-memory implementation that logs actions and keeps
// the last state of every pin. Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	freqs  map[int]int
	pulses map[int]time.Duration
	writes int
}

// NewMockDriver returns an empty mock. Unconfigured pull-up inputs read High.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
		freqs:  make(map[int]int),
		pulses: make(map[int]time.Duration),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = mode
	if mode == InputPullUp {
		if _, ok := m.levels[pin]; !ok {
			m.levels[pin] = High
		}
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// SetInput simulates an external signal on pin (e.g. a button press).
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
}

func (m *MockDriver) SetupPWM(pin int, freqHz int) error {
	debug.GPIO("SetupPWM", pin, freqHz)
	if freqHz <= 0 {
		return fmt.Errorf("pwm frequency must be > 0, got %d", freqHz)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = Output
	m.freqs[pin] = freqHz
	return nil
}

func (m *MockDriver) WritePulse(pin int, width time.Duration) error {
	debug.GPIO("WritePulse", pin, width)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.freqs[pin]; !ok {
		return fmt.Errorf("pin %d is not configured for PWM", pin)
	}
	m.pulses[pin] = width
	m.writes++
	return nil
}

// Pulse returns the last pulse width written to pin.
func (m *MockDriver) Pulse(pin int) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.pulses[pin]
	return w, ok
}

// PulseWrites returns the number of WritePulse calls accepted so far.
func (m *MockDriver) PulseWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
