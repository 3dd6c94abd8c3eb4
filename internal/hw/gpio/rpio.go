package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// pwmClockHz is the PWM clock. 19.2 MHz / 16 divides exactly, giving a
// tick of 0.833 µs.
const pwmClockHz = 1_200_000

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	mu     sync.Mutex
	pins   map[int]rpio.Pin
	cycles map[int]uint32 // PWM period length in clock ticks, per pin
	claims channelClaims
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins:   make(map[int]rpio.Pin),
		cycles: make(map[int]uint32),
		claims: make(channelClaims),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupPin(pin, mode)
}

func (r *RPiDriver) setupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) SetupPWM(pin int, freqHz int) error {
	debug.GPIO("SetupPWM", pin, freqHz)
	cycle, err := cycleTicks(freqHz)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claims.claim(pin); err != nil {
		return err
	}
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(pwmClockHz)
	p.DutyCycle(0, cycle)
	r.pins[pin] = p
	r.cycles[pin] = cycle
	return nil
}

func (r *RPiDriver) WritePulse(pin int, width time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cycle, ok := r.cycles[pin]
	if !ok {
		return fmt.Errorf("pin %d is not configured for PWM", pin)
	}
	duty := pulseTicks(width, cycle)
	debug.GPIO("WritePulse", pin, duty)
	r.pins[pin].DutyCycle(duty, cycle)
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop pulses and reset all pins to input (safe state)
	for pin, p := range r.pins {
		if cycle, ok := r.cycles[pin]; ok {
			p.DutyCycle(0, cycle)
		}
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}

// cycleTicks returns the number of PWM clock ticks in one period.
func cycleTicks(freqHz int) (uint32, error) {
	if freqHz <= 0 || freqHz > pwmClockHz/100 {
		return 0, fmt.Errorf("pwm frequency %d Hz out of range", freqHz)
	}
	return uint32(pwmClockHz / freqHz), nil
}

// pulseTicks converts a pulse width to clock ticks, capped at one period.
func pulseTicks(width time.Duration, cycle uint32) uint32 {
	if width <= 0 {
		return 0
	}
	ticks := uint64(width) * pwmClockHz / uint64(time.Second)
	if ticks > uint64(cycle) {
		return cycle
	}
	return uint32(ticks)
}
