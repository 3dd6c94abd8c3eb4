package button

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/hw/gpio"
)

// Config holds the button wiring and timing.
type Config struct {
	Pin       int           // BCM pin, wired to ground through the switch
	Debounce  time.Duration // a level must hold this long to count
	LongPress time.Duration // hold time for the long-press action
	Poll      time.Duration // sampling interval
}

// Button is an active-low push button read by polling. A press released
// before LongPress fires OnShort; holding it for LongPress fires OnLong
// once and suppresses OnShort for that press.
type Button struct {
	gpio    gpio.Driver
	cfg     Config
	onShort func()
	onLong  func()

	raw       bool // last sampled level (true = pressed)
	rawSince  time.Time
	pressed   bool // debounced level
	pressedAt time.Time
	longFired bool
}

// New configures the pin with its pull-up and returns the button.
// Either callback may be nil.
func New(g gpio.Driver, cfg Config, onShort, onLong func()) (*Button, error) {
	if cfg.Poll <= 0 || cfg.Debounce < 0 || cfg.LongPress <= cfg.Debounce {
		return nil, fmt.Errorf("button: invalid timing %+v", cfg)
	}
	if err := g.SetupPin(cfg.Pin, gpio.InputPullUp); err != nil {
		return nil, fmt.Errorf("button pin %d: %w", cfg.Pin, err)
	}
	debug.Verbose("Button on pin %d (debounce %v, long press %v)", cfg.Pin, cfg.Debounce, cfg.LongPress)
	return &Button{gpio: g, cfg: cfg, onShort: onShort, onLong: onLong}, nil
}

// Run polls the pin until ctx is done. Read errors are logged and the
// sample is skipped.
func (b *Button) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			lvl, err := b.gpio.ReadPin(b.cfg.Pin)
			if err != nil {
				debug.Error(fmt.Errorf("button read: %w", err))
				continue
			}
			b.sample(lvl == gpio.Low, now)
		}
	}
}

// sample feeds one raw reading taken at now into the debounce state machine.
func (b *Button) sample(pressed bool, now time.Time) {
	if pressed != b.raw {
		b.raw = pressed
		b.rawSince = now
	}

	if b.raw != b.pressed && now.Sub(b.rawSince) >= b.cfg.Debounce {
		b.pressed = b.raw
		if b.pressed {
			b.pressedAt = b.rawSince
			b.longFired = false
			debug.Trace("Button pressed")
		} else {
			debug.Trace("Button released after %v", now.Sub(b.pressedAt))
			if !b.longFired {
				debug.Live("Button short press")
				fire(b.onShort)
			}
		}
	}

	if b.pressed && !b.longFired && now.Sub(b.pressedAt) >= b.cfg.LongPress {
		b.longFired = true
		debug.Live("Button long press")
		fire(b.onLong)
	}
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}
