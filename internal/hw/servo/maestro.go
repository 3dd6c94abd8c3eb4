package servo

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

// Pololu Maestro command bytes.
const (
	cmdSetTarget   = 0x84
	pololuPreamble = 0xaa
)

// Maestro drives the three axes through a Pololu Maestro USB/serial servo
// controller. Targets are sent in quarter-microseconds.
type Maestro struct {
	mu       sync.Mutex
	w        io.Writer
	device   byte
	compact  bool
	channels [3]byte // yaw, pitch, roll
	minPulse time.Duration
	maxPulse time.Duration
}

// NewMaestro speaks the Maestro protocol over w.
func NewMaestro(w io.Writer, mc config.MaestroConfig, sc config.ServosConfig) (*Maestro, error) {
	chans := [3]int{sc.Yaw.Channel, sc.Pitch.Channel, sc.Roll.Channel}
	m := &Maestro{
		w:        w,
		device:   byte(mc.Device),
		compact:  mc.Compact,
		minPulse: sc.MinPulse(),
		maxPulse: sc.MaxPulse(),
	}
	for i, ch := range chans {
		if ch < 0 || ch > 23 {
			return nil, fmt.Errorf("maestro channel %d out of range 0-23", ch)
		}
		m.channels[i] = byte(ch)
	}
	if mc.Device < 0 || mc.Device > 127 {
		return nil, fmt.Errorf("maestro device %d out of range 0-127", mc.Device)
	}
	return m, nil
}

// OpenMaestro opens the serial port named in mc and returns the actuator
// together with the port, which the caller must close.
func OpenMaestro(mc config.MaestroConfig, sc config.ServosConfig) (*Maestro, io.Closer, error) {
	port, err := serial.Open(mc.Port, &serial.Mode{BaudRate: mc.BaudRate})
	if err != nil {
		return nil, nil, fmt.Errorf("open maestro port %s: %w", mc.Port, err)
	}
	debug.Info("Maestro servo controller on %s (%d baud, device %d)", mc.Port, mc.BaudRate, mc.Device)
	m, err := NewMaestro(port, mc, sc)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return m, port, nil
}

// Write sends one set-target command per axis in a single write.
func (m *Maestro) Write(p geometry.Pose) error {
	var buf []byte
	for i, angle := range []float64{p.Yaw, p.Pitch, p.Roll} {
		pulse := PulseFor(angle, m.minPulse, m.maxPulse)
		buf = m.appendSetTarget(buf, m.channels[i], quarterMicros(pulse))
	}
	debug.Trace("Maestro write % x", buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(buf); err != nil {
		return fmt.Errorf("maestro write: %w", err)
	}
	return nil
}

func (m *Maestro) appendSetTarget(buf []byte, channel byte, target uint16) []byte {
	if m.compact {
		buf = append(buf, cmdSetTarget, channel)
	} else {
		buf = append(buf, pololuPreamble, m.device, cmdSetTarget&0x7f, channel)
	}
	return append(buf, lo7(target), hi7(target))
}

func quarterMicros(d time.Duration) uint16 {
	return uint16(d * 4 / time.Microsecond)
}

func lo7(x uint16) byte { return byte(x & 0x7f) }
func hi7(x uint16) byte { return byte((x >> 7) & 0x7f) }
