// Package imu provides angular-rate sources for the stabilization loop.
// Every source reports (yaw, pitch, roll) rates in degrees per second and
// degrades to zero when no data is available.
package imu

import (
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

// Source is anything that reports angular rates.
type Source interface {
	Rates() geometry.Pose
}

// FromXYZ maps body-frame gyro axes onto gimbal axes:
// x is roll, y is pitch and z is yaw.
func FromXYZ(x, y, z float64) geometry.Pose {
	return geometry.Pose{Yaw: z, Pitch: y, Roll: x}
}

// None is the source used when no sensor is fitted.
type None struct{}

// Rates always reports zero.
func (None) Rates() geometry.Pose { return geometry.Pose{} }

// External holds rates pushed by an outside producer, such as a phone
// streaming its gyroscope over WebSocket. A sample older than the stale
// timeout reads as zero.
type External struct {
	mu      sync.Mutex
	rates   geometry.Pose
	at      time.Time
	active  bool
	timeout time.Duration
	now     func() time.Time
}

// NewExternal returns an empty source whose samples expire after timeout.
func NewExternal(timeout time.Duration) *External {
	return &External{timeout: timeout, now: time.Now}
}

// Set records a new sample. Non-finite components are stored as zero.
func (e *External) Set(r geometry.Pose) {
	r = geometry.Pose{Yaw: finite(r.Yaw), Pitch: finite(r.Pitch), Roll: finite(r.Roll)}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		debug.Live("External rate source active")
	}
	e.rates, e.at, e.active = r, e.now(), true
}

// Clear drops the current sample.
func (e *External) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		debug.Live("External rate source cleared")
	}
	e.rates, e.active = geometry.Pose{}, false
}

// Active reports whether a fresh sample is available.
func (e *External) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fresh()
}

// Rates returns the latest sample, or zero once it is stale.
func (e *External) Rates() geometry.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fresh() {
		return geometry.Pose{}
	}
	return e.rates
}

func (e *External) fresh() bool {
	return e.active && (e.timeout <= 0 || e.now().Sub(e.at) <= e.timeout)
}

// RadPerSec adapts a source reporting radians per second.
type RadPerSec struct {
	Src Source
}

// Rates converts the wrapped source's rates to degrees per second.
func (r RadPerSec) Rates() geometry.Pose {
	return r.Src.Rates().Scale(180 / math.Pi)
}

// Scripted replays a fixed series of samples, one per call, then holds
// zero. It drives offline simulation and tests.
type Scripted struct {
	mu      sync.Mutex
	samples []geometry.Pose
	next    int
}

// NewScripted returns a source that yields samples in order.
func NewScripted(samples []geometry.Pose) *Scripted {
	return &Scripted{samples: append([]geometry.Pose(nil), samples...)}
}

// Rates returns the next sample.
func (s *Scripted) Rates() geometry.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.samples) {
		return geometry.Pose{}
	}
	r := s.samples[s.next]
	s.next++
	return r
}

// Remaining returns how many samples have not been consumed.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples) - s.next
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
