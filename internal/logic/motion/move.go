package motion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

// MaxMoveDuration is the longest timed move accepted.
const MaxMoveDuration = config.MaxMoveMs * time.Millisecond

// ErrInvalidDuration is returned for a move duration that is negative,
// not finite or longer than MaxMoveDuration.
var ErrInvalidDuration = errors.New("move duration out of range")

// MoveDuration converts a millisecond count received from an ingress.
func MoveDuration(ms float64) (time.Duration, error) {
	if math.IsNaN(ms) || ms < 0 || ms > config.MaxMoveMs {
		return 0, fmt.Errorf("%w: %g ms", ErrInvalidDuration, ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// TimedMove is a one-shot linear interpolation from Start to End over
// Duration. Time is measured on the control loop's own clock (the sum of
// tick intervals), so wall-clock jumps cannot stretch or skip a move.
type TimedMove struct {
	Start    geometry.Pose
	End      geometry.Pose
	Duration time.Duration
	began    time.Duration // loop clock when the move started
}

// Progress returns the completed fraction in [0, 1] at loop clock now.
// A non-positive duration is complete immediately.
func (m *TimedMove) Progress(now time.Duration) float64 {
	if m.Duration <= 0 {
		return 1
	}
	elapsed := now - m.began
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= m.Duration {
		return 1
	}
	return float64(elapsed) / float64(m.Duration)
}

// At returns the interpolated target at loop clock now and whether the
// move has finished. A finished move yields End exactly.
func (m *TimedMove) At(now time.Duration) (geometry.Pose, bool) {
	p := m.Progress(now)
	if p >= 1 {
		return m.End, true
	}
	return geometry.Lerp(m.Start, m.End, p), false
}
