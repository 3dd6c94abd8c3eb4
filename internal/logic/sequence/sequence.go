// Package sequence runs queued timed moves: presets and the self-test sweep.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

// ErrBusy is returned when a sequence is already running.
var ErrBusy = errors.New("sequence already running")

// DefaultSettle is the extra wait after each move before the next step.
const DefaultSettle = 200 * time.Millisecond

// SelfTestDwell is the time spent on each pose of the self-test sweep.
const SelfTestDwell = 500 * time.Millisecond

// Step is one two-point move: wait Delay, then move to Position over Duration.
type Step struct {
	Position geometry.Pose
	Duration time.Duration
	Delay    time.Duration
}

// Mover starts a timed move from the current position.
type Mover interface {
	StartTimedMove(d time.Duration, end geometry.Pose) error
}

// Runner executes step lists one at a time.
type Runner struct {
	mover  Mover
	settle time.Duration
	sleep  func(context.Context, time.Duration) error

	mu      sync.Mutex
	running string
}

// NewRunner creates a runner using DefaultSettle.
func NewRunner(m Mover) *Runner {
	return &Runner{mover: m, settle: DefaultSettle, sleep: sleepCtx}
}

// SetSettle changes the wait added after each move. Negative values are
// treated as zero.
func (r *Runner) SetSettle(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	r.settle = d
	r.mu.Unlock()
}

// Running reports the name of the sequence in progress.
func (r *Runner) Running() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, r.running != ""
}

// Validate checks every step before any motion starts.
func Validate(steps []Step) error {
	if len(steps) == 0 {
		return errors.New("sequence has no steps")
	}
	for i, s := range steps {
		if err := s.Position.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if s.Duration < 0 || s.Delay < 0 {
			return fmt.Errorf("step %d: negative duration or delay", i+1)
		}
	}
	return nil
}

// Run executes steps and blocks until they finish or ctx is done.
func (r *Runner) Run(ctx context.Context, name string, steps []Step) error {
	name, err := r.acquire(name, steps)
	if err != nil {
		return err
	}
	defer r.release()
	return r.run(ctx, name, steps)
}

// Start validates steps and runs them in the background. done, if not nil,
// receives the result.
func (r *Runner) Start(ctx context.Context, name string, steps []Step, done func(error)) error {
	name, err := r.acquire(name, steps)
	if err != nil {
		return err
	}
	go func() {
		defer r.release()
		err := r.run(ctx, name, steps)
		if err != nil {
			debug.Error(fmt.Errorf("sequence %q: %w", name, err))
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (r *Runner) acquire(name string, steps []Step) (string, error) {
	if name == "" {
		name = "sequence"
	}
	if err := Validate(steps); err != nil {
		return name, fmt.Errorf("sequence %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != "" {
		return name, fmt.Errorf("%w: %q", ErrBusy, r.running)
	}
	r.running = name
	return name, nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.running = ""
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, name string, steps []Step) error {
	r.mu.Lock()
	settle := r.settle
	r.mu.Unlock()

	debug.Section("Sequence " + name)
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		debug.Step(i+1, fmt.Sprintf("%v over %v", s.Position, s.Duration))

		if s.Delay > 0 {
			if err := r.sleep(ctx, s.Delay); err != nil {
				return err
			}
		}
		if err := r.mover.StartTimedMove(s.Duration, s.Position); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := r.sleep(ctx, s.Duration+settle); err != nil {
			return err
		}
	}
	debug.Live("Sequence %s complete", name)
	return nil
}

// FromPreset converts a stored preset into steps.
func FromPreset(p config.Preset) []Step {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = Step{Position: s.Position, Duration: s.Duration(), Delay: s.Delay()}
	}
	return steps
}

// SelfTest builds the range sweep: each axis to its minimum then maximum
// with the others centered, then back to flat if set, else to original.
func SelfTest(flat *geometry.Pose, original geometry.Pose) []Step {
	c := geometry.Center
	poses := []geometry.Pose{
		{Yaw: geometry.MinAngle, Pitch: c, Roll: c},
		{Yaw: geometry.MaxAngle, Pitch: c, Roll: c},
		{Yaw: c, Pitch: geometry.MinAngle, Roll: c},
		{Yaw: c, Pitch: geometry.MaxAngle, Roll: c},
		{Yaw: c, Pitch: c, Roll: geometry.MinAngle},
		{Yaw: c, Pitch: c, Roll: geometry.MaxAngle},
	}
	home := original
	if flat != nil {
		home = *flat
	}
	steps := make([]Step, 0, len(poses)+1)
	for _, p := range poses {
		steps = append(steps, Step{Position: p, Duration: SelfTestDwell})
	}
	return append(steps, Step{Position: home, Duration: SelfTestDwell})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
