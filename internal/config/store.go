package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/pid"
)

// ErrPresetNotFound is returned when a preset name is unknown.
var ErrPresetNotFound = errors.New("preset not found")

// Store holds the live configuration. Readers get value snapshots;
// mutators persist the new state before returning.
type Store struct {
	saveMu sync.Mutex // serializes mutate+persist
	mu     sync.RWMutex
	cfg    *Config
	path   string // empty: memory only
}

// NewStore wraps an already validated configuration. path is where
// mutations are written back; an empty path keeps changes in memory.
func NewStore(cfg *Config, path string) *Store {
	if cfg == nil {
		cfg = Default()
	}
	return &Store{cfg: cfg.Clone(), path: path}
}

// OpenStore loads path and returns a store that persists to it.
func OpenStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(cfg, path), nil
}

// Path returns the backing file, or "" for a memory-only store.
func (s *Store) Path() string {
	return s.path
}

// Control returns a copy of the control block.
func (s *Store) Control() Control {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Control.clone()
}

// Snapshot returns a deep copy of the whole configuration.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Presets returns a copy of the stored presets.
func (s *Store) Presets() []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Preset, len(s.cfg.Presets))
	for i, p := range s.cfg.Presets {
		out[i] = p.clone()
	}
	return out
}

// Preset looks a preset up by name.
func (s *Store) Preset(name string) (Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cfg.Presets {
		if p.Name == name {
			return p.clone(), nil
		}
	}
	return Preset{}, fmt.Errorf("%q: %w", name, ErrPresetNotFound)
}

// SetMode persists a new operating mode.
func (s *Store) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%d: %w", int(m), ErrInvalidMode)
	}
	return s.update(func(c *Config) error {
		c.Control.Mode = m
		return nil
	})
}

// SetFlatReference persists the pose considered level.
func (s *Store) SetFlatReference(p geometry.Pose) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("flat reference: %w", err)
	}
	return s.update(func(c *Config) error {
		c.Control.FlatReference = &p
		return nil
	})
}

// TuningUpdate is a partial update of the tunable control parameters.
// Nil fields are left unchanged.
type TuningUpdate struct {
	Kp        *float64 `json:"kp"`
	Ki        *float64 `json:"ki"`
	Kd        *float64 `json:"kd"`
	Smoothing *float64 `json:"smoothing"`
	YawTrim   *float64 `json:"yaw_trim"`
	PitchTrim *float64 `json:"pitch_trim"`
	RollTrim  *float64 `json:"roll_trim"`
}

// UpdateTuning applies u atomically and returns the resulting control block.
// Nothing changes if any field is invalid.
func (s *Store) UpdateTuning(u TuningUpdate) (Control, error) {
	var out Control
	err := s.update(func(c *Config) error {
		next := c.Control
		set := func(dst *float64, src *float64) {
			if src != nil {
				*dst = *src
			}
		}
		set(&next.Kp, u.Kp)
		set(&next.Ki, u.Ki)
		set(&next.Kd, u.Kd)
		set(&next.Smoothing, u.Smoothing)
		set(&next.YawTrim, u.YawTrim)
		set(&next.PitchTrim, u.PitchTrim)
		set(&next.RollTrim, u.RollTrim)

		if !pid.ValidGains(next.Kp, next.Ki, next.Kd) {
			return fmt.Errorf("gains must be finite and >= 0, got kp=%g ki=%g kd=%g", next.Kp, next.Ki, next.Kd)
		}
		if err := ValidateSmoothing(next.Smoothing); err != nil {
			return err
		}
		for _, t := range []float64{next.YawTrim, next.PitchTrim, next.RollTrim} {
			if err := ValidateTrim(t); err != nil {
				return err
			}
		}
		c.Control = next
		out = next.clone()
		return nil
	})
	return out, err
}

// SavePreset adds p or replaces the preset with the same name.
func (s *Store) SavePreset(p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.clone()
	return s.update(func(c *Config) error {
		for i := range c.Presets {
			if c.Presets[i].Name == p.Name {
				c.Presets[i] = p
				return nil
			}
		}
		c.Presets = append(c.Presets, p)
		return nil
	})
}

// DeletePreset removes the named preset.
func (s *Store) DeletePreset(name string) error {
	return s.update(func(c *Config) error {
		for i := range c.Presets {
			if c.Presets[i].Name == name {
				c.Presets = append(c.Presets[:i], c.Presets[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%q: %w", name, ErrPresetNotFound)
	})
}

// update applies fn to a copy of the config, persists it, then publishes it.
// Readers keep seeing the previous state while the file is written, and a
// failed write leaves the published state untouched.
func (s *Store) update(fn func(*Config) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	next := s.cfg.Clone()
	s.mu.RUnlock()

	if err := fn(next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(cfg *Config) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	debug.Verbose("Config saved to %s (%d bytes)", s.path, len(data))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gimbal-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
