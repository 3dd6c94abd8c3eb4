package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects which authority drives the gimbal target.
type Mode int

const (
	ModeManual Mode = 0 // direct position commands
	ModeAuto   Mode = 1 // closed-loop stabilization
)

// ErrInvalidMode is returned for any mode other than Manual or Auto.
var ErrInvalidMode = errors.New("invalid mode")

// Valid reports whether m is one of the two known modes.
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeAuto
}

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAuto:
		return "auto"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "manual"/"auto" (any case) or the wire values "0"/"1".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "0":
		return ModeManual, nil
	case "auto", "1":
		return ModeAuto, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidMode)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%d: %w", int(m), ErrInvalidMode)
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UnmarshalJSON accepts both "auto" and the bare number 1.
func (m *Mode) UnmarshalJSON(data []byte) error {
	return m.UnmarshalText([]byte(strings.Trim(string(data), `"`)))
}

// MarshalYAML writes the mode by name.
func (m Mode) MarshalYAML() (interface{}, error) {
	text, err := m.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(text), nil
}

// UnmarshalYAML accepts both "auto" and 1.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: %w", value.Line, ErrInvalidMode)
	}
	return m.UnmarshalText([]byte(value.Value))
}
