package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_Rejected(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"traversal", "../../etc/passwd"},
		{"traversal_inside_configs", "configs/../../../etc/shadow"},
		{"traversal_back_into_configs", "configs/../configs/default.yaml"},
		{"json", "configs/default.json"},
		{"yml", "configs/default.yml"},
		{"no_extension", "configs/default"},
		{"other_dir", "other/default.yaml"},
		{"bare_file", "default.yaml"},
		{"absolute_other_dir", "/tmp/default.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateConfigPath(tc.path); err == nil {
				t.Errorf("expected error for %q, got nil", tc.path)
			}
		})
	}
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	for _, name := range []string{"con fig.yaml", "café.yaml"} {
		if err := ValidateConfigPath(filepath.Join(cfgDir, name)); err != nil {
			t.Errorf("unexpected error for %q: %v", name, err)
		}
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Must not panic.
	_ = ValidateConfigPath(long)
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
defaults:
  debug_level: 2
  mock_gpio: true
control:
  mode: auto
  kp: 3.0
  ki: 0.0
  kd: 0.25
  loop_period_ms: 10
  smoothing: 0.5
  yaw_trim: -4
  pitch_trim: 2.5
  roll_trim: 0
  flat_reference: {yaw: 90, pitch: 85, roll: 92}
servos:
  driver: maestro
  min_pulse_us: 600
  max_pulse_us: 2400
  yaw: {channel: 3}
  pitch: {channel: 4}
  roll: {channel: 5}
maestro:
  port: /dev/ttyACM0
  compact: true
sensor:
  type: external
  stale_timeout_ms: 250
radio:
  port: /dev/ttyUSB0
  baud_rate: 57600
button:
  pin: 21
  long_press_ms: 2000
presets:
  - name: sweep
    description: left to right
    steps:
      - position: {yaw: 0, pitch: 90, roll: 90}
        duration_ms: 1000
      - position: {yaw: 180, pitch: 90, roll: 90}
        duration_ms: 4000
        delay_ms: 500
`

func TestLoad_ValidFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Control.Mode != ModeAuto {
		t.Errorf("control.mode = %v, want auto", cfg.Control.Mode)
	}
	if cfg.Control.Kp != 3 || cfg.Control.Ki != 0 || cfg.Control.Kd != 0.25 {
		t.Errorf("gains = %v/%v/%v, want 3/0/0.25", cfg.Control.Kp, cfg.Control.Ki, cfg.Control.Kd)
	}
	if cfg.Control.LoopPeriod() != 10*time.Millisecond {
		t.Errorf("loop period = %v, want 10ms", cfg.Control.LoopPeriod())
	}
	if cfg.Control.FlatReference == nil || cfg.Control.FlatReference.Pitch != 85 {
		t.Errorf("flat_reference = %v, want pitch 85", cfg.Control.FlatReference)
	}
	if got := cfg.Control.Trim(); got.Yaw != -4 || got.Pitch != 2.5 {
		t.Errorf("trim = %v", got)
	}
	if cfg.Servos.Driver != DriverMaestro || cfg.Servos.Pitch.Channel != 4 {
		t.Errorf("servos = %+v", cfg.Servos)
	}
	if cfg.Servos.FrequencyHz != 50 {
		t.Errorf("frequency default = %d, want 50", cfg.Servos.FrequencyHz)
	}
	if !cfg.Maestro.Compact || cfg.Maestro.Device != 12 || cfg.Maestro.BaudRate != 9600 {
		t.Errorf("maestro = %+v", cfg.Maestro)
	}
	if cfg.Sensor.StaleTimeout() != 250*time.Millisecond {
		t.Errorf("stale timeout = %v", cfg.Sensor.StaleTimeout())
	}
	if cfg.Radio.BaudRate != 57600 || cfg.Radio.StatusPeriod() != 100*time.Millisecond {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if cfg.Button.Pin != 21 || cfg.Button.LongPress() != 2*time.Second || cfg.Button.Debounce() != 50*time.Millisecond {
		t.Errorf("button = %+v", cfg.Button)
	}
	if len(cfg.Presets) != 1 || len(cfg.Presets[0].Steps) != 2 {
		t.Fatalf("presets = %+v", cfg.Presets)
	}
	if s := cfg.Presets[0].Steps[1]; s.Delay() != 500*time.Millisecond || s.Duration() != 4*time.Second {
		t.Errorf("step 2 = %+v", s)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Default()
	if cfg.Control.Mode != ModeManual {
		t.Errorf("mode default = %v, want manual", cfg.Control.Mode)
	}
	if cfg.Control.Kp != 2 || cfg.Control.Ki != 0.5 || cfg.Control.Kd != 1 {
		t.Errorf("gain defaults = %v/%v/%v, want 2/0.5/1", cfg.Control.Kp, cfg.Control.Ki, cfg.Control.Kd)
	}
	if cfg.Control.LoopPeriodMs != 20 || cfg.Control.Smoothing != 0.1 {
		t.Errorf("loop defaults = %d ms / %v", cfg.Control.LoopPeriodMs, cfg.Control.Smoothing)
	}
	if cfg.Control.FlatReference != nil {
		t.Errorf("flat reference should be nil until captured")
	}
	if cfg.Servos != want.Servos {
		t.Errorf("servos default = %+v, want %+v", cfg.Servos, want.Servos)
	}
	if cfg.Button != want.Button {
		t.Errorf("button default = %+v, want %+v", cfg.Button, want.Button)
	}
	if cfg.Sensor.Type != SensorNone || cfg.Web.StatusPeriodMs != 100 {
		t.Errorf("sensor/web defaults = %+v / %+v", cfg.Sensor, cfg.Web)
	}
}

func TestLoad_NumericMode(t *testing.T) {
	cfg, err := Load(writeConfig(t, "control:\n  mode: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Control.Mode != ModeAuto {
		t.Errorf("mode = %v, want auto", cfg.Control.Mode)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad_mode", "control:\n  mode: tracking\n"},
		{"mode_out_of_range", "control:\n  mode: 2\n"},
		{"negative_gain", "control:\n  kp: -1\n"},
		{"smoothing_above_one", "control:\n  smoothing: 1.5\n"},
		{"negative_smoothing", "control:\n  smoothing: -0.1\n"},
		{"trim_too_large", "control:\n  roll_trim: 120\n"},
		{"slow_loop", "control:\n  loop_period_ms: 5000\n"},
		{"flat_reference_out_of_range", "control:\n  flat_reference: {yaw: 200, pitch: 90, roll: 90}\n"},
		{"unknown_driver", "servos:\n  driver: pca9685\n"},
		{"inverted_pulses", "servos:\n  min_pulse_us: 2500\n  max_pulse_us: 500\n"},
		{"pulse_longer_than_period", "servos:\n  frequency_hz: 500\n"},
		{"maestro_without_port", "servos:\n  driver: maestro\n"},
		{"gpio_shared_pwm_channel", "servos:\n  driver: gpio\n"},
		{"gpio_pins_12_and_18", "servos:\n  driver: gpio\n  pitch: {pin: -1}\n"},
		{"gpio_pin_without_pwm", "servos:\n  driver: gpio\n  yaw: {pin: 5}\n  roll: {pin: -1}\n"},
		{"gpio_no_axis_fitted", "servos:\n  driver: gpio\n  yaw: {pin: -1}\n  pitch: {pin: -1}\n  roll: {pin: -1}\n"},
		{"unknown_sensor", "sensor:\n  type: bno055\n"},
		{"unknown_units", "sensor:\n  units: rpm\n"},
		{"debounce_longer_than_long_press", "button:\n  debounce_ms: 4000\n"},
		{"preset_without_steps", "presets:\n  - name: empty\n"},
		{"preset_out_of_range", "presets:\n  - name: bad\n    steps:\n      - position: {yaw: -5, pitch: 90, roll: 90}\n"},
		{"preset_step_too_long", "presets:\n  - name: slow\n    steps:\n      - position: {yaw: 1, pitch: 1, roll: 1}\n        duration_ms: 9223372036854775807\n"},
		{"preset_delay_too_long", "presets:\n  - name: slow\n    steps:\n      - position: {yaw: 1, pitch: 1, roll: 1}\n        delay_ms: 86400001\n"},
		{"duplicate_presets", "presets:\n  - name: a\n    steps: [{position: {yaw: 1, pitch: 1, roll: 1}}]\n  - name: a\n    steps: [{position: {yaw: 1, pitch: 1, roll: 1}}]\n"},
		{"invalid_yaml", "{{{{invalid yaml!!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_GPIOTwoAxes(t *testing.T) {
	cfg, err := Load(writeConfig(t, "servos:\n  driver: gpio\n  yaw: {pin: 18}\n  pitch: {pin: 19}\n  roll: {pin: -1}\n"))
	if err != nil {
		t.Fatalf("two axes on separate PWM channels should load: %v", err)
	}
	if cfg.Servos.Yaw.Pin != 18 || cfg.Servos.Pitch.Pin != 19 || cfg.Servos.Roll.Pin != -1 {
		t.Errorf("servos = %+v", cfg.Servos)
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
control:
  kp: 1
unknown_section:
  foo: bar
`
	if _, err := Load(writeConfig(t, yaml)); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if _, err := Load(writeConfig(t, string(data))); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "nonexistent.yaml")
	if _, err := Load(path); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoad_RepositoryDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("configs/default.yaml should load: %v", err)
	}
	if !cfg.Defaults.MockGPIO {
		t.Error("repository default config should use mock GPIO")
	}
}

// ---------- Mode ----------

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"manual", ModeManual, false},
		{"AUTO", ModeAuto, false},
		{" 0 ", ModeManual, false},
		{"1", ModeAuto, false},
		{"2", 0, true},
		{"", 0, true},
		{"stabilize", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidMode) {
				t.Errorf("ParseMode(%q) err = %v, want ErrInvalidMode", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestMode_JSON(t *testing.T) {
	var body struct {
		Mode Mode `json:"mode"`
	}
	if err := json.Unmarshal([]byte(`{"mode":1}`), &body); err != nil || body.Mode != ModeAuto {
		t.Errorf("numeric mode: %v, %v", body.Mode, err)
	}
	if err := json.Unmarshal([]byte(`{"mode":"manual"}`), &body); err != nil || body.Mode != ModeManual {
		t.Errorf("named mode: %v, %v", body.Mode, err)
	}
	if err := json.Unmarshal([]byte(`{"mode":7}`), &body); err == nil {
		t.Error("expected error for mode 7")
	}
	out, err := json.Marshal(struct {
		Mode Mode `json:"mode"`
	}{ModeAuto})
	if err != nil || string(out) != `{"mode":"auto"}` {
		t.Errorf("marshal = %s, %v", out, err)
	}
	if _, err := json.Marshal(Mode(5)); err == nil {
		t.Error("marshaling an invalid mode should fail")
	}
}

func TestMode_YAMLRoundTripByName(t *testing.T) {
	out, err := yaml.Marshal(Control{Mode: ModeAuto})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "mode: auto") {
		t.Errorf("yaml = %s, want mode: auto", out)
	}
}
