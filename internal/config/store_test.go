package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
)

func ptr(v float64) *float64 { return &v }

func newFileStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(writeConfig(t, "control:\n  kp: 1.5\n"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s
}

func TestStore_SetModePersists(t *testing.T) {
	s := newFileStore(t)
	if err := s.SetMode(ModeAuto); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if s.Control().Mode != ModeAuto {
		t.Error("in-memory mode not updated")
	}
	reloaded, err := Load(s.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Control.Mode != ModeAuto || reloaded.Control.Kp != 1.5 {
		t.Errorf("reloaded control = %+v", reloaded.Control)
	}
}

func TestStore_SetModeInvalid(t *testing.T) {
	s := NewStore(nil, "")
	if err := s.SetMode(Mode(3)); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("err = %v, want ErrInvalidMode", err)
	}
	if s.Control().Mode != ModeManual {
		t.Error("invalid mode must not change state")
	}
}

func TestStore_FlatReference(t *testing.T) {
	s := newFileStore(t)
	ref := geometry.Pose{Yaw: 88, Pitch: 91, Roll: 90.5}
	if err := s.SetFlatReference(ref); err != nil {
		t.Fatalf("SetFlatReference: %v", err)
	}

	ctl := s.Control()
	if ctl.FlatReference == nil || *ctl.FlatReference != ref {
		t.Fatalf("flat reference = %v, want %v", ctl.FlatReference, ref)
	}
	// Snapshots must not alias the stored pose.
	ctl.FlatReference.Yaw = 0
	if s.Control().FlatReference.Yaw != 88 {
		t.Error("Control() leaked a pointer into the store")
	}

	reloaded, err := Load(s.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Control.FlatReference == nil || *reloaded.Control.FlatReference != ref {
		t.Errorf("reloaded flat reference = %v", reloaded.Control.FlatReference)
	}

	if err := s.SetFlatReference(geometry.Pose{Yaw: 181}); !errors.Is(err, geometry.ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestStore_UpdateTuning(t *testing.T) {
	s := NewStore(nil, "")

	got, err := s.UpdateTuning(TuningUpdate{Kp: ptr(4), YawTrim: ptr(-3)})
	if err != nil {
		t.Fatalf("UpdateTuning: %v", err)
	}
	if got.Kp != 4 || got.Ki != 0.5 || got.YawTrim != -3 {
		t.Errorf("control = %+v", got)
	}

	cases := []TuningUpdate{
		{Kd: ptr(-1)},
		{Smoothing: ptr(0)},
		{RollTrim: ptr(91)},
		{Kp: ptr(5), Ki: ptr(-0.1)},
	}
	for i, u := range cases {
		if _, err := s.UpdateTuning(u); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	if c := s.Control(); c.Kp != 4 {
		t.Errorf("rejected update leaked: kp = %v, want 4", c.Kp)
	}
}

func TestStore_Presets(t *testing.T) {
	s := newFileStore(t)
	p := Preset{
		Name:  "tilt",
		Steps: []PresetStep{{Position: geometry.Pose{Yaw: 90, Pitch: 45, Roll: 90}, DurationMs: 1000}},
	}
	if err := s.SavePreset(p); err != nil {
		t.Fatalf("SavePreset: %v", err)
	}
	p.Description = "updated"
	if err := s.SavePreset(p); err != nil {
		t.Fatalf("SavePreset (replace): %v", err)
	}
	if got := s.Presets(); len(got) != 1 || got[0].Description != "updated" {
		t.Fatalf("presets = %+v", got)
	}
	if _, err := s.Preset("tilt"); err != nil {
		t.Errorf("Preset(tilt): %v", err)
	}

	reloaded, err := Load(s.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Presets) != 1 {
		t.Errorf("reloaded presets = %+v", reloaded.Presets)
	}

	if err := s.DeletePreset("tilt"); err != nil {
		t.Fatalf("DeletePreset: %v", err)
	}
	if err := s.DeletePreset("tilt"); !errors.Is(err, ErrPresetNotFound) {
		t.Errorf("second delete err = %v, want ErrPresetNotFound", err)
	}
	if _, err := s.Preset("tilt"); !errors.Is(err, ErrPresetNotFound) {
		t.Errorf("Preset after delete err = %v", err)
	}
	if err := s.SavePreset(Preset{Name: "../x", Steps: p.Steps}); err == nil {
		t.Error("expected error for invalid preset name")
	}
}

func TestStore_FailedSaveKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing", "configs", "gimbal.yaml")
	s := NewStore(Default(), path)

	if err := s.SetMode(ModeAuto); err == nil {
		t.Fatal("expected save error for a missing directory")
	}
	if s.Control().Mode != ModeManual {
		t.Error("failed save must not publish the new mode")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("no file should exist, stat err = %v", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newFileStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.SavePreset(Preset{
				Name:  fmt.Sprintf("p%d", i),
				Steps: []PresetStep{{Position: geometry.CenterPose()}},
			})
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Control()
				_ = s.Presets()
			}
		}()
	}
	wg.Wait()

	if got := len(s.Presets()); got != 8 {
		t.Errorf("presets = %d, want 8", got)
	}
	reloaded, err := Load(s.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Presets) != 8 {
		t.Errorf("persisted presets = %d, want 8", len(reloaded.Presets))
	}
}
