package gpio

import (
	"testing"
	"time"
)

func TestMockDriver_PinState(t *testing.T) {
	m := NewMockDriver()

	if err := m.SetupPin(15, InputPullUp); err != nil {
		t.Fatal(err)
	}
	if lvl, _ := m.ReadPin(15); lvl != High {
		t.Error("pull-up input should idle high")
	}
	m.SetInput(15, Low)
	if lvl, _ := m.ReadPin(15); lvl != Low {
		t.Error("SetInput(Low) not visible through ReadPin")
	}

	if err := m.WritePin(4, High); err != nil {
		t.Fatal(err)
	}
	if lvl, _ := m.ReadPin(4); lvl != High {
		t.Error("WritePin(High) not visible through ReadPin")
	}
}

func TestMockDriver_Pulses(t *testing.T) {
	m := NewMockDriver()

	if err := m.WritePulse(12, time.Millisecond); err == nil {
		t.Error("WritePulse before SetupPWM should fail")
	}
	if err := m.SetupPWM(12, 0); err == nil {
		t.Error("SetupPWM with 0 Hz should fail")
	}
	if err := m.SetupPWM(12, 50); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePulse(12, 1500*time.Microsecond); err != nil {
		t.Fatal(err)
	}
	w, ok := m.Pulse(12)
	if !ok || w != 1500*time.Microsecond {
		t.Errorf("Pulse(12) = %v, %v; want 1.5ms", w, ok)
	}
	if m.PulseWrites() != 1 {
		t.Errorf("PulseWrites = %d, want 1", m.PulseWrites())
	}
}

func TestCycleTicks(t *testing.T) {
	got, err := cycleTicks(50)
	if err != nil {
		t.Fatal(err)
	}
	if got != 24000 {
		t.Errorf("cycleTicks(50) = %d, want 24000", got)
	}
	for _, f := range []int{0, -1, pwmClockHz} {
		if _, err := cycleTicks(f); err == nil {
			t.Errorf("cycleTicks(%d) should fail", f)
		}
	}
}

func TestPulseTicks(t *testing.T) {
	const cycle = 24000
	cases := []struct {
		width time.Duration
		want  uint32
	}{
		{0, 0},
		{-time.Millisecond, 0},
		{500 * time.Microsecond, 600},
		{1500 * time.Microsecond, 1800},
		{2500 * time.Microsecond, 3000},
		{time.Second, cycle},
	}
	for _, tc := range cases {
		if got := pulseTicks(tc.width, cycle); got != tc.want {
			t.Errorf("pulseTicks(%v) = %d, want %d", tc.width, got, tc.want)
		}
	}
}

func TestPWMChannel(t *testing.T) {
	cases := []struct {
		pin int
		ch  int
		ok  bool
	}{
		{12, 0, true},
		{18, 0, true},
		{13, 1, true},
		{19, 1, true},
		{4, 0, false},
		{-1, 0, false},
	}
	for _, tc := range cases {
		ch, ok := PWMChannel(tc.pin)
		if ch != tc.ch || ok != tc.ok {
			t.Errorf("PWMChannel(%d) = %d, %v; want %d, %v", tc.pin, ch, ok, tc.ch, tc.ok)
		}
	}
}

func TestChannelClaims(t *testing.T) {
	c := make(channelClaims)
	if err := c.claim(12); err != nil {
		t.Fatal(err)
	}
	if err := c.claim(12); err != nil {
		t.Errorf("reclaiming the owner pin: %v", err)
	}
	if err := c.claim(13); err != nil {
		t.Errorf("pin 13 is on the free channel: %v", err)
	}
	if err := c.claim(18); err == nil {
		t.Error("pin 18 shares channel 0 with pin 12 and should be refused")
	}
	if err := c.claim(19); err == nil {
		t.Error("pin 19 shares channel 1 with pin 13 and should be refused")
	}
	if err := c.claim(5); err == nil {
		t.Error("pin 5 has no hardware PWM and should be refused")
	}
}
