package pid

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestCompute_ProportionalOnly(t *testing.T) {
	c := NewAxisController(2, 0, 0)
	got := c.Compute(10, 4, 0.02)
	if math.Abs(got-12) > eps {
		t.Errorf("Compute = %v, want 12", got)
	}
}

func TestCompute_AllTerms(t *testing.T) {
	c := NewAxisController(2, 0.5, 1)

	// error=10, integral=0.2, derivative=(10-0)/0.02=500
	got := c.Compute(10, 0, 0.02)
	want := 2*10.0 + 0.5*0.2 + 1*500.0
	if math.Abs(got-want) > eps {
		t.Fatalf("first Compute = %v, want %v", got, want)
	}

	// error=10 again: integral=0.4, derivative=0
	got = c.Compute(10, 0, 0.02)
	want = 2*10.0 + 0.5*0.4
	if math.Abs(got-want) > eps {
		t.Errorf("second Compute = %v, want %v", got, want)
	}
}

func TestCompute_NonPositiveDtIsNoop(t *testing.T) {
	c := NewAxisController(2, 0.5, 1)
	c.Compute(10, 0, 0.02)
	integral, prev := c.integral, c.prevError

	for _, dt := range []float64{0, -0.02, -1, math.NaN()} {
		for i := 0; i < 3; i++ {
			if got := c.Compute(50, 0, dt); got != 0 {
				t.Errorf("Compute(dt=%v) = %v, want 0", dt, got)
			}
		}
		if c.integral != integral || c.prevError != prev {
			t.Errorf("dt=%v mutated state: integral=%v prev=%v, want %v %v",
				dt, c.integral, c.prevError, integral, prev)
		}
	}
}

func TestCompute_StationaryErrorUpdatesPrevError(t *testing.T) {
	c := NewAxisController(0, 0, 1)
	c.Compute(5, 0, 0.1)
	if c.prevError != 5 {
		t.Fatalf("prevError = %v, want 5", c.prevError)
	}
	// Same error: derivative term must be zero.
	if got := c.Compute(5, 0, 0.1); math.Abs(got) > eps {
		t.Errorf("derivative with stationary error = %v, want 0", got)
	}
	if c.prevError != 5 {
		t.Errorf("prevError = %v, want 5", c.prevError)
	}
}

func TestCompute_IntegralIsNotClamped(t *testing.T) {
	c := NewAxisController(0, 1, 0)
	for i := 0; i < 1000; i++ {
		c.Compute(100, 0, 0.1)
	}
	if math.Abs(c.Integral()-10000) > 1e-6 {
		t.Errorf("integral = %v, want 10000 (no anti-windup)", c.Integral())
	}
}

func TestReset(t *testing.T) {
	c := NewAxisController(1, 1, 1)
	c.Compute(10, 0, 0.02)
	c.Reset()
	if c.integral != 0 || c.prevError != 0 {
		t.Errorf("after Reset: integral=%v prevError=%v, want 0 0", c.integral, c.prevError)
	}
}

func TestSetTunings(t *testing.T) {
	c := NewAxisController(1, 2, 3)
	c.SetTunings(4, 5, 6)
	kp, ki, kd := c.Tunings()
	if kp != 4 || ki != 5 || kd != 6 {
		t.Errorf("Tunings = %v %v %v, want 4 5 6", kp, ki, kd)
	}
}

func TestValidGains(t *testing.T) {
	cases := []struct {
		name       string
		kp, ki, kd float64
		want       bool
	}{
		{"defaults", 2, 0.5, 1, true},
		{"zeros", 0, 0, 0, true},
		{"negative_kp", -1, 0, 0, false},
		{"NaN_ki", 1, math.NaN(), 0, false},
		{"Inf_kd", 1, 0, math.Inf(1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidGains(tc.kp, tc.ki, tc.kd); got != tc.want {
				t.Errorf("ValidGains = %v, want %v", got, tc.want)
			}
		})
	}
}
