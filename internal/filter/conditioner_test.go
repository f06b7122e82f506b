package filter

import (
	"math"
	"testing"
	"time"

	"quadfc/internal/sensors/icm20948"
)

func testScales() icm20948.Scales {
	return icm20948.Scales{
		AccelGPerCount:  2.0 / 32768.0,
		GyroDPSPerCount: 250.0 / 32768.0,
	}
}

func testConfig() Config {
	return Config{
		SampleRateHz:  200,
		AccelCutoffHz: 2,
		Scales:        testScales(),
	}
}

func TestNewConditioner_Validation(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero rate", func(c *Config) { c.SampleRateHz = 0 }},
		{"zero cutoff", func(c *Config) { c.AccelCutoffHz = 0 }},
		{"cutoff above nyquist", func(c *Config) { c.AccelCutoffHz = 150 }},
		{"zero scales", func(c *Config) { c.Scales = icm20948.Scales{} }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mod(&cfg)
		if _, err := NewConditioner(cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestBiquad_DCConvergence(t *testing.T) {
	f := NewLowPass(200, 2)

	// A low-pass section has unity DC gain: constant input converges to
	// the same constant output.
	var y float64
	for i := 0; i < 2000; i++ {
		y = f.Run(9.8)
	}
	if math.Abs(y-9.8) > 1e-6 {
		t.Fatalf("DC output=%v want 9.8", y)
	}
}

func TestApply_RemapsAndScalesGyro(t *testing.T) {
	c, err := NewConditioner(testConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	// Sensor-frame Y maps to body X; sensor Z is negated.
	raw := icm20948.RawSample{
		Time: time.Now(),
		Gyro: [3]int16{0, 16384, 16384},
	}
	s := c.Apply(raw)

	wantX := 125.0 * math.Pi / 180 // 16384 counts at ±250 dps
	if math.Abs(s.Gyro[0]-wantX) > 1e-9 {
		t.Fatalf("body gx=%v want %v", s.Gyro[0], wantX)
	}
	if s.Gyro[1] != 0 {
		t.Fatalf("body gy=%v want 0", s.Gyro[1])
	}
	if math.Abs(s.Gyro[2]+wantX) > 1e-9 {
		t.Fatalf("body gz=%v want %v", s.Gyro[2], -wantX)
	}
}

func TestApply_SubtractsGyroOffsets(t *testing.T) {
	cfg := testConfig()
	cfg.GyroOffsetsRadPerSec = [3]float64{0.01, -0.02, 0.03}
	c, err := NewConditioner(cfg)
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	s := c.Apply(icm20948.RawSample{Time: time.Now()})
	want := [3]float64{-0.01, 0.02, -0.03}
	for i := range want {
		if math.Abs(s.Gyro[i]-want[i]) > 1e-12 {
			t.Fatalf("gyro[%d]=%v want %v", i, s.Gyro[i], want[i])
		}
	}
}

func TestApply_AccelFilteredConvergence(t *testing.T) {
	c, err := NewConditioner(testConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	// At rest: sensor Z sees -1 g (body Z negated to +1 g up).
	raw := icm20948.RawSample{
		Time:  time.Now(),
		Accel: [3]int16{0, 0, -16384},
	}

	var s ConditionedSample
	for i := 0; i < 2000; i++ {
		s = c.Apply(raw)
	}
	if math.Abs(s.Accel[2]-Gravity) > 1e-6 {
		t.Fatalf("body az=%v want %v after settling", s.Accel[2], Gravity)
	}
	if math.Abs(s.Accel[0]) > 1e-9 || math.Abs(s.Accel[1]) > 1e-9 {
		t.Fatalf("body ax/ay=%v,%v want 0", s.Accel[0], s.Accel[1])
	}
}
