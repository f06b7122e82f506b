package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// minimalGains is the smallest valid control section.
const minimalGains = `
control:
  roll: {angle: {kp: 4}, rate: {kp: 0.1}}
  pitch: {angle: {kp: 4}, rate: {kp: 0.1}}
  yaw: {angle: {kp: 2}, rate: {kp: 0.1}}
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrContains(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", want)
	}
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("error=%q want substring %q", err.Error(), want)
	}
}

func TestLoad_RequiresGains(t *testing.T) {
	path := writeTempConfig(t, "loop: {}\n")
	_, err := Load(path)
	requireErrContains(t, err, "control.roll gains are required")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, minimalGains)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Loop.Period != 5*time.Millisecond {
		t.Fatalf("period=%s want 5ms", cfg.Loop.Period)
	}
	if cfg.SPI.Device != "/dev/spidev0.0" || cfg.SPI.SpeedHz != 1_000_000 {
		t.Fatalf("spi defaults = %+v", cfg.SPI)
	}
	if cfg.IMU.SampleRateHz != 200 {
		t.Fatalf("imu sample rate=%d want 200 from 5ms period", cfg.IMU.SampleRateHz)
	}
	if cfg.AHRS.AccelRejection != 3.0 {
		t.Fatalf("accel rejection=%g want 3.0", cfg.AHRS.AccelRejection)
	}
	if cfg.Control.Roll.MaxRate != 3 || cfg.Control.Roll.IntegralMax != 0.2 {
		t.Fatalf("roll axis defaults = %+v", cfg.Control.Roll)
	}
	if cfg.Motors.MinPulse != time.Millisecond || cfg.Motors.MaxPulse != 2*time.Millisecond {
		t.Fatalf("motor pulse defaults = %+v", cfg.Motors)
	}
	if cfg.Setpoint.ListenAddr != ":14550" || cfg.Telemetry.ListenAddr != ":8080" {
		t.Fatalf("listen defaults = %q/%q", cfg.Setpoint.ListenAddr, cfg.Telemetry.ListenAddr)
	}
}

func TestLoad_SampleRateMustMatchLoopRate(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"imu:\n  sample_rate_hz: 100\n")
	_, err := Load(path)
	requireErrContains(t, err, "must match the loop rate")
}

func TestLoad_SampleRateFollowsPeriod(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"loop:\n  period: 10ms\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.IMU.SampleRateHz != 100 {
		t.Fatalf("sample rate=%d want 100 for 10ms period", cfg.IMU.SampleRateHz)
	}
}

func TestLoad_MotorChannelsMustBeDistinct(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"motors:\n  channels: [0, 1, 1, 3]\n")
	_, err := Load(path)
	requireErrContains(t, err, "must be distinct")
}

func TestLoad_SimSkipsChannelValidation(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"sim: true\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
}

func TestLoad_LEDRequiresPin(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"led:\n  enable: true\n")
	_, err := Load(path)
	requireErrContains(t, err, "led.pin is required")
}

func TestLoad_BadSPIMode(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"spi:\n  mode: 4\n")
	_, err := Load(path)
	requireErrContains(t, err, "spi.mode")
}

func TestLoad_BiasNoiseDefaultOnlyWhenEstimating(t *testing.T) {
	path := writeTempConfig(t, minimalGains+"ahrs:\n  estimate_bias: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AHRS.GyroBiasNoise == 0 {
		t.Fatal("expected bias noise default when estimating bias")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
