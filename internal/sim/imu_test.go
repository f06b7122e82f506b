package sim

import (
	"errors"
	"math"
	"testing"

	"quadfc/internal/ahrs"
	"quadfc/internal/sensors/icm20948"
)

func testScales(t *testing.T) icm20948.Scales {
	t.Helper()
	return icm20948.Scales{
		AccelGPerCount:  2.0 / 32768,
		GyroDPSPerCount: 250.0 / 32768,
	}
}

func newDevice(t *testing.T, imu *IMU) *icm20948.Device {
	t.Helper()
	dev, err := icm20948.New(imu, icm20948.Config{
		GyroRangeDPS: 250,
		AccelRangeG:  2,
		SampleRateHz: 200,
		DLPFCfg:      5,
	})
	if err != nil {
		t.Fatalf("driver init against sim failed: %v", err)
	}
	return dev
}

func TestDriverInitializesAgainstSim(t *testing.T) {
	imu, err := NewIMU(Config{Scales: testScales(t)})
	if err != nil {
		t.Fatal(err)
	}
	newDevice(t, imu)
}

func TestLevelAttitudeReadsGravityOnZ(t *testing.T) {
	imu, err := NewIMU(Config{Scales: testScales(t)})
	if err != nil {
		t.Fatal(err)
	}
	dev := newDevice(t, imu)

	s, err := dev.Read()
	if err != nil {
		t.Fatal(err)
	}
	sc := dev.Scales()
	// Body Z is sensor -Z; at identity the synthesized body accel is +1g up.
	gz := -float64(s.Accel[2]) * sc.AccelGPerCount
	if math.Abs(gz-1.0) > 1e-3 {
		t.Fatalf("body z accel = %g g, want 1.0", gz)
	}
	gx := float64(s.Accel[1]) * sc.AccelGPerCount
	gy := float64(s.Accel[0]) * sc.AccelGPerCount
	if math.Abs(gx) > 1e-3 || math.Abs(gy) > 1e-3 {
		t.Fatalf("level body x/y accel = %g/%g g, want 0", gx, gy)
	}
}

func TestRolledAttitudeShiftsGravity(t *testing.T) {
	imu, err := NewIMU(Config{Scales: testScales(t)})
	if err != nil {
		t.Fatal(err)
	}
	dev := newDevice(t, imu)

	const roll = 30 * math.Pi / 180
	imu.SetAttitude(ahrs.FromEuler(roll, 0, 0))

	s, err := dev.Read()
	if err != nil {
		t.Fatal(err)
	}
	sc := dev.Scales()
	gy := float64(s.Accel[0]) * sc.AccelGPerCount // body Y is sensor X
	if math.Abs(gy-math.Sin(roll)) > 1e-3 {
		t.Fatalf("body y accel = %g g, want %g", gy, math.Sin(roll))
	}
}

func TestGyroRatesIncludeBias(t *testing.T) {
	bias := [3]float64{0.01, 0, 0}
	imu, err := NewIMU(Config{Scales: testScales(t), GyroBias: bias})
	if err != nil {
		t.Fatal(err)
	}
	dev := newDevice(t, imu)
	imu.SetRates([3]float64{0.5, 0, 0})

	s, err := dev.Read()
	if err != nil {
		t.Fatal(err)
	}
	sc := dev.Scales()
	// Body X is sensor Y.
	got := float64(s.Gyro[1]) * sc.GyroDPSPerCount * math.Pi / 180
	if math.Abs(got-0.51) > 1e-3 {
		t.Fatalf("body x rate = %g rad/s, want 0.51", got)
	}
}

func TestStepIntegratesRates(t *testing.T) {
	imu, err := NewIMU(Config{Scales: testScales(t)})
	if err != nil {
		t.Fatal(err)
	}
	imu.SetRates([3]float64{1.0, 0, 0}) // 1 rad/s roll
	const dt = 0.001
	for i := 0; i < 500; i++ {
		imu.Step(dt)
	}
	roll, _, _ := imu.Attitude().Euler()
	if math.Abs(roll-0.5) > 1e-3 {
		t.Fatalf("roll after 0.5s = %g rad, want 0.5", roll)
	}
}

func TestReadErrorInjection(t *testing.T) {
	imu, err := NewIMU(Config{Scales: testScales(t)})
	if err != nil {
		t.Fatal(err)
	}
	dev := newDevice(t, imu)

	busErr := errors.New("bus fault")
	imu.SetReadError(busErr)
	if _, err := dev.Read(); !errors.Is(err, busErr) {
		t.Fatalf("err = %v, want wrapped bus fault", err)
	}
	imu.SetReadError(nil)
	if _, err := dev.Read(); err != nil {
		t.Fatalf("read after clearing error: %v", err)
	}
}

func TestBadScalesRejected(t *testing.T) {
	if _, err := NewIMU(Config{}); err == nil {
		t.Fatal("expected error for zero scales")
	}
}
