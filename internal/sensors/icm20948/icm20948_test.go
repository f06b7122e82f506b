package icm20948

import (
	"errors"
	"testing"
	"time"
)

type fakeSPI struct {
	regs   map[byte][]byte
	writes []writeOp

	// Optional overrides.
	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeSPI) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeSPI) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeSPI) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func testConfig() Config {
	return Config{GyroRangeDPS: 250, AccelRangeG: 2, SampleRateHz: 225, DLPFCfg: 7}
}

// healthyFake answers the identity probe and the post-init power readback.
func healthyFake() *fakeSPI {
	return &fakeSPI{regs: map[byte][]byte{
		regWhoAmI:   {whoAmIVal},
		regPwrMgmt1: {clkPLL},
	}}
}

func noSleep(t *testing.T) {
	t.Helper()
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)

	f := healthyFake()
	f.regs[regWhoAmI] = []byte{0x71}
	_, err := New(f, testConfig())
	if err == nil {
		t.Fatalf("expected error for identity mismatch")
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	noSleep(t)

	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"gyro range", func(c *Config) { c.GyroRangeDPS = 300 }},
		{"accel range", func(c *Config) { c.AccelRangeG = 3 }},
		{"rate zero", func(c *Config) { c.SampleRateHz = 0 }},
		{"rate too high", func(c *Config) { c.SampleRateHz = 2000 }},
		{"rate divider overflow", func(c *Config) { c.SampleRateHz = 3 }},
		{"dlpf", func(c *Config) { c.DLPFCfg = 8 }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mod(&cfg)
		if _, err := New(healthyFake(), cfg); err == nil {
			t.Fatalf("%s: expected config error", tc.name)
		}
	}
}

func TestNew_WritesExpectedInitRegisters(t *testing.T) {
	noSleep(t)

	f := healthyFake()
	_, err := New(f, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var sawReset, sawWake, sawEnable, sawBank2 bool
	for _, w := range f.writes {
		switch {
		case w.reg == regPwrMgmt1 && w.val == bitReset:
			sawReset = true
		case w.reg == regPwrMgmt1 && w.val == clkPLL:
			sawWake = true
		case w.reg == regPwrMgmt2 && w.val == 0x00:
			sawEnable = true
		case w.reg == regBankSel && w.val == bank2<<4:
			sawBank2 = true
		}
	}
	if !sawReset {
		t.Fatalf("expected reset write to PWR_MGMT_1")
	}
	if !sawWake {
		t.Fatalf("expected PLL wake write to PWR_MGMT_1")
	}
	if !sawEnable {
		t.Fatalf("expected sensor enable write to PWR_MGMT_2")
	}
	if !sawBank2 {
		t.Fatalf("expected bank2 select write")
	}

	// Full-scale + FCHOICE for 250 dps / 2 g with DLPF 7: 0x39.
	var gyroCfg, accelCfg byte
	for _, w := range f.writes {
		if w.reg == regGyroConfig1 {
			gyroCfg = w.val
		}
		if w.reg == regAccelConfig {
			accelCfg = w.val
		}
	}
	if gyroCfg != 0x39 {
		t.Fatalf("gyro config=0x%02X want 0x39", gyroCfg)
	}
	if accelCfg != 0x39 {
		t.Fatalf("accel config=0x%02X want 0x39", accelCfg)
	}
}

func TestNew_DividerRoundsRateUp(t *testing.T) {
	noSleep(t)

	// 1125/(4+1) = 225 Hz is the nearest available rate at or above 200.
	cfg := testConfig()
	cfg.SampleRateHz = 200
	f := healthyFake()
	if _, err := New(f, cfg); err != nil {
		t.Fatalf("New: %v", err)
	}

	divWrites := map[byte]byte{}
	for _, w := range f.writes {
		if w.reg == regGyroSmplrt || w.reg == regAccelSmplrt2 {
			divWrites[w.reg] = w.val
		}
	}
	if divWrites[regGyroSmplrt] != 4 {
		t.Fatalf("gyro divider=%d want 4", divWrites[regGyroSmplrt])
	}
	if divWrites[regAccelSmplrt2] != 4 {
		t.Fatalf("accel divider=%d want 4", divWrites[regAccelSmplrt2])
	}
}

func TestNew_PowerVerifyMismatch(t *testing.T) {
	noSleep(t)

	f := healthyFake()
	f.regs[regPwrMgmt1] = []byte{0x41} // still sleeping
	if _, err := New(f, testConfig()); err == nil {
		t.Fatalf("expected error when PWR_MGMT_1 readback mismatches")
	}
}

func TestRead_DecodesCounts(t *testing.T) {
	noSleep(t)

	f := healthyFake()
	f.regs[regAccelXoutH] = []byte{
		0x40, 0x00, // ax = 16384
		0x00, 0x00, // ay
		0xC0, 0x00, // az = -16384
		0x40, 0x00, // gx = 16384
		0x00, 0x00, // gy
		0xC0, 0x00, // gz = -16384
	}

	d, err := New(f, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Accel != [3]int16{16384, 0, -16384} {
		t.Fatalf("accel counts=%v want [16384 0 -16384]", s.Accel)
	}
	if s.Gyro != [3]int16{16384, 0, -16384} {
		t.Fatalf("gyro counts=%v want [16384 0 -16384]", s.Gyro)
	}
	if s.Time.IsZero() {
		t.Fatalf("sample timestamp not set")
	}
}

func TestRead_ErrorSurfacesContext(t *testing.T) {
	noSleep(t)

	f := healthyFake()
	f.regs[regAccelXoutH] = make([]byte, 12)
	d, err := New(f, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f.readErrFor = map[byte]error{regAccelXoutH: errors.New("bus glitch")}
	if _, err := d.Read(); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestScales_MatchConfiguredRanges(t *testing.T) {
	noSleep(t)

	cfg := testConfig()
	cfg.GyroRangeDPS = 500
	cfg.AccelRangeG = 4
	d, err := New(healthyFake(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s := d.Scales()
	if s.AccelGPerCount != 4.0/32768.0 {
		t.Fatalf("accel scale=%v want %v", s.AccelGPerCount, 4.0/32768.0)
	}
	if s.GyroDPSPerCount != 500.0/32768.0 {
		t.Fatalf("gyro scale=%v want %v", s.GyroDPSPerCount, 500.0/32768.0)
	}
}
