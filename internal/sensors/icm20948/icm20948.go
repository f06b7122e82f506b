package icm20948

import (
	"fmt"
	"time"
)

var sleep = time.Sleep

// ICM-20948 accel/gyro driver.
//
// The device is configured once at startup (power management, full-scale
// ranges, on-chip anti-alias filtering) and then sampled with a single burst
// read spanning the accel and gyro output registers, so all six axes come
// from one register snapshot.
//
// Register map (bank 0): WHO_AM_I at 0x00 reads 0xEA.

const (
	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	regPwrMgmt2   = 0x07
	bitReset      = 0x80
	clkPLL        = 0x01
	regAccelXoutH = 0x2D // contiguous 12-byte accel+gyro block

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// Internal sample base rate with DLPF enabled.
	baseRateHz = 1125

	countsFull = 32768.0
)

// Config selects the full-scale ranges, output data rate and on-chip
// low-pass filtering written during initialization.
type Config struct {
	// GyroRangeDPS is the gyro full-scale in deg/s: 250, 500, 1000 or 2000.
	GyroRangeDPS int
	// AccelRangeG is the accel full-scale in g: 2, 4, 8 or 16.
	AccelRangeG int
	// SampleRateHz is the read rate the dividers are programmed for; the
	// device runs at the nearest available rate at or above it, at most
	// 1125 Hz and at least 5 Hz. Must match the control loop period.
	SampleRateHz int
	// DLPFCfg is the on-chip digital low-pass filter configuration (0-7)
	// applied to both accel and gyro.
	DLPFCfg byte
}

// RawSample is one atomic accel+gyro register snapshot, in raw counts.
type RawSample struct {
	Time  time.Time
	Accel [3]int16
	Gyro  [3]int16
}

// Scales converts raw counts to physical units for the configured ranges.
type Scales struct {
	// AccelGPerCount is g per LSB (e.g. 1/16384 at ±2 g).
	AccelGPerCount float64
	// GyroDPSPerCount is deg/s per LSB (e.g. 1/131 at ±250 dps).
	GyroDPSPerCount float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Device struct {
	dev regIO
	cfg Config

	curBank byte
	scales  Scales
	buf     [12]byte
}

// New probes and initializes the IMU. The identity check and every
// configuration write are fatal: there is no safe attitude before the
// device is known to be configured.
func New(dev regIO, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}

	gyroFS, err := gyroFSBits(cfg.GyroRangeDPS)
	if err != nil {
		return nil, err
	}
	accelFS, err := accelFSBits(cfg.AccelRangeG)
	if err != nil {
		return nil, err
	}
	if cfg.SampleRateHz <= 0 || cfg.SampleRateHz > baseRateHz {
		return nil, fmt.Errorf("icm20948: sample rate %d out of range (1..%d)", cfg.SampleRateHz, baseRateHz)
	}
	// The ODR is 1125/(div+1) with an 8-bit divider. Rates below 5 Hz need
	// a divider above 255, and byte truncation would program a wildly
	// wrong rate.
	if div := baseRateHz/cfg.SampleRateHz - 1; div > 0xFF {
		return nil, fmt.Errorf("icm20948: sample rate %d needs divider %d, max 255", cfg.SampleRateHz, div)
	}
	if cfg.DLPFCfg > 7 {
		return nil, fmt.Errorf("icm20948: dlpf cfg %d out of range (0..7)", cfg.DLPFCfg)
	}

	d := &Device{dev: dev, cfg: cfg, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(gyroFS, accelFS); err != nil {
		return nil, err
	}

	d.scales = Scales{
		AccelGPerCount:  float64(cfg.AccelRangeG) / countsFull,
		GyroDPSPerCount: float64(cfg.GyroRangeDPS) / countsFull,
	}
	return d, nil
}

func (d *Device) init(gyroFS, accelFS byte) error {
	if err := d.setBank(0); err != nil {
		return err
	}

	// Reset, then wake with the PLL clock source. CLKSEL=1..5 is required
	// for full gyro performance.
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	if err := d.dev.WriteReg(regPwrMgmt1, clkPLL); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// Enable all accel and gyro axes.
	if err := d.dev.WriteReg(regPwrMgmt2, 0x00); err != nil {
		return fmt.Errorf("icm20948: sensor enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}

	// Sample-rate dividers: rate = 1125/(div+1). Flooring the quotient
	// picks the smallest divider whose output rate is at or above the
	// requested rate, so a poll at the requested rate never rereads a
	// stale sample. Range-checked in New.
	div := byte(baseRateHz/d.cfg.SampleRateHz - 1)
	if err := d.dev.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro sample rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelSmplrt2, div); err != nil {
		return fmt.Errorf("icm20948: accel sample rate failed: %w", err)
	}

	// CONFIG layout for both sensors: [5:3]=DLPFCFG [2:1]=FS_SEL [0]=FCHOICE.
	// FCHOICE=1 enables the anti-alias filter.
	if err := d.dev.WriteReg(regGyroConfig1, d.cfg.DLPFCfg<<3|gyroFS<<1|0x01); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, d.cfg.DLPFCfg<<3|accelFS<<1|0x01); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}

	// Verify the clock selection took; a device that dropped the write is
	// not safe to fly on.
	pwr, err := d.dev.ReadRegU8(regPwrMgmt1)
	if err != nil {
		return fmt.Errorf("icm20948: power verify read failed: %w", err)
	}
	if pwr != clkPLL {
		return fmt.Errorf("icm20948: PWR_MGMT_1=0x%02X want 0x%02X after init", pwr, clkPLL)
	}
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// Read burst-reads the accel+gyro block in one transaction.
func (d *Device) Read() (RawSample, error) {
	if d == nil {
		return RawSample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return RawSample{}, err
	}

	if err := d.dev.ReadReg(regAccelXoutH, d.buf[:]); err != nil {
		return RawSample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	s := RawSample{Time: time.Now()}
	for i := 0; i < 3; i++ {
		s.Accel[i] = int16(d.buf[2*i])<<8 | int16(d.buf[2*i+1])
		s.Gyro[i] = int16(d.buf[6+2*i])<<8 | int16(d.buf[6+2*i+1])
	}
	return s, nil
}

// Scales reports the counts-to-physical conversion for the configured
// full-scale ranges.
func (d *Device) Scales() Scales { return d.scales }

func gyroFSBits(dps int) (byte, error) {
	switch dps {
	case 250:
		return 0, nil
	case 500:
		return 1, nil
	case 1000:
		return 2, nil
	case 2000:
		return 3, nil
	}
	return 0, fmt.Errorf("icm20948: unsupported gyro range %d dps", dps)
}

func accelFSBits(g int) (byte, error) {
	switch g {
	case 2:
		return 0, nil
	case 4:
		return 1, nil
	case 8:
		return 2, nil
	case 16:
		return 3, nil
	}
	return 0, fmt.Errorf("icm20948: unsupported accel range %d g", g)
}
