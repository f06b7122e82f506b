// Package sim provides a simulated ICM-20948 register space backed by a
// rigid-body truth model, so the whole stack from driver to mixer can run
// without hardware.
package sim

import (
	"fmt"
	"math"
	"sync"

	"quadfc/internal/ahrs"
	"quadfc/internal/filter"
	"quadfc/internal/sensors/icm20948"
)

const (
	regWhoAmI     = 0x00
	regBankSel    = 0x7F
	regPwrMgmt1   = 0x06
	regAccelXoutH = 0x2D
	whoAmIValue   = 0xEA
	bitReset      = 0x80
)

// Config configures the simulated sensor.
type Config struct {
	// Scales must match the full-scale ranges the driver configures, so
	// synthesized counts decode back to the truth values.
	Scales icm20948.Scales
	// GyroBias is added to the synthesized rates, in rad/s per body axis.
	GyroBias [3]float64
}

// IMU is a register-level fake of the ICM-20948. It satisfies the sensor
// driver's bus interface and synthesizes burst reads from its truth state.
// Safe for concurrent use.
type IMU struct {
	cfg Config

	mu       sync.Mutex
	bank     byte
	regs     [4][128]byte
	attitude ahrs.Quat
	rates    [3]float64 // body rad/s
	readErr  error
}

// NewIMU returns a powered-down simulated sensor at identity attitude.
func NewIMU(cfg Config) (*IMU, error) {
	if cfg.Scales.AccelGPerCount <= 0 || cfg.Scales.GyroDPSPerCount <= 0 {
		return nil, fmt.Errorf("sim: scales must be positive, got %+v", cfg.Scales)
	}
	m := &IMU{cfg: cfg, attitude: ahrs.Identity()}
	m.regs[0][regWhoAmI] = whoAmIValue
	m.regs[0][regPwrMgmt1] = 0x41 // power-on default: sleep, internal clock
	return m, nil
}

// SetRates sets the true body rotation rates in rad/s.
func (m *IMU) SetRates(rates [3]float64) {
	m.mu.Lock()
	m.rates = rates
	m.mu.Unlock()
}

// SetAttitude overrides the truth attitude.
func (m *IMU) SetAttitude(q ahrs.Quat) {
	m.mu.Lock()
	m.attitude = q.Normalized()
	m.mu.Unlock()
}

// Attitude returns the truth attitude.
func (m *IMU) Attitude() ahrs.Quat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attitude
}

// Step advances the truth model by dt: the attitude integrates the current
// body rates.
func (m *IMU) Step(dt float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := ahrs.Quat{0, m.rates[0], m.rates[1], m.rates[2]}
	dq := m.attitude.Mul(w)
	for i := range m.attitude {
		m.attitude[i] += 0.5 * dq[i] * dt
	}
	m.attitude = m.attitude.Normalized()
}

// SetReadError makes every subsequent register read fail with err until
// cleared with nil.
func (m *IMU) SetReadError(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// ReadRegU8 implements the driver's bus interface.
func (m *IMU) ReadRegU8(reg byte) (byte, error) {
	var b [1]byte
	if err := m.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadReg implements the driver's bus interface. A burst starting at the
// accel output block is synthesized from the truth state; everything else
// reads back the stored register values.
func (m *IMU) ReadReg(reg byte, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return m.readErr
	}
	if m.bank == 0 && reg == regAccelXoutH && len(dst) == 12 {
		m.synthesize(dst)
		return nil
	}
	for i := range dst {
		r := int(reg) + i
		if r >= len(m.regs[m.bank]) {
			return fmt.Errorf("sim: read past register space at 0x%02X", r)
		}
		dst[i] = m.regs[m.bank][r]
	}
	return nil
}

// WriteReg implements the driver's bus interface.
func (m *IMU) WriteReg(reg, value byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg == regBankSel {
		m.bank = (value >> 4) & 0x03
		return nil
	}
	if m.bank == 0 && reg == regPwrMgmt1 && value&bitReset != 0 {
		// Reset self-clears and returns the chip to its power-on state.
		m.regs[0][regPwrMgmt1] = 0x41
		return nil
	}
	m.regs[m.bank][reg] = value
	return nil
}

// Close satisfies io.Closer so the IMU can stand in for a bus handle.
func (m *IMU) Close() error { return nil }

// synthesize fills a 12-byte accel+gyro burst, in the sensor frame, from the
// truth attitude and rates. Callers hold m.mu.
func (m *IMU) synthesize(dst []byte) {
	g := m.attitude.GravityBody()
	// At rest the sensor reports the reaction to gravity along body "up".
	accel := [3]float64{
		g[0] * filter.Gravity,
		g[1] * filter.Gravity,
		g[2] * filter.Gravity,
	}
	gyro := [3]float64{
		m.rates[0] + m.cfg.GyroBias[0],
		m.rates[1] + m.cfg.GyroBias[1],
		m.rates[2] + m.cfg.GyroBias[2],
	}

	// Invert the driver's axis remap (swap X/Y, negate Z) so the driver's
	// conditioned output reproduces the body-frame truth.
	accelCounts := [3]int16{
		toCounts(accel[1]/filter.Gravity, m.cfg.Scales.AccelGPerCount),
		toCounts(accel[0]/filter.Gravity, m.cfg.Scales.AccelGPerCount),
		toCounts(-accel[2]/filter.Gravity, m.cfg.Scales.AccelGPerCount),
	}
	const radToDeg = 180 / math.Pi
	gyroCounts := [3]int16{
		toCounts(gyro[1]*radToDeg, m.cfg.Scales.GyroDPSPerCount),
		toCounts(gyro[0]*radToDeg, m.cfg.Scales.GyroDPSPerCount),
		toCounts(-gyro[2]*radToDeg, m.cfg.Scales.GyroDPSPerCount),
	}

	for i := 0; i < 3; i++ {
		dst[2*i] = byte(uint16(accelCounts[i]) >> 8)
		dst[2*i+1] = byte(uint16(accelCounts[i]))
		dst[6+2*i] = byte(uint16(gyroCounts[i]) >> 8)
		dst[6+2*i+1] = byte(uint16(gyroCounts[i]))
	}
}

func toCounts(value, scalePerCount float64) int16 {
	c := math.Round(value / scalePerCount)
	if c > math.MaxInt16 {
		c = math.MaxInt16
	} else if c < math.MinInt16 {
		c = math.MinInt16
	}
	return int16(c)
}
