// Package filter turns raw IMU register counts into conditioned body-frame
// samples: unit conversion, axis remap, accel low-pass filtering and fixed
// gyro offset correction.
package filter

import (
	"fmt"
	"math"
	"time"

	"quadfc/internal/sensors/icm20948"
)

// Gravity is the nominal gravitational acceleration in m/s².
const Gravity = 9.8

const degToRad = math.Pi / 180

// Config fixes the conditioning parameters for a session.
type Config struct {
	// SampleRateHz must equal the actual control loop rate; the low-pass
	// coefficients are only correct at this rate.
	SampleRateHz float64
	// AccelCutoffHz is the accel low-pass cutoff.
	AccelCutoffHz float64
	// GyroOffsetsRadPerSec are fixed calibration offsets subtracted from the
	// body-frame gyro channels, computed externally by at-rest averaging.
	GyroOffsetsRadPerSec [3]float64
	// Scales converts raw counts to physical units.
	Scales icm20948.Scales
}

// ConditionedSample is one filtered, offset-corrected body-frame sample.
type ConditionedSample struct {
	Time time.Time
	// Accel in m/s².
	Accel [3]float64
	// Gyro in rad/s.
	Gyro [3]float64
}

// Conditioner holds per-axis filter state. Apply is allocation-free.
//
// Not safe for concurrent use; it belongs to the control loop.
type Conditioner struct {
	cfg    Config
	accLPF [3]*Biquad
}

func NewConditioner(cfg Config) (*Conditioner, error) {
	if cfg.SampleRateHz <= 0 {
		return nil, fmt.Errorf("filter: sample rate %v must be positive", cfg.SampleRateHz)
	}
	if cfg.AccelCutoffHz <= 0 || cfg.AccelCutoffHz >= cfg.SampleRateHz/2 {
		return nil, fmt.Errorf("filter: accel cutoff %v outside (0, %v)", cfg.AccelCutoffHz, cfg.SampleRateHz/2)
	}
	if cfg.Scales.AccelGPerCount <= 0 || cfg.Scales.GyroDPSPerCount <= 0 {
		return nil, fmt.Errorf("filter: sensor scales must be positive")
	}

	c := &Conditioner{cfg: cfg}
	for i := range c.accLPF {
		c.accLPF[i] = NewLowPass(cfg.SampleRateHz, cfg.AccelCutoffHz)
	}
	return c, nil
}

// Apply conditions one raw sample. The sensor frame is remapped to the body
// frame the estimator expects: X and Y swapped, Z negated.
func (c *Conditioner) Apply(raw icm20948.RawSample) ConditionedSample {
	accScale := c.cfg.Scales.AccelGPerCount * Gravity
	gyroScale := c.cfg.Scales.GyroDPSPerCount * degToRad

	ax := float64(raw.Accel[1]) * accScale
	ay := float64(raw.Accel[0]) * accScale
	az := -float64(raw.Accel[2]) * accScale

	gx := float64(raw.Gyro[1]) * gyroScale
	gy := float64(raw.Gyro[0]) * gyroScale
	gz := -float64(raw.Gyro[2]) * gyroScale

	return ConditionedSample{
		Time: raw.Time,
		Accel: [3]float64{
			c.accLPF[0].Run(ax),
			c.accLPF[1].Run(ay),
			c.accLPF[2].Run(az),
		},
		Gyro: [3]float64{
			gx - c.cfg.GyroOffsetsRadPerSec[0],
			gy - c.cfg.GyroOffsetsRadPerSec[1],
			gz - c.cfg.GyroOffsetsRadPerSec[2],
		},
	}
}
