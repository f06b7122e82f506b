// Package control implements the cascaded attitude controller: an outer
// angle loop producing body-rate setpoints and an inner rate loop producing
// normalized torque demands, run once per fixed control period.
package control

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// AxisConfig configures the two PID stages of one body axis.
type AxisConfig struct {
	Angle Gains // outer loop: angle error -> rate setpoint
	Rate  Gains // inner loop: rate error -> torque demand

	// MaxRate bounds the outer loop's output in rad/s.
	MaxRate float64
	// MaxTorque bounds the inner loop's output (normalized, <= 1).
	MaxTorque float64
	// IntegralMax bounds both stages' accumulators.
	IntegralMax float64
}

// Config configures the Controller.
type Config struct {
	// Period is the fixed control period. Both PID stages use its
	// duration as dt on every update.
	Period time.Duration

	Roll  AxisConfig
	Pitch AxisConfig
	Yaw   AxisConfig

	// EstimateGrace is the number of consecutive cycles without a fresh
	// attitude estimate during which the last output is held. One cycle
	// beyond it the controller forces failsafe.
	EstimateGrace int

	// SetpointGrace is the same threshold for the pilot setpoint stream.
	SetpointGrace int
}

func (c Config) validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("control: period must be positive, got %v", c.Period)
	}
	for _, ax := range []struct {
		name string
		cfg  AxisConfig
	}{{"roll", c.Roll}, {"pitch", c.Pitch}, {"yaw", c.Yaw}} {
		if ax.cfg.MaxRate <= 0 {
			return fmt.Errorf("control: %s max rate must be positive, got %g", ax.name, ax.cfg.MaxRate)
		}
		if ax.cfg.MaxTorque <= 0 || ax.cfg.MaxTorque > 1 {
			return fmt.Errorf("control: %s max torque must be in (0, 1], got %g", ax.name, ax.cfg.MaxTorque)
		}
		if ax.cfg.IntegralMax < 0 {
			return fmt.Errorf("control: %s integral bound must be non-negative, got %g", ax.name, ax.cfg.IntegralMax)
		}
	}
	if c.EstimateGrace < 0 || c.SetpointGrace < 0 {
		return fmt.Errorf("control: grace cycle counts must be non-negative")
	}
	return nil
}

// Setpoint is the pilot demand for one cycle.
type Setpoint struct {
	Roll     float64 // rad
	Pitch    float64 // rad
	Yaw      float64 // rad
	Throttle float64 // 0..1
}

// Attitude is the estimated orientation and body rates fed to one update.
type Attitude struct {
	Roll  float64 // rad
	Pitch float64 // rad
	Yaw   float64 // rad
	Rates [3]float64
}

// Output is the torque/throttle demand for one cycle, in mixer units.
type Output struct {
	Roll     float64
	Pitch    float64
	Yaw      float64
	Throttle float64

	// Failsafe is set once a staleness threshold is crossed; the mixer
	// must drive all motors to minimum while it holds.
	Failsafe bool
}

type axis struct {
	angle *pid
	rate  *pid
	cfg   AxisConfig
}

func newAxis(cfg AxisConfig) axis {
	return axis{
		angle: newPID(cfg.Angle, cfg.MaxRate, cfg.IntegralMax),
		rate:  newPID(cfg.Rate, cfg.MaxTorque, cfg.IntegralMax),
		cfg:   cfg,
	}
}

func (a *axis) update(angleErr, measuredRate, dt float64) float64 {
	rateSet := a.angle.update(angleErr, dt)
	return a.rate.update(rateSet-measuredRate, dt)
}

func (a *axis) reset() {
	a.angle.reset()
	a.rate.reset()
}

// Controller runs the cascade for all three axes with arm gating and
// staleness failsafes. Update is called exactly once per control period;
// Arm and Disarm may be called from other goroutines.
type Controller struct {
	cfg Config
	dt  float64

	mu       sync.Mutex
	armed    bool
	axes     [3]axis
	lastOut  Output
	staleEst int
	staleSP  int
}

// New validates cfg and returns a disarmed Controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg: cfg,
		dt:  cfg.Period.Seconds(),
		axes: [3]axis{
			newAxis(cfg.Roll),
			newAxis(cfg.Pitch),
			newAxis(cfg.Yaw),
		},
	}, nil
}

// Arm enables output generation. Integrators start from zero.
func (c *Controller) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return
	}
	c.armed = true
	c.resetLocked()
}

// Disarm zeroes all outputs and integrators immediately.
func (c *Controller) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.resetLocked()
}

// Armed reports whether the controller is generating outputs.
func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *Controller) resetLocked() {
	for i := range c.axes {
		c.axes[i].reset()
	}
	c.lastOut = Output{}
	c.staleEst = 0
	c.staleSP = 0
}

// Update runs one control cycle. estFresh and spFresh report whether att and
// sp were produced since the previous cycle; stale inputs first hold the last
// output for the configured grace, then force failsafe.
func (c *Controller) Update(att Attitude, estFresh bool, sp Setpoint, spFresh bool) Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.armed {
		c.resetLocked()
		return Output{}
	}

	if estFresh {
		c.staleEst = 0
	} else {
		c.staleEst++
	}
	if spFresh {
		c.staleSP = 0
	} else {
		c.staleSP++
	}

	if c.staleEst > c.cfg.EstimateGrace || c.staleSP > c.cfg.SetpointGrace {
		c.lastOut = Output{Failsafe: true}
		return c.lastOut
	}
	if !estFresh {
		// Within grace: hold the previous demand rather than reacting
		// to a stale estimate.
		return c.lastOut
	}

	out := Output{
		Roll:     c.axes[0].update(sp.Roll-att.Roll, att.Rates[0], c.dt),
		Pitch:    c.axes[1].update(sp.Pitch-att.Pitch, att.Rates[1], c.dt),
		Yaw:      c.axes[2].update(wrapAngle(sp.Yaw-att.Yaw), att.Rates[2], c.dt),
		Throttle: clamp01(sp.Throttle),
	}
	c.lastOut = out
	return out
}

// StaleCycles reports the current consecutive-miss counts for the estimate
// and setpoint streams.
func (c *Controller) StaleCycles() (estimate, setpoint int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleEst, c.staleSP
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
