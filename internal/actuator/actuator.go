// Package actuator emits motor commands as ESC pulse widths on hardware PWM
// channels.
package actuator

import (
	"fmt"
	"time"

	"quadfc/internal/mixer"
)

// Driver is the minimal interface the emitter needs from a PWM backend.
// Pulse widths are in nanoseconds, one per motor.
//
// Close should be best-effort and leave the outputs in a safe state.
type Driver interface {
	Apply(widthsNS [mixer.NumMotors]uint64) error
	Close() error
}

// Config configures the pulse mapping for all four channels.
type Config struct {
	// FrequencyHz is the PWM update rate (typically 50-400 for ESCs).
	FrequencyHz int
	// MinPulse is the width commanded at 0.0 (and on shutdown).
	MinPulse time.Duration
	// MaxPulse is the width commanded at 1.0.
	MaxPulse time.Duration
}

func (c Config) validate() error {
	if c.FrequencyHz <= 0 {
		return fmt.Errorf("actuator: frequency must be positive, got %d", c.FrequencyHz)
	}
	if c.MinPulse <= 0 || c.MaxPulse <= c.MinPulse {
		return fmt.Errorf("actuator: need 0 < min pulse < max pulse, got %v/%v", c.MinPulse, c.MaxPulse)
	}
	period := time.Second / time.Duration(c.FrequencyHz)
	if c.MaxPulse > period {
		return fmt.Errorf("actuator: max pulse %v exceeds PWM period %v", c.MaxPulse, period)
	}
	return nil
}

// Emitter maps normalized motor commands onto ESC pulse widths.
type Emitter struct {
	cfg    Config
	drv    Driver
	minNS  uint64
	spanNS float64

	widths [mixer.NumMotors]uint64
	closed bool
}

// NewEmitter wraps an already-open Driver. Most callers want Open instead;
// this entry point exists for simulated backends.
func NewEmitter(cfg Config, drv Driver) (*Emitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Emitter{
		cfg:    cfg,
		drv:    drv,
		minNS:  uint64(cfg.MinPulse.Nanoseconds()),
		spanNS: float64(cfg.MaxPulse.Nanoseconds() - cfg.MinPulse.Nanoseconds()),
	}, nil
}

// Write converts cmds to pulse widths and pushes them to the hardware.
// Commands outside [0, 1] are clamped. Write does not allocate.
func (e *Emitter) Write(cmds mixer.Commands) error {
	if e.closed {
		return fmt.Errorf("actuator: emitter is closed")
	}
	for m, v := range cmds {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		e.widths[m] = e.minNS + uint64(v*e.spanNS)
	}
	return e.drv.Apply(e.widths)
}

// Close forces every channel to the minimum pulse before releasing the
// hardware, so motors stop even if the caller skipped a final Write.
func (e *Emitter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	for m := range e.widths {
		e.widths[m] = e.minNS
	}
	applyErr := e.drv.Apply(e.widths)
	closeErr := e.drv.Close()
	if applyErr != nil {
		return applyErr
	}
	return closeErr
}
