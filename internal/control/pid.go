package control

// pid is one stage of the cascade, run at the fixed control period.
//
// Anti-windup is conditional integration: the accumulator holds whenever the
// output is saturated, and is additionally clamped to a hard bound.
//
// Not safe for concurrent use.
type pid struct {
	kp, ki, kd  float64
	outMin      float64
	outMax      float64
	integralMax float64

	integral float64
	prevErr  float64
	havePrev bool
}

// Gains holds one PID stage's coefficients.
type Gains struct {
	KP float64
	KI float64
	KD float64
}

func newPID(g Gains, outLimit, integralMax float64) *pid {
	return &pid{
		kp:          g.KP,
		ki:          g.KI,
		kd:          g.KD,
		outMin:      -outLimit,
		outMax:      outLimit,
		integralMax: integralMax,
	}
}

func (p *pid) update(err, dt float64) float64 {
	if dt <= 0 {
		// Keep behavior deterministic: no time => no update.
		return 0
	}

	derivative := 0.0
	if p.havePrev {
		derivative = (err - p.prevErr) / dt
	}
	p.prevErr = err
	p.havePrev = true

	out := p.kp*err + p.ki*p.integral + p.kd*derivative
	if out > p.outMax {
		return p.outMax
	}
	if out < p.outMin {
		return p.outMin
	}

	// Unsaturated: let the integrator accumulate, within its bound.
	p.integral += err * dt
	if p.integral > p.integralMax {
		p.integral = p.integralMax
	} else if p.integral < -p.integralMax {
		p.integral = -p.integralMax
	}
	return out
}

func (p *pid) reset() {
	p.integral = 0
	p.prevErr = 0
	p.havePrev = false
}
