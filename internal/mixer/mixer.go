// Package mixer converts throttle and torque demands into per-motor commands
// for a quad-X frame.
package mixer

import "quadfc/internal/control"

// Motor indexes into a Commands array.
type Motor int

// Quad-X positions, looking down at the frame with the nose up. FrontRight
// and RearLeft spin clockwise, the other pair counter-clockwise; speeding a
// clockwise prop applies counter-clockwise reaction torque to the frame.
const (
	FrontLeft Motor = iota
	FrontRight
	RearLeft
	RearRight
	NumMotors
)

var motorNames = [NumMotors]string{"front-left", "front-right", "rear-left", "rear-right"}

func (m Motor) String() string {
	if m < 0 || m >= NumMotors {
		return "unknown"
	}
	return motorNames[m]
}

// Commands holds normalized per-motor demands in [0, 1].
type Commands [NumMotors]float64

// mixing matrix rows: throttle, roll, pitch, yaw contribution per motor.
// Positive roll torque raises the left side, positive pitch raises the nose,
// positive yaw is counter-clockwise seen from above.
var mix = [NumMotors][4]float64{
	FrontLeft:  {1, +1, +1, -1},
	FrontRight: {1, -1, +1, +1},
	RearLeft:   {1, +1, -1, +1},
	RearRight:  {1, -1, -1, -1},
}

// Mix maps one control output to motor commands. A failsafe or zero-throttle
// demand yields all-zero commands. When any mixed value exceeds 1, every
// command is scaled by the same factor so the maximum lands exactly at 1 and
// the demands keep their relative proportions; negatives are then clamped
// to 0.
func Mix(out control.Output) Commands {
	var c Commands
	if out.Failsafe || out.Throttle <= 0 {
		return c
	}

	max := 0.0
	for m := range c {
		v := mix[m][0]*out.Throttle + mix[m][1]*out.Roll + mix[m][2]*out.Pitch + mix[m][3]*out.Yaw
		c[m] = v
		if v > max {
			max = v
		}
	}
	if max > 1 {
		// Dividing (rather than multiplying by a reciprocal) makes the
		// largest command land at exactly 1.0.
		for m := range c {
			c[m] /= max
		}
	}
	for m := range c {
		if c[m] < 0 {
			c[m] = 0
		}
	}
	return c
}
