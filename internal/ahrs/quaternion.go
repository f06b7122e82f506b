package ahrs

import "math"

// Quat is a unit quaternion in (w, x, y, z) order.
type Quat [4]float64

// Identity is the level, north-referenced orientation.
func Identity() Quat { return Quat{1, 0, 0, 0} }

// Mul returns the Hamilton product q ⊗ r.
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		q[0]*r[0] - q[1]*r[1] - q[2]*r[2] - q[3]*r[3],
		q[0]*r[1] + q[1]*r[0] + q[2]*r[3] - q[3]*r[2],
		q[0]*r[2] - q[1]*r[3] + q[2]*r[0] + q[3]*r[1],
		q[0]*r[3] + q[1]*r[2] - q[2]*r[1] + q[3]*r[0],
	}
}

// Norm returns the quaternion magnitude.
func (q Quat) Norm() float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// Normalized returns q scaled to unit norm. A degenerate (near-zero norm or
// non-finite) quaternion normalizes to identity; callers treating that as a
// fault must check for it beforehand.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity()
	}
	return Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Euler returns the ZYX roll, pitch and yaw angles in radians.
func (q Quat) Euler() (roll, pitch, yaw float64) {
	w, x, y, z := q[0], q[1], q[2], q[3]

	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))

	sinp := 2 * (w*y - z*x)
	if sinp > 1 {
		sinp = 1
	} else if sinp < -1 {
		sinp = -1
	}
	pitch = math.Asin(sinp)

	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}

// FromEuler builds a quaternion from ZYX roll, pitch and yaw in radians.
func FromEuler(roll, pitch, yaw float64) Quat {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)

	return Quat{
		cr*cp*cy + sr*sp*sy,
		sr*cp*cy - cr*sp*sy,
		cr*sp*cy + sr*cp*sy,
		cr*cp*sy - sr*sp*cy,
	}
}

// GravityBody returns the unit gravity direction in the body frame implied
// by q. At identity this is (0, 0, 1): a resting accelerometer measures
// specific force straight up along body Z.
func (q Quat) GravityBody() [3]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [3]float64{
		2 * (x*z - w*y),
		2 * (y*z + w*x),
		w*w - x*x - y*y + z*z,
	}
}

func (q Quat) hasNaN() bool {
	for _, v := range q {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
