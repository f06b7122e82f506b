// Package ahrs estimates vehicle attitude by fusing gyro and accelerometer
// samples in an extended Kalman filter over a unit quaternion, optionally
// augmented with gyro bias states.
package ahrs

import (
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"quadfc/internal/filter"
)

// Config fixes the filter tuning for a session.
type Config struct {
	// GyroNoise is the gyro process noise density (rad/s per sqrt(s)).
	GyroNoise float64
	// GyroBiasNoise is the bias random-walk density; only used when
	// EstimateBias is set.
	GyroBiasNoise float64
	// AccelNoise is the gravity-direction measurement noise (unitless,
	// applied to the normalized accel vector).
	AccelNoise float64
	// AccelRejection is the |‖a‖ − g| threshold in m/s² beyond which the
	// correction step is skipped for the cycle.
	AccelRejection float64
	// InitialUncertainty seeds the covariance diagonal.
	InitialUncertainty float64
	// EstimateBias augments the state with three gyro bias states.
	EstimateBias bool
}

// AttitudeState is the immutable per-cycle estimate snapshot.
type AttitudeState struct {
	Quat     Quat
	GyroBias [3]float64
	// CovDiag is the covariance diagonal: quaternion then bias states.
	CovDiag [7]float64
	Time    time.Time
}

// EKF fuses gyro prediction with gravity-direction correction.
//
// All matrix storage is allocated at construction; Predict and Correct do
// bounded, allocation-free work. Not safe for concurrent use: the filter
// belongs to the control loop and publishes through State snapshots.
type EKF struct {
	cfg Config
	n   int

	q    Quat
	bias [3]float64
	at   time.Time

	p   *mat.Dense // covariance, n×n
	qn  *mat.Dense // process noise density, n×n
	f   *mat.Dense // state transition Jacobian
	h   *mat.Dense // 3×n measurement Jacobian
	ht  *mat.Dense // n×3
	pht *mat.Dense // n×3
	s   [3][3]float64
	k   *mat.Dense // n×3 gain
	kh  *mat.Dense // n×n
	ikh *mat.Dense
	eye *mat.Dense
	tmp *mat.Dense
	dx  *mat.VecDense
	y   *mat.VecDense

	symP *mat.SymDense
	chol mat.Cholesky

	rejections uint64
	resets     uint64
}

func New(cfg Config) (*EKF, error) {
	if cfg.GyroNoise <= 0 || cfg.AccelNoise <= 0 {
		return nil, fmt.Errorf("ahrs: noise densities must be positive")
	}
	if cfg.AccelRejection <= 0 {
		return nil, fmt.Errorf("ahrs: accel rejection threshold must be positive")
	}
	if cfg.InitialUncertainty <= 0 {
		return nil, fmt.Errorf("ahrs: initial uncertainty must be positive")
	}
	if cfg.EstimateBias && cfg.GyroBiasNoise <= 0 {
		return nil, fmt.Errorf("ahrs: bias noise must be positive when bias estimation is on")
	}

	n := 4
	if cfg.EstimateBias {
		n = 7
	}
	e := &EKF{
		cfg:  cfg,
		n:    n,
		p:    mat.NewDense(n, n, nil),
		qn:   mat.NewDense(n, n, nil),
		f:    mat.NewDense(n, n, nil),
		h:    mat.NewDense(3, n, nil),
		ht:   mat.NewDense(n, 3, nil),
		pht:  mat.NewDense(n, 3, nil),
		k:    mat.NewDense(n, 3, nil),
		kh:   mat.NewDense(n, n, nil),
		ikh:  mat.NewDense(n, n, nil),
		eye:  mat.NewDense(n, n, nil),
		tmp:  mat.NewDense(n, n, nil),
		dx:   mat.NewVecDense(n, nil),
		y:    mat.NewVecDense(3, nil),
		symP: mat.NewSymDense(n, nil),
	}
	for i := 0; i < n; i++ {
		e.eye.Set(i, i, 1)
	}

	// Process noise density: quaternion block from the gyro noise mapped
	// through the 0.5·q⊗ω kinematics, bias block a random walk.
	qq := 0.25 * cfg.GyroNoise * cfg.GyroNoise
	for i := 0; i < 4; i++ {
		e.qn.Set(i, i, qq)
	}
	for i := 4; i < n; i++ {
		e.qn.Set(i, i, cfg.GyroBiasNoise*cfg.GyroBiasNoise)
	}

	e.resetState()
	return e, nil
}

func (e *EKF) resetState() {
	e.q = Identity()
	e.bias = [3]float64{}
	e.p.Zero()
	for i := 0; i < e.n; i++ {
		e.p.Set(i, i, e.cfg.InitialUncertainty)
	}
}

// Reset reinitializes to the identity quaternion with the initial
// covariance. Used at startup and on numerical faults.
func (e *EKF) Reset() {
	e.resetState()
}

// Predict integrates the measured angular velocity (rad/s, body frame) over
// dt seconds using quaternion kinematics, propagates covariance and
// renormalizes.
func (e *EKF) Predict(gyro [3]float64, dt float64) {
	if dt <= 0 {
		return
	}

	wx := gyro[0] - e.bias[0]
	wy := gyro[1] - e.bias[1]
	wz := gyro[2] - e.bias[2]

	q := e.q

	// qdot = 0.5 · q ⊗ (0, ω)
	dq := q.Mul(Quat{0, wx, wy, wz})
	e.q = Quat{
		q[0] + 0.5*dq[0]*dt,
		q[1] + 0.5*dq[1]*dt,
		q[2] + 0.5*dq[2]*dt,
		q[3] + 0.5*dq[3]*dt,
	}.Normalized()

	// F = I + 0.5·dt·Ω(ω), with ∂qdot/∂bias = −0.5·dt·Ξ(q) when bias
	// states are carried.
	e.f.Copy(e.eye)
	hdt := 0.5 * dt
	e.f.Set(0, 1, -hdt*wx)
	e.f.Set(0, 2, -hdt*wy)
	e.f.Set(0, 3, -hdt*wz)
	e.f.Set(1, 0, hdt*wx)
	e.f.Set(1, 2, hdt*wz)
	e.f.Set(1, 3, -hdt*wy)
	e.f.Set(2, 0, hdt*wy)
	e.f.Set(2, 1, -hdt*wz)
	e.f.Set(2, 3, hdt*wx)
	e.f.Set(3, 0, hdt*wz)
	e.f.Set(3, 1, hdt*wy)
	e.f.Set(3, 2, -hdt*wx)
	if e.cfg.EstimateBias {
		e.f.Set(0, 4, hdt*q[1])
		e.f.Set(0, 5, hdt*q[2])
		e.f.Set(0, 6, hdt*q[3])
		e.f.Set(1, 4, -hdt*q[0])
		e.f.Set(1, 5, hdt*q[3])
		e.f.Set(1, 6, -hdt*q[2])
		e.f.Set(2, 4, -hdt*q[3])
		e.f.Set(2, 5, -hdt*q[0])
		e.f.Set(2, 6, hdt*q[1])
		e.f.Set(3, 4, hdt*q[2])
		e.f.Set(3, 5, -hdt*q[1])
		e.f.Set(3, 6, -hdt*q[0])
	}

	// P = F P Fᵀ + Qn·dt
	e.tmp.Mul(e.f, e.p)
	e.p.Mul(e.tmp, e.f.T())
	e.tmp.Scale(dt, e.qn)
	e.p.Add(e.p, e.tmp)

	e.checkHealth("predict")
}

// Correct applies the gravity-direction observation. It reports false when
// the sample was rejected (acceleration magnitude far from 1 g) or a
// numerical fault forced a reset, leaving the prediction-only estimate.
func (e *EKF) Correct(accel [3]float64) bool {
	norm := math.Sqrt(accel[0]*accel[0] + accel[1]*accel[1] + accel[2]*accel[2])
	if math.IsNaN(norm) || norm < 1e-9 {
		e.rejections++
		return false
	}
	if math.Abs(norm-filter.Gravity) > e.cfg.AccelRejection {
		e.rejections++
		return false
	}

	// Innovation: measured gravity direction minus the direction implied
	// by the predicted quaternion.
	g := e.q.GravityBody()
	e.y.SetVec(0, accel[0]/norm-g[0])
	e.y.SetVec(1, accel[1]/norm-g[1])
	e.y.SetVec(2, accel[2]/norm-g[2])

	// H = ∂g_body/∂q; bias columns are zero.
	w, x, y, z := e.q[0], e.q[1], e.q[2], e.q[3]
	e.h.Zero()
	e.h.Set(0, 0, -2*y)
	e.h.Set(0, 1, 2*z)
	e.h.Set(0, 2, -2*w)
	e.h.Set(0, 3, 2*x)
	e.h.Set(1, 0, 2*x)
	e.h.Set(1, 1, 2*w)
	e.h.Set(1, 2, 2*z)
	e.h.Set(1, 3, 2*y)
	e.h.Set(2, 0, 2*w)
	e.h.Set(2, 1, -2*x)
	e.h.Set(2, 2, -2*y)
	e.h.Set(2, 3, 2*z)
	e.ht.Copy(e.h.T())

	// S = H P Hᵀ + R
	e.pht.Mul(e.p, e.ht)
	r := e.cfg.AccelNoise * e.cfg.AccelNoise
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var v float64
			for l := 0; l < e.n; l++ {
				v += e.h.At(i, l) * e.pht.At(l, j)
			}
			e.s[i][j] = v
		}
		e.s[i][i] += r
	}

	sInv, ok := inv3(e.s)
	if !ok {
		e.fault("correct: singular innovation covariance")
		return false
	}

	// K = P Hᵀ S⁻¹
	for i := 0; i < e.n; i++ {
		for j := 0; j < 3; j++ {
			var v float64
			for l := 0; l < 3; l++ {
				v += e.pht.At(i, l) * sInv[l][j]
			}
			e.k.Set(i, j, v)
		}
	}

	// State update.
	e.dx.MulVec(e.k, e.y)
	e.q = Quat{
		e.q[0] + e.dx.AtVec(0),
		e.q[1] + e.dx.AtVec(1),
		e.q[2] + e.dx.AtVec(2),
		e.q[3] + e.dx.AtVec(3),
	}.Normalized()
	if e.cfg.EstimateBias {
		e.bias[0] += e.dx.AtVec(4)
		e.bias[1] += e.dx.AtVec(5)
		e.bias[2] += e.dx.AtVec(6)
	}

	// P = (I − K H) P, then symmetrize.
	e.kh.Mul(e.k, e.h)
	e.ikh.Sub(e.eye, e.kh)
	e.tmp.Mul(e.ikh, e.p)
	e.p.Copy(e.tmp)
	for i := 0; i < e.n; i++ {
		for j := i + 1; j < e.n; j++ {
			v := 0.5 * (e.p.At(i, j) + e.p.At(j, i))
			e.p.Set(i, j, v)
			e.p.Set(j, i, v)
		}
	}

	return e.checkHealth("correct")
}

// Update runs one full cycle against a conditioned sample and records the
// sample time. It reports whether the correction step was applied.
func (e *EKF) Update(s filter.ConditionedSample, dt float64) bool {
	e.Predict(s.Gyro, dt)
	corrected := e.Correct(s.Accel)
	e.at = s.Time
	return corrected
}

// State returns the current estimate snapshot.
func (e *EKF) State() AttitudeState {
	st := AttitudeState{Quat: e.q, GyroBias: e.bias, Time: e.at}
	for i := 0; i < e.n; i++ {
		st.CovDiag[i] = e.p.At(i, i)
	}
	return st
}

// Rejections counts accel samples skipped by the magnitude gate.
func (e *EKF) Rejections() uint64 { return e.rejections }

// Resets counts numerical-fault reinitializations.
func (e *EKF) Resets() uint64 { return e.resets }

// checkHealth resets the filter on NaN state or a covariance that has lost
// positive definiteness. Returns false if a reset happened.
func (e *EKF) checkHealth(stage string) bool {
	if e.q.hasNaN() {
		e.fault(stage + ": NaN in state")
		return false
	}
	for i := 0; i < e.n; i++ {
		for j := i; j < e.n; j++ {
			v := e.p.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				e.fault(stage + ": non-finite covariance")
				return false
			}
			if i == j {
				e.symP.SetSym(i, i, v)
			} else {
				e.symP.SetSym(i, j, v)
			}
		}
	}
	if ok := e.chol.Factorize(e.symP); !ok {
		e.fault(stage + ": covariance not positive definite")
		return false
	}
	return true
}

func (e *EKF) fault(reason string) {
	e.resets++
	log.Warnf("ahrs: %s; resetting estimator to identity", reason)
	e.resetState()
}

// inv3 inverts a 3×3 matrix in closed form.
func inv3(m [3][3]float64) ([3][3]float64, bool) {
	c00 := m[1][1]*m[2][2] - m[1][2]*m[2][1]
	c01 := m[1][2]*m[2][0] - m[1][0]*m[2][2]
	c02 := m[1][0]*m[2][1] - m[1][1]*m[2][0]

	det := m[0][0]*c00 + m[0][1]*c01 + m[0][2]*c02
	if math.Abs(det) < 1e-30 || math.IsNaN(det) {
		return [3][3]float64{}, false
	}
	id := 1 / det

	var out [3][3]float64
	out[0][0] = c00 * id
	out[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) * id
	out[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) * id
	out[1][0] = c01 * id
	out[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) * id
	out[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) * id
	out[2][0] = c02 * id
	out[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) * id
	out[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) * id
	return out, true
}
