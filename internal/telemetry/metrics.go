// Package telemetry exposes flight state over HTTP: Prometheus metrics on
// /metrics and a JSON status snapshot on /api/status, plus arm/disarm
// endpoints for ground-station use.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instruments updated by the flight loop. All fields are
// registered on the registry passed to NewMetrics.
type Metrics struct {
	LoopCycles     prometheus.Counter
	LoopOverruns   prometheus.Counter
	LoopDuration   prometheus.Histogram
	SensorErrors   prometheus.Counter
	AccelRejects   prometheus.Counter
	EstimatorReset prometheus.Counter
	FailsafeCycles prometheus.Counter

	RollRad  prometheus.Gauge
	PitchRad prometheus.Gauge
	YawRad   prometheus.Gauge

	MotorCommand *prometheus.GaugeVec
}

// NewMetrics creates and registers the flight instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoopCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quadfc_loop_cycles_total",
			Help: "Control loop iterations executed.",
		}),
		LoopOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quadfc_loop_overruns_total",
			Help: "Cycles whose work exceeded the loop period.",
		}),
		LoopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quadfc_loop_duration_seconds",
			Help:    "Wall time spent per control cycle.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 10),
		}),
		SensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quadfc_sensor_errors_total",
			Help: "IMU reads that failed.",
		}),
		AccelRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quadfc_accel_rejections_total",
			Help: "Accelerometer samples rejected by the estimator.",
		}),
		EstimatorReset: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quadfc_estimator_resets_total",
			Help: "Times the attitude estimator reset after a numerical fault.",
		}),
		FailsafeCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quadfc_failsafe_cycles_total",
			Help: "Cycles spent with outputs forced to failsafe minimum.",
		}),
		RollRad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quadfc_attitude_roll_radians",
			Help: "Estimated roll angle.",
		}),
		PitchRad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quadfc_attitude_pitch_radians",
			Help: "Estimated pitch angle.",
		}),
		YawRad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quadfc_attitude_yaw_radians",
			Help: "Estimated yaw angle.",
		}),
		MotorCommand: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quadfc_motor_command",
			Help: "Normalized motor command last written to the ESCs.",
		}, []string{"motor"}),
	}
	reg.MustRegister(
		m.LoopCycles, m.LoopOverruns, m.LoopDuration,
		m.SensorErrors, m.AccelRejects, m.EstimatorReset, m.FailsafeCycles,
		m.RollRad, m.PitchRad, m.YawRad, m.MotorCommand,
	)
	return m
}
