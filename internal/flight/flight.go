// Package flight runs the fixed-period control loop: sample the IMU,
// condition the signals, update the attitude estimate, run the cascaded
// controller, mix, and emit motor commands.
package flight

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"quadfc/internal/ahrs"
	"quadfc/internal/control"
	"quadfc/internal/filter"
	"quadfc/internal/mixer"
	"quadfc/internal/sensors/icm20948"
	"quadfc/internal/setpoint"
	"quadfc/internal/telemetry"
)

// imu is the sensor surface the loop needs.
type imu interface {
	Read() (icm20948.RawSample, error)
}

// motorWriter is the actuation surface the loop needs.
type motorWriter interface {
	Write(mixer.Commands) error
	Close() error
}

// Config configures the loop.
type Config struct {
	// Period is the control period; 5ms gives the nominal 200 Hz loop.
	Period time.Duration
	// MaxSensorErrors disarms the vehicle after this many consecutive
	// failed IMU reads.
	MaxSensorErrors int
}

func (c Config) validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("flight: period must be positive, got %v", c.Period)
	}
	if c.MaxSensorErrors <= 0 {
		return fmt.Errorf("flight: max sensor errors must be positive, got %d", c.MaxSensorErrors)
	}
	return nil
}

// Repeated estimator resets within this many cycles of each other are
// treated as one fault burst; a burst of estimatorFaultLimit disarms.
const (
	estimatorFaultWindow = 200
	estimatorFaultLimit  = 3
)

// Snapshot is the externally visible loop state.
type Snapshot struct {
	Armed    bool `json:"armed"`
	Failsafe bool `json:"failsafe"`

	RollRad  float64 `json:"roll_rad"`
	PitchRad float64 `json:"pitch_rad"`
	YawRad   float64 `json:"yaw_rad"`

	Motors [mixer.NumMotors]float64 `json:"motors"`

	Cycles          uint64 `json:"cycles"`
	Overruns        uint64 `json:"overruns"`
	SensorErrors    uint64 `json:"sensor_errors"`
	AccelRejections uint64 `json:"accel_rejections"`
	EstimatorResets uint64 `json:"estimator_resets"`

	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Service owns the loop goroutine.
type Service struct {
	cfg Config

	dev   imu
	cond  *filter.Conditioner
	est   *ahrs.EKF
	ctl   *control.Controller
	out   motorWriter
	store *setpoint.Store
	met   *telemetry.Metrics
	// motorGauges are resolved once so the loop body does not allocate.
	motorGauges [mixer.NumMotors]prometheus.Gauge

	mu   sync.RWMutex
	snap Snapshot

	lastSetpointAt time.Time
	lastArmedCmd   bool
	consecErrs     int
	prevRejects    uint64
	prevResets     uint64
	faultCount     int
	lastFaultCycle uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires the loop. All dependencies must be non-nil except met, which may
// be nil to disable instrumentation.
func New(cfg Config, dev imu, cond *filter.Conditioner, est *ahrs.EKF,
	ctl *control.Controller, out motorWriter, store *setpoint.Store,
	met *telemetry.Metrics) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dev == nil || cond == nil || est == nil || ctl == nil || out == nil || store == nil {
		return nil, fmt.Errorf("flight: all pipeline stages are required")
	}
	var gauges [mixer.NumMotors]prometheus.Gauge
	if met != nil {
		for m := range gauges {
			gauges[m] = met.MotorCommand.WithLabelValues(mixer.Motor(m).String())
		}
	}
	return &Service{
		cfg:         cfg,
		dev:         dev,
		cond:        cond,
		est:         est,
		ctl:         ctl,
		out:         out,
		store:       store,
		met:         met,
		motorGauges: gauges,
		stopCh:      make(chan struct{}),
	}, nil
}

// Start launches the loop goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops the loop and drives the motors to their safe minimum.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	if err := s.out.Close(); err != nil {
		log.WithError(err).Error("flight: motor shutdown failed")
	}
}

// Arm enables the controller. It fails while sensor reads are failing.
func (s *Service) Arm() error {
	s.mu.RLock()
	errs := s.consecErrs
	s.mu.RUnlock()
	if errs > 0 {
		return fmt.Errorf("flight: cannot arm with failing sensor (%d consecutive errors)", errs)
	}
	s.ctl.Arm()
	log.Info("flight: armed")
	return nil
}

// Disarm zeroes outputs immediately.
func (s *Service) Disarm() error {
	s.ctl.Disarm()
	log.Info("flight: disarmed")
	return nil
}

// Snapshot returns the current loop state.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// StatusJSON implements the telemetry status surface.
func (s *Service) StatusJSON() ([]byte, error) {
	snap := s.Snapshot()
	return json.MarshalIndent(snap, "", "  ")
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	dt := s.cfg.Period.Seconds()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		start := time.Now()
		s.cycle(dt)
		elapsed := time.Since(start)
		if s.met != nil {
			s.met.LoopCycles.Inc()
			s.met.LoopDuration.Observe(elapsed.Seconds())
			if elapsed > s.cfg.Period {
				s.met.LoopOverruns.Inc()
			}
		}
		if elapsed > s.cfg.Period {
			s.mu.Lock()
			s.snap.Overruns++
			s.mu.Unlock()
		}
	}
}

// cycle runs one pass of the pipeline. Stage boundaries exchange value
// snapshots only, so no stage can observe another mid-update.
func (s *Service) cycle(dt float64) {
	var (
		att      control.Attitude
		estFresh bool
	)

	raw, err := s.dev.Read()
	if err != nil {
		s.onSensorError(err)
	} else {
		s.mu.Lock()
		s.consecErrs = 0
		s.mu.Unlock()
		cs := s.cond.Apply(raw)
		s.est.Update(cs, dt)
		st := s.est.State()
		roll, pitch, yaw := st.Quat.Euler()
		att = control.Attitude{Roll: roll, Pitch: pitch, Yaw: yaw, Rates: cs.Gyro}
		estFresh = true
	}

	cmd, at, haveCmd := s.store.Latest()
	spFresh := false
	if haveCmd {
		s.mu.Lock()
		spFresh = at.After(s.lastSetpointAt)
		if spFresh {
			s.lastSetpointAt = at
		}
		armedCmd := cmd.Armed
		wasArmed := s.lastArmedCmd
		s.lastArmedCmd = armedCmd
		s.mu.Unlock()
		if spFresh && armedCmd != wasArmed {
			if armedCmd {
				if err := s.Arm(); err != nil {
					log.WithError(err).Warn("flight: pilot arm refused")
				}
			} else {
				_ = s.Disarm()
			}
		}
	}

	out := s.ctl.Update(att, estFresh, cmd.Setpoint(), spFresh)
	cmds := mixer.Mix(out)
	if err := s.out.Write(cmds); err != nil {
		log.WithError(err).Error("flight: motor write failed")
		s.setError(err)
	}

	s.publish(att, out, cmds, estFresh)
}

func (s *Service) onSensorError(err error) {
	s.mu.Lock()
	s.consecErrs++
	s.snap.SensorErrors++
	s.snap.LastError = err.Error()
	over := s.consecErrs >= s.cfg.MaxSensorErrors
	alreadyDown := s.consecErrs > s.cfg.MaxSensorErrors
	s.mu.Unlock()

	if s.met != nil {
		s.met.SensorErrors.Inc()
	}
	log.WithError(err).Warn("flight: sensor read failed")
	if over && !alreadyDown && s.ctl.Armed() {
		log.Error("flight: sensor failure limit reached, disarming")
		s.ctl.Disarm()
	}
}

func (s *Service) setError(err error) {
	s.mu.Lock()
	s.snap.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Service) publish(att control.Attitude, out control.Output, cmds mixer.Commands, estFresh bool) {
	rejects := s.est.Rejections()
	resets := s.est.Resets()

	s.mu.Lock()
	s.snap.Armed = s.ctl.Armed()
	s.snap.Failsafe = out.Failsafe
	if estFresh {
		s.snap.RollRad = att.Roll
		s.snap.PitchRad = att.Pitch
		s.snap.YawRad = att.Yaw
	}
	s.snap.Motors = cmds
	s.snap.Cycles++
	s.snap.AccelRejections = rejects
	s.snap.EstimatorResets = resets
	s.snap.LastUpdateAt = time.Now().UTC()
	newRejects := rejects - s.prevRejects
	newResets := resets - s.prevResets
	s.prevRejects = rejects
	s.prevResets = resets

	escalate := false
	if newResets > 0 {
		if s.snap.Cycles-s.lastFaultCycle > estimatorFaultWindow {
			s.faultCount = 0
		}
		s.faultCount += int(newResets)
		s.lastFaultCycle = s.snap.Cycles
		escalate = s.faultCount >= estimatorFaultLimit
	}
	s.mu.Unlock()

	if escalate && s.ctl.Armed() {
		log.Error("flight: repeated estimator faults, disarming")
		s.ctl.Disarm()
	}

	if s.met == nil {
		return
	}
	if estFresh {
		s.met.RollRad.Set(att.Roll)
		s.met.PitchRad.Set(att.Pitch)
		s.met.YawRad.Set(att.Yaw)
	}
	if out.Failsafe {
		s.met.FailsafeCycles.Inc()
	}
	s.met.AccelRejects.Add(float64(newRejects))
	s.met.EstimatorReset.Add(float64(newResets))
	for m, v := range cmds {
		s.motorGauges[m].Set(v)
	}
}
