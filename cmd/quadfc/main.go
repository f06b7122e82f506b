package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"quadfc/internal/actuator"
	"quadfc/internal/ahrs"
	"quadfc/internal/config"
	"quadfc/internal/control"
	"quadfc/internal/filter"
	"quadfc/internal/flight"
	"quadfc/internal/sensors/icm20948"
	"quadfc/internal/setpoint"
	"quadfc/internal/sim"
	"quadfc/internal/spi"
	"quadfc/internal/statusled"
	"quadfc/internal/telemetry"
)

func main() {
	var configPath string
	var simMode bool
	flag.StringVar(&configPath, "config", "./quadfc.yaml", "Path to YAML config")
	flag.BoolVar(&simMode, "sim", false, "Force simulated sensors and motors")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if simMode {
		cfg.Sim = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	imuCfg := icm20948.Config{
		GyroRangeDPS: cfg.IMU.GyroRangeDPS,
		AccelRangeG:  cfg.IMU.AccelRangeG,
		SampleRateHz: cfg.IMU.SampleRateHz,
		DLPFCfg:      byte(cfg.IMU.DLPFCfg),
	}
	escCfg := actuator.Config{
		FrequencyHz: cfg.Motors.FrequencyHz,
		MinPulse:    cfg.Motors.MinPulse,
		MaxPulse:    cfg.Motors.MaxPulse,
	}

	var (
		dev     *icm20948.Device
		emitter *actuator.Emitter
		simIMU  *sim.IMU
	)
	if cfg.Sim {
		simIMU, err = sim.NewIMU(sim.Config{Scales: icm20948.Scales{
			AccelGPerCount:  float64(cfg.IMU.AccelRangeG) / 32768,
			GyroDPSPerCount: float64(cfg.IMU.GyroRangeDPS) / 32768,
		}})
		if err != nil {
			log.WithError(err).Fatal("sim init failed")
		}
		dev, err = icm20948.New(simIMU, imuCfg)
		if err != nil {
			log.WithError(err).Fatal("imu init against sim failed")
		}
		emitter, err = actuator.NewEmitter(escCfg, &sim.Motors{})
		if err != nil {
			log.WithError(err).Fatal("sim motor init failed")
		}
		log.Info("running with simulated sensors and motors")
	} else {
		bus, err := spi.Open(cfg.SPI.Device, cfg.SPI.SpeedHz, cfg.SPI.Mode)
		if err != nil {
			log.WithError(err).Fatal("spi open failed")
		}
		defer bus.Close()
		dev, err = icm20948.New(bus, imuCfg)
		if err != nil {
			log.WithError(err).Fatal("imu init failed")
		}
		emitter, err = actuator.Open(escCfg, cfg.Motors.PWMChip, cfg.Motors.Channels)
		if err != nil {
			log.WithError(err).Fatal("motor pwm init failed")
		}
	}

	cond, err := filter.NewConditioner(filter.Config{
		SampleRateHz:         float64(cfg.IMU.SampleRateHz),
		AccelCutoffHz:        cfg.Filter.AccelCutoffHz,
		GyroOffsetsRadPerSec: cfg.Filter.GyroOffsets,
		Scales:               dev.Scales(),
	})
	if err != nil {
		log.WithError(err).Fatal("conditioner init failed")
	}

	est, err := ahrs.New(ahrs.Config{
		GyroNoise:          cfg.AHRS.GyroNoise,
		GyroBiasNoise:      cfg.AHRS.GyroBiasNoise,
		AccelNoise:         cfg.AHRS.AccelNoise,
		AccelRejection:     cfg.AHRS.AccelRejection,
		InitialUncertainty: cfg.AHRS.InitialUncertainty,
		EstimateBias:       cfg.AHRS.EstimateBias,
	})
	if err != nil {
		log.WithError(err).Fatal("estimator init failed")
	}

	ctl, err := control.New(control.Config{
		Period:        cfg.Loop.Period,
		Roll:          axisFromConfig(cfg.Control.Roll),
		Pitch:         axisFromConfig(cfg.Control.Pitch),
		Yaw:           axisFromConfig(cfg.Control.Yaw),
		EstimateGrace: cfg.Control.EstimateGrace,
		SetpointGrace: cfg.Control.SetpointGrace,
	})
	if err != nil {
		log.WithError(err).Fatal("controller init failed")
	}

	store := &setpoint.Store{}
	receiver, err := setpoint.NewReceiver(setpoint.Config{
		ListenAddr: cfg.Setpoint.ListenAddr,
		MaxAngle:   cfg.Setpoint.MaxAngle,
	}, store)
	if err != nil {
		log.WithError(err).Fatal("setpoint receiver init failed")
	}
	defer receiver.Close()
	receiver.Start()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	svc, err := flight.New(flight.Config{
		Period:          cfg.Loop.Period,
		MaxSensorErrors: cfg.Loop.MaxSensorErrors,
	}, dev, cond, est, ctl, emitter, store, metrics)
	if err != nil {
		log.WithError(err).Fatal("flight service init failed")
	}

	var led *statusled.LED
	if cfg.LED.Enable {
		led, err = statusled.Open(cfg.LED.Pin)
		if err != nil {
			log.WithError(err).Warn("status led unavailable")
		} else {
			defer led.Close()
			go watchLED(ctx, svc, led)
		}
	}

	httpSrv := &http.Server{
		Addr:    cfg.Telemetry.ListenAddr,
		Handler: telemetry.Handler(svc, registry),
	}
	go func() {
		log.WithField("addr", cfg.Telemetry.ListenAddr).Info("telemetry listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("telemetry server stopped")
			cancel()
		}
	}()

	if cfg.Sim {
		go stepTruth(ctx, simIMU, cfg.Loop.Period)
	}

	log.WithFields(log.Fields{
		"period":   cfg.Loop.Period,
		"setpoint": cfg.Setpoint.ListenAddr,
	}).Info("quadfc starting")
	svc.Start()

	<-ctx.Done()
	log.Info("quadfc stopping")

	shutdown(svc, httpSrv)
}

type motorStopper interface {
	Close()
}

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown idles the motors before any other teardown runs.
func shutdown(svc motorStopper, httpSrv httpShutdowner) {
	svc.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func axisFromConfig(a config.AxisConfig) control.AxisConfig {
	return control.AxisConfig{
		Angle:       control.Gains{KP: a.Angle.KP, KI: a.Angle.KI, KD: a.Angle.KD},
		Rate:        control.Gains{KP: a.Rate.KP, KI: a.Rate.KI, KD: a.Rate.KD},
		MaxRate:     a.MaxRate,
		MaxTorque:   a.MaxTorque,
		IntegralMax: a.IntegralMax,
	}
}

// watchLED mirrors the flight state onto the status LED.
func watchLED(ctx context.Context, svc *flight.Service, led *statusled.LED) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := svc.Snapshot()
		switch {
		case snap.Failsafe:
			led.Set(statusled.Failsafe)
		case snap.Armed:
			led.Set(statusled.Armed)
		default:
			led.Set(statusled.Disarmed)
		}
	}
}

// stepTruth advances the simulated rigid body in lockstep with the loop rate.
func stepTruth(ctx context.Context, imu *sim.IMU, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	dt := period.Seconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			imu.Step(dt)
		}
	}
}
