// Package config loads and validates the YAML flight configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Loop      LoopConfig      `yaml:"loop"`
	SPI       SPIConfig       `yaml:"spi"`
	IMU       IMUConfig       `yaml:"imu"`
	Filter    FilterConfig    `yaml:"filter"`
	AHRS      AHRSConfig      `yaml:"ahrs"`
	Control   ControlConfig   `yaml:"control"`
	Motors    MotorsConfig    `yaml:"motors"`
	Setpoint  SetpointConfig  `yaml:"setpoint"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LED       LEDConfig       `yaml:"led"`
	Sim       bool            `yaml:"sim"`
}

type LoopConfig struct {
	Period          time.Duration `yaml:"period"`
	MaxSensorErrors int           `yaml:"max_sensor_errors"`
}

type SPIConfig struct {
	Device  string `yaml:"device"`
	SpeedHz uint32 `yaml:"speed_hz"`
	Mode    uint8  `yaml:"mode"`
}

type IMUConfig struct {
	GyroRangeDPS int `yaml:"gyro_range_dps"`
	AccelRangeG  int `yaml:"accel_range_g"`
	SampleRateHz int `yaml:"sample_rate_hz"`
	DLPFCfg      int `yaml:"dlpf_cfg"`
}

type FilterConfig struct {
	AccelCutoffHz float64    `yaml:"accel_cutoff_hz"`
	GyroOffsets   [3]float64 `yaml:"gyro_offsets_rad_s"`
}

type AHRSConfig struct {
	GyroNoise          float64 `yaml:"gyro_noise"`
	GyroBiasNoise      float64 `yaml:"gyro_bias_noise"`
	AccelNoise         float64 `yaml:"accel_noise"`
	AccelRejection     float64 `yaml:"accel_rejection"`
	InitialUncertainty float64 `yaml:"initial_uncertainty"`
	EstimateBias       bool    `yaml:"estimate_bias"`
}

type GainsConfig struct {
	KP float64 `yaml:"kp"`
	KI float64 `yaml:"ki"`
	KD float64 `yaml:"kd"`
}

type AxisConfig struct {
	Angle       GainsConfig `yaml:"angle"`
	Rate        GainsConfig `yaml:"rate"`
	MaxRate     float64     `yaml:"max_rate_rad_s"`
	MaxTorque   float64     `yaml:"max_torque"`
	IntegralMax float64     `yaml:"integral_max"`
}

type ControlConfig struct {
	Roll          AxisConfig `yaml:"roll"`
	Pitch         AxisConfig `yaml:"pitch"`
	Yaw           AxisConfig `yaml:"yaw"`
	EstimateGrace int        `yaml:"estimate_grace_cycles"`
	SetpointGrace int        `yaml:"setpoint_grace_cycles"`
}

type MotorsConfig struct {
	FrequencyHz int           `yaml:"frequency_hz"`
	MinPulse    time.Duration `yaml:"min_pulse"`
	MaxPulse    time.Duration `yaml:"max_pulse"`
	PWMChip     int           `yaml:"pwm_chip"`
	Channels    [4]int        `yaml:"channels"`
}

type SetpointConfig struct {
	ListenAddr string  `yaml:"listen_addr"`
	MaxAngle   float64 `yaml:"max_angle_rad"`
}

type TelemetryConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LEDConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Loop.Period <= 0 {
		cfg.Loop.Period = 5 * time.Millisecond
	}
	if cfg.Loop.MaxSensorErrors <= 0 {
		cfg.Loop.MaxSensorErrors = 10
	}

	if cfg.SPI.Device == "" {
		cfg.SPI.Device = "/dev/spidev0.0"
	}
	if cfg.SPI.SpeedHz == 0 {
		cfg.SPI.SpeedHz = 1_000_000
	}
	if cfg.SPI.Mode > 3 {
		return Config{}, fmt.Errorf("spi.mode must be 0-3")
	}

	if cfg.IMU.GyroRangeDPS == 0 {
		cfg.IMU.GyroRangeDPS = 250
	}
	if cfg.IMU.AccelRangeG == 0 {
		cfg.IMU.AccelRangeG = 2
	}
	loopRateHz := int(time.Second / cfg.Loop.Period)
	if cfg.IMU.SampleRateHz == 0 {
		cfg.IMU.SampleRateHz = loopRateHz
	}
	// The conditioner's filters assume one sample per control cycle, so
	// the IMU output rate must match the loop rate.
	if cfg.IMU.SampleRateHz != loopRateHz {
		return Config{}, fmt.Errorf("imu.sample_rate_hz (%d) must match the loop rate (%d Hz from loop.period=%v)",
			cfg.IMU.SampleRateHz, loopRateHz, cfg.Loop.Period)
	}

	if cfg.Filter.AccelCutoffHz == 0 {
		cfg.Filter.AccelCutoffHz = 30
	}

	if cfg.AHRS.GyroNoise == 0 {
		cfg.AHRS.GyroNoise = 1e-3
	}
	if cfg.AHRS.AccelNoise == 0 {
		cfg.AHRS.AccelNoise = 0.05
	}
	if cfg.AHRS.AccelRejection == 0 {
		cfg.AHRS.AccelRejection = 3.0
	}
	if cfg.AHRS.InitialUncertainty == 0 {
		cfg.AHRS.InitialUncertainty = 1.0
	}
	if cfg.AHRS.EstimateBias && cfg.AHRS.GyroBiasNoise == 0 {
		cfg.AHRS.GyroBiasNoise = 1e-6
	}

	for _, ax := range []struct {
		name string
		cfg  *AxisConfig
	}{{"roll", &cfg.Control.Roll}, {"pitch", &cfg.Control.Pitch}, {"yaw", &cfg.Control.Yaw}} {
		if ax.cfg.MaxRate == 0 {
			ax.cfg.MaxRate = 3
		}
		if ax.cfg.MaxTorque == 0 {
			ax.cfg.MaxTorque = 0.5
		}
		if ax.cfg.IntegralMax == 0 {
			ax.cfg.IntegralMax = 0.2
		}
		if ax.cfg.Angle.KP == 0 && ax.cfg.Rate.KP == 0 {
			return Config{}, fmt.Errorf("control.%s gains are required", ax.name)
		}
	}
	if cfg.Control.EstimateGrace == 0 {
		cfg.Control.EstimateGrace = 4
	}
	if cfg.Control.SetpointGrace == 0 {
		cfg.Control.SetpointGrace = 100
	}

	if cfg.Motors.FrequencyHz == 0 {
		cfg.Motors.FrequencyHz = 400
	}
	if cfg.Motors.MinPulse == 0 {
		cfg.Motors.MinPulse = 1 * time.Millisecond
	}
	if cfg.Motors.MaxPulse == 0 {
		cfg.Motors.MaxPulse = 2 * time.Millisecond
	}
	if cfg.Motors.Channels == ([4]int{}) {
		cfg.Motors.Channels = [4]int{0, 1, 2, 3}
	}
	if !cfg.Sim {
		seen := map[int]bool{}
		for _, ch := range cfg.Motors.Channels {
			if ch < 0 {
				return Config{}, fmt.Errorf("motors.channels must be non-negative")
			}
			if seen[ch] {
				return Config{}, fmt.Errorf("motors.channels must be distinct, %d repeats", ch)
			}
			seen[ch] = true
		}
	}

	if cfg.Setpoint.ListenAddr == "" {
		cfg.Setpoint.ListenAddr = ":14550"
	}
	if cfg.Setpoint.MaxAngle == 0 {
		cfg.Setpoint.MaxAngle = 0.6
	}

	if cfg.Telemetry.ListenAddr == "" {
		cfg.Telemetry.ListenAddr = ":8080"
	}

	if cfg.LED.Enable && cfg.LED.Pin <= 0 {
		return Config{}, fmt.Errorf("led.pin is required when led.enable is true")
	}

	return cfg, nil
}
