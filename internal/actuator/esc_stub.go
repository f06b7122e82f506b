//go:build !linux

package actuator

import (
	"fmt"

	"quadfc/internal/mixer"
)

// Open is unavailable without sysfs PWM support.
func Open(cfg Config, chip int, channels [mixer.NumMotors]int) (*Emitter, error) {
	return nil, fmt.Errorf("actuator: sysfs pwm unsupported on this platform")
}
