//go:build linux

package actuator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"quadfc/internal/mixer"
)

// sysfsESC drives four hardware PWM channels via /sys/class/pwm.
//
// On Raspberry Pi-class boards the channels need a device-tree overlay
// exposing enough PWM outputs (e.g. a pwm-4chan overlay, or an external PWM
// HAT registering its own pwmchip).

type sysfsESC struct {
	paths    [mixer.NumMotors]string // /sys/class/pwm/pwmchipN/pwmM
	periodNS uint64
	lastNS   [mixer.NumMotors]uint64
}

var pwmSysfsBase = "/sys/class/pwm"

// Open exports the given channels on chip and returns an Emitter driving
// them, with period set from cfg.FrequencyHz and all channels enabled at the
// minimum pulse.
func Open(cfg Config, chip int, channels [mixer.NumMotors]int) (*Emitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	chipPath := filepath.Join(pwmSysfsBase, fmt.Sprintf("pwmchip%d", chip))
	if _, err := os.Stat(chipPath); err != nil {
		return nil, fmt.Errorf("actuator: pwm chip %d: %w (is the pwm overlay enabled?)", chip, err)
	}

	d := &sysfsESC{periodNS: uint64(time.Second.Nanoseconds()) / uint64(cfg.FrequencyHz)}
	for m, ch := range channels {
		p := filepath.Join(chipPath, fmt.Sprintf("pwm%d", ch))
		if err := ensureExported(chipPath, ch, p); err != nil {
			return nil, err
		}
		d.paths[m] = p
	}
	for m := range d.paths {
		// Period must be set while the channel is disabled; duty is then
		// forced to the safe minimum before enabling.
		if err := d.writeBool(m, "enable", false); err != nil {
			return nil, err
		}
		if err := d.writeUint(m, "period", d.periodNS); err != nil {
			return nil, err
		}
		if err := d.writeUint(m, "duty_cycle", uint64(cfg.MinPulse.Nanoseconds())); err != nil {
			return nil, err
		}
		if err := d.writeBool(m, "enable", true); err != nil {
			return nil, err
		}
		d.lastNS[m] = uint64(cfg.MinPulse.Nanoseconds())
	}
	return NewEmitter(cfg, d)
}

func ensureExported(chipPath string, channel int, pwmPath string) error {
	if _, err := os.Stat(pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(chipPath, "export"), strconv.Itoa(channel)); err != nil {
		// Already exported by someone else is fine.
		if _, statErr := os.Stat(pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("actuator: export pwm%d: %w", channel, err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(pwmPath); err != nil {
		return fmt.Errorf("actuator: pwm%d not created after export: %w", channel, err)
	}
	return nil
}

func (d *sysfsESC) Apply(widthsNS [mixer.NumMotors]uint64) error {
	for m, w := range widthsNS {
		if w > d.periodNS {
			w = d.periodNS
		}
		if w == d.lastNS[m] {
			continue
		}
		if err := d.writeUint(m, "duty_cycle", w); err != nil {
			return err
		}
		d.lastNS[m] = w
	}
	return nil
}

func (d *sysfsESC) Close() error {
	var firstErr error
	for m := range d.paths {
		if err := d.writeBool(m, "enable", false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *sysfsESC) writeUint(m int, name string, v uint64) error {
	return writeSysfs(filepath.Join(d.paths[m], name), strconv.FormatUint(v, 10))
}

func (d *sysfsESC) writeBool(m int, name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.paths[m], name), val)
}

// writeSysfs opens with plain O_WRONLY: sysfs attributes reject truncation
// flags, and freshly exported channels can return transient EACCES/ENOENT
// while udev settles permissions.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		if werr != nil {
			lastErr = werr
		} else {
			lastErr = cerr
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return lastErr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}
