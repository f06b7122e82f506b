//go:build linux

package statusled

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// Open requests the given BCM GPIO as a digital output via the Linux GPIO
// character device and returns an LED driving it.
func Open(pinNum int) (*LED, error) {
	if pinNum <= 0 {
		return nil, fmt.Errorf("statusled: invalid gpio pin %d", pinNum)
	}

	// On Pi, header lines are named "GPIO18" etc. The line can live on
	// different chips depending on the kernel, so scan candidates.
	lineName := fmt.Sprintf("GPIO%d", pinNum)
	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("quadfc-led"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return newLED(&gpiodPin{chip: chip, line: line}), nil
	}
	return nil, fmt.Errorf("statusled: gpio line %q not found (or busy)", lineName)
}

type gpiodPin struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodPin) SetValue(v int) error {
	return g.line.SetValue(v)
}

func (g *gpiodPin) Close() error {
	err := g.line.Close()
	_ = g.chip.Close()
	return err
}
