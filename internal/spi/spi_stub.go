//go:build !linux

package spi

import "fmt"

func Open(path string, speedHz uint32, mode uint8) (*Bus, error) {
	return nil, fmt.Errorf("spi: unsupported OS (need linux)")
}
