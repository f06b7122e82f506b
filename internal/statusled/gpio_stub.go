//go:build !linux

package statusled

import "fmt"

// Open is unavailable without the Linux GPIO character device.
func Open(pinNum int) (*LED, error) {
	return nil, fmt.Errorf("statusled: gpio unsupported on this platform")
}
