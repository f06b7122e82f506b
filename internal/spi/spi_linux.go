//go:build linux

package spi

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux spidev backend (/dev/spidevB.C) via SPI_IOC ioctls.

const (
	// _IOW('k', 1, __u8), _IOW('k', 3, __u8), _IOW('k', 4, __u32).
	spiIOCWrMode        = 0x40016B01
	spiIOCWrBitsPerWord = 0x40016B03
	spiIOCWrMaxSpeedHz  = 0x40046B04
	// SPI_IOC_MESSAGE(1): one 32-byte spi_ioc_transfer.
	spiIOCMessage1 = 0x40206B00
)

// spiIOCTransfer mirrors struct spi_ioc_transfer from linux/spi/spidev.h.
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	pad         uint16
}

type devTransport struct {
	f       *os.File
	speedHz uint32
}

// Open opens a spidev device and configures mode, word size and clock.
// The IMU wants mode 0 at 1 MHz.
func Open(path string, speedHz uint32, mode uint8) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spi %s: open: %w", path, err)
	}

	t := &devTransport{f: f, speedHz: speedHz}
	if err := t.ioctl(spiIOCWrMode, uintptr(unsafe.Pointer(&mode))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi %s: set mode %d: %w", path, mode, err)
	}
	bits := uint8(8)
	if err := t.ioctl(spiIOCWrBitsPerWord, uintptr(unsafe.Pointer(&bits))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi %s: set bits per word: %w", path, err)
	}
	if err := t.ioctl(spiIOCWrMaxSpeedHz, uintptr(unsafe.Pointer(&speedHz))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi %s: set speed %d: %w", path, speedHz, err)
	}

	return newBus(t, path), nil
}

func (t *devTransport) Transfer(tx, rx []byte) error {
	if t == nil || t.f == nil {
		return fmt.Errorf("spi device closed")
	}
	if len(tx) != len(rx) || len(tx) == 0 {
		return fmt.Errorf("spi transfer needs equal non-empty buffers")
	}

	msg := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		len:         uint32(len(tx)),
		speedHz:     t.speedHz,
		bitsPerWord: 8,
	}
	return t.ioctl(spiIOCMessage1, uintptr(unsafe.Pointer(&msg)))
}

func (t *devTransport) ioctl(req uint32, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *devTransport) Close() error {
	if t == nil || t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
