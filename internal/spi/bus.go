package spi

import (
	"fmt"
	"sync"
)

// Register-addressed SPI access for the IMU.
//
// The ICM-20948 register protocol sets the address MSB for reads and clears
// it for writes; burst reads are a single full-duplex transfer of the
// address byte followed by dummy bytes.

const (
	readFlag  = 0x80
	writeMask = 0x7F

	// maxTransfer bounds the scratch buffers so register transactions stay
	// allocation-free. Largest transaction today is the 12-byte accel+gyro
	// block plus the address byte.
	maxTransfer = 32
)

// transport performs one full-duplex SPI transfer. tx and rx are the same
// length; rx is only valid when the transfer returns nil.
type transport interface {
	Transfer(tx, rx []byte) error
	Close() error
}

// Bus serializes register transactions to a single SPI device.
//
// Exactly one transaction is in flight at a time: every register operation
// takes the bus mutex for the duration of one transfer and nothing longer.
// Callers must not hold the bus across a control cycle.
type Bus struct {
	mu   sync.Mutex
	t    transport
	path string

	tx [maxTransfer]byte
	rx [maxTransfer]byte
}

func newBus(t transport, path string) *Bus {
	return &Bus{t: t, path: path}
}

func (b *Bus) Close() error {
	if b == nil || b.t == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.t.Close()
	b.t = nil
	return err
}

// ReadRegU8 reads a single register.
func (b *Bus) ReadRegU8(reg byte) (byte, error) {
	var v [1]byte
	if err := b.ReadReg(reg, v[:]); err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadReg burst-reads len(dst) consecutive registers starting at reg in one
// transaction. On failure dst is left untouched, so callers never observe a
// partially filled block.
func (b *Bus) ReadReg(reg byte, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if len(dst)+1 > maxTransfer {
		return fmt.Errorf("spi %s: burst of %d exceeds max %d", b.path, len(dst), maxTransfer-1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.t == nil {
		return fmt.Errorf("spi %s: bus closed", b.path)
	}

	n := len(dst) + 1
	b.tx[0] = reg | readFlag
	for i := 1; i < n; i++ {
		b.tx[i] = 0
	}
	if err := b.t.Transfer(b.tx[:n], b.rx[:n]); err != nil {
		return fmt.Errorf("spi %s: read reg 0x%02X (%d bytes): %w", b.path, reg, len(dst), err)
	}
	copy(dst, b.rx[1:n])
	return nil
}

// WriteReg writes a single register.
func (b *Bus) WriteReg(reg, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.t == nil {
		return fmt.Errorf("spi %s: bus closed", b.path)
	}

	b.tx[0] = reg & writeMask
	b.tx[1] = value
	if err := b.t.Transfer(b.tx[:2], b.rx[:2]); err != nil {
		return fmt.Errorf("spi %s: write reg 0x%02X: %w", b.path, reg, err)
	}
	return nil
}
