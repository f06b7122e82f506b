package sim

import (
	"sync"

	"quadfc/internal/mixer"
)

// Motors is a PWM backend that records the last pulse widths instead of
// touching hardware. It satisfies the actuation driver interface.
type Motors struct {
	mu     sync.Mutex
	widths [mixer.NumMotors]uint64
	closed bool
}

// Apply records the pulse widths.
func (m *Motors) Apply(widthsNS [mixer.NumMotors]uint64) error {
	m.mu.Lock()
	m.widths = widthsNS
	m.mu.Unlock()
	return nil
}

// Close marks the backend released.
func (m *Motors) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Widths returns the last applied pulse widths in nanoseconds.
func (m *Motors) Widths() [mixer.NumMotors]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.widths
}
