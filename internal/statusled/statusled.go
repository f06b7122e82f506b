// Package statusled drives a status LED reflecting the flight state:
// off while disarmed, solid while armed, blinking during failsafe.
package statusled

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State selects the LED pattern.
type State int

const (
	Disarmed State = iota
	Armed
	Failsafe
)

// pin is the digital output the LED sits on.
type pin interface {
	SetValue(v int) error
	Close() error
}

// blinkInterval is a variable so tests can speed up the cadence.
var blinkInterval = 250 * time.Millisecond

// LED drives the output pin from a background goroutine so blinking keeps a
// steady cadence regardless of how often the state changes.
type LED struct {
	pin pin

	mu    sync.Mutex
	state State

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newLED(p pin) *LED {
	l := &LED{pin: p, stopCh: make(chan struct{})}
	l.wg.Add(1)
	go l.run()
	return l
}

// Set changes the displayed state.
func (l *LED) Set(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// Close turns the LED off and releases the line.
func (l *LED) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
	_ = l.pin.SetValue(0)
	if err := l.pin.Close(); err != nil {
		log.WithError(err).Warn("statusled: close failed")
	}
}

func (l *LED) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(blinkInterval)
	defer ticker.Stop()

	on := false
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		state := l.state
		l.mu.Unlock()

		var v int
		switch state {
		case Armed:
			v = 1
		case Failsafe:
			on = !on
			if on {
				v = 1
			}
		default:
			v = 0
		}
		if err := l.pin.SetValue(v); err != nil {
			log.WithError(err).Warn("statusled: set failed")
		}
	}
}
