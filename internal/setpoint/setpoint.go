// Package setpoint receives pilot commands over UDP and keeps the latest one
// available to the control loop.
package setpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"quadfc/internal/control"
)

// Command is one pilot demand frame as sent on the wire.
type Command struct {
	Roll     float64 `json:"roll"`     // rad
	Pitch    float64 `json:"pitch"`    // rad
	Yaw      float64 `json:"yaw"`      // rad
	Throttle float64 `json:"throttle"` // 0..1
	Armed    bool    `json:"armed"`
}

// Store holds the most recent valid command. The control loop polls it once
// per cycle; the receiver overwrites it as frames arrive. Reads never block
// on the network.
type Store struct {
	mu      sync.RWMutex
	cmd     Command
	at      time.Time
	haveAny bool
}

// Set records cmd as the latest demand.
func (s *Store) Set(cmd Command, at time.Time) {
	s.mu.Lock()
	s.cmd = cmd
	s.at = at
	s.haveAny = true
	s.mu.Unlock()
}

// Latest returns the most recent command and when it arrived. ok is false
// until the first frame is stored.
func (s *Store) Latest() (cmd Command, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmd, s.at, s.haveAny
}

// Setpoint converts the pilot frame into controller units.
func (c Command) Setpoint() control.Setpoint {
	return control.Setpoint{
		Roll:     c.Roll,
		Pitch:    c.Pitch,
		Yaw:      c.Yaw,
		Throttle: c.Throttle,
	}
}

// Config configures the UDP receiver.
type Config struct {
	// ListenAddr is the UDP host:port to bind, e.g. ":14550".
	ListenAddr string
	// MaxAngle bounds accepted roll/pitch demands in rad. Frames beyond
	// it are rejected as malformed.
	MaxAngle float64
}

// Receiver listens for JSON command frames and publishes them to a Store.
type Receiver struct {
	cfg   Config
	store *Store

	conn *net.UDPConn
	wg   sync.WaitGroup

	mu        sync.Mutex
	received  uint64
	malformed uint64

	stopOnce sync.Once
}

// NewReceiver binds the listen address. Call Start to begin receiving.
func NewReceiver(cfg Config, store *Store) (*Receiver, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("setpoint: listen address is required")
	}
	if cfg.MaxAngle <= 0 || cfg.MaxAngle > math.Pi {
		return nil, fmt.Errorf("setpoint: max angle must be in (0, pi], got %g", cfg.MaxAngle)
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("setpoint: resolve %s: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("setpoint: listen %s: %w", cfg.ListenAddr, err)
	}
	return &Receiver{cfg: cfg, store: store, conn: conn}, nil
}

// Start launches the receive loop. It returns immediately.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.run()
}

// Close stops the receive loop and releases the socket.
func (r *Receiver) Close() {
	r.stopOnce.Do(func() {
		_ = r.conn.Close()
	})
	r.wg.Wait()
}

// Counters reports how many frames were accepted and rejected.
func (r *Receiver) Counters() (received, malformed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received, r.malformed
}

func (r *Receiver) run() {
	defer r.wg.Done()
	buf := make([]byte, 512)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket ends the loop; anything else is logged
			// and the loop keeps going.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("setpoint: udp read failed")
			continue
		}
		cmd, err := r.decode(buf[:n])
		if err != nil {
			r.mu.Lock()
			r.malformed++
			r.mu.Unlock()
			log.WithError(err).Debug("setpoint: dropping frame")
			continue
		}
		r.store.Set(cmd, time.Now())
		r.mu.Lock()
		r.received++
		r.mu.Unlock()
	}
}

func (r *Receiver) decode(b []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(b, &cmd); err != nil {
		return Command{}, err
	}
	if err := r.validate(cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (r *Receiver) validate(cmd Command) error {
	for _, v := range []float64{cmd.Roll, cmd.Pitch, cmd.Yaw, cmd.Throttle} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite field")
		}
	}
	if math.Abs(cmd.Roll) > r.cfg.MaxAngle || math.Abs(cmd.Pitch) > r.cfg.MaxAngle {
		return fmt.Errorf("angle demand beyond %g rad", r.cfg.MaxAngle)
	}
	if math.Abs(cmd.Yaw) > math.Pi {
		return fmt.Errorf("yaw demand beyond pi")
	}
	if cmd.Throttle < 0 || cmd.Throttle > 1 {
		return fmt.Errorf("throttle %g outside [0, 1]", cmd.Throttle)
	}
	return nil
}
