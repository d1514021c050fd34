package hardware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialLink drives an actuator MCU over a serial port. Every command updates
// the cached state and sends it as one Frame.
type SerialLink struct {
	log *slog.Logger

	mu    sync.Mutex
	port  io.WriteCloser
	n     int
	state Frame
}

// OpenSerial opens the named serial device at the given baud rate, retrying
// up to retry.Attempts times. The returned error wraps ErrInitFailed.
func OpenSerial(ctx context.Context, name string, baud, actuators int, retry Retry, log *slog.Logger) (*SerialLink, error) {
	if log == nil {
		log = slog.Default()
	}
	if actuators > MaxFrameActuators {
		return nil, fmt.Errorf("%w: %d actuators exceed the %d-bit frame", ErrInitFailed, actuators, MaxFrameActuators)
	}
	attempts := max(retry.Attempts, 1)
	mode := &serial.Mode{BaudRate: baud}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		p, err := serial.Open(name, mode)
		if err == nil {
			log.Info("serial: port opened", "device", name, "baud", baud, "attempt", i)
			return NewSerialLink(p, actuators, log), nil
		}
		lastErr = err
		log.Warn("serial: open failed", "device", name, "attempt", i, "of", attempts, "err", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrInitFailed, ctx.Err())
		case <-time.After(retry.Backoff):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: serial %s: %w", ErrInitFailed, attempts, name, lastErr)
}

// NewSerialLink wraps an already open port.
func NewSerialLink(port io.WriteCloser, actuators int, log *slog.Logger) *SerialLink {
	if log == nil {
		log = slog.Default()
	}
	return &SerialLink{port: port, n: actuators, log: log}
}

func (s *SerialLink) SetActuatorState(index int, energized bool) error {
	if index < 0 || index >= s.n {
		return fmt.Errorf("serial: actuator %d out of range", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if energized {
		s.state.Actuators |= 1 << index
	} else {
		s.state.Actuators &^= 1 << index
	}
	return s.send()
}

func (s *SerialLink) SetDriveLevel(strength uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Drive = strength
	return s.send()
}

func (s *SerialLink) SetServoAngle(role ServoRole, degrees float64) error {
	deg := byte(math.Round(ClampAngle(degrees)))
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case MuteGate:
		s.state.Mute = deg
	case Volume:
		s.state.Volume = deg
	default:
		return fmt.Errorf("serial: unknown servo %v", role)
	}
	return s.send()
}

// send writes the current state. Caller holds mu.
func (s *SerialLink) send() error {
	s.state.Seq++
	data := s.state.Encode()
	n, err := s.port.Write(data)
	if err != nil {
		s.log.Error("serial: write error", "err", err)
		return fmt.Errorf("serial: write: %w", err)
	}
	s.log.Debug("serial: frame sent", "bytes", n, "seq", s.state.Seq, "actuators", fmt.Sprintf("%#08x", s.state.Actuators))
	return nil
}

// Close releases all actuators, cuts the drive and closes the port.
func (s *SerialLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("serial: closing port")
	s.state.Actuators = 0
	s.state.Drive = 0
	werr := s.send()
	if err := s.port.Close(); err != nil {
		return err
	}
	return werr
}
