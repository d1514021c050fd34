// Package hardware implements the abstract actuator commands on real
// peripherals: an I2C board (MCP23017 expanders for the solenoid bank,
// PCA9685 for power drive and servo pulses), a serial link to an actuator
// MCU, and a logging dry-run sink.
package hardware

import (
	"errors"
	"fmt"
	"log/slog"

	"tinygo.org/x/drivers"
)

// ErrInitFailed is returned when a peripheral does not come up within the
// retry budget.
var ErrInitFailed = errors.New("hardware: init failed")

// ServoRole names one of the two continuous-position actuators.
type ServoRole uint8

const (
	MuteGate ServoRole = iota
	Volume
)

func (r ServoRole) String() string {
	switch r {
	case MuteGate:
		return "mute"
	case Volume:
		return "volume"
	}
	return fmt.Sprintf("servo(%d)", uint8(r))
}

// Servo positions a continuous actuator. Angles are clamped to [0,180].
type Servo interface {
	SetServoAngle(role ServoRole, degrees float64) error
}

// Hardware is the full command surface used by the instrument.
type Hardware interface {
	SetActuatorState(index int, energized bool) error
	SetDriveLevel(strength uint8) error
	Servo
	Close() error
}

// Bus is a closable I2C bus.
type Bus interface {
	drivers.I2C
	Close() error
}

// ClampAngle limits degrees to the servo travel.
func ClampAngle(degrees float64) float64 {
	return max(0, min(180, degrees))
}

// LogSink is a dry-run backend that only logs commands.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSink) SetActuatorState(index int, energized bool) error {
	s.logger().Info("hw: actuator", "index", index, "energized", energized)
	return nil
}

func (s LogSink) SetDriveLevel(strength uint8) error {
	s.logger().Debug("hw: drive", "level", strength)
	return nil
}

func (s LogSink) SetServoAngle(role ServoRole, degrees float64) error {
	s.logger().Debug("hw: servo", "role", role, "deg", ClampAngle(degrees))
	return nil
}

func (s LogSink) Close() error { return nil }
