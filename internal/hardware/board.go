package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/mcp23017"
	"tinygo.org/x/drivers/pca9685"
)

// ServoPeriod is the PWM frame used for the drive channel and both servos.
const ServoPeriod = 20 * time.Millisecond

// BoardConfig describes the I2C peripherals of the on-board backend.
type BoardConfig struct {
	Expanders []uint8 // MCP23017 addresses, lowest pins first
	PWM       uint8   // PCA9685 address

	// Pins maps actuator index to expander pin.
	Pins []int
	// SwitchPin is the expander pin of the octave switch, or -1.
	SwitchPin int

	DriveChannel  uint8
	MuteChannel   uint8
	VolumeChannel uint8

	MinPulse time.Duration
	MaxPulse time.Duration
}

func (c BoardConfig) validate() error {
	if len(c.Expanders) == 0 {
		return errors.New("no expander address")
	}
	total := len(c.Expanders) * mcp23017.PinCount
	used := make(map[int]bool, len(c.Pins)+1)
	for i, p := range c.Pins {
		if p < 0 || p >= total {
			return fmt.Errorf("actuator %d: pin %d outside expander bank [0,%d)", i, p, total)
		}
		if used[p] {
			return fmt.Errorf("actuator %d: pin %d used twice", i, p)
		}
		used[p] = true
	}
	if c.SwitchPin >= total || used[c.SwitchPin] {
		return fmt.Errorf("switch pin %d unusable", c.SwitchPin)
	}
	for _, ch := range []uint8{c.DriveChannel, c.MuteChannel, c.VolumeChannel} {
		if ch > 15 {
			return fmt.Errorf("pwm channel %d out of range", ch)
		}
	}
	if c.MinPulse <= 0 || c.MaxPulse <= c.MinPulse || c.MaxPulse >= ServoPeriod {
		return fmt.Errorf("servo pulse range %v..%v invalid", c.MinPulse, c.MaxPulse)
	}
	return nil
}

// Retry bounds peripheral initialization.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// Board drives the solenoid bank through MCP23017 expanders and the power
// stage and servos through a PCA9685.
type Board struct {
	cfg BoardConfig
	log *slog.Logger

	mu  sync.Mutex
	exp mcp23017.Devices
	pwm pca9685.Dev
}

// OpenBoard probes and configures the peripherals on bus, retrying up to
// retry.Attempts times. The returned error wraps ErrInitFailed.
func OpenBoard(ctx context.Context, bus drivers.I2C, cfg BoardConfig, retry Retry, log *slog.Logger) (*Board, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	if log == nil {
		log = slog.Default()
	}
	attempts := max(retry.Attempts, 1)

	b := &Board{cfg: cfg, log: log}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = b.init(bus)
		if lastErr == nil {
			log.Info("hw: board ready", "expanders", len(cfg.Expanders), "actuators", len(cfg.Pins), "attempt", i)
			return b, nil
		}
		log.Warn("hw: board init failed", "attempt", i, "of", attempts, "err", lastErr)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrInitFailed, ctx.Err())
		case <-time.After(retry.Backoff):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrInitFailed, attempts, lastErr)
}

func (b *Board) init(bus drivers.I2C) error {
	exp, err := mcp23017.NewI2CDevices(bus, b.cfg.Expanders...)
	if err != nil {
		return err
	}
	modes := make([]mcp23017.PinMode, len(exp)*mcp23017.PinCount)
	for i := range modes {
		modes[i] = mcp23017.Output
	}
	if b.cfg.SwitchPin >= 0 {
		modes[b.cfg.SwitchPin] = mcp23017.Input | mcp23017.Pullup
	}
	if err := exp.SetModes(modes); err != nil {
		return fmt.Errorf("expander modes: %w", err)
	}
	for _, p := range b.cfg.Pins {
		if err := exp.Pin(p).Low(); err != nil {
			return fmt.Errorf("expander pin %d: %w", p, err)
		}
	}

	pwm := pca9685.New(bus, b.cfg.PWM)
	if err := pwm.IsConnected(); err != nil {
		return fmt.Errorf("pwm at %#x: %w", b.cfg.PWM, err)
	}
	if err := pwm.Configure(pca9685.PWMConfig{Period: uint64(ServoPeriod.Nanoseconds())}); err != nil {
		return fmt.Errorf("pwm configure: %w", err)
	}

	b.exp = exp
	b.pwm = pwm
	return nil
}

// SetActuatorState energizes or releases one solenoid.
func (b *Board) SetActuatorState(index int, energized bool) error {
	if index < 0 || index >= len(b.cfg.Pins) {
		return fmt.Errorf("hw: actuator %d out of range", index)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exp.Pin(b.cfg.Pins[index]).Set(energized)
}

// SetDriveLevel sets the power stage duty, 0..255 mapped onto the full PWM
// scale.
func (b *Board) SetDriveLevel(strength uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pwm.Set(b.cfg.DriveChannel, driveCount(strength, b.pwm.Top()))
	return nil
}

// SetServoAngle positions the mute or volume servo.
func (b *Board) SetServoAngle(role ServoRole, degrees float64) error {
	var ch uint8
	switch role {
	case MuteGate:
		ch = b.cfg.MuteChannel
	case Volume:
		ch = b.cfg.VolumeChannel
	default:
		return fmt.Errorf("hw: unknown servo %v", role)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pwm.Set(ch, pulseCount(degrees, b.cfg.MinPulse, b.cfg.MaxPulse, b.pwm.Top()))
	return nil
}

// OctaveSwitch samples the switch pin. The input is pulled up, so a closed
// switch reads low. Read errors report the switch as open.
func (b *Board) OctaveSwitch() bool {
	if b.cfg.SwitchPin < 0 {
		return false
	}
	b.mu.Lock()
	high, err := b.exp.Pin(b.cfg.SwitchPin).Get()
	b.mu.Unlock()
	if err != nil {
		b.log.Debug("hw: switch read failed", "err", err)
		return false
	}
	return !high
}

// Close releases every solenoid and cuts the drive.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, p := range b.cfg.Pins {
		if err := b.exp.Pin(p).Low(); err != nil {
			errs = append(errs, err)
		}
	}
	b.pwm.Set(b.cfg.DriveChannel, 0)
	b.log.Info("hw: board closed")
	return errors.Join(errs...)
}

func driveCount(strength uint8, top uint32) uint32 {
	return uint32(strength) * top / 255
}

func pulseCount(degrees float64, minPulse, maxPulse time.Duration, top uint32) uint32 {
	pulse := float64(minPulse) + ClampAngle(degrees)/180*float64(maxPulse-minPulse)
	count := uint32(pulse / float64(ServoPeriod) * float64(top+1))
	return min(count, top)
}
