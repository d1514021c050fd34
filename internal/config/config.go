// Package config holds the instrument settings consumed at startup: the
// playable range, actuator timing limits, servo geometry and the hardware
// addresses. Values come from Default and may be overridden by a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full instrument configuration.
type Config struct {
	// Playable range [StartNote, StartNote+Range).
	StartNote uint8 `yaml:"start_note"`
	Range     int   `yaml:"range"`

	// Output pin on the expander bank for each actuator index, in order.
	Pins []int `yaml:"pins"`

	HitDuration     Duration `yaml:"hit_duration"`
	MaxOnTime       Duration `yaml:"max_on_time"`
	MaxSimultaneous int      `yaml:"max_simultaneous"`
	MinDrive        uint8    `yaml:"min_drive"`

	Debounce Duration `yaml:"debounce"`

	// MIDI channel restriction. Channel is 0-based (0..15).
	AllChannels bool  `yaml:"all_channels"`
	Channel     uint8 `yaml:"channel"`

	MuteGate MuteGate `yaml:"mute_gate"`
	Volume   Volume   `yaml:"volume"`
	Servo    Servo    `yaml:"servo"`
	I2C      I2C      `yaml:"i2c"`
	Ticks    Ticks    `yaml:"ticks"`
}

// MuteGate configures the damper servo.
type MuteGate struct {
	Enabled    bool    `yaml:"enabled"`
	MutedAngle float64 `yaml:"muted_angle"`
	OpenAngle  float64 `yaml:"open_angle"`
}

// Volume configures the volume/vibrato servo.
type Volume struct {
	MinAngle     float64 `yaml:"min_angle"`
	MaxAngle     float64 `yaml:"max_angle"`
	VibratoFloor float64 `yaml:"vibrato_floor"`
	MinFrequency float64 `yaml:"min_frequency"`
	MaxFrequency float64 `yaml:"max_frequency"`
}

// Servo holds the pulse geometry shared by both servos.
type Servo struct {
	MinPulse Duration `yaml:"min_pulse"`
	MaxPulse Duration `yaml:"max_pulse"`
}

// I2C holds bus and chip addresses for the on-board backend.
type I2C struct {
	Device        string  `yaml:"device"`
	Expanders     []uint8 `yaml:"expanders"`
	PWM           uint8   `yaml:"pwm"`
	DriveChannel  uint8   `yaml:"drive_channel"`
	MuteChannel   uint8   `yaml:"mute_channel"`
	VolumeChannel uint8   `yaml:"volume_channel"`
	SwitchPin     int     `yaml:"switch_pin"`
}

// Ticks are the periodic cadences of the scheduler slots.
type Ticks struct {
	Base     Duration `yaml:"base"`
	Cutoff   Duration `yaml:"cutoff"`
	Waveform Duration `yaml:"waveform"`
	Switch   Duration `yaml:"switch"`
}

// Duration is a time.Duration that unmarshals from strings like "20ms".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the settings of the reference instrument: 25 bars from F4,
// two MCP23017 expanders and a PCA9685 driving power and both servos.
func Default() Config {
	return Config{
		StartNote:       65,
		Range:           25,
		Pins:            []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27},
		HitDuration:     Duration(20 * time.Millisecond),
		MaxOnTime:       Duration(100 * time.Millisecond),
		MaxSimultaneous: 8,
		MinDrive:        100,
		Debounce:        Duration(50 * time.Millisecond),
		AllChannels:     true,
		Channel:         6,
		MuteGate: MuteGate{
			Enabled:    true,
			MutedAngle: 100,
			OpenAngle:  40,
		},
		Volume: Volume{
			MinAngle:     100,
			MaxAngle:     20,
			VibratoFloor: 40,
			MinFrequency: 0.2,
			MaxFrequency: 4.0,
		},
		Servo: Servo{
			MinPulse: Duration(544 * time.Microsecond),
			MaxPulse: Duration(2400 * time.Microsecond),
		},
		I2C: I2C{
			Device:        "/dev/i2c-1",
			Expanders:     []uint8{0x20, 0x21},
			PWM:           0x40,
			DriveChannel:  0,
			MuteChannel:   1,
			VolumeChannel: 2,
			SwitchPin:     15,
		},
		Ticks: Ticks{
			Base:     Duration(time.Millisecond),
			Cutoff:   Duration(5 * time.Millisecond),
			Waveform: Duration(20 * time.Millisecond),
			Switch:   Duration(5 * time.Millisecond),
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.Range <= 0:
		return fmt.Errorf("%w: range must be positive, got %d", ErrInvalid, c.Range)
	case int(c.StartNote)+c.Range > 128:
		return fmt.Errorf("%w: start_note %d + range %d exceeds note 127", ErrInvalid, c.StartNote, c.Range)
	case len(c.Pins) < c.Range:
		return fmt.Errorf("%w: %d pins for a range of %d", ErrInvalid, len(c.Pins), c.Range)
	case c.HitDuration <= 0:
		return fmt.Errorf("%w: hit_duration must be positive", ErrInvalid)
	case c.MaxOnTime <= 0:
		return fmt.Errorf("%w: max_on_time must be positive", ErrInvalid)
	case c.MaxSimultaneous <= 0:
		return fmt.Errorf("%w: max_simultaneous must be positive", ErrInvalid)
	case c.Debounce < 0:
		return fmt.Errorf("%w: debounce must not be negative", ErrInvalid)
	case c.Channel > 15:
		return fmt.Errorf("%w: channel %d out of 0..15", ErrInvalid, c.Channel)
	case c.Volume.MinFrequency <= 0 || c.Volume.MinFrequency >= c.Volume.MaxFrequency:
		return fmt.Errorf("%w: vibrato frequency bounds %.2f..%.2f", ErrInvalid, c.Volume.MinFrequency, c.Volume.MaxFrequency)
	case c.Servo.MinPulse <= 0 || c.Servo.MinPulse >= c.Servo.MaxPulse:
		return fmt.Errorf("%w: servo pulse bounds", ErrInvalid)
	case c.Ticks.Base <= 0 || c.Ticks.Cutoff < c.Ticks.Base || c.Ticks.Waveform < c.Ticks.Base || c.Ticks.Switch < c.Ticks.Base:
		return fmt.Errorf("%w: tick periods must be at least the base tick", ErrInvalid)
	}
	seen := make(map[int]bool, len(c.Pins))
	for i, p := range c.Pins[:c.Range] {
		if p < 0 || seen[p] {
			return fmt.Errorf("%w: pin %d at index %d is negative or duplicated", ErrInvalid, p, i)
		}
		seen[p] = true
	}
	for _, a := range []float64{c.MuteGate.MutedAngle, c.MuteGate.OpenAngle, c.Volume.MinAngle, c.Volume.MaxAngle, c.Volume.VibratoFloor} {
		if a < 0 || a > 180 {
			return fmt.Errorf("%w: servo angle %.1f out of 0..180", ErrInvalid, a)
		}
	}
	return nil
}

// Capacity is the size of the active set: min(range, max_simultaneous).
func (c Config) Capacity() int {
	return min(c.Range, c.MaxSimultaneous)
}
