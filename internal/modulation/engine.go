// Package modulation drives the volume servo: a level position set by the
// channel volume, and an optional triangular vibrato oscillating between a
// fixed floor angle and that level.
package modulation

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/glloq/Orchestrion-Xylophone/internal/hardware"
)

// DefaultVolume is the MIDI power-on channel volume.
const DefaultVolume = 100

// Config holds the servo geometry and vibrato bounds. MinAngle is the
// position for volume 0 and MaxAngle for volume 127; MinAngle may be larger
// than MaxAngle when the linkage is mounted reversed.
type Config struct {
	MinAngle     float64
	MaxAngle     float64
	VibratoFloor float64
	MinFrequency float64
	MaxFrequency float64
}

// State is a snapshot of the modulation state.
type State struct {
	Level          float64
	VibratoEnabled bool
	Frequency      float64
	Angle          float64
}

// Engine owns the volume servo. It is safe for concurrent use by the event
// path and the waveform tick.
type Engine struct {
	cfg   Config
	servo hardware.Servo
	now   func() time.Time
	log   *slog.Logger

	mu         sync.Mutex
	level      float64
	vibrato    bool
	freq       float64
	angle      float64
	phaseStart time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an engine resting at the DefaultVolume position. It does not
// move the servo until the first command.
func New(cfg Config, servo hardware.Servo, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		servo: servo,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.level = e.LevelAngle(DefaultVolume)
	e.angle = e.level
	e.freq = cfg.MinFrequency
	return e
}

// LevelAngle maps volume in [0,127] linearly onto [MinAngle,MaxAngle].
func (e *Engine) LevelAngle(volume uint8) float64 {
	v := float64(min(volume, 127))
	return e.cfg.MinAngle + v*(e.cfg.MaxAngle-e.cfg.MinAngle)/127
}

// Frequency maps a controller value in [0,127] onto the vibrato frequency
// bounds, clamped.
func (e *Engine) Frequency(value uint8) float64 {
	f := e.cfg.MinFrequency + float64(value)*(e.cfg.MaxFrequency-e.cfg.MinFrequency)/127
	return max(e.cfg.MinFrequency, min(e.cfg.MaxFrequency, f))
}

// SetLevel moves the servo straight to the volume position, which becomes
// the vibrato center.
func (e *Engine) SetLevel(volume uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.level = e.LevelAngle(volume)
	e.move(e.level)
}

// SetVibrato starts or stops the oscillation. Enabling while already enabled
// only changes the frequency and keeps the phase origin. Disabling returns
// the servo to the level position.
func (e *Engine) SetVibrato(enabled bool, value uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !enabled {
		if e.vibrato {
			e.vibrato = false
			e.move(e.level)
		}
		return
	}
	e.freq = e.Frequency(value)
	if !e.vibrato {
		e.vibrato = true
		e.phaseStart = e.now()
	}
}

// AdvanceWaveform recomputes the vibrato angle at now. The phase comes from
// the absolute time since vibrato started, so late or jittery ticks do not
// accumulate drift.
func (e *Engine) AdvanceWaveform(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.vibrato {
		return
	}
	elapsed := now.Sub(e.phaseStart).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	phase := math.Mod(elapsed*e.freq, 1)
	e.move(e.cfg.VibratoFloor + (e.level-e.cfg.VibratoFloor)*Triangle(phase))
}

// Clear drops vibrato and returns to the volume 0 position.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vibrato = false
	e.level = e.LevelAngle(0)
	e.move(e.level)
}

// State returns a snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Level:          e.level,
		VibratoEnabled: e.vibrato,
		Frequency:      e.freq,
		Angle:          e.angle,
	}
}

// Triangle is the unit triangle wave: 0 at phase 0, 1 at phase 0.5.
func Triangle(phase float64) float64 {
	if phase < 0.5 {
		return 2 * phase
	}
	return 2 * (1 - phase)
}

func (e *Engine) move(angle float64) {
	e.angle = hardware.ClampAngle(angle)
	if err := e.servo.SetServoAngle(hardware.Volume, e.angle); err != nil {
		e.log.Error("modulation: servo write failed", "deg", e.angle, "err", err)
	}
}
