// Package actuation owns the solenoid bank: it energizes one actuator per
// struck note and cuts each one off after the hit duration, never later than
// the hardware protection ceiling.
package actuation

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCapacityExceeded is returned by Activate when the active set is full.
// The note is dropped and the instrument keeps running.
var ErrCapacityExceeded = errors.New("actuation: too many simultaneous actuators")

// MaxDrive is the full-scale drive strength.
const MaxDrive = 255

// Outputs is the binary actuator bank and its shared power drive.
type Outputs interface {
	SetActuatorState(index int, energized bool) error
	SetDriveLevel(strength uint8) error
}

// Trigger arms and disarms the periodic cutoff scan.
type Trigger interface {
	Arm()
	Disarm()
}

// Config sets the bank geometry and timing limits.
type Config struct {
	Keys            KeyMap
	HitDuration     time.Duration
	MaxOnTime       time.Duration
	MaxSimultaneous int
	MinDrive        uint8
}

// Stats counts reportable events since the engine was created.
type Stats struct {
	Activations     uint64
	CapacityRejects uint64
	SafetyTimeouts  uint64
	HardwareErrors  uint64
}

type record struct {
	at     time.Time
	active bool
	slot   int // position in Engine.active
}

// Engine tracks energized actuators. Every method is safe for concurrent use
// by the event path and the periodic tick.
type Engine struct {
	keys     KeyMap
	cutoff   time.Duration
	maxOn    time.Duration
	minDrive uint8

	hw   Outputs
	scan Trigger
	now  func() time.Time
	log  *slog.Logger

	mu      sync.Mutex
	records []record
	active  []int // actuator indices, len <= cap
	stats   Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger used for reportable conditions.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithScan registers the trigger armed while any actuator is energized.
func WithScan(t Trigger) Option {
	return func(e *Engine) { e.scan = t }
}

// New allocates the active set up front; no later operation allocates.
func New(cfg Config, hw Outputs, opts ...Option) *Engine {
	capacity := min(cfg.Keys.Len(), cfg.MaxSimultaneous)
	if capacity < 0 {
		capacity = 0
	}
	e := &Engine{
		keys:     cfg.Keys,
		cutoff:   min(cfg.HitDuration, cfg.MaxOnTime),
		maxOn:    cfg.MaxOnTime,
		minDrive: cfg.MinDrive,
		hw:       hw,
		now:      time.Now,
		log:      slog.Default(),
		records:  make([]record, cfg.Keys.Len()),
		active:   make([]int, 0, capacity),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DriveLevel maps a velocity in [0,127] linearly onto [minDrive,255].
func DriveLevel(velocity, minDrive uint8) uint8 {
	v := int(min(velocity, 127))
	lo := int(minDrive)
	return uint8(lo + v*(MaxDrive-lo)/127)
}

// Activate energizes the actuator for note. Notes outside the playable range
// and notes already energized are silently ignored; the original activation
// time of an energized actuator is kept so its cutoff is never postponed.
func (e *Engine) Activate(note, velocity uint8) error {
	idx, ok := e.keys.Index(note)
	if !ok {
		return nil
	}

	e.mu.Lock()
	r := &e.records[idx]
	if r.active {
		e.mu.Unlock()
		return nil
	}
	if len(e.active) >= cap(e.active) {
		e.stats.CapacityRejects++
		capacity := cap(e.active)
		e.mu.Unlock()
		e.log.Warn("actuation: capacity exceeded, note dropped",
			"note", int(note), "max", capacity)
		return ErrCapacityExceeded
	}
	defer e.mu.Unlock()

	r.active = true
	r.at = e.now()
	r.slot = len(e.active)
	e.active = append(e.active, idx)
	e.stats.Activations++

	// Drive first so the strike uses this note's strength.
	e.setDrive(DriveLevel(velocity, e.minDrive))
	e.setState(idx, true)

	if len(e.active) == 1 && e.scan != nil {
		e.scan.Arm()
	}
	return nil
}

// Deactivate de-energizes the actuator at index. Unknown or idle indices are
// ignored.
func (e *Engine) Deactivate(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deactivate(index)
}

func (e *Engine) deactivate(idx int) {
	if idx < 0 || idx >= len(e.records) || !e.records[idx].active {
		return
	}
	e.setState(idx, false)

	r := &e.records[idx]
	last := len(e.active) - 1
	moved := e.active[last]
	e.active[r.slot] = moved
	e.records[moved].slot = r.slot
	e.active = e.active[:last]
	*r = record{}

	if len(e.active) == 0 {
		if e.scan != nil {
			e.scan.Disarm()
		}
		e.setDrive(0)
	}
}

// CheckTimeouts cuts off every actuator energized for at least
// min(HitDuration, MaxOnTime). Cost is proportional to the active count.
// Safety cutoffs are reported once per call, after the lock is released.
func (e *Engine) CheckTimeouts(now time.Time) {
	var (
		safety   int
		worstIdx int
		worst    time.Duration
	)

	e.mu.Lock()
	// Walk backwards: deactivate swaps the last entry into the freed slot,
	// and that entry has already been visited.
	for i := len(e.active) - 1; i >= 0; i-- {
		idx := e.active[i]
		elapsed := now.Sub(e.records[idx].at)
		if elapsed < e.cutoff {
			continue
		}
		if elapsed >= e.maxOn {
			e.stats.SafetyTimeouts++
			safety++
			if elapsed > worst {
				worst, worstIdx = elapsed, idx
			}
		}
		e.deactivate(idx)
	}
	e.mu.Unlock()

	if safety > 0 {
		e.log.Warn("actuation: safety cutoff",
			"count", safety, "note", int(e.keys.Note(worstIdx)), "index", worstIdx,
			"on_ms", worst.Milliseconds(), "max_ms", e.maxOn.Milliseconds())
	}
}

// Reset de-energizes everything. It is safe with nothing active and while a
// tick is in flight.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.active)
	for len(e.active) > 0 {
		e.deactivate(e.active[len(e.active)-1])
	}
	if n > 0 {
		e.log.Info("actuation: reset", "released", n)
	}
}

// Active returns the number of energized actuators.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActivatedAt returns the activation time of note while it is energized.
func (e *Engine) ActivatedAt(note uint8) (time.Time, bool) {
	idx, ok := e.keys.Index(note)
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.records[idx]
	return r.at, r.active
}

// Capacity is the maximum size of the active set.
func (e *Engine) Capacity() int { return cap(e.active) }

// Keys returns the note table.
func (e *Engine) Keys() KeyMap { return e.keys }

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) setState(idx int, on bool) {
	if err := e.hw.SetActuatorState(idx, on); err != nil {
		e.stats.HardwareErrors++
		e.log.Error("actuation: set actuator failed", "index", idx, "energized", on, "err", err)
	}
}

func (e *Engine) setDrive(level uint8) {
	if err := e.hw.SetDriveLevel(level); err != nil {
		e.stats.HardwareErrors++
		e.log.Error("actuation: set drive failed", "level", level, "err", err)
	}
}
