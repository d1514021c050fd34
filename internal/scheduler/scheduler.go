// Package scheduler runs fixed-cadence callbacks independently of the event
// path. Callbacks are bound to slots in a registration table resolved once at
// startup; there is no global instance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRunning is returned by Register once Run has started.
var ErrRunning = errors.New("scheduler: already running")

// Func is a periodic callback. It runs on the scheduler goroutine and must
// not block.
type Func func(now time.Time)

// Slot is one entry of the registration table.
type Slot struct {
	name   string
	period time.Duration
	fn     Func
	armed  atomic.Bool
	next   time.Time
	fires  atomic.Uint64
}

// Arm lets the slot fire. Safe from any goroutine.
func (s *Slot) Arm() { s.armed.Store(true) }

// Disarm stops the slot from firing until the next Arm.
func (s *Slot) Disarm() { s.armed.Store(false) }

// Armed reports whether the slot is armed.
func (s *Slot) Armed() bool { return s.armed.Load() }

// Name returns the registration name.
func (s *Slot) Name() string { return s.name }

// Fires returns how many times the callback has run.
func (s *Slot) Fires() uint64 { return s.fires.Load() }

// RegisterOption configures a slot.
type RegisterOption func(*Slot)

// Disarmed registers the slot in the disarmed state.
func Disarmed() RegisterOption {
	return func(s *Slot) { s.armed.Store(false) }
}

// Scheduler ticks at a base cadence and fires every armed slot whose period
// has elapsed.
type Scheduler struct {
	base time.Duration
	log  *slog.Logger

	mu      sync.Mutex
	slots   []*Slot
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New returns a scheduler with the given base tick.
func New(base time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{base: base, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds fn to a new slot firing every period. Registration is
// closed once Run starts.
func (s *Scheduler) Register(name string, period time.Duration, fn Func, opts ...RegisterOption) (*Slot, error) {
	if period <= 0 {
		return nil, fmt.Errorf("scheduler: slot %q: period must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("scheduler: slot %q: %w", name, ErrRunning)
	}
	slot := &Slot{name: name, period: period, fn: fn}
	slot.armed.Store(true)
	for _, o := range opts {
		o(slot)
	}
	s.slots = append(s.slots, slot)
	s.log.Debug("scheduler: slot registered", "slot", name, "period", period, "armed", slot.Armed())
	return slot, nil
}

// Tick fires every armed slot that is due at now. A disarmed slot fires on
// the first tick after it is armed again.
func (s *Scheduler) Tick(now time.Time) {
	for _, slot := range s.slots {
		if !slot.armed.Load() {
			slot.next = time.Time{}
			continue
		}
		if !slot.next.IsZero() && now.Before(slot.next) {
			continue
		}
		slot.fn(now)
		slot.fires.Add(1)
		if slot.next.IsZero() || now.Sub(slot.next) >= slot.period {
			// first fire, or we fell a whole period behind: realign on now
			slot.next = now.Add(slot.period)
		} else {
			slot.next = slot.next.Add(slot.period)
		}
	}
}

// Run ticks until ctx is done. It closes registration.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("scheduler: running", "base", s.base, "slots", len(s.slots))
	ticker := time.NewTicker(s.base)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
