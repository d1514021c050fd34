// Package debounce turns a mechanically noisy binary input into a stable
// value. It is sampled from the periodic tick and read from the event path.
package debounce

import (
	"sync/atomic"
	"time"
)

// Filter commits a raw sample once it has held for the whole window.
//
// Update must be called from a single goroutine; Stable may be called from
// any goroutine.
type Filter struct {
	input  func() bool
	window time.Duration

	primed     bool
	raw        bool
	lastChange time.Time

	stable   atomic.Bool
	onChange func(bool)
}

// Option configures a Filter.
type Option func(*Filter)

// WithInitial sets the stable value reported before the first commit.
func WithInitial(v bool) Option {
	return func(f *Filter) { f.stable.Store(v) }
}

// OnChange registers fn to be called from Update whenever the stable value
// flips.
func OnChange(fn func(stable bool)) Option {
	return func(f *Filter) { f.onChange = fn }
}

// New returns a filter sampling input.
func New(input func() bool, window time.Duration, opts ...Option) *Filter {
	f := &Filter{input: input, window: window}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Update samples the input at now. The first sample, and any sample that
// differs from the previous one, restarts the window. It returns the stable
// value and whether this call changed it.
func (f *Filter) Update(now time.Time) (stable, changed bool) {
	s := f.input()
	if !f.primed || s != f.raw {
		f.primed = true
		f.raw = s
		f.lastChange = now
	}
	prev := f.stable.Load()
	if now.Sub(f.lastChange) >= f.window && s != prev {
		f.stable.Store(s)
		if f.onChange != nil {
			f.onChange(s)
		}
		return s, true
	}
	return prev, false
}

// Stable returns the last committed value.
func (f *Filter) Stable() bool {
	return f.stable.Load()
}
