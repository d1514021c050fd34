// Package instrument wires the engines, the router and the scheduler into
// one xylophone and exposes it to a transport as a transport.Handler.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glloq/Orchestrion-Xylophone/internal/actuation"
	"github.com/glloq/Orchestrion-Xylophone/internal/config"
	"github.com/glloq/Orchestrion-Xylophone/internal/debounce"
	"github.com/glloq/Orchestrion-Xylophone/internal/hardware"
	"github.com/glloq/Orchestrion-Xylophone/internal/modulation"
	"github.com/glloq/Orchestrion-Xylophone/internal/router"
	"github.com/glloq/Orchestrion-Xylophone/internal/scheduler"
	"github.com/glloq/Orchestrion-Xylophone/internal/transport"
)

// Instrument owns every engine of one xylophone.
type Instrument struct {
	cfg config.Config
	hw  hardware.Hardware
	log *slog.Logger

	sched  *scheduler.Scheduler
	cutoff *scheduler.Slot
	notes  *actuation.Engine
	mod    *modulation.Engine
	router *router.Router
	octave *debounce.Filter

	switchInput func() bool
	reply       router.Replier
	now         func() time.Time
}

// Option configures an Instrument.
type Option func(*Instrument)

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(in *Instrument) { in.log = l }
}

// WithOctaveSwitch samples input, debounced, to enable octave extension.
func WithOctaveSwitch(input func() bool) Option {
	return func(in *Instrument) { in.switchInput = input }
}

// WithReplier sets the path for SysEx replies.
func WithReplier(rp router.Replier) Option {
	return func(in *Instrument) { in.reply = rp }
}

// WithClock replaces time.Now for the engines.
func WithClock(now func() time.Time) Option {
	return func(in *Instrument) { in.now = now }
}

// New builds the instrument on hw and registers its periodic slots: the
// cutoff scan (armed only while an actuator is energized), the vibrato
// waveform and, with an octave switch, the debounce sampler.
func New(cfg config.Config, hw hardware.Hardware, opts ...Option) (*Instrument, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in := &Instrument{cfg: cfg, hw: hw, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(in)
	}

	in.sched = scheduler.New(cfg.Ticks.Base.D(), scheduler.WithLogger(in.log))
	var err error
	in.cutoff, err = in.sched.Register("cutoff", cfg.Ticks.Cutoff.D(), func(now time.Time) {
		in.notes.CheckTimeouts(now)
	}, scheduler.Disarmed())
	if err != nil {
		return nil, err
	}

	keys := actuation.NewKeyMap(cfg.StartNote, cfg.Range)
	in.notes = actuation.New(actuation.Config{
		Keys:            keys,
		HitDuration:     cfg.HitDuration.D(),
		MaxOnTime:       cfg.MaxOnTime.D(),
		MaxSimultaneous: cfg.MaxSimultaneous,
		MinDrive:        cfg.MinDrive,
	}, hw,
		actuation.WithScan(in.cutoff),
		actuation.WithClock(in.now),
		actuation.WithLogger(in.log))

	in.mod = modulation.New(modulation.Config{
		MinAngle:     cfg.Volume.MinAngle,
		MaxAngle:     cfg.Volume.MaxAngle,
		VibratoFloor: cfg.Volume.VibratoFloor,
		MinFrequency: cfg.Volume.MinFrequency,
		MaxFrequency: cfg.Volume.MaxFrequency,
	}, hw,
		modulation.WithClock(in.now),
		modulation.WithLogger(in.log))
	if _, err := in.sched.Register("waveform", cfg.Ticks.Waveform.D(), in.mod.AdvanceWaveform); err != nil {
		return nil, err
	}

	ropts := []router.Option{router.WithLogger(in.log)}
	if in.reply != nil {
		ropts = append(ropts, router.WithReplier(in.reply))
	}
	if in.switchInput != nil {
		in.octave = debounce.New(in.switchInput, cfg.Debounce.D(), debounce.OnChange(func(on bool) {
			in.log.Info("instrument: octave extension", "enabled", on)
		}))
		if _, err := in.sched.Register("switch", cfg.Ticks.Switch.D(), func(now time.Time) {
			in.octave.Update(now)
		}); err != nil {
			return nil, err
		}
		ropts = append(ropts, router.WithOctaveSwitch(in.octave.Stable))
	}
	in.router = router.New(router.Config{
		Keys:        keys,
		AllChannels: cfg.AllChannels,
		Channel:     cfg.Channel,
		MuteGate:    cfg.MuteGate.Enabled,
		MutedAngle:  cfg.MuteGate.MutedAngle,
		OpenAngle:   cfg.MuteGate.OpenAngle,
	}, in.notes, in.mod, hw, ropts...)

	return in, nil
}

// Home puts the servos in their rest positions: gate muted, volume servo at
// the default level.
func (in *Instrument) Home() {
	in.router.Home()
	in.mod.SetLevel(modulation.DefaultVolume)
}

// Run homes the servos and runs the scheduler until ctx is done. Everything
// is released on return.
func (in *Instrument) Run(ctx context.Context) error {
	in.Home()
	in.log.Info("instrument: running",
		"range", fmt.Sprintf("%s..%s", actuation.NoteName(in.cfg.StartNote), actuation.NoteName(uint8(in.notes.Keys().End()-1))),
		"capacity", in.notes.Capacity(),
		"hit", in.cfg.HitDuration.D(),
		"max_on", in.cfg.MaxOnTime.D(),
		"mute_gate", in.cfg.MuteGate.Enabled,
		"octave_switch", in.octave != nil)
	err := in.sched.Run(ctx)
	in.Reset()
	return err
}

// HandleEvent routes one decoded event.
func (in *Instrument) HandleEvent(ev transport.Event) {
	in.router.HandleEvent(ev)
}

// OnConnected logs the new transport peer.
func (in *Instrument) OnConnected(name string) {
	in.log.Info("instrument: transport connected", "peer", name)
}

// OnDisconnected releases everything.
func (in *Instrument) OnDisconnected(name string) {
	in.log.Warn("instrument: transport lost, releasing all", "peer", name)
	in.Reset()
}

// Reset releases every actuator, clears modulation and mutes the gate.
func (in *Instrument) Reset() {
	in.router.Reset()
}

// Tick runs one scheduler tick at now. Run does this from its ticker.
func (in *Instrument) Tick(now time.Time) {
	in.sched.Tick(now)
}

// Router exposes the event router.
func (in *Instrument) Router() *router.Router { return in.router }

// Notes exposes the actuation engine.
func (in *Instrument) Notes() *actuation.Engine { return in.notes }

// Modulation exposes the modulation engine.
func (in *Instrument) Modulation() *modulation.Engine { return in.mod }
