// Package router applies the instrument's event policy: channel filtering,
// octave extension, the control-change table and the mute gate.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glloq/Orchestrion-Xylophone/internal/actuation"
	"github.com/glloq/Orchestrion-Xylophone/internal/hardware"
	"github.com/glloq/Orchestrion-Xylophone/internal/transport"
)

// Controller numbers handled by ControlChange.
const (
	CCModulation   = 1
	CCVolume       = 7
	CCSustain      = 64
	CCSostenuto    = 66
	CCHold2        = 69
	CCReverb       = 91
	CCTremolo      = 92
	CCCeleste      = 94
	CCResetAll     = 121
	CCAllNotesOff  = 123
	octaveSemitone = 12
)

// IdentityReply answers a Universal Non-Real-Time Identity Request:
// non-commercial manufacturer 7D, family 1, member 1, version 1.0.0.0.
var IdentityReply = []byte{
	0xF0, 0x7E, 0x7F, 0x06, 0x02,
	0x7D,
	0x01, 0x00,
	0x01, 0x00,
	0x01, 0x00, 0x00, 0x00,
	0xF7,
}

// Notes is the actuation side of the router.
type Notes interface {
	Activate(note, velocity uint8) error
	Reset()
}

// Modulation is the volume/vibrato side of the router.
type Modulation interface {
	SetLevel(volume uint8)
	SetVibrato(enabled bool, value uint8)
	Clear()
}

// Replier sends raw MIDI back to the peer.
type Replier interface {
	Send(msg []byte) error
}

// GateState is the mute gate position.
type GateState uint8

const (
	Muted GateState = iota
	Unmuted
)

func (s GateState) String() string {
	if s == Unmuted {
		return "UNMUTED"
	}
	return "MUTED"
}

// Gate is a snapshot of the mute gate.
type Gate struct {
	State   GateState
	Pending int
	Managed bool
	Opens   uint64 // MUTED -> UNMUTED transitions
	Closes  uint64 // UNMUTED -> MUTED transitions
}

// Config is the routing policy.
type Config struct {
	Keys actuation.KeyMap

	// When AllChannels is false only Channel (0-based) is accepted.
	AllChannels bool
	Channel     uint8

	MuteGate   bool
	MutedAngle float64
	OpenAngle  float64
}

// Router turns transport events into engine calls. It implements the
// event-facing half of transport.Handler.
type Router struct {
	cfg    Config
	notes  Notes
	mod    Modulation
	servo  hardware.Servo
	octave func() bool
	reply  Replier
	log    *slog.Logger

	mu   sync.Mutex
	gate Gate
}

// Option configures a Router.
type Option func(*Router)

// WithOctaveSwitch enables octave extension while on reports true.
func WithOctaveSwitch(on func() bool) Option {
	return func(r *Router) { r.octave = on }
}

// WithReplier sets where SysEx replies go.
func WithReplier(rp Replier) Option {
	return func(r *Router) { r.reply = rp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New returns a router with the gate MUTED and managed. servo may be nil when
// cfg.MuteGate is false.
func New(cfg Config, notes Notes, mod Modulation, servo hardware.Servo, opts ...Option) *Router {
	r := &Router{
		cfg:   cfg,
		notes: notes,
		mod:   mod,
		servo: servo,
		log:   slog.Default(),
		gate:  Gate{State: Muted, Managed: true},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Home moves the gate servo to the muted position.
func (r *Router) Home() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moveGate(r.cfg.MutedAngle)
}

// HandleEvent dispatches a decoded event.
func (r *Router) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.NoteOn:
		r.NoteOn(ev.Channel, ev.Key, ev.Value)
	case transport.NoteOff:
		r.NoteOff(ev.Channel, ev.Key, ev.Value)
	case transport.ControlChange:
		r.ControlChange(ev.Channel, ev.Key, ev.Value)
	case transport.SysEx:
		r.SysEx(ev.Data)
	}
}

// NoteOn strikes note. Velocity 0 is a NoteOff.
func (r *Router) NoteOn(channel, note, velocity uint8) {
	if !r.accepts(channel) {
		return
	}
	if velocity == 0 {
		r.noteOff(note)
		return
	}
	n, ok := r.resolve(note)
	if !ok {
		return
	}
	// Gate and strike move together so Reset never lands between them.
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openGate()
	if err := r.notes.Activate(n, velocity); err != nil && !errors.Is(err, actuation.ErrCapacityExceeded) {
		r.log.Warn("router: activate failed", "note", n, "err", err)
	}
}

// NoteOff releases note from the gate count. Strikes end on their own.
func (r *Router) NoteOff(channel, note, _ uint8) {
	if !r.accepts(channel) {
		return
	}
	r.noteOff(note)
}

func (r *Router) noteOff(note uint8) {
	if _, ok := r.resolve(note); !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeGate()
}

// ControlChange applies the fixed controller table. Unknown controllers are
// ignored.
func (r *Router) ControlChange(channel, controller, value uint8) {
	if !r.accepts(channel) {
		return
	}
	switch controller {
	case CCVolume:
		r.mod.SetLevel(value)
	case CCModulation, CCReverb, CCTremolo, CCCeleste:
		r.mod.SetVibrato(value != 0, value)
	case CCSustain, CCSostenuto, CCHold2:
		r.SetGateManaged(false)
	case CCResetAll, CCAllNotesOff:
		r.Reset()
	default:
		r.log.Debug("router: controller ignored", "cc", controller, "value", value)
	}
}

// SysEx answers identity requests. data excludes F0 and F7.
func (r *Router) SysEx(data []byte) {
	if len(data) < 4 || data[0] != 0x7E || data[2] != 0x06 || data[3] != 0x01 {
		r.log.Debug("router: sysex ignored", "data", fmt.Sprintf("% X", data))
		return
	}
	if r.reply == nil {
		r.log.Debug("router: identity request without reply path")
		return
	}
	if err := r.reply.Send(IdentityReply); err != nil {
		r.log.Warn("router: identity reply failed", "err", err)
		return
	}
	r.log.Info("router: identity reply sent")
}

// SetGateManaged switches mute-gate management. While unmanaged every NoteOn
// opens the gate and NoteOff never closes it.
func (r *Router) SetGateManaged(managed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate.Managed != managed {
		r.log.Info("router: mute gate management", "managed", managed)
	}
	r.gate.Managed = managed
}

// Reset releases every actuator, clears modulation and forces the gate MUTED
// with a zero pending count and management re-enabled.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes.Reset()
	r.mod.Clear()
	if r.cfg.MuteGate {
		if r.gate.State == Unmuted {
			r.gate.Closes++
		}
		r.moveGate(r.cfg.MutedAngle)
	}
	r.gate.State = Muted
	r.gate.Pending = 0
	r.gate.Managed = true
	r.log.Info("router: reset")
}

// Gate returns the mute gate snapshot.
func (r *Router) Gate() Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gate
}

func (r *Router) accepts(channel uint8) bool {
	return r.cfg.AllChannels || channel == r.cfg.Channel
}

// resolve applies octave extension and the playable-range check.
func (r *Router) resolve(note uint8) (uint8, bool) {
	n := int(note)
	start, end := int(r.cfg.Keys.Start()), r.cfg.Keys.End()
	if r.octave != nil && r.octave() {
		switch {
		case n >= start-octaveSemitone && n < start:
			n += octaveSemitone
		case n >= end && n < end+octaveSemitone:
			n -= octaveSemitone
		}
	}
	if n < start || n >= end {
		return 0, false
	}
	return uint8(n), true
}

// openGate counts a pending note. Caller holds mu.
func (r *Router) openGate() {
	if !r.cfg.MuteGate {
		return
	}
	g := &r.gate
	wasIdle := g.Pending == 0
	g.Pending++
	if !g.Managed || wasIdle {
		if g.State == Muted {
			g.Opens++
			r.log.Debug("router: gate open", "pending", g.Pending)
		}
		g.State = Unmuted
		r.moveGate(r.cfg.OpenAngle)
	}
}

// closeGate releases a pending note. Caller holds mu.
func (r *Router) closeGate() {
	if !r.cfg.MuteGate {
		return
	}
	g := &r.gate
	if g.Pending > 0 {
		g.Pending--
	}
	if g.Managed && g.Pending == 0 && g.State == Unmuted {
		g.State = Muted
		g.Closes++
		r.moveGate(r.cfg.MutedAngle)
		r.log.Debug("router: gate muted")
	}
}

// moveGate commands the gate servo. Caller holds mu.
func (r *Router) moveGate(angle float64) {
	if r.servo == nil || !r.cfg.MuteGate {
		return
	}
	if err := r.servo.SetServoAngle(hardware.MuteGate, angle); err != nil {
		r.log.Warn("router: gate servo failed", "angle", angle, "err", err)
	}
}
