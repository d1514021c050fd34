package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// ErrNotConnected is returned by Send while no device is connected.
var ErrNotConnected = errors.New("transport: not connected")

// DefaultExcluded are virtual/system ports that are never auto-connected.
var DefaultExcluded = []string{"Midi Through", "Through Port", "Dummy"}

const defaultRescan = time.Second

// Port watches a gomidi driver's input ports and keeps a connection to the
// preferred device, handling hot-plug and hot-unplug. A matching output port,
// when present, is used for Send.
//
// The listener callback and Send never take mu: closing an input port joins
// its callback thread, so ports are only closed after mu is released.
type Port struct {
	drv       drivers.Driver
	preferred []string
	excluded  []string
	rescan    time.Duration
	log       *slog.Logger

	handler atomic.Pointer[Handler]
	send    atomic.Pointer[func(midi.Message) error]

	mu           sync.Mutex
	conn         *conn
	lastRescanAt time.Time
}

// conn is one open device.
type conn struct {
	name string
	in   drivers.In
	out  drivers.Out
	stop func()
}

// close stops listening before closing the input, then closes the output.
func (c *conn) close() {
	if c.stop != nil {
		c.stop()
	}
	_ = c.in.Close()
	if c.out != nil {
		_ = c.out.Close()
	}
}

// PortOption configures a Port.
type PortOption func(*Port)

// Preferred sets name patterns picked first (case-insensitive substrings).
func Preferred(patterns ...string) PortOption {
	return func(p *Port) { p.preferred = patterns }
}

// Excluded replaces DefaultExcluded.
func Excluded(patterns ...string) PortOption {
	return func(p *Port) { p.excluded = patterns }
}

// RescanEvery sets the minimum interval between device scans.
func RescanEvery(d time.Duration) PortOption {
	return func(p *Port) { p.rescan = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PortOption {
	return func(p *Port) { p.log = l }
}

// NewPort returns a watcher over drv. The driver stays owned by the caller.
func NewPort(drv drivers.Driver, opts ...PortOption) *Port {
	p := &Port{
		drv:      drv,
		excluded: DefaultExcluded,
		rescan:   defaultRescan,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start sets the handler and runs a first scan. It returns the error of a
// failed connect attempt; later ticks keep retrying either way.
func (p *Port) Start(h Handler) error {
	p.handler.Store(&h)
	return p.scan()
}

// Close shuts down the active connection without notifying the handler.
func (p *Port) Close() error {
	p.mu.Lock()
	c := p.detach()
	p.mu.Unlock()
	if c != nil {
		c.close()
	}
	return nil
}

// Connected reports whether a device is connected.
func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Send writes msg to the connected device's output port.
func (p *Port) Send(msg []byte) error {
	send := p.send.Load()
	if send == nil {
		return ErrNotConnected
	}
	return (*send)(midi.Message(msg))
}

// Tick scans for devices at most once per rescan interval, auto-connects to a
// preferred one and detects disappearance.
func (p *Port) Tick() {
	if err := p.scan(); err != nil {
		p.log.Error("midi: connect failed", "err", err)
	}
}

func (p *Port) scan() error {
	p.mu.Lock()
	now := time.Now()
	if !p.lastRescanAt.IsZero() && now.Sub(p.lastRescanAt) < p.rescan {
		p.mu.Unlock()
		return nil
	}
	p.lastRescanAt = now

	inputs := p.listInputs()

	if c := p.conn; c != nil {
		if slices.Contains(inputs, c.name) {
			p.mu.Unlock()
			return nil
		}
		p.log.Warn("midi: device disappeared", "device", c.name)
		p.detach()
		p.mu.Unlock()
		p.lost(c)
		return nil
	}

	if len(inputs) == 0 {
		p.mu.Unlock()
		return nil
	}
	cand, ok := pickPreferred(inputs, p.preferred)
	if !ok {
		p.log.Debug("midi: no preferred device", "available", strings.Join(inputs, ", "))
		p.mu.Unlock()
		return nil
	}
	err := p.openByName(cand)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if h := p.handler.Load(); h != nil {
		(*h).OnConnected(cand)
	}
	return nil
}

// detach forgets the active connection and schedules an immediate rescan.
// Caller holds mu and closes the returned conn after releasing it.
func (p *Port) detach() *conn {
	c := p.conn
	p.conn = nil
	p.send.Store(nil)
	p.lastRescanAt = time.Time{}
	return c
}

// lost closes a detached connection and notifies the handler. Called without
// mu held.
func (p *Port) lost(c *conn) {
	c.close()
	if h := p.handler.Load(); h != nil {
		(*h).OnDisconnected(c.name)
	}
}

func (p *Port) listInputs() []string {
	ins, err := p.drv.Ins()
	if err != nil {
		p.log.Error("midi: list inputs failed", "err", err)
		return nil
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	names = filterExcluded(names, p.excluded)
	p.log.Debug("midi: inputs found", "count", len(names), "devices", strings.Join(names, ", "))
	return names
}

// openByName connects to the named input. Caller holds mu.
func (p *Port) openByName(name string) error {
	ins, err := p.drv.Ins()
	if err != nil {
		return err
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}

	c := &conn{name: name, in: found}
	stop, err := midi.ListenTo(found, func(msg midi.Message, _ int32) {
		p.receive(msg)
	}, midi.UseSysEx(), midi.HandleError(func(listenErr error) {
		p.log.Warn("midi: listener error", "device", name, "err", listenErr)
		// Must not stop the listener from its own goroutine.
		go p.listenFailed(c)
	}))
	if err != nil {
		_ = found.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}
	c.stop = stop
	out, send := p.openOutput(name)
	if out != nil {
		c.out = out
		p.send.Store(&send)
	}

	p.conn = c
	p.log.Info("midi: connected", "device", name, "reply", c.out != nil)
	return nil
}

// listenFailed drops c if it is still the active connection.
func (p *Port) listenFailed(c *conn) {
	p.mu.Lock()
	if p.conn != c {
		p.mu.Unlock()
		return
	}
	p.detach()
	p.mu.Unlock()
	p.lost(c)
}

// openOutput opens the output half of a duplex device. Failure only disables
// replies.
func (p *Port) openOutput(name string) (drivers.Out, func(midi.Message) error) {
	outs, err := p.drv.Outs()
	if err != nil {
		return nil, nil
	}
	for _, out := range outs {
		if out.String() != name {
			continue
		}
		send, err := midi.SendTo(out)
		if err != nil {
			p.log.Debug("midi: output unavailable", "device", name, "err", err)
			return nil, nil
		}
		return out, send
	}
	return nil, nil
}

func (p *Port) receive(msg midi.Message) {
	ev, ok := Decode(msg)
	if !ok {
		p.log.Debug("midi: unhandled message", "msg", msg.String())
		return
	}
	h := p.handler.Load()
	if h == nil {
		return
	}
	p.log.Debug("midi: event", "event", ev.String())
	(*h).HandleEvent(ev)
}

func filterExcluded(names, excluded []string) []string {
	out := names[:0]
	for _, name := range names {
		skip := false
		for _, pat := range excluded {
			if containsCI(name, pat) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, name)
		}
	}
	return out
}

func pickPreferred(inputs, preferred []string) (string, bool) {
	for _, pat := range preferred {
		for _, name := range inputs {
			if containsCI(name, pat) {
				return name, true
			}
		}
	}
	if len(inputs) == 1 {
		return inputs[0], true
	}
	return "", false
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
