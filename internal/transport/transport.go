// Package transport delivers decoded MIDI events to the instrument and
// reports connection changes. The core never sees wire framing; each
// transport implementation decodes its own link.
package transport

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// Kind is the event type.
type Kind uint8

const (
	NoteOn Kind = iota + 1
	NoteOff
	ControlChange
	SysEx
)

func (k Kind) String() string {
	switch k {
	case NoteOn:
		return "NoteOn"
	case NoteOff:
		return "NoteOff"
	case ControlChange:
		return "ControlChange"
	case SysEx:
		return "SysEx"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Event is one decoded channel or system-exclusive message. Key is the note
// or controller number, Value the velocity or controller value.
type Event struct {
	Kind    Kind
	Channel uint8
	Key     uint8
	Value   uint8
	Data    []byte // SysEx payload without F0/F7
}

// NoteOnEvent builds a NoteOn event.
func NoteOnEvent(ch, note, vel uint8) Event {
	return Event{Kind: NoteOn, Channel: ch, Key: note, Value: vel}
}

// NoteOffEvent builds a NoteOff event.
func NoteOffEvent(ch, note, vel uint8) Event {
	return Event{Kind: NoteOff, Channel: ch, Key: note, Value: vel}
}

// ControlChangeEvent builds a ControlChange event.
func ControlChangeEvent(ch, controller, value uint8) Event {
	return Event{Kind: ControlChange, Channel: ch, Key: controller, Value: value}
}

func (e Event) String() string {
	if e.Kind == SysEx {
		return fmt.Sprintf("SysEx % X", e.Data)
	}
	return fmt.Sprintf("%v ch=%d key=%d val=%d", e.Kind, e.Channel, e.Key, e.Value)
}

// Handler consumes events and connection notifications.
type Handler interface {
	HandleEvent(Event)
	OnConnected(name string)
	OnDisconnected(name string)
}

// Transport is a MIDI link.
type Transport interface {
	// Start begins delivering to h. An error reports a failed first connect;
	// the transport keeps retrying on Tick.
	Start(h Handler) error
	// Tick runs housekeeping such as device rescans; call it periodically.
	Tick()
	// Send writes a raw MIDI message back to the peer.
	Send(msg []byte) error
	Connected() bool
	Close() error
}

// Decode converts a gomidi message into an Event. A NoteOn with velocity 0
// decodes as NoteOff.
func Decode(msg midi.Message) (Event, bool) {
	var ch, key, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &val):
		return NoteOnEvent(ch, key, val), true
	case msg.GetNoteOff(&ch, &key, &val):
		return NoteOffEvent(ch, key, val), true
	case msg.GetNoteEnd(&ch, &key):
		return NoteOffEvent(ch, key, 0), true
	case msg.GetControlChange(&ch, &key, &val):
		return ControlChangeEvent(ch, key, val), true
	}
	var data []byte
	if msg.GetSysEx(&data) {
		return Event{Kind: SysEx, Data: data}, true
	}
	return Event{}, false
}
