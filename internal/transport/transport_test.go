package transport

import (
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"gitlab.com/gomidi/midi/v2"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  midi.Message
		want Event
		ok   bool
	}{
		{"note on", midi.NoteOn(6, 60, 100), NoteOnEvent(6, 60, 100), true},
		{"note on vel 0", midi.NoteOn(6, 60, 0), NoteOffEvent(6, 60, 0), true},
		{"note off", midi.NoteOffVelocity(2, 61, 40), NoteOffEvent(2, 61, 40), true},
		{"cc", midi.ControlChange(6, 7, 90), ControlChangeEvent(6, 7, 90), true},
		{"pitch bend", midi.Pitchbend(0, 100), Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.msg)
			if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Decode(%v) = %v, %v; want %v, %v", tt.msg, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDecodeSysEx(t *testing.T) {
	ev, ok := Decode(midi.Message{0xF0, 0x7E, 0x7F, 0x06, 0x01, 0xF7})
	if !ok || ev.Kind != SysEx {
		t.Fatalf("Decode = %v, %v", ev, ok)
	}
	if want := []byte{0x7E, 0x7F, 0x06, 0x01}; !reflect.DeepEqual(ev.Data, want) {
		t.Fatalf("payload = % X, want % X", ev.Data, want)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}
func (r *recorder) OnConnected(string)    {}
func (r *recorder) OnDisconnected(string) {}

func TestPortReceiveDispatches(t *testing.T) {
	p := NewPort(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rec := &recorder{}
	var h Handler = rec
	p.handler.Store(&h)

	p.receive(midi.NoteOn(0, 64, 80))
	p.receive(midi.Pitchbend(0, 1)) // dropped
	p.receive(midi.NoteOn(0, 64, 0))

	want := []Event{NoteOnEvent(0, 64, 80), NoteOffEvent(0, 64, 0)}
	if !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
}

func TestSendWithoutDevice(t *testing.T) {
	p := NewPort(nil)
	if err := p.Send([]byte{0xF0, 0xF7}); err != ErrNotConnected {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}

func TestPickPreferred(t *testing.T) {
	inputs := []string{"USB Keyboard 20:0", "Orchestrion Hub 24:0"}
	tests := []struct {
		preferred []string
		want      string
		ok        bool
	}{
		{[]string{"orchestrion"}, "Orchestrion Hub 24:0", true},
		{[]string{"missing", "usb"}, "USB Keyboard 20:0", true},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := pickPreferred(inputs, tt.preferred)
		if got != tt.want || ok != tt.ok {
			t.Errorf("pickPreferred(%v) = %q, %v", tt.preferred, got, ok)
		}
	}
	if got, ok := pickPreferred([]string{"only"}, nil); !ok || got != "only" {
		t.Errorf("single input not picked: %q %v", got, ok)
	}
}

func TestFilterExcluded(t *testing.T) {
	got := filterExcluded([]string{"Midi Through Port-0", "Keystation", "Dummy MIDI"}, DefaultExcluded)
	if !reflect.DeepEqual(got, []string{"Keystation"}) {
		t.Fatalf("filterExcluded = %v", got)
	}
}
