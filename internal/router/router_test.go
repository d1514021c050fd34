package router

import (
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/glloq/Orchestrion-Xylophone/internal/actuation"
	"github.com/glloq/Orchestrion-Xylophone/internal/hardware"
	"github.com/glloq/Orchestrion-Xylophone/internal/transport"
)

type call struct {
	name string
	a, b uint8
}

type fakeNotes struct {
	calls  []call
	resets int
	err    error
}

func (f *fakeNotes) Activate(note, vel uint8) error {
	f.calls = append(f.calls, call{"activate", note, vel})
	return f.err
}
func (f *fakeNotes) Reset() { f.resets++ }

type fakeMod struct {
	calls []call
}

func (f *fakeMod) SetLevel(v uint8) { f.calls = append(f.calls, call{"level", v, 0}) }
func (f *fakeMod) SetVibrato(on bool, v uint8) {
	var b uint8
	if on {
		b = 1
	}
	f.calls = append(f.calls, call{"vibrato", b, v})
}
func (f *fakeMod) Clear() { f.calls = append(f.calls, call{"clear", 0, 0}) }

type fakeServo struct {
	angles []float64
}

func (f *fakeServo) SetServoAngle(role hardware.ServoRole, deg float64) error {
	if role != hardware.MuteGate {
		panic("router moved the volume servo")
	}
	f.angles = append(f.angles, deg)
	return nil
}

type fakeReplier struct {
	sent [][]byte
}

func (f *fakeReplier) Send(msg []byte) error {
	f.sent = append(f.sent, msg)
	return nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	return Config{
		Keys:        actuation.NewKeyMap(65, 25),
		AllChannels: true,
		Channel:     6,
		MuteGate:    true,
		MutedAngle:  100,
		OpenAngle:   40,
	}
}

type fixture struct {
	r     *Router
	notes *fakeNotes
	mod   *fakeMod
	servo *fakeServo
}

func newFixture(cfg Config, opts ...Option) fixture {
	f := fixture{notes: &fakeNotes{}, mod: &fakeMod{}, servo: &fakeServo{}}
	f.r = New(cfg, f.notes, f.mod, f.servo, append([]Option{WithLogger(quiet)}, opts...)...)
	return f
}

func TestMuteGateSequence(t *testing.T) {
	f := newFixture(testConfig())
	f.r.NoteOn(0, 70, 100)
	f.r.NoteOn(0, 72, 100)
	if g := f.r.Gate(); g.State != Unmuted || g.Pending != 2 {
		t.Fatalf("after two NoteOn: %+v", g)
	}
	f.r.NoteOff(0, 70, 0)
	if g := f.r.Gate(); g.State != Unmuted || g.Pending != 1 {
		t.Fatalf("after first NoteOff: %+v", g)
	}
	f.r.NoteOff(0, 72, 0)
	g := f.r.Gate()
	if g.State != Muted || g.Pending != 0 || g.Opens != 1 || g.Closes != 1 {
		t.Fatalf("end of sequence: %+v", g)
	}
	if want := []float64{40, 100}; !reflect.DeepEqual(f.servo.angles, want) {
		t.Fatalf("servo moves = %v, want %v", f.servo.angles, want)
	}
}

func TestVelocityZeroIsNoteOff(t *testing.T) {
	f := newFixture(testConfig())
	f.r.NoteOn(0, 70, 90)
	f.r.NoteOn(0, 70, 0)
	if g := f.r.Gate(); g.State != Muted || g.Closes != 1 {
		t.Fatalf("gate = %+v", g)
	}
	if len(f.notes.calls) != 1 {
		t.Fatalf("velocity 0 reached the engine: %v", f.notes.calls)
	}
}

func TestOctaveExtension(t *testing.T) {
	on := false
	f := newFixture(testConfig(), WithOctaveSwitch(func() bool { return on }))

	f.r.NoteOn(0, 53, 64)
	if len(f.notes.calls) != 0 {
		t.Fatalf("53 played without extension: %v", f.notes.calls)
	}

	on = true
	tests := []struct {
		in, want uint8
	}{
		{53, 65},
		{64, 76},
		{90, 78},
		{101, 89},
	}
	for _, tt := range tests {
		f.notes.calls = nil
		f.r.NoteOn(0, tt.in, 64)
		if len(f.notes.calls) != 1 || f.notes.calls[0].a != tt.want {
			t.Errorf("NoteOn(%d) -> %v, want activate %d", tt.in, f.notes.calls, tt.want)
		}
	}
	for _, n := range []uint8{52, 102} {
		f.notes.calls = nil
		f.r.NoteOn(0, n, 64)
		if len(f.notes.calls) != 0 {
			t.Errorf("NoteOn(%d) should be dropped, got %v", n, f.notes.calls)
		}
	}
}

func TestOutOfRangeDoesNotTouchGate(t *testing.T) {
	f := newFixture(testConfig())
	f.r.NoteOn(0, 20, 100)
	f.r.NoteOff(0, 20, 0)
	if g := f.r.Gate(); g.Opens != 0 || g.Pending != 0 || len(f.servo.angles) != 0 {
		t.Fatalf("gate touched by out-of-range note: %+v", g)
	}
}

func TestChannelFilter(t *testing.T) {
	cfg := testConfig()
	cfg.AllChannels = false
	f := newFixture(cfg)
	f.r.NoteOn(5, 70, 100)
	f.r.ControlChange(5, CCVolume, 20)
	if len(f.notes.calls) != 0 || len(f.mod.calls) != 0 {
		t.Fatalf("other channel accepted: %v %v", f.notes.calls, f.mod.calls)
	}
	f.r.NoteOn(6, 70, 100)
	if len(f.notes.calls) != 1 {
		t.Fatalf("configured channel dropped")
	}
}

func TestControlChangeTable(t *testing.T) {
	f := newFixture(testConfig())
	f.r.ControlChange(0, CCVolume, 90)
	f.r.ControlChange(0, CCModulation, 64)
	f.r.ControlChange(0, CCCeleste, 0)
	f.r.ControlChange(0, 10, 5) // pan: ignored
	want := []call{{"level", 90, 0}, {"vibrato", 1, 64}, {"vibrato", 0, 0}}
	if !reflect.DeepEqual(f.mod.calls, want) {
		t.Fatalf("modulation calls = %v, want %v", f.mod.calls, want)
	}
}

func TestUnmanagedGate(t *testing.T) {
	f := newFixture(testConfig())
	f.r.ControlChange(0, CCSustain, 127)
	f.r.NoteOn(0, 70, 100)
	f.r.NoteOn(0, 72, 100)
	f.r.NoteOff(0, 70, 0)
	f.r.NoteOff(0, 72, 0)
	g := f.r.Gate()
	if g.Managed || g.State != Unmuted || g.Closes != 0 {
		t.Fatalf("unmanaged gate closed: %+v", g)
	}
	if want := []float64{40, 40}; !reflect.DeepEqual(f.servo.angles, want) {
		t.Fatalf("servo moves = %v, want every NoteOn to open", f.servo.angles)
	}

	f.r.ControlChange(0, CCAllNotesOff, 0)
	g = f.r.Gate()
	if !g.Managed || g.State != Muted || g.Pending != 0 {
		t.Fatalf("after reset: %+v", g)
	}
	if f.notes.resets != 1 || f.mod.calls[len(f.mod.calls)-1].name != "clear" {
		t.Fatalf("reset did not reach the engines")
	}
}

func TestResetWithPendingNotes(t *testing.T) {
	f := newFixture(testConfig())
	f.r.NoteOn(0, 70, 100)
	f.r.NoteOn(0, 71, 100)
	f.r.Reset()
	g := f.r.Gate()
	if g.State != Muted || g.Pending != 0 || g.Closes != 1 {
		t.Fatalf("gate = %+v", g)
	}
	// late NoteOffs after a reset must not go negative
	f.r.NoteOff(0, 70, 0)
	if g := f.r.Gate(); g.Pending != 0 || g.Closes != 1 {
		t.Fatalf("gate = %+v", g)
	}
}

func TestCapacityRejectStillCountsForGate(t *testing.T) {
	f := newFixture(testConfig())
	f.notes.err = actuation.ErrCapacityExceeded
	f.r.NoteOn(0, 70, 100)
	if g := f.r.Gate(); g.Pending != 1 || g.State != Unmuted {
		t.Fatalf("gate = %+v", g)
	}
}

func TestGateDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MuteGate = false
	f := newFixture(cfg)
	f.r.Home()
	f.r.NoteOn(0, 70, 100)
	f.r.NoteOff(0, 70, 0)
	if len(f.servo.angles) != 0 {
		t.Fatalf("servo moved with gate disabled: %v", f.servo.angles)
	}
	if len(f.notes.calls) != 1 {
		t.Fatal("note not played")
	}
}

func TestIdentityRequest(t *testing.T) {
	rp := &fakeReplier{}
	f := newFixture(testConfig(), WithReplier(rp))
	f.r.HandleEvent(transport.Event{Kind: transport.SysEx, Data: []byte{0x7E, 0x7F, 0x06, 0x01}})
	f.r.HandleEvent(transport.Event{Kind: transport.SysEx, Data: []byte{0x7E, 0x7F, 0x09, 0x01}})
	if len(rp.sent) != 1 || !reflect.DeepEqual(rp.sent[0], IdentityReply) {
		t.Fatalf("replies = % X", rp.sent)
	}
}

func TestHandleEventDispatch(t *testing.T) {
	f := newFixture(testConfig())
	f.r.HandleEvent(transport.NoteOnEvent(0, 66, 10))
	f.r.HandleEvent(transport.NoteOffEvent(0, 66, 0))
	f.r.HandleEvent(transport.ControlChangeEvent(0, CCVolume, 1))
	if len(f.notes.calls) != 1 || len(f.mod.calls) != 1 || f.r.Gate().Closes != 1 {
		t.Fatalf("dispatch: notes=%v mod=%v gate=%+v", f.notes.calls, f.mod.calls, f.r.Gate())
	}
}

// strikeCounter tracks energized strikes and checks each call arrives with
// the router lock held.
type strikeCounter struct {
	t      *testing.T
	r      *Router
	active int
}

func (s *strikeCounter) Activate(uint8, uint8) error {
	if s.r.mu.TryLock() {
		s.r.mu.Unlock()
		s.t.Error("Activate called outside the router lock")
	}
	s.active++
	return nil
}

func (s *strikeCounter) Reset() { s.active = 0 }

func TestResetNeverSplitsGateAndStrike(t *testing.T) {
	notes := &strikeCounter{t: t}
	r := New(testConfig(), notes, &fakeMod{}, &fakeServo{}, WithLogger(quiet))
	notes.r = r

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%7 == 0 {
					r.Reset()
				} else {
					r.NoteOn(0, uint8(65+j%25), 100)
				}
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if notes.active > 0 && (r.gate.State != Unmuted || r.gate.Pending != notes.active) {
		t.Fatalf("%d strikes since reset but gate = %+v", notes.active, r.gate)
	}
	if notes.active == 0 && r.gate.State != Muted {
		t.Fatalf("no strikes since reset but gate = %+v", r.gate)
	}
}
