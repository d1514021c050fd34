package instrument

import (
	"context"
	"time"

	"github.com/glloq/Orchestrion-Xylophone/internal/actuation"
)

// InitMelody is the power-on phrase, C major from C4.
var InitMelody = []uint8{60, 62, 64, 65, 67, 69, 71, 72}

// DefaultSelfTestStep is the gap between self-test notes.
const DefaultSelfTestStep = 200 * time.Millisecond

// SelfTest plays InitMelody when melody is set, otherwise every playable note
// from the bottom up. Notes go through the router on the configured channel
// at full velocity, so range and octave rules apply. It stops early when ctx
// is done.
func (in *Instrument) SelfTest(ctx context.Context, melody bool, step time.Duration) error {
	notes := InitMelody
	if !melody {
		keys := in.notes.Keys()
		notes = make([]uint8, 0, keys.Len())
		for i := 0; i < keys.Len(); i++ {
			notes = append(notes, keys.Note(i))
		}
	}
	if step <= 0 {
		step = DefaultSelfTestStep
	}
	in.log.Info("instrument: self-test", "melody", melody, "notes", len(notes), "step", step)

	ch := in.cfg.Channel
	t := time.NewTimer(step)
	defer t.Stop()
	for _, n := range notes {
		in.log.Debug("instrument: self-test note", "note", actuation.NoteName(n))
		in.router.NoteOn(ch, n, 127)
		t.Reset(step)
		select {
		case <-ctx.Done():
			in.router.NoteOff(ch, n, 0)
			return ctx.Err()
		case <-t.C:
		}
		in.router.NoteOff(ch, n, 0)
	}
	in.log.Info("instrument: self-test done")
	return nil
}
