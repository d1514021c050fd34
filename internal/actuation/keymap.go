package actuation

import "fmt"

// KeyMap is the fixed lookup table from note number to dense actuator index
// for a contiguous playable range.
type KeyMap struct {
	start uint8
	span  int
	index [128]int16
}

// NewKeyMap builds the table for notes [start, start+span). Notes past 127
// are cut off.
func NewKeyMap(start uint8, span int) KeyMap {
	k := KeyMap{start: start}
	for n := range k.index {
		k.index[n] = -1
	}
	for i := 0; i < span && int(start)+i < len(k.index); i++ {
		k.index[int(start)+i] = int16(i)
		k.span++
	}
	return k
}

// Index returns the actuator index for note, or false when the note is not
// playable.
func (k KeyMap) Index(note uint8) (int, bool) {
	if int(note) >= len(k.index) {
		return 0, false
	}
	i := k.index[note]
	return int(i), i >= 0
}

// Contains reports whether note is in the playable range.
func (k KeyMap) Contains(note uint8) bool {
	_, ok := k.Index(note)
	return ok
}

// Note is the inverse of Index.
func (k KeyMap) Note(index int) uint8 { return k.start + uint8(index) }

// Start is the first playable note.
func (k KeyMap) Start() uint8 { return k.start }

// End is one past the last playable note.
func (k KeyMap) End() int { return int(k.start) + k.span }

// Len is the number of actuators.
func (k KeyMap) Len() int { return k.span }

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteName renders a note number in scientific pitch notation, 60 = C4.
func NoteName(note uint8) string {
	return fmt.Sprintf("%s%d", noteNames[note%12], int(note)/12-1)
}
