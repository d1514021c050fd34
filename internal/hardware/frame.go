package hardware

const (
	CmdApplyState = 0x20
	SOF0          = 0xAA
	SOF1          = 0x55

	// MaxFrameActuators is the width of the actuator bitmap.
	MaxFrameActuators = 32
)

// Frame is a full-state snapshot of the instrument outputs sent to the
// actuator MCU in one transfer. Every field is serialised into the 8-byte
// payload.
type Frame struct {
	Actuators uint32 // bit N set = actuator N energized
	Drive     byte
	Mute      byte // servo angle, degrees
	Volume    byte // servo angle, degrees
	Seq       byte
}

// Encode builds the on-wire representation:
//
//	[SOF0][SOF1][LEN][CMD][bank0..3][Drive][Mute][Volume][Seq][CKS]
//
// The bitmap is little endian. LEN counts CMD and payload; CKS is the XOR of
// LEN, CMD and the payload.
func (f *Frame) Encode() []byte {
	payload := [8]byte{
		byte(f.Actuators),
		byte(f.Actuators >> 8),
		byte(f.Actuators >> 16),
		byte(f.Actuators >> 24),
		f.Drive, f.Mute, f.Volume, f.Seq,
	}

	length := byte(len(payload) + 1)
	cks := length ^ CmdApplyState
	for _, b := range payload {
		cks ^= b
	}

	out := make([]byte, 0, 4+len(payload)+1)
	out = append(out, SOF0, SOF1, length, CmdApplyState)
	out = append(out, payload[:]...)
	return append(out, cks)
}
