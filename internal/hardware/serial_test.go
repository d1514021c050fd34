package hardware

import (
	"bytes"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestFrameEncode(t *testing.T) {
	c := qt.New(t)
	f := Frame{Actuators: 0x05, Drive: 200, Mute: 100, Volume: 40, Seq: 1}
	c.Assert(f.Encode(), qt.DeepEquals, []byte{
		0xAA, 0x55, 0x09, 0x20,
		0x05, 0x00, 0x00, 0x00,
		0xC8, 0x64, 0x28, 0x01,
		0xA9,
	})
}

type portBuffer struct {
	bytes.Buffer
	closed bool
	err    error
}

func (p *portBuffer) Write(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.Buffer.Write(b)
}

func (p *portBuffer) Close() error {
	p.closed = true
	return nil
}

func (p *portBuffer) frames(c *qt.C) [][]byte {
	data := p.Bytes()
	c.Assert(len(data)%13, qt.Equals, 0)
	var out [][]byte
	for len(data) > 0 {
		out = append(out, data[:13])
		data = data[13:]
	}
	return out
}

func TestSerialLinkSendsFullState(t *testing.T) {
	c := qt.New(t)
	port := &portBuffer{}
	link := NewSerialLink(port, 25, quiet)

	c.Assert(link.SetDriveLevel(180), qt.IsNil)
	c.Assert(link.SetActuatorState(24, true), qt.IsNil)
	c.Assert(link.SetServoAngle(MuteGate, 39.6), qt.IsNil)
	c.Assert(link.SetServoAngle(Volume, -10), qt.IsNil)

	frames := port.frames(c)
	c.Assert(frames, qt.HasLen, 4)
	last := frames[3]
	c.Assert(last[4:8], qt.DeepEquals, []byte{0x00, 0x00, 0x00, 0x01})
	c.Assert(last[8], qt.Equals, byte(180))
	c.Assert(last[9], qt.Equals, byte(40))
	c.Assert(last[10], qt.Equals, byte(0))
	c.Assert(last[11], qt.Equals, byte(4)) // seq

	c.Assert(link.SetActuatorState(25, true), qt.ErrorMatches, `serial: actuator 25 out of range`)
}

func TestSerialLinkCloseReleases(t *testing.T) {
	c := qt.New(t)
	port := &portBuffer{}
	link := NewSerialLink(port, 8, quiet)
	c.Assert(link.SetActuatorState(3, true), qt.IsNil)
	c.Assert(link.SetDriveLevel(255), qt.IsNil)
	c.Assert(link.Close(), qt.IsNil)

	frames := port.frames(c)
	last := frames[len(frames)-1]
	c.Assert(last[4:9], qt.DeepEquals, []byte{0, 0, 0, 0, 0})
	c.Assert(port.closed, qt.IsTrue)
}

func TestSerialLinkWriteError(t *testing.T) {
	c := qt.New(t)
	port := &portBuffer{err: errors.New("unplugged")}
	link := NewSerialLink(port, 8, quiet)
	c.Assert(link.SetDriveLevel(1), qt.ErrorMatches, `serial: write: unplugged`)
}
