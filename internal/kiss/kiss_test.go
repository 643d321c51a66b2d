package kiss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func Test_EscapeIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")
		encoded := Encode(0, CmdDataFrame, payload)

		d := NewDecoder()
		d.Feed(encoded)
		frame, ok := d.Next()

		assert.True(t, ok, "expected a decoded frame")
		assert.Equal(t, payload, frame.Payload)
		assert.Equal(t, CmdDataFrame, frame.Command)
	})
}

func Test_MultipleFramesInStream(t *testing.T) {
	d := NewDecoder()
	d.Feed(Encode(0, CmdDataFrame, []byte("one")))
	d.Feed(Encode(0, CmdDataFrame, []byte("two")))

	f1, ok1 := d.Next()
	f2, ok2 := d.Next()
	_, ok3 := d.Next()

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Equal(t, "one", string(f1.Payload))
	assert.Equal(t, "two", string(f2.Payload))
}

func Test_BadEscapeDropsOnlyThatFrame(t *testing.T) {
	d := NewDecoder()
	bad := []byte{FEND, 0x00, FESC, 0x41, FEND} // 0x41 is not a valid escape target
	good := Encode(0, CmdDataFrame, []byte("ok"))
	d.Feed(bad)
	d.Feed(good)

	frame, ok := d.Next()
	assert.True(t, ok)
	assert.Equal(t, "ok", string(frame.Payload))
}

func Test_IncompleteFrameWaitsForMoreBytes(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{FEND, 0x00, 'h', 'i'})
	_, ok := d.Next()
	assert.False(t, ok)

	d.Feed([]byte{FEND})
	frame, ok := d.Next()
	assert.True(t, ok)
	assert.Equal(t, "hi", string(frame.Payload))
}

func Test_ParamEncoders(t *testing.T) {
	f := EncodeParam(0, CmdTXDelay, 50)
	d := NewDecoder()
	d.Feed(f)
	frame, ok := d.Next()
	assert.True(t, ok)
	assert.Equal(t, CmdTXDelay, frame.Command)
	assert.Equal(t, []byte{50}, frame.Payload)
}
