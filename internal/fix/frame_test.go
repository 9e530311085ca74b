package fix

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logonFrame(t *testing.T) []byte {
	t.Helper()
	raw, err := BuildLogon(VersionFIX44, "CPTY1", "BRIDGE", 1, 30, "", false)
	require.NoError(t, err)
	return raw
}

func TestFramer_SingleMessageAcrossReads(t *testing.T) {
	raw := logonFrame(t)
	f := &Framer{}

	frames, err := f.Append(raw[:10])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = f.Append(raw[10:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0])
	assert.Equal(t, 0, f.Pending())
}

func TestFramer_MultipleMessagesOneRead(t *testing.T) {
	a := logonFrame(t)
	b, err := Build(map[int]string{
		TagBeginString:  VersionFIX44,
		TagMsgType:      MsgTypeHeartbeat,
		TagMsgSeqNum:    "2",
		TagSenderCompID: "CPTY1",
		56:              "BRIDGE",
	})
	require.NoError(t, err)

	f := &Framer{}
	frames, err := f.Append(append(append([]byte{}, a...), b...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

func TestFramer_JunkBeforeStartDiscarded(t *testing.T) {
	raw := logonFrame(t)
	f := &Framer{}

	frames, err := f.Append(append([]byte("garbage\r\n"), raw...))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0])
}

func TestFramer_ChecksumBytesInBodyNotBoundary(t *testing.T) {
	// A Text field containing "10=" must not terminate the frame early.
	raw, err := Build(map[int]string{
		TagBeginString:  VersionFIX44,
		TagMsgType:      MsgTypeReject,
		TagMsgSeqNum:    "3",
		TagSenderCompID: "CPTY1",
		56:              "BRIDGE",
		TagText:         "weird 10=xyz text",
	})
	require.NoError(t, err)

	f := &Framer{}
	frames, err := f.Append(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0])
}

func TestFramer_Overflow(t *testing.T) {
	f := &Framer{}
	// An unterminated message larger than the cap is a framing error.
	junk := append([]byte("8=FIX.4.4\x019=9999999\x01"), bytes.Repeat([]byte{'x'}, maxFrameBuffer)...)
	_, err := f.Append(junk)
	assert.Error(t, err)
}
