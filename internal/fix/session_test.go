package fix

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		SenderCompID:   "CPTY1",
		TargetCompID:   "BRIDGE",
		Version:        VersionFIX44,
		HeartbeatSec:   30,
		Password:       "hunter2",
		CounterpartyID: "cp-1",
	}
}

// harness wires a Session to one end of a pipe and collects everything the
// session writes on the other end.
type harness struct {
	session *Session
	client  net.Conn
	out     chan *Message
}

func newHarness(t *testing.T, app Handler) *harness {
	t.Helper()
	server, client := net.Pipe()
	h := &harness{
		session: NewSession(server, testSessionConfig(), app),
		client:  client,
		out:     make(chan *Message, 32),
	}
	go func() {
		f := &Framer{}
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			if err != nil {
				close(h.out)
				return
			}
			frames, err := f.Append(buf[:n])
			if err != nil {
				close(h.out)
				return
			}
			for _, frame := range frames {
				msg, err := Parse(frame)
				if err != nil {
					continue
				}
				h.out <- msg
			}
		}
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return h
}

func (h *harness) deliver(t *testing.T, fields map[int]string) {
	t.Helper()
	base := map[int]string{
		TagBeginString:  VersionFIX44,
		TagSenderCompID: "CPTY1",
		56:              "BRIDGE",
		TagSendingTime:  FormatTime(time.Now()),
	}
	for tag, v := range fields {
		base[tag] = v
	}
	raw, err := Build(base)
	require.NoError(t, err)
	h.session.HandleFrame(raw)
}

func (h *harness) logon(t *testing.T) {
	t.Helper()
	h.deliver(t, map[int]string{
		TagMsgType:       MsgTypeLogon,
		TagMsgSeqNum:     "1",
		TagEncryptMethod: "0",
		TagHeartBtInt:    "30",
		TagPassword:      "hunter2",
	})
}

func (h *harness) next(t *testing.T) *Message {
	t.Helper()
	select {
	case msg, ok := <-h.out:
		require.True(t, ok, "connection closed before expected message")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestSession_LogonHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(t)

	echo := h.next(t)
	assert.Equal(t, MsgTypeLogon, echo.MsgType())
	assert.Equal(t, "BRIDGE", echo.Sender())
	assert.Equal(t, "CPTY1", echo.Target())
	assert.Equal(t, 1, echo.SeqNum())
	hb, _ := echo.Get(TagHeartBtInt)
	assert.Equal(t, "30", hb)

	assert.Equal(t, SessionLoggedIn, h.session.State())
	out, in := h.session.SeqNums()
	assert.Equal(t, 1, out)
	assert.Equal(t, 1, in)
}

func TestSession_LogonBadPassword(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(t, map[int]string{
		TagMsgType:   MsgTypeLogon,
		TagMsgSeqNum: "1",
		TagPassword:  "wrong",
	})

	reject := h.next(t)
	assert.Equal(t, MsgTypeReject, reject.MsgType())
	assert.NotEqual(t, SessionLoggedIn, h.session.State())
}

func TestSession_LogonResetSeqNum(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(t, map[int]string{
		TagMsgType:         MsgTypeLogon,
		TagMsgSeqNum:       "1",
		TagPassword:        "hunter2",
		TagResetSeqNumFlag: "Y",
	})

	echo := h.next(t)
	assert.Equal(t, MsgTypeLogon, echo.MsgType())
	reset, _ := echo.Get(TagResetSeqNumFlag)
	assert.Equal(t, "Y", reset)
	assert.Equal(t, 1, echo.SeqNum())
}

func TestSession_OutboundSeqMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(t)
	h.next(t)

	for i := 2; i <= 5; i++ {
		h.deliver(t, map[int]string{
			TagMsgType:   MsgTypeTestRequest,
			TagMsgSeqNum: strconv.Itoa(i),
			TagTestReqID: "tr-" + strconv.Itoa(i),
		})
		hb := h.next(t)
		assert.Equal(t, MsgTypeHeartbeat, hb.MsgType())
		assert.Equal(t, i, hb.SeqNum(), "outbound seq must increment by one per message")
		id, _ := hb.Get(TagTestReqID)
		assert.Equal(t, "tr-"+strconv.Itoa(i), id)
	}
}

func TestSession_SeqGapTriggersResendRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(t)
	h.next(t)

	h.deliver(t, map[int]string{
		TagMsgType:   MsgTypeHeartbeat,
		TagMsgSeqNum: "5",
	})

	rr := h.next(t)
	assert.Equal(t, MsgTypeResendRequest, rr.MsgType())
	begin, _ := rr.Get(TagBeginSeqNo)
	end, _ := rr.Get(TagEndSeqNo)
	assert.Equal(t, "2", begin)
	assert.Equal(t, "0", end)

	assert.Equal(t, SessionLoggedIn, h.session.State(), "gap must not drop the session")
	assert.True(t, h.session.Resynchronising())
	_, in := h.session.SeqNums()
	assert.Equal(t, 1, in, "gapped message must not advance the inbound seq")
}

func TestSession_ResendRequestAnsweredWithGapFill(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(t)
	h.next(t)

	h.deliver(t, map[int]string{
		TagMsgType:    MsgTypeResendRequest,
		TagMsgSeqNum:  "2",
		TagBeginSeqNo: "1",
		TagEndSeqNo:   "0",
	})

	sr := h.next(t)
	assert.Equal(t, MsgTypeSequenceReset, sr.MsgType())
	gap, _ := sr.Get(TagGapFillFlag)
	assert.Equal(t, "Y", gap)
	assert.Equal(t, strconv.Itoa(sr.SeqNum()+1), mustGet(t, sr, TagNewSeqNo))
}

func TestSession_CorruptedChecksumDroppedSilently(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(t)
	h.next(t)

	raw, err := Build(map[int]string{
		TagBeginString:  VersionFIX44,
		TagMsgType:      MsgTypeHeartbeat,
		TagMsgSeqNum:    "2",
		TagSenderCompID: "CPTY1",
		56:              "BRIDGE",
	})
	require.NoError(t, err)
	raw[len(raw)-2] ^= 0x01
	h.session.HandleFrame(raw)

	select {
	case msg := <-h.out:
		t.Fatalf("no reply expected for corrupted message, got %s", msg.MsgType())
	case <-time.After(100 * time.Millisecond):
	}
	_, in := h.session.SeqNums()
	assert.Equal(t, 1, in, "corrupted message must not advance the inbound seq")
}

func TestSession_LogoutHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(t)
	h.next(t)

	h.deliver(t, map[int]string{
		TagMsgType:   MsgTypeLogout,
		TagMsgSeqNum: "2",
	})

	reply := h.next(t)
	assert.Equal(t, MsgTypeLogout, reply.MsgType())
	assert.Equal(t, SessionDisconnected, h.session.State())
}

func TestSession_AppMessageBeforeLogonRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(t, map[int]string{
		TagMsgType:    MsgTypeQuoteRequest,
		TagMsgSeqNum:  "1",
		TagQuoteReqID: "early",
	})

	reject := h.next(t)
	assert.Equal(t, MsgTypeReject, reject.MsgType())
}

func mustGet(t *testing.T, msg *Message, tag int) string {
	t.Helper()
	v, ok := msg.Get(tag)
	require.True(t, ok, "tag %d missing", tag)
	return v
}
