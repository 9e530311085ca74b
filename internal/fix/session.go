package fix

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionState per the session FSM.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionLogonSent    SessionState = "logon_sent"
	SessionLoggedIn     SessionState = "logged_in"
	SessionLogoutSent   SessionState = "logout_sent"
)

// SessionConfig describes one configured counterparty session.
type SessionConfig struct {
	// SenderCompID is the counterparty's comp id (their tag 49).
	SenderCompID string `yaml:"sender_comp_id"`
	// TargetCompID is our comp id (their tag 56, our tag 49).
	TargetCompID   string `yaml:"target_comp_id"`
	Version        string `yaml:"version"`
	HeartbeatSec   int    `yaml:"heartbeat_s"`
	ResetOnLogon   bool   `yaml:"reset_on_logon"`
	Password       string `yaml:"password,omitempty"`
	CounterpartyID string `yaml:"counterparty_id"`
}

// Handler receives application-level messages once the session layer has
// validated and sequenced them.
type Handler interface {
	OnAppMessage(s *Session, msg *Message)
}

// Session is one FIX counterparty connection. Sequence assignment and the
// socket write form a single atomic region per outbound message.
type Session struct {
	ID  string
	cfg SessionConfig

	conn net.Conn
	app  Handler

	mu           sync.Mutex
	state        SessionState
	outSeq       int
	inSeq        int
	lastSent     time.Time
	lastReceived time.Time
	resync       bool
	testReqSent  bool

	writeMu sync.Mutex

	onLogon  func(*Session)
	onLogout func(*Session)

	// onInbound/onOutbound observe message traffic by type, when set.
	onInbound  func(msgType string)
	onOutbound func(msgType string)
}

// NewSession wraps an accepted connection awaiting logon.
func NewSession(conn net.Conn, cfg SessionConfig, app Handler) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		cfg:          cfg,
		conn:         conn,
		app:          app,
		state:        SessionDisconnected,
		lastSent:     now,
		lastReceived: now,
	}
}

// Config returns the session's counterparty configuration.
func (s *Session) Config() SessionConfig { return s.cfg }

// State returns the current FSM state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SeqNums returns (out, in) for inspection.
func (s *Session) SeqNums() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outSeq, s.inSeq
}

// Resynchronising reports whether a resend request is outstanding.
func (s *Session) Resynchronising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resync
}

// SetCallbacks registers logon/logout notifications.
func (s *Session) SetCallbacks(onLogon, onLogout func(*Session)) {
	s.onLogon = onLogon
	s.onLogout = onLogout
}

// SetTrafficHooks registers inbound/outbound message observers. Must be set
// before the session processes traffic.
func (s *Session) SetTrafficHooks(onInbound, onOutbound func(msgType string)) {
	s.onInbound = onInbound
	s.onOutbound = onOutbound
}

// HandleFrame processes one framed message. Checksum failures and messages
// without MsgType/SenderCompID are dropped silently per the session policy.
func (s *Session) HandleFrame(raw []byte) {
	if !ValidateChecksum(raw) {
		log.Warn().Str("session", s.ID).Msg("checksum mismatch, message dropped")
		return
	}
	msg, err := Parse(raw)
	if err != nil {
		log.Warn().Str("session", s.ID).Err(err).Msg("unparseable message dropped")
		return
	}
	if msg.MsgType() == "" || msg.Sender() == "" {
		log.Warn().Str("session", s.ID).Msg("message missing MsgType or SenderCompID, dropped")
		return
	}

	s.mu.Lock()
	s.lastReceived = time.Now()
	s.testReqSent = false
	state := s.state
	s.mu.Unlock()

	if s.onInbound != nil {
		s.onInbound(msg.MsgType())
	}

	if state != SessionLoggedIn {
		if msg.MsgType() == MsgTypeLogon {
			s.processLogon(msg)
		} else {
			s.sendReject(msg, RejectReasonOther, "logon required")
		}
		return
	}

	if !s.checkSeqNum(msg) {
		return
	}

	switch msg.MsgType() {
	case MsgTypeHeartbeat:
		// Liveness already recorded above.
	case MsgTypeTestRequest:
		fields := map[int]string{}
		if id, ok := msg.Get(TagTestReqID); ok {
			fields[TagTestReqID] = id
		}
		s.send(MsgTypeHeartbeat, fields)
	case MsgTypeResendRequest:
		// Messages are not persisted across restarts: gap-fill forward.
		// The reset itself takes outSeq+1, so the counterparty should
		// expect outSeq+2 next.
		s.mu.Lock()
		next := s.outSeq + 2
		s.mu.Unlock()
		s.send(MsgTypeSequenceReset, map[int]string{
			TagGapFillFlag: "Y",
			TagNewSeqNo:    strconv.Itoa(next),
		})
	case MsgTypeSequenceReset:
		if n := msg.GetInt(TagNewSeqNo); n > 0 {
			s.mu.Lock()
			s.inSeq = n - 1
			s.resync = false
			s.mu.Unlock()
		}
	case MsgTypeLogout:
		s.send(MsgTypeLogout, nil)
		s.transition(SessionDisconnected)
		s.conn.Close()
		if s.onLogout != nil {
			s.onLogout(s)
		}
	case MsgTypeLogon:
		// Duplicate logon while logged in: echo per reset semantics.
		s.processLogon(msg)
	default:
		if s.app != nil {
			s.app.OnAppMessage(s, msg)
		}
	}
}

// checkSeqNum enforces the sequence discipline: the next inbound must carry
// inSeq+1. Gaps trigger a resend request; the session stays logged in but is
// tagged as resynchronising.
func (s *Session) checkSeqNum(msg *Message) bool {
	s.mu.Lock()
	expected := s.inSeq + 1
	if msg.SeqNum() == expected {
		s.inSeq = expected
		s.resync = false
		s.mu.Unlock()
		return true
	}
	s.resync = true
	s.mu.Unlock()

	log.Warn().
		Str("session", s.ID).
		Int("expected", expected).
		Int("got", msg.SeqNum()).
		Msg("sequence gap, requesting resend")
	s.send(MsgTypeResendRequest, map[int]string{
		TagBeginSeqNo: strconv.Itoa(expected),
		TagEndSeqNo:   "0",
	})
	return false
}

func (s *Session) processLogon(msg *Message) {
	begin, _ := msg.Get(TagBeginString)
	if begin != s.cfg.Version {
		s.sendReject(msg, RejectReasonOther, fmt.Sprintf("unsupported version %s", begin))
		s.conn.Close()
		return
	}
	if s.cfg.Password != "" {
		pw, _ := msg.Get(TagPassword)
		if pw != s.cfg.Password {
			s.sendReject(msg, RejectReasonOther, "authentication failed")
			s.conn.Close()
			return
		}
	}

	reset, _ := msg.Get(TagResetSeqNumFlag)
	resetSeq := reset == "Y" || s.cfg.ResetOnLogon

	s.mu.Lock()
	if resetSeq {
		s.outSeq = 0
		s.inSeq = 0
	}
	s.inSeq = msg.SeqNum()
	heartbeat := s.cfg.HeartbeatSec
	if hb := msg.GetInt(TagHeartBtInt); hb > 0 {
		heartbeat = hb
	}
	s.cfg.HeartbeatSec = heartbeat
	s.mu.Unlock()

	echo := map[int]string{
		TagEncryptMethod: "0",
		TagHeartBtInt:    strconv.Itoa(heartbeat),
	}
	if resetSeq {
		echo[TagResetSeqNumFlag] = "Y"
	}
	s.send(MsgTypeLogon, echo)
	s.transition(SessionLoggedIn)

	log.Info().
		Str("session", s.ID).
		Str("counterparty", s.cfg.SenderCompID).
		Bool("reset", resetSeq).
		Msg("session logged in")
	if s.onLogon != nil {
		s.onLogon(s)
	}
}

// send assigns the next outbound sequence number, stamps SendingTime, and
// writes the serialised message. Assignment and write are one atomic region.
func (s *Session) send(msgType string, fields map[int]string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.outSeq++
	seq := s.outSeq
	s.mu.Unlock()

	all := map[int]string{
		TagBeginString:  s.cfg.Version,
		TagMsgType:      msgType,
		TagMsgSeqNum:    strconv.Itoa(seq),
		TagSenderCompID: s.cfg.TargetCompID,
		56:              s.cfg.SenderCompID,
		TagSendingTime:  FormatTime(time.Now()),
	}
	for tag, v := range fields {
		all[tag] = v
	}

	raw, err := Build(all)
	if err != nil {
		log.Error().Str("session", s.ID).Err(err).Msg("outbound build failed")
		return
	}
	s.writeRaw(raw)
	if s.onOutbound != nil {
		s.onOutbound(msgType)
	}
}

// sendWithGroups is send for messages carrying a repeating group.
func (s *Session) sendWithGroups(msgType string, fields map[int]string, groupCountTag int, groups []map[int]string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.outSeq++
	seq := s.outSeq
	s.mu.Unlock()

	all := map[int]string{
		TagBeginString:  s.cfg.Version,
		TagMsgType:      msgType,
		TagMsgSeqNum:    strconv.Itoa(seq),
		TagSenderCompID: s.cfg.TargetCompID,
		56:              s.cfg.SenderCompID,
		TagSendingTime:  FormatTime(time.Now()),
	}
	for tag, v := range fields {
		all[tag] = v
	}

	raw, err := BuildWithGroups(all, groupCountTag, groups)
	if err != nil {
		log.Error().Str("session", s.ID).Err(err).Msg("outbound build failed")
		return
	}
	s.writeRaw(raw)
	if s.onOutbound != nil {
		s.onOutbound(msgType)
	}
}

func (s *Session) writeRaw(raw []byte) {
	if _, err := s.conn.Write(raw); err != nil {
		log.Warn().Str("session", s.ID).Err(err).Msg("socket write failed")
		return
	}
	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
}

func (s *Session) sendReject(ref *Message, reason, text string) {
	fields := map[int]string{
		TagRefSeqNum:           strconv.Itoa(ref.SeqNum()),
		TagSessionRejectReason: reason,
		TagText:                text,
	}
	if mt := ref.MsgType(); mt != "" {
		fields[TagRefMsgType] = mt
	}
	s.send(MsgTypeReject, fields)
}

// sendBusinessReject replies BusinessMessageReject for unsupported types.
func (s *Session) sendBusinessReject(ref *Message, text string) {
	s.send(MsgTypeBusinessReject, map[int]string{
		TagRefSeqNum:            strconv.Itoa(ref.SeqNum()),
		TagRefMsgType:           ref.MsgType(),
		TagBusinessRejectReason: BusinessRejectUnsupportedMsgType,
		TagText:                 text,
	})
}

func (s *Session) transition(to SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		log.Debug().Str("session", s.ID).
			Str("from", string(from)).Str("to", string(to)).
			Msg("session transition")
	}
}

// checkLiveness drives the heartbeat ladder. Called on a short interval by
// the acceptor. Returns false when the session has been force-closed.
func (s *Session) checkLiveness(now time.Time) bool {
	s.mu.Lock()
	if s.state != SessionLoggedIn {
		s.mu.Unlock()
		return true
	}
	hb := time.Duration(s.cfg.HeartbeatSec) * time.Second
	sinceSent := now.Sub(s.lastSent)
	sinceReceived := now.Sub(s.lastReceived)
	testReqSent := s.testReqSent
	s.mu.Unlock()

	if hb <= 0 {
		return true
	}

	if sinceReceived > 3*hb {
		log.Warn().Str("session", s.ID).Msg("counterparty silent, forcing logout")
		s.Logout("heartbeat timeout")
		return false
	}
	if sinceReceived > 2*hb && !testReqSent {
		s.mu.Lock()
		s.testReqSent = true
		s.mu.Unlock()
		s.send(MsgTypeTestRequest, map[int]string{
			TagTestReqID: strconv.FormatInt(now.UnixMilli(), 10),
		})
		return true
	}
	if sinceSent > hb {
		s.send(MsgTypeHeartbeat, nil)
	}
	return true
}

// Logout sends Logout and closes the connection.
func (s *Session) Logout(text string) {
	fields := map[int]string{}
	if text != "" {
		fields[TagText] = text
	}
	s.transition(SessionLogoutSent)
	s.send(MsgTypeLogout, fields)
	s.transition(SessionDisconnected)
	s.conn.Close()
	if s.onLogout != nil {
		s.onLogout(s)
	}
}
