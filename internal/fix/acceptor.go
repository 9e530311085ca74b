package fix

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deluthium/liquidity-bridge/internal/audit"
	"github.com/deluthium/liquidity-bridge/internal/journal"
)

// AcceptorConfig configures the listening side of the engine.
type AcceptorConfig struct {
	ListenAddr  string          `yaml:"listen_addr"`
	TLSCertFile string          `yaml:"tls_cert_file"`
	TLSKeyFile  string          `yaml:"tls_key_file"`
	AllowedIPs  []string        `yaml:"allowed_ips"`
	MaxSessions int             `yaml:"max_sessions"`
	Sessions    []SessionConfig `yaml:"sessions"`
}

// Acceptor listens for counterparty connections and runs one Session per
// accepted socket.
type Acceptor struct {
	cfg   AcceptorConfig
	app   Handler
	trail *audit.Trail

	onInbound  func(msgType string)
	onOutbound func(msgType string)

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewAcceptor builds an acceptor. Sessions are keyed by the counterparty's
// SenderCompID.
func NewAcceptor(cfg AcceptorConfig, app Handler, trail *audit.Trail) *Acceptor {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 16
	}
	return &Acceptor{
		cfg:      cfg,
		app:      app,
		trail:    trail,
		sessions: make(map[string]*Session),
	}
}

// SetTrafficHooks registers message observers applied to every session the
// acceptor binds. Call before Start.
func (a *Acceptor) SetTrafficHooks(onInbound, onOutbound func(msgType string)) {
	a.onInbound = onInbound
	a.onOutbound = onOutbound
}

// Start opens the listener and serves connections until ctx is cancelled or
// Stop is called. TLS is used when both cert and key paths are set.
func (a *Acceptor) Start(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)
	if a.cfg.TLSCertFile != "" && a.cfg.TLSKeyFile != "" {
		cert, cerr := tls.LoadX509KeyPair(a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		if cerr != nil {
			return fmt.Errorf("load tls keypair: %w", cerr)
		}
		ln, err = tls.Listen("tcp", a.cfg.ListenAddr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		log.Warn().Str("addr", a.cfg.ListenAddr).Msg("fix acceptor listening without TLS")
		ln, err = net.Listen("tcp", a.cfg.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Int("max_sessions", a.cfg.MaxSessions).
		Msg("fix acceptor started")

	a.wg.Add(1)
	go a.acceptLoop(ctx, ln)
	return nil
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		ip := remoteIP(conn)
		if !a.ipAllowed(ip) {
			log.Warn().Str("ip", ip).Msg("connection refused, ip not allowed")
			conn.Close()
			continue
		}

		a.mu.Lock()
		if len(a.sessions) >= a.cfg.MaxSessions {
			a.mu.Unlock()
			log.Warn().Str("ip", ip).Int("max", a.cfg.MaxSessions).
				Msg("connection refused, session limit reached")
			conn.Close()
			continue
		}
		a.mu.Unlock()

		a.wg.Add(1)
		go a.serve(ctx, conn, ip)
	}
}

// serve runs one connection: the first logon binds the socket to a
// configured session by SenderCompID.
func (a *Acceptor) serve(ctx context.Context, conn net.Conn, ip string) {
	defer a.wg.Done()
	defer conn.Close()

	// The session is created lazily once the counterparty identifies
	// itself; until then frames are parsed just enough to find tag 49.
	var session atomic.Pointer[Session]

	framer := &Framer{}
	buf := make([]byte, 8192)

	liveness := time.NewTicker(time.Second)
	defer liveness.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case now := <-liveness.C:
				if s := session.Load(); s != nil && !s.checkLiveness(now) {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
		frames, ferr := framer.Append(buf[:n])
		if ferr != nil {
			log.Warn().Str("ip", ip).Err(ferr).Msg("framing error, closing connection")
			break
		}
		for _, frame := range frames {
			s := session.Load()
			if s == nil {
				s = a.bindSession(conn, frame, ip)
				if s == nil {
					return
				}
				session.Store(s)
			}
			s.HandleFrame(frame)
		}
	}

	if s := session.Load(); s != nil {
		a.unregister(s)
	}
}

// bindSession matches the first frame's SenderCompID against the configured
// sessions. Unknown comp ids are dropped without a reply.
func (a *Acceptor) bindSession(conn net.Conn, frame []byte, ip string) *Session {
	msg, err := Parse(frame)
	if err != nil {
		log.Warn().Str("ip", ip).Err(err).Msg("unparseable first frame, closing")
		return nil
	}
	sender := msg.Sender()

	var cfg *SessionConfig
	for i := range a.cfg.Sessions {
		if a.cfg.Sessions[i].SenderCompID == sender {
			cfg = &a.cfg.Sessions[i]
			break
		}
	}
	if cfg == nil {
		log.Warn().Str("ip", ip).Str("sender", sender).Msg("unknown comp id, closing")
		if a.trail != nil {
			a.trail.Record(context.Background(), audit.EventSessionReject,
				fmt.Sprintf("unknown comp id %s from %s", sender, ip),
				journal.RelatedIDs{}, journal.SeverityWarning)
		}
		return nil
	}

	session := NewSession(conn, *cfg, a.app)
	session.SetCallbacks(a.onLogon, a.onLogout)
	session.SetTrafficHooks(a.onInbound, a.onOutbound)

	a.mu.Lock()
	if prev, ok := a.sessions[cfg.SenderCompID]; ok {
		// One active session per comp id; the stale one is dropped.
		prev.conn.Close()
	}
	a.sessions[cfg.SenderCompID] = session
	a.mu.Unlock()
	return session
}

func (a *Acceptor) onLogon(s *Session) {
	if a.trail != nil {
		a.trail.Record(context.Background(), audit.EventSessionLogon,
			fmt.Sprintf("session %s logged on for %s", s.ID, s.Config().CounterpartyID),
			journal.RelatedIDs{SessionID: s.ID, CounterpartyID: s.Config().CounterpartyID},
			journal.SeverityInfo)
	}
}

func (a *Acceptor) onLogout(s *Session) {
	if a.trail != nil {
		a.trail.Record(context.Background(), audit.EventSessionLogout,
			fmt.Sprintf("session %s logged out", s.ID),
			journal.RelatedIDs{SessionID: s.ID, CounterpartyID: s.Config().CounterpartyID},
			journal.SeverityInfo)
	}
	a.unregister(s)
}

func (a *Acceptor) unregister(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.sessions[s.Config().SenderCompID]; ok && cur == s {
		delete(a.sessions, s.Config().SenderCompID)
	}
}

// Sessions snapshots the active sessions for the admin surface.
func (a *Acceptor) Sessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// Stop sends Logout on every live session and closes the listener.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	a.closed = true
	ln := a.listener
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if s.State() == SessionLoggedIn {
			s.Logout("server shutting down")
		} else {
			s.conn.Close()
		}
	}
	if ln != nil {
		ln.Close()
	}
	a.wg.Wait()
}

// ipAllowed checks the allow-list. An empty list allows everyone.
// IPv4-mapped IPv6 forms are normalised first.
func (a *Acceptor) ipAllowed(ip string) bool {
	if len(a.cfg.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimPrefix(host, "::ffff:")
	if parsed := net.ParseIP(host); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
	}
	return host
}
