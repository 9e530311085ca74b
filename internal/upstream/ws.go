package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsInitialBackoff = time.Second
	wsMaxBackoff     = 32 * time.Second
	wsMaxAttempts    = 15
	wsJitterFrac     = 0.2
)

// StreamHandler receives raw messages pushed by the upstream.
type StreamHandler func(data []byte)

// Stream maintains the upstream WebSocket connection. Reconnects back off
// exponentially from 1s to 32s with ±20% jitter; after 15 failed attempts
// the permanent-disconnect callback fires and the stream stays down until
// Connect is called again.
type Stream struct {
	url          string
	auth         TokenProvider
	handler      StreamHandler
	onDisconnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	// inflight dedups concurrent Connect calls: everyone waits on the same
	// attempt instead of racing dials.
	inflight chan error

	closeCh chan struct{}
	closed  sync.Once
}

// NewStream creates a stream against the given ws URL.
func NewStream(url string, auth TokenProvider, handler StreamHandler, onDisconnect func()) *Stream {
	return &Stream{
		url:          url,
		auth:         auth,
		handler:      handler,
		onDisconnect: onDisconnect,
		closeCh:      make(chan struct{}),
	}
}

// Connect establishes the connection, deduplicating concurrent callers.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.inflight != nil {
		waiter := s.inflight
		s.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	inflight := make(chan error, 8)
	s.inflight = inflight
	s.mu.Unlock()

	err := s.dial(ctx)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	// Release any deduplicated waiters.
	for {
		select {
		case inflight <- err:
		default:
			return err
		}
	}
}

func (s *Stream) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}

	headers := map[string][]string{}
	if s.auth != nil {
		token, err := s.auth(ctx)
		if err != nil {
			return fmt.Errorf("ws auth token resolve: %w", err)
		}
		headers["Authorization"] = []string{"Bearer " + token}
	}

	conn, _, err := dialer.DialContext(ctx, s.url, headers)
	if err != nil {
		return fmt.Errorf("ws connection failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	log.Info().Str("url", s.url).Msg("upstream stream connected")
	go s.readLoop(ctx, conn)
	return nil
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.connected = false
			s.conn = nil
			s.mu.Unlock()

			select {
			case <-s.closeCh:
				return
			default:
			}
			log.Warn().Err(err).Msg("upstream stream dropped, reconnecting")
			s.reconnect(ctx)
			return
		}
		if s.handler != nil {
			s.handler(data)
		}
	}
}

func (s *Stream) reconnect(ctx context.Context) {
	backoff := wsInitialBackoff
	for attempt := 1; attempt <= wsMaxAttempts; attempt++ {
		select {
		case <-s.closeCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}

		if err := s.Connect(ctx); err == nil {
			return
		} else {
			log.Warn().Err(err).Int("attempt", attempt).Msg("upstream stream reconnect failed")
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}

	log.Error().Int("attempts", wsMaxAttempts).Msg("upstream stream permanently disconnected")
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

// Connected reports current connection state.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close terminates the stream and suppresses further reconnects.
func (s *Stream) Close() {
	s.closed.Do(func() {
		close(s.closeCh)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connected = false
		s.mu.Unlock()
	})
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * wsJitterFrac
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
