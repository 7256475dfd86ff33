package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market-relay/src/helpers"

	"github.com/gorilla/websocket"
)

const outboxSize = 256

var errOutboxFull = errors.New("gateway outbox full")

// session is one established WebSocket connection to the gateway bridge.
// done is closed once the read loop has exited and the session was torn down;
// closing is closed as soon as close starts.
type session struct {
	id   uint64
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
	pongTimeout  time.Duration

	outbox chan command

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// -----------------------------------------------------------------------------

// dialSession connects and performs the startApi handshake.
func dialSession(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, helpers.NewConnectionError("dial gateway", err)
	}

	conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	if err := conn.WriteJSON(command{Cmd: cmdStartAPI, ClientID: cfg.ClientID}); err != nil {
		conn.Close()
		return nil, helpers.NewConnectionError("send handshake", err)
	}

	conn.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return nil, helpers.NewConnectionError("await handshake", err)
		}
		switch f.Type {
		case frameConnectAck:
			conn.SetReadDeadline(time.Time{})
			return conn, nil
		case frameConnectRejected:
			conn.Close()
			return nil, fmt.Errorf("%w: %s", helpers.ErrAuthRejected, f.Message)
		}
	}
}

// -----------------------------------------------------------------------------

func newSession(id uint64, conn *websocket.Conn, cfg Config) *session {
	s := &session{
		id:           id,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		pongTimeout:  cfg.PongTimeout,
		outbox:       make(chan command, outboxSize),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
	return s
}

// -----------------------------------------------------------------------------

func (s *session) send(cmd command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(cmd)
}

// enqueue hands cmd to the write loop without blocking.
func (s *session) enqueue(cmd command) error {
	select {
	case <-s.closing:
		return helpers.ErrNotConnected
	default:
	}

	select {
	case s.outbox <- cmd:
		return nil
	default:
		return errOutboxFull
	}
}

// writeLoop drains the outbox in order. A failed write closes the session,
// which ends the read loop.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.closing:
			return
		case cmd := <-s.outbox:
			if err := s.send(cmd); err != nil {
				s.close()
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

// read blocks for the next message and extends the liveness deadline.
func (s *session) read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	return data, nil
}

// -----------------------------------------------------------------------------

// heartbeat pings the gateway until the session ends. A missing pong lets the
// read deadline expire, which ends the read loop.
func (s *session) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.close()
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
