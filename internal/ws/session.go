package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"dm-service/internal/observability"
)

// Conn is the part of *websocket.Conn a session needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

const sendBuffer = 64

// Session is one live websocket connection of a user.
type Session struct {
	ID     string
	UserID int
	Info   observability.SessionInfo

	conn      Conn
	send      chan outbound
	closed    chan struct{}
	closeOnce sync.Once
}

type outbound struct {
	payload []byte
	// ackMessageID is acknowledged on behalf of the session's user once the
	// write succeeds.
	ackMessageID int
}

func newSession(conn Conn, info observability.SessionInfo) *Session {
	return &Session{
		ID:     info.SessionID,
		UserID: info.UserID,
		Info:   info,
		conn:   conn,
		send:   make(chan outbound, sendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the session is closed or its
// buffer is full.
func (s *Session) enqueue(out outbound) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- out:
		return true
	default:
		return false
	}
}

// Close stops the write pump and closes the connection. Safe to call twice.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (h *Hub) writePump(s *Session) {
	for {
		select {
		case <-s.closed:
			return
		case out := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, out.payload); err != nil {
				h.log.WithError(err).WithField("session_id", s.ID).Warn("websocket write error")
				h.publishLifecycle("ws_error", s, err.Error())
				h.Unregister(s)
				return
			}
			if out.ackMessageID != 0 {
				h.acknowledge(s, out.ackMessageID)
			}
		}
	}
}
