package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session states. A session is created connecting, moves to
// authenticated once the handshake token is validated, to active when
// attached to the registry, and ends closed.
const (
	stateConnecting int32 = iota
	stateAuthenticated
	stateActive
	stateClosed
)

var errSessionClosed = errors.New("session closed")

// Session is one live channel connection for an identity. An identity
// may hold many sessions concurrently (multi-device); each runs its own
// read and write pumps.
type Session struct {
	id       string
	userID   int
	username string

	gw    *Gateway
	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32

	mu     sync.Mutex
	joined map[int]struct{}

	once    sync.Once
	closed  chan struct{}
	dropped atomic.Bool
}

func newSession(gw *Gateway, conn *websocket.Conn, userID int, username string) *Session {
	s := &Session{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		gw:       gw,
		conn:     conn,
		send:     make(chan []byte, gw.sendBuffer),
		joined:   make(map[int]struct{}),
		closed:   make(chan struct{}),
	}
	// The handshake middleware already validated the token.
	s.state.Store(stateAuthenticated)
	return s
}

// SessionID implements registry.Pusher.
func (s *Session) SessionID() string { return s.id }

// UserID returns the identity that owns the session.
func (s *Session) UserID() int { return s.userID }

// Push implements registry.Pusher. It enqueues without blocking; a
// client too slow to drain its buffer is disconnected to keep
// backpressure bounded.
func (s *Session) Push(payload []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	case s.send <- payload:
		return nil
	default:
		s.close()
		return errors.New("session send buffer full")
	}
}

// Watching implements registry.Pusher.
func (s *Session) Watching(conversationID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conversationID]
	return ok
}

func (s *Session) markJoined(conversationID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[conversationID] = struct{}{}
}

func (s *Session) active() bool {
	return s.state.Load() == stateActive
}

func (s *Session) close() {
	s.once.Do(func() {
		s.state.Store(stateClosed)
		close(s.closed)
	})
}

// readPump pumps inbound commands from the websocket to the gateway.
// It owns the unregister path: any read error, timeout, or explicit
// close lands here and triggers registry cleanup.
func (s *Session) readPump() {
	defer func() {
		s.gw.dropSession(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(int64(s.gw.maxMessageSize))
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.gw.log.Warn("session read error",
					zap.String("session_id", s.id),
					zap.Int("user_id", s.userID),
					zap.Error(err),
				)
			}
			return
		}
		s.gw.handleCommand(s, raw)
	}
}

// writePump pumps outbound events from the send buffer to the websocket
// and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
