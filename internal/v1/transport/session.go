package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second
	// heartbeatInterval is the ping cadence. A session that has not answered
	// the previous ping by the next tick is presumed dead and terminated.
	heartbeatInterval = 30 * time.Second
	// sendQueueSize bounds the per-session outbound queue. A full queue marks
	// the session as a slow consumer.
	sendQueueSize = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Session is one authenticated WebSocket connection bound to a room. It
// implements types.SessionInterface.
type Session struct {
	conn wsConnection
	room types.Roomer

	ID          types.SessionIdType // unique per connection, not per user
	UserID      string              // subject from the validated token
	DisplayName string
	role        types.RoleType

	mu     sync.RWMutex
	closed bool
	alive  bool // reset by the heartbeat tick, set by pong receipt

	send chan []byte
}

func (s *Session) GetID() types.SessionIdType { return s.ID }
func (s *Session) GetUserID() string          { return s.UserID }
func (s *Session) GetDisplayName() string     { return s.DisplayName }

func (s *Session) GetRole() types.RoleType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Send enqueues a pre-framed binary message without blocking. It reports
// false when the session is closed or its queue is full; the caller treats
// that as a slow consumer.
func (s *Session) Send(frame []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Disconnect closes the send channel, which makes the writePump drain, send
// a close frame, and tear the connection down. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Session) markAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

// checkAndResetAlive reports whether a pong arrived since the last tick and
// arms the next round.
func (s *Session) checkAndResetAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alive
	s.alive = false
	return was
}

// readPump pulls binary frames off the wire and hands them to the room's
// router. Text frames are ignored; the protocol is binary only.
func (s *Session) readPump() {
	defer func() {
		s.room.HandleClientDisconnect(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	s.conn.SetPongHandler(func(string) error {
		s.markAlive()
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		s.room.Router(context.Background(), s, data)
	}
}

// writePump drains the send queue to the wire and drives the heartbeat.
func (s *Session) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message",
					zap.String("sessionId", string(s.ID)), zap.Error(err))
				return
			}

		case <-ticker.C:
			if !s.checkAndResetAlive() {
				metrics.SessionTerminations.WithLabelValues("heartbeat_timeout").Inc()
				logging.Warn(context.Background(), "No pong since last heartbeat, terminating session",
					zap.String("sessionId", string(s.ID)), zap.String("userId", s.UserID))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
