package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tensorstudio/collab-hub/internal/v1/auth"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

var errConnClosed = errors.New("connection closed")

type wsMessage struct {
	messageType int
	data        []byte
}

// fakeConn is an in-memory wsConnection for pump tests.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan wsMessage
	writes  []wsMessage
	closed  bool
	pongFn  func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wsMessage, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbound
	if !ok {
		return 0, nil, errConnClosed
	}
	return msg.messageType, msg.data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.writes = append(c.writes, wsMessage{messageType, append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongFn = h
}

func (c *fakeConn) written() []wsMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wsMessage, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockRoom records the session lifecycle calls the pumps make.
type mockRoom struct {
	mu           sync.Mutex
	connects     int
	disconnects  int
	routedFrames [][]byte
}

func (m *mockRoom) GetID() types.RoomIdType { return "mock-room" }

func (m *mockRoom) HandleClientConnect(s types.SessionInterface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
}

func (m *mockRoom) HandleClientDisconnect(s types.SessionInterface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}

func (m *mockRoom) Router(ctx context.Context, s types.SessionInterface, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routedFrames = append(m.routedFrames, append([]byte(nil), data...))
}

func (m *mockRoom) routed() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.routedFrames))
	copy(out, m.routedFrames)
	return out
}

func (m *mockRoom) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// stubValidator returns fixed claims, or an error when token is rejected.
type stubValidator struct {
	claims *auth.Claims
	err    error
}

func (v *stubValidator) ValidateToken(token string) (*auth.Claims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claims, nil
}

func editorClaims(subject string) *auth.Claims {
	c := &auth.Claims{Name: "Test Editor", Role: "edit"}
	c.Subject = subject
	return c
}
