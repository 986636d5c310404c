package room

import (
	"context"
	"errors"
	"sync"

	"github.com/tensorstudio/collab-hub/internal/v1/crdt"
	"github.com/tensorstudio/collab-hub/internal/v1/protocol"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// mockSession records every frame the room sends it.
type mockSession struct {
	id   types.SessionIdType
	user string
	role types.RoleType

	mu           sync.Mutex
	frames       [][]byte
	full         bool // simulate a blocked send path
	disconnected bool
}

func newMockSession(id string, role types.RoleType) *mockSession {
	return &mockSession{id: types.SessionIdType(id), user: "user-" + id, role: role}
}

func (m *mockSession) GetID() types.SessionIdType { return m.id }
func (m *mockSession) GetUserID() string          { return m.user }
func (m *mockSession) GetDisplayName() string     { return m.user }
func (m *mockSession) GetRole() types.RoleType    { return m.role }

func (m *mockSession) Send(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full || m.disconnected {
		return false
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	return true
}

func (m *mockSession) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockSession) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *mockSession) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// mockStore is an in-memory snapshot store with failure injection.
type mockStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	loads     int
	saves     int
	failSaves int // fail this many saves before succeeding
	failLoads bool
}

func newMockStore() *mockStore {
	return &mockStore{snapshots: make(map[string][]byte)}
}

func (s *mockStore) Load(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.failLoads {
		return nil, errors.New("store unavailable")
	}
	data, ok := s.snapshots[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *mockStore) Save(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("store unavailable")
	}
	s.saves++
	s.snapshots[name] = append([]byte(nil), data...)
	return nil
}

func (s *mockStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, name)
	return nil
}

func (s *mockStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.snapshots))
	for name := range s.snapshots {
		names = append(names, name)
	}
	return names, nil
}

func (s *mockStore) Ping(ctx context.Context) error { return nil }
func (s *mockStore) Close() error                   { return nil }

func (s *mockStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *mockStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *mockStore) get(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[name]
}

// testClient models a connected editor: a client-side document plus the
// frames it would send over the wire.
type testClient struct {
	doc    *crdt.Doc
	mu     sync.Mutex
	outbox [][]byte
}

func newTestClient(clientID uint32) *testClient {
	c := &testClient{doc: crdt.NewDocWithClient(clientID)}
	c.doc.OnUpdate(func(update []byte, origin any) {
		if origin == "local" {
			c.mu.Lock()
			c.outbox = append(c.outbox, protocol.EncodeSyncUpdate(update))
			c.mu.Unlock()
		}
	})
	return c
}

// edit mutates the client document and returns the update frames to send.
func (c *testClient) edit(fn func(tx *crdt.Txn)) [][]byte {
	c.mu.Lock()
	c.outbox = nil
	c.mu.Unlock()
	c.doc.Transact("local", fn)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// apply feeds a server frame into the client document.
func (c *testClient) apply(frame []byte) error {
	decoded, err := protocol.DecodeFrame(frame)
	if err != nil {
		return err
	}
	if decoded.Type != protocol.MessageSync {
		return nil
	}
	switch decoded.SyncType {
	case protocol.MessageSyncStep2, protocol.MessageSyncUpdate:
		return c.doc.ApplyUpdate(decoded.Payload, "remote")
	}
	return nil
}
