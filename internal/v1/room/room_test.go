package room

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorstudio/collab-hub/internal/v1/bus"
	"github.com/tensorstudio/collab-hub/internal/v1/crdt"
	"github.com/tensorstudio/collab-hub/internal/v1/protocol"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

func newTestRoom(t *testing.T, store types.SnapshotStore, opts ...Option) *Room {
	t.Helper()
	if store == nil {
		store = newMockStore()
	}
	r := NewRoom(context.Background(), "test-room", store, nil, nil, opts...)
	t.Cleanup(func() { r.Close("test teardown") })
	return r
}

// awarenessFrame builds a single-entry awareness message the way a client
// would: entry count, client id, clock, JSON state.
func awarenessFrame(id uint32, clock uint64, state string) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarUint(uint64(id))
	enc.WriteVarUint(clock)
	enc.WriteVarString(state)
	return protocol.EncodeAwareness(enc.Bytes())
}

func TestConnectHandshakeSendsStateVector(t *testing.T) {
	r := newTestRoom(t, nil)
	s := newMockSession("s1", types.RoleTypeEdit)

	r.HandleClientConnect(s)

	frames := s.sent()
	require.Len(t, frames, 1, "empty room handshake is syncStep1 only")

	decoded, err := protocol.DecodeFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageSync, decoded.Type)
	assert.Equal(t, protocol.MessageSyncStep1, decoded.SyncType)

	sv, err := crdt.DecodeStateVector(decoded.Payload)
	require.NoError(t, err)
	assert.Empty(t, sv)
}

func TestConnectHandshakeIncludesAwarenessSnapshot(t *testing.T) {
	r := newTestRoom(t, nil)
	s1 := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	r.Router(context.Background(), s1, awarenessFrame(7, 1, `{"user":"ada"}`))

	s2 := newMockSession("s2", types.RoleTypeEdit)
	r.HandleClientConnect(s2)

	frames := s2.sent()
	require.Len(t, frames, 2, "handshake is syncStep1 then the awareness snapshot")

	decoded, err := protocol.DecodeFrame(frames[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageAwareness, decoded.Type)
}

func TestTwoClientsConverge(t *testing.T) {
	r := newTestRoom(t, nil)
	ctx := context.Background()

	s1 := newMockSession("s1", types.RoleTypeEdit)
	s2 := newMockSession("s2", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	r.HandleClientConnect(s2)
	c1 := newTestClient(1)
	c2 := newTestClient(2)

	for _, frame := range c1.edit(func(tx *crdt.Txn) { tx.Insert(0, "hello ") }) {
		r.Router(ctx, s1, frame)
	}

	s1Before := len(s1.sent())
	s2Frames := s2.sent()
	require.Len(t, s2Frames, 2, "peer receives the update after its handshake")
	require.NoError(t, c2.apply(s2Frames[1]))

	for _, frame := range c2.edit(func(tx *crdt.Txn) { tx.Insert(6, "world") }) {
		r.Router(ctx, s2, frame)
	}

	s1Frames := s1.sent()
	require.Greater(t, len(s1Frames), s1Before)
	for _, frame := range s1Frames[s1Before:] {
		require.NoError(t, c1.apply(frame))
	}

	assert.Equal(t, "hello world", r.Text())
	assert.Equal(t, "hello world", c1.doc.Text())
	assert.Equal(t, "hello world", c2.doc.Text())
}

func TestUpdateNotEchoedToSender(t *testing.T) {
	r := newTestRoom(t, nil)
	s1 := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	c1 := newTestClient(1)

	before := len(s1.sent())
	for _, frame := range c1.edit(func(tx *crdt.Txn) { tx.Insert(0, "x") }) {
		r.Router(context.Background(), s1, frame)
	}
	assert.Equal(t, before, len(s1.sent()))
}

func TestSyncStep1AnsweredWithMissingState(t *testing.T) {
	r := newTestRoom(t, nil)
	ctx := context.Background()
	_, _ = r.ScriptSync(ctx, "shared content", "test")

	s := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s)
	c := newTestClient(9)

	before := len(s.sent())
	r.Router(ctx, s, protocol.EncodeSyncStep1(c.doc.EncodeStateVector()))

	frames := s.sent()
	require.Equal(t, before+1, len(frames))
	decoded, err := protocol.DecodeFrame(frames[before])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageSyncStep2, decoded.SyncType)

	require.NoError(t, c.apply(frames[before]))
	assert.Equal(t, "shared content", c.doc.Text())

	// An up-to-date peer gets no answer at all.
	before = len(s.sent())
	r.Router(ctx, s, protocol.EncodeSyncStep1(c.doc.EncodeStateVector()))
	assert.Equal(t, before, len(s.sent()))
}

func TestSyncStep2AppliedButNotRebroadcast(t *testing.T) {
	r := newTestRoom(t, nil)
	s1 := newMockSession("s1", types.RoleTypeEdit)
	s2 := newMockSession("s2", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	r.HandleClientConnect(s2)

	c := newTestClient(3)
	c.doc.Transact(nil, func(tx *crdt.Txn) { tx.Insert(0, "offline edits") })

	s2Before := len(s2.sent())
	r.Router(context.Background(), s1, protocol.EncodeSyncStep2(c.doc.EncodeStateAsUpdate()))

	assert.Equal(t, "offline edits", r.Text())
	assert.Equal(t, s2Before, len(s2.sent()), "initial-sync payloads are not fanned out")
}

func TestViewRoleWritesDropped(t *testing.T) {
	r := newTestRoom(t, nil)
	s := newMockSession("viewer", types.RoleTypeView)
	r.HandleClientConnect(s)
	c := newTestClient(4)

	for _, frame := range c.edit(func(tx *crdt.Txn) { tx.Insert(0, "sneaky") }) {
		r.Router(context.Background(), s, frame)
	}
	assert.Equal(t, "", r.Text())

	// Read-side traffic still works for viewers.
	before := len(s.sent())
	r.Router(context.Background(), s, awarenessFrame(4, 1, `{"user":"viewer"}`))
	assert.Greater(t, len(s.sent()), before)
}

func TestAwarenessEchoedToOriginator(t *testing.T) {
	r := newTestRoom(t, nil)
	s1 := newMockSession("s1", types.RoleTypeEdit)
	s2 := newMockSession("s2", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	r.HandleClientConnect(s2)

	frame := awarenessFrame(11, 1, `{"cursor":5}`)
	s1Before, s2Before := len(s1.sent()), len(s2.sent())
	r.Router(context.Background(), s1, frame)

	s1Frames := s1.sent()
	require.Equal(t, s1Before+1, len(s1Frames), "awareness goes to the originator too")
	assert.Equal(t, frame, s1Frames[s1Before])
	assert.Equal(t, s2Before+1, len(s2.sent()))
}

func TestStaleAwarenessNotFannedOut(t *testing.T) {
	r := newTestRoom(t, nil)
	s := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s)

	r.Router(context.Background(), s, awarenessFrame(11, 5, `{"cursor":5}`))
	before := len(s.sent())
	r.Router(context.Background(), s, awarenessFrame(11, 3, `{"cursor":1}`))
	assert.Equal(t, before, len(s.sent()), "a stale clock changes nothing")
}

func TestDisconnectRemovesAnnouncedAwareness(t *testing.T) {
	r := newTestRoom(t, nil)
	s1 := newMockSession("s1", types.RoleTypeEdit)
	s2 := newMockSession("s2", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	r.HandleClientConnect(s2)

	r.Router(context.Background(), s1, awarenessFrame(21, 1, `{"user":"ada"}`))
	before := len(s2.sent())

	r.HandleClientDisconnect(s1)

	frames := s2.sent()
	require.Equal(t, before+1, len(frames), "peers see a removal for the leaver's entries")
	decoded, err := protocol.DecodeFrame(frames[before])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageAwareness, decoded.Type)

	r.mu.Lock()
	assert.Zero(t, r.awareness.Len())
	r.mu.Unlock()
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := newTestRoom(t, nil)
	s := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s)
	r.HandleClientDisconnect(s)
	r.HandleClientDisconnect(s)
	assert.True(t, r.IsRoomEmpty())
}

func TestMalformedFramesDropped(t *testing.T) {
	r := newTestRoom(t, nil)
	s := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s)
	ctx := context.Background()

	r.Router(ctx, s, nil)
	r.Router(ctx, s, []byte{0xff, 0xff, 0xff})
	r.Router(ctx, s, []byte{42})
	// Truncated sync update: valid header, garbage payload.
	r.Router(ctx, s, []byte{0, 2, 5, 1, 2})

	assert.Equal(t, "", r.Text())
	assert.False(t, s.isDisconnected(), "bad frames do not kill the session")
}

func TestSlowConsumerTerminated(t *testing.T) {
	r := newTestRoom(t, nil)
	s1 := newMockSession("s1", types.RoleTypeEdit)
	s2 := newMockSession("s2", types.RoleTypeEdit)
	r.HandleClientConnect(s1)
	r.HandleClientConnect(s2)

	s2.mu.Lock()
	s2.full = true
	s2.mu.Unlock()

	c := newTestClient(5)
	for _, frame := range c.edit(func(tx *crdt.Txn) { tx.Insert(0, "burst") }) {
		r.Router(context.Background(), s1, frame)
	}
	assert.True(t, s2.isDisconnected())
	assert.False(t, s1.isDisconnected())
}

func TestStaleAwarenessReaped(t *testing.T) {
	r := newTestRoom(t, nil, WithAwarenessTimeout(40*time.Millisecond))
	s := newMockSession("s1", types.RoleTypeEdit)
	r.HandleClientConnect(s)
	r.Router(context.Background(), s, awarenessFrame(31, 1, `{"user":"idle"}`))

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.awareness.Len() == 0
	}, time.Second, 10*time.Millisecond)

	// The reaper announced the removal to attached sessions.
	frames := s.sent()
	last := frames[len(frames)-1]
	decoded, err := protocol.DecodeFrame(last)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageAwareness, decoded.Type)
}

func TestBusRelaySurvivesCreatingRequestContext(t *testing.T) {
	mr := miniredis.RunT(t)
	local := bus.NewServiceFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	remote := bus.NewServiceFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	// Rooms are created inside HTTP handlers, whose context is canceled as
	// soon as the handler returns.
	reqCtx, cancel := context.WithCancel(context.Background())
	r := NewRoom(reqCtx, "relay-room", newMockStore(), local, nil)
	t.Cleanup(func() { r.Close("test teardown") })
	cancel()

	c := newTestClient(9)
	frames := c.edit(func(tx *crdt.Txn) { tx.Insert(0, "hello") })
	require.Len(t, frames, 1)

	// Republish each poll: the subscription comes up asynchronously and
	// applying the same update twice is a no-op.
	require.Eventually(t, func() bool {
		_ = remote.Publish(context.Background(), "relay-room", bus.KindUpdate, frames[0])
		return r.Text() == "hello"
	}, 2*time.Second, 20*time.Millisecond)
}
