package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// defaultGracePeriod is how long an empty room stays resident before its
// document is released. A reattach within the window cancels eviction.
const defaultGracePeriod = 30 * time.Second

// Manager is the process-wide registry of live rooms. Concurrent
// GetOrCreate calls for the same name return the same Room, and the snapshot
// load runs exactly once per residency.
type Manager struct {
	mu               sync.Mutex
	rooms            map[types.RoomIdType]*Room
	pendingEvictions map[types.RoomIdType]*time.Timer

	store       types.SnapshotStore
	bus         types.BusService
	gracePeriod time.Duration
	roomOpts    []Option
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGracePeriod overrides the 30 s idle eviction window; tests use this.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.gracePeriod = d }
}

// WithRoomOptions passes options through to every room the manager creates.
func WithRoomOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.roomOpts = opts }
}

// NewManager creates an empty room registry backed by the given snapshot
// store and optional cross-instance bus.
func NewManager(snapshots types.SnapshotStore, busService types.BusService, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:            make(map[types.RoomIdType]*Room),
		pendingEvictions: make(map[types.RoomIdType]*time.Timer),
		store:            snapshots,
		bus:              busService,
		gracePeriod:      defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the live room for a name, creating and rehydrating it
// when absent. A pending eviction for the name is cancelled.
func (m *Manager) GetOrCreate(ctx context.Context, id types.RoomIdType) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		if timer, pending := m.pendingEvictions[id]; pending {
			timer.Stop()
			delete(m.pendingEvictions, id)
			logging.Info(ctx, "Cancelled pending room eviction due to reattach", zap.String("roomId", string(id)))
		}
		return r
	}

	logging.Info(ctx, "Creating room", zap.String("roomId", string(id)))
	r := NewRoom(ctx, id, m.store, m.bus, m.scheduleEviction, m.roomOpts...)
	m.rooms[id] = r
	metrics.ActiveRooms.Inc()
	return r
}

// Get returns the live room for a name without creating one.
func (m *Manager) Get(id types.RoomIdType) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// scheduleEviction starts the idle grace timer for a room that just lost its
// last session. The room is destroyed when the timer fires while it is still
// empty; a reattach in the window cancels it via GetOrCreate.
func (m *Manager) scheduleEviction(id types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, exists := m.pendingEvictions[id]; exists {
		timer.Stop()
	}

	m.pendingEvictions[id] = time.AfterFunc(m.gracePeriod, func() {
		m.mu.Lock()
		r, ok := m.rooms[id]
		if ok && !r.IsRoomEmpty() {
			// A session raced the timer; keep the room.
			delete(m.pendingEvictions, id)
			m.mu.Unlock()
			return
		}
		delete(m.rooms, id)
		delete(m.pendingEvictions, id)
		m.mu.Unlock()

		if ok {
			r.Close("idle eviction")
			metrics.ActiveRooms.Dec()
			metrics.RoomParticipants.DeleteLabelValues(string(id))
			logging.Info(context.Background(), "Evicted idle room", zap.String("roomId", string(id)))
		}
	})
}

// ReleaseIfEmpty arms the idle eviction timer for a room no session is
// attached to. Server-side mutations (script sync) use this so a room they
// instantiated does not stay resident forever.
func (m *Manager) ReleaseIfEmpty(id types.RoomIdType) {
	if r, ok := m.Get(id); ok && r.IsRoomEmpty() {
		m.scheduleEviction(id)
	}
}

// Destroy removes a room immediately, flushing its pending persistence. The
// next access recreates it from the snapshot store.
func (m *Manager) Destroy(id types.RoomIdType) {
	m.mu.Lock()
	if timer, exists := m.pendingEvictions[id]; exists {
		timer.Stop()
		delete(m.pendingEvictions, id)
	}
	r, ok := m.rooms[id]
	delete(m.rooms, id)
	m.mu.Unlock()

	if ok {
		r.Close("destroyed")
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(id))
	}
}

// Count returns the number of resident rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown closes every room, flushing pending persistence synchronously.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for id, timer := range m.pendingEvictions {
		timer.Stop()
		delete(m.pendingEvictions, id)
	}
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[types.RoomIdType]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Close("server shutting down")
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(r.ID))
	}
	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
}
