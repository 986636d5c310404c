// Package room binds one CRDT document, one awareness set, and the attached
// WebSocket sessions for a single room name. The Room owns persistence
// debouncing and awareness garbage collection; the Manager owns room
// lifecycle (lazy creation with snapshot rehydration, idle eviction).
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/tensorstudio/collab-hub/internal/v1/awareness"
	"github.com/tensorstudio/collab-hub/internal/v1/bus"
	"github.com/tensorstudio/collab-hub/internal/v1/crdt"
	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/protocol"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// Origin tags every document mutation so the update handler can decide
// whether to persist, broadcast, and relay.
type Origin struct {
	Kind    string
	Session types.SessionIdType
}

// Origin kinds.
const (
	// OriginSession is an incremental update received from a session;
	// rebroadcast verbatim to every other session.
	OriginSession = "session"
	// OriginSyncReply is a syncStep2 payload received during a session's
	// initial handshake; persisted but never rebroadcast.
	OriginSyncReply = "sync-reply"
	// OriginExternalSync is a script-sync transaction; broadcast to all.
	OriginExternalSync = "external-sync"
	// OriginSnapshotLoad rehydrates a room from the snapshot store; neither
	// persisted nor broadcast.
	OriginSnapshotLoad = "snapshot-load"
	// OriginBus is a frame relayed from another hub instance; broadcast to
	// local sessions without republishing.
	OriginBus = "bus"
)

const (
	defaultPersistDelay     = 5 * time.Second
	defaultAwarenessTimeout = awareness.DefaultTimeout
)

// Room is one live collaborative document. All Document and Awareness
// mutations are serialized under mu; network sends are non-blocking channel
// pushes so they may happen while it is held.
type Room struct {
	ID types.RoomIdType

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness *awareness.Awareness
	sessions  map[types.SessionIdType]types.SessionInterface
	// announced tracks which awareness client ids each connection has
	// claimed, so disconnect removes exactly the ids that connection owned.
	announced map[types.SessionIdType]set.Set[uint32]

	// version counts updates on top of the loaded snapshot's document
	// revision, so it stays monotonic across evictions of the same room.
	version uint64
	dirty   bool   // an update is awaiting persistence

	store types.SnapshotStore
	bus   types.BusService

	persistDelay     time.Duration
	awarenessTimeout time.Duration
	persistTimer     *time.Timer

	onEmpty   func(types.RoomIdType) // manager callback scheduling eviction
	busCancel func()
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Room.
type Option func(*Room)

// WithPersistDelay overrides the 5 s persistence debounce; tests use this.
func WithPersistDelay(d time.Duration) Option {
	return func(r *Room) { r.persistDelay = d }
}

// WithAwarenessTimeout overrides the 30 s stale-awareness reaping window.
func WithAwarenessTimeout(d time.Duration) Option {
	return func(r *Room) { r.awarenessTimeout = d }
}

// NewRoom constructs a room, attempting a single snapshot load. A failed
// load is logged and the room continues with an empty document.
func NewRoom(ctx context.Context, id types.RoomIdType, snapshots types.SnapshotStore, busService types.BusService, onEmpty func(types.RoomIdType), opts ...Option) *Room {
	r := &Room{
		ID:               id,
		doc:              crdt.NewDoc(),
		awareness:        awareness.New(),
		sessions:         make(map[types.SessionIdType]types.SessionInterface),
		announced:        make(map[types.SessionIdType]set.Set[uint32]),
		store:            snapshots,
		bus:              busService,
		persistDelay:     defaultPersistDelay,
		awarenessTimeout: defaultAwarenessTimeout,
		onEmpty:          onEmpty,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.loadSnapshot(ctx)
	r.doc.OnUpdate(r.handleDocUpdate)

	if r.bus != nil {
		// ctx belongs to the request that created the room and is canceled
		// when that request finishes; the subscription must live as long as
		// the room, so it gets its own context, torn down by Close.
		r.busCancel = r.bus.Subscribe(context.Background(), string(id), r.handleBusFrame)
	}
	go r.reapAwareness()

	return r
}

// GetID returns the room name.
func (r *Room) GetID() types.RoomIdType {
	return r.ID
}

// loadSnapshot rehydrates the document from the store exactly once, at
// construction.
func (r *Room) loadSnapshot(ctx context.Context) {
	data, err := r.store.Load(ctx, string(r.ID))
	if err != nil {
		logging.Error(ctx, "Snapshot load failed, starting with empty document",
			zap.String("roomId", string(r.ID)), zap.Error(err))
		return
	}
	if data == nil {
		return
	}
	if err := r.doc.ApplyUpdate(data, Origin{Kind: OriginSnapshotLoad}); err != nil {
		logging.Error(ctx, "Snapshot apply failed, starting with empty document",
			zap.String("roomId", string(r.ID)), zap.Error(err))
		return
	}
	r.version = r.doc.Revision()
	metrics.UpdatesApplied.WithLabelValues(OriginSnapshotLoad).Inc()
	logging.Info(ctx, "Room rehydrated from snapshot",
		zap.String("roomId", string(r.ID)), zap.Int("bytes", len(data)), zap.Int("textLen", r.doc.Len()))
}

// handleDocUpdate runs synchronously inside every mutating document call,
// under the room lock. It decides persistence and fan-out per the origin tag.
func (r *Room) handleDocUpdate(update []byte, origin any) {
	o, _ := origin.(Origin)
	if o.Kind == OriginSnapshotLoad {
		return
	}

	r.version++
	metrics.UpdatesApplied.WithLabelValues(o.Kind).Inc()
	r.dirty = true
	r.schedulePersist()

	frame := protocol.EncodeSyncUpdate(update)
	switch o.Kind {
	case OriginSession:
		r.broadcast(frame, o.Session)
		r.publishAsync(bus.KindUpdate, frame)
	case OriginExternalSync:
		r.broadcast(frame, "")
		r.publishAsync(bus.KindUpdate, frame)
	case OriginBus:
		r.broadcast(frame, "")
	case OriginSyncReply:
		// Initial-sync payloads are persisted but never rebroadcast.
	}
}

// broadcast sends a frame to every attached session except the excluded one.
// A session whose bounded queue is full is a slow consumer: the frame is
// dropped and the session terminated; it can rejoin and resync via the CRDT.
func (r *Room) broadcast(frame []byte, exclude types.SessionIdType) {
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		if !s.Send(frame) {
			metrics.BroadcastDrops.Inc()
			metrics.SessionTerminations.WithLabelValues("slow_consumer").Inc()
			logging.Warn(context.Background(), "Send queue full, terminating slow consumer",
				zap.String("roomId", string(r.ID)), zap.String("sessionId", string(id)))
			s.Disconnect()
		}
	}
}

// publishAsync relays a frame to other hub instances without doing network
// I/O under the room lock.
func (r *Room) publishAsync(kind string, frame []byte) {
	if r.bus == nil {
		return
	}
	go func() {
		_ = r.bus.Publish(context.Background(), string(r.ID), kind, frame)
	}()
}

// handleBusFrame applies a frame relayed from another hub instance.
func (r *Room) handleBusFrame(kind string, frame []byte) {
	decoded, err := protocol.DecodeFrame(frame)
	if err != nil {
		logging.Warn(context.Background(), "Dropping malformed bus frame",
			zap.String("roomId", string(r.ID)), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case kind == bus.KindUpdate && decoded.Type == protocol.MessageSync:
		if err := r.doc.ApplyUpdate(decoded.Payload, Origin{Kind: OriginBus}); err != nil {
			logging.Warn(context.Background(), "Dropping unappliable bus update",
				zap.String("roomId", string(r.ID)), zap.Error(err))
		}
	case kind == bus.KindAwareness && decoded.Type == protocol.MessageAwareness:
		ch, err := r.awareness.ApplyUpdate(decoded.Payload)
		if err != nil {
			logging.Warn(context.Background(), "Dropping malformed bus awareness delta",
				zap.String("roomId", string(r.ID)), zap.Error(err))
			return
		}
		if ch.Dirty() {
			r.broadcast(frame, "")
		}
	}
}

// reapAwareness drops awareness entries that have not been refreshed within
// the timeout, broadcasting their removal. Runs until the room closes.
func (r *Room) reapAwareness() {
	interval := r.awarenessTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			removal := r.awareness.Prune(r.awarenessTimeout)
			if removal != nil {
				frame := protocol.EncodeAwareness(removal)
				r.broadcast(frame, "")
				r.publishAsync(bus.KindAwareness, frame)
			}
			r.mu.Unlock()
		}
	}
}
