package room

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/tensorstudio/collab-hub/internal/v1/crdt"
	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// persistWriteTimeout bounds one snapshot store write.
const persistWriteTimeout = 10 * time.Second

// Text returns the current document content.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

// Version returns the monotonic update counter.
func (r *Room) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// ParticipantCount returns the number of attached sessions.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IsRoomEmpty reports whether no sessions are attached.
func (r *Room) IsRoomEmpty() bool {
	return r.ParticipantCount() == 0
}

// ScriptSync replaces the whole document with code inside one transaction.
// The replacement is expressed as (delete full range, insert at 0) so the
// resulting update applies cleanly on any client holding a prefix of the
// history. Returns (false, version) when the content is already identical.
func (r *Room) ScriptSync(ctx context.Context, code string, source string) (bool, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doc.Text() == code {
		metrics.ScriptSyncRequests.WithLabelValues("unchanged").Inc()
		return false, r.version
	}

	r.doc.Transact(Origin{Kind: OriginExternalSync}, func(tx *crdt.Txn) {
		if n := tx.Len(); n > 0 {
			tx.Delete(0, n)
		}
		tx.Insert(0, code)
	})

	metrics.ScriptSyncRequests.WithLabelValues("changed").Inc()
	logging.Info(ctx, "Applied external script sync",
		zap.String("roomId", string(r.ID)),
		zap.String("source", source),
		zap.Int("bytes", len(code)),
		zap.Uint64("version", r.version))
	return true, r.version
}

// schedulePersist arms the reset-on-touch debounce timer. Caller holds mu.
func (r *Room) schedulePersist() {
	if r.persistTimer != nil {
		r.persistTimer.Stop()
	}
	r.persistTimer = time.AfterFunc(r.persistDelay, r.persist)
}

// persist writes the compacted document state to the snapshot store. A
// failed write is logged and retried implicitly on the next update.
func (r *Room) persist() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	data := r.doc.EncodeStateAsUpdate()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()

	if err := r.store.Save(ctx, string(r.ID), data); err != nil {
		logging.Error(ctx, "Snapshot save failed, will retry on next update",
			zap.String("roomId", string(r.ID)), zap.Error(err))
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return
	}
	logging.Info(ctx, "Snapshot saved",
		zap.String("roomId", string(r.ID)), zap.Int("bytes", len(data)))
}

// Flush cancels any pending debounce and persists synchronously when an
// update is outstanding. Called on eviction and shutdown.
func (r *Room) Flush() {
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	r.mu.Unlock()
	r.persist()
}

// Close tears the room down: stop background work, flush pending
// persistence, and disconnect any remaining sessions.
func (r *Room) Close(reason string) {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.busCancel != nil {
			r.busCancel()
		}

		r.Flush()

		r.mu.Lock()
		remaining := make([]types.SessionInterface, 0, len(r.sessions))
		for _, s := range r.sessions {
			remaining = append(remaining, s)
		}
		r.sessions = make(map[types.SessionIdType]types.SessionInterface)
		r.announced = make(map[types.SessionIdType]set.Set[uint32])
		r.mu.Unlock()

		for _, s := range remaining {
			metrics.SessionTerminations.WithLabelValues("shutdown").Inc()
			s.Disconnect()
		}
		if len(remaining) > 0 {
			logging.Info(context.Background(), "Closed room",
				zap.String("roomId", string(r.ID)),
				zap.String("reason", reason),
				zap.Int("disconnected", len(remaining)))
		}
	})
}
