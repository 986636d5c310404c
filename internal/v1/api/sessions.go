package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// sessionRecord is the hub-side bookkeeping for one created session. The
// heavy state (document, membership) lives in the room; this only remembers
// the mapping back to the project and when it was minted.
type sessionRecord struct {
	ID        types.SessionIdType
	ProjectID types.RoomIdType
	CreatedBy string
	CreatedAt time.Time
}

// sessionRegistry is an in-memory index of created sessions.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[types.SessionIdType]sessionRecord
	now      func() time.Time
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[types.SessionIdType]sessionRecord),
		now:      time.Now,
	}
}

// create mints a session id of the form session_<projectId>_<epochMillis>.
func (r *sessionRegistry) create(projectID types.RoomIdType, userID string) sessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	createdAt := r.now()
	rec := sessionRecord{
		ID:        types.SessionIdType(fmt.Sprintf("session_%s_%d", projectID, createdAt.UnixMilli())),
		ProjectID: projectID,
		CreatedBy: userID,
		CreatedAt: createdAt,
	}
	r.sessions[rec.ID] = rec
	return rec
}

func (r *sessionRegistry) get(id types.SessionIdType) (sessionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	return rec, ok
}
