package types

import (
	"context"

	"github.com/tensorstudio/collab-hub/internal/v1/auth"
)

// --- Core Domain Types ---

// RoomIdType identifies a collaborative document room, typically a project id.
type RoomIdType string

// SessionIdType represents a unique identifier for one WebSocket connection.
type SessionIdType string

// RoleType defines the write capability of a session.
type RoleType string

// Role constants. "edit" sessions may mutate the document; "view" sessions
// receive every broadcast but their sync writes are dropped at dispatch.
const (
	RoleTypeView    RoleType = "view"
	RoleTypeEdit    RoleType = "edit"
	RoleTypeUnknown RoleType = "unknown"
)

// DefaultRoomId is used when the WebSocket URL carries no room segment.
const DefaultRoomId RoomIdType = "default"

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// SnapshotStore persists the compacted CRDT state of a room, keyed by room
// name. Load returns (nil, nil) when no snapshot exists. Save failures are
// non-fatal to the hub; the debounced writer retries on the next update.
type SnapshotStore interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// BusService relays binary frames between hub instances hosting the same
// room. Implementations suppress the publishing instance's own echo.
type BusService interface {
	Publish(ctx context.Context, roomID string, kind string, frame []byte) error
	Subscribe(ctx context.Context, roomID string, handler func(kind string, frame []byte)) (cancel func())
	Ping(ctx context.Context) error
	Close() error
}

// SessionInterface defines the behavior the room package needs from a
// WebSocket session without depending on the transport package.
type SessionInterface interface {
	GetID() SessionIdType
	GetUserID() string
	GetDisplayName() string
	GetRole() RoleType
	// Send enqueues a pre-framed binary message. It reports false when the
	// session's bounded queue is full or the session is closed.
	Send(frame []byte) bool
	// Disconnect forcefully closes the connection (e.g. slow consumer).
	Disconnect()
}

// Roomer defines the room operations a Session needs.
type Roomer interface {
	GetID() RoomIdType
	HandleClientConnect(s SessionInterface)
	HandleClientDisconnect(s SessionInterface)
	Router(ctx context.Context, s SessionInterface, data []byte)
}
