// Package store provides snapshot persistence adapters for room state. A
// snapshot is the opaque CRDT update blob that rebuilds a room's document
// from empty; the hub treats every adapter failure as non-fatal.
package store

import (
	"context"
	"encoding/base64"
	"time"
)

// Record is the persisted shape of one snapshot: the CRDT blob base64-encoded
// next to a server-side timestamp and the raw byte count.
type Record struct {
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updatedAt"`
	Size      int       `json:"size"`
}

// NewRecord wraps raw snapshot bytes into the stored shape.
func NewRecord(data []byte) Record {
	return Record{
		Payload:   base64.StdEncoding.EncodeToString(data),
		UpdatedAt: time.Now().UTC(),
		Size:      len(data),
	}
}

// Bytes decodes the stored payload back into the raw snapshot.
func (r Record) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Payload)
}

// Disabled is the adapter used when no snapshot backend is configured: every
// load misses and every save succeeds silently. Collaborative editing still
// works, rooms just start empty after eviction.
type Disabled struct{}

func (Disabled) Load(ctx context.Context, name string) ([]byte, error) { return nil, nil }

func (Disabled) Save(ctx context.Context, name string, data []byte) error { return nil }

func (Disabled) Delete(ctx context.Context, name string) error { return nil }

func (Disabled) List(ctx context.Context) ([]string, error) { return nil, nil }

func (Disabled) Ping(ctx context.Context) error { return nil }

func (Disabled) Close() error { return nil }
