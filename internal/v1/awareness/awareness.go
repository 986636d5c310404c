// Package awareness tracks transient per-participant state (cursor, identity)
// for one room. Each entry is keyed by the participant's CRDT client id and
// carries a monotonically increasing clock; last writer wins by clock, and a
// removal is broadcast as the next clock with a null state. The payload JSON
// is opaque to the hub.
package awareness

import (
	"bytes"
	"fmt"
	"time"

	"github.com/tensorstudio/collab-hub/internal/v1/protocol"
)

// DefaultTimeout is how long an entry may go without a refresh before the
// reaper removes it locally.
const DefaultTimeout = 30 * time.Second

var nullState = []byte("null")

type entry struct {
	clock    uint64
	state    []byte // JSON; nil after removal
	lastSeen time.Time
}

// Change summarizes one ApplyUpdate: which client ids were newly added,
// refreshed with a different state, or removed.
type Change struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
}

// Dirty reports whether the update changed anything worth rebroadcasting.
func (c Change) Dirty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) > 0
}

// Touched returns every client id the update mentioned, removed or not.
func (c Change) Touched() []uint32 {
	out := make([]uint32, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

// Awareness is the per-room set of ephemeral participant states. Not safe for
// concurrent use; the owning room serializes access.
type Awareness struct {
	entries map[uint32]*entry
	now     func() time.Time
}

// New returns an empty awareness set.
func New() *Awareness {
	return &Awareness{
		entries: make(map[uint32]*entry),
		now:     time.Now,
	}
}

// Len reports the number of live (non-removed) entries.
func (a *Awareness) Len() int {
	n := 0
	for _, e := range a.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}

// States returns the JSON state of every live entry, keyed by client id.
func (a *Awareness) States() map[uint32][]byte {
	out := make(map[uint32][]byte, len(a.entries))
	for id, e := range a.entries {
		if e.state != nil {
			out[id] = e.state
		}
	}
	return out
}

// ApplyUpdate merges a remote delta using the clock rules: a higher clock
// always wins, an equal clock wins only when it carries a removal. Unknown
// client ids are admitted at any clock.
func (a *Awareness) ApplyUpdate(data []byte) (Change, error) {
	dec := protocol.NewDecoder(data)
	n, err := dec.ReadVarUint()
	if err != nil {
		return Change{}, fmt.Errorf("awareness entry count: %w", err)
	}

	var ch Change
	now := a.now()
	for i := uint64(0); i < n; i++ {
		clientID, err := dec.ReadVarUint()
		if err != nil {
			return ch, fmt.Errorf("awareness client id: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return ch, fmt.Errorf("awareness clock: %w", err)
		}
		stateJSON, err := dec.ReadVarBytes()
		if err != nil {
			return ch, fmt.Errorf("awareness state: %w", err)
		}
		id := uint32(clientID)
		removed := bytes.Equal(stateJSON, nullState) || len(stateJSON) == 0

		prev, known := a.entries[id]
		if known {
			if clock < prev.clock {
				continue
			}
			// Equal clocks only override with a removal.
			if clock == prev.clock && !removed {
				prev.lastSeen = now
				continue
			}
		}

		if removed {
			if known && prev.state != nil {
				ch.Removed = append(ch.Removed, id)
			}
			a.entries[id] = &entry{clock: clock, lastSeen: now}
			continue
		}

		state := append([]byte(nil), stateJSON...)
		switch {
		case !known || prev.state == nil:
			ch.Added = append(ch.Added, id)
		default:
			ch.Updated = append(ch.Updated, id)
		}
		a.entries[id] = &entry{clock: clock, state: state, lastSeen: now}
	}
	return ch, nil
}

// EncodeUpdate serializes the current clock and state of the given client
// ids, whether live or removed. Unknown ids are skipped.
func (a *Awareness) EncodeUpdate(ids []uint32) []byte {
	enc := protocol.NewEncoder()
	present := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if _, ok := a.entries[id]; ok {
			present = append(present, id)
		}
	}
	enc.WriteVarUint(uint64(len(present)))
	for _, id := range present {
		e := a.entries[id]
		enc.WriteVarUint(uint64(id))
		enc.WriteVarUint(e.clock)
		if e.state == nil {
			enc.WriteVarBytes(nullState)
		} else {
			enc.WriteVarBytes(e.state)
		}
	}
	return enc.Bytes()
}

// EncodeAll serializes every live entry, the snapshot a newly attached
// session receives. Returns nil when there is nothing to announce.
func (a *Awareness) EncodeAll() []byte {
	live := make([]uint32, 0, len(a.entries))
	for id, e := range a.entries {
		if e.state != nil {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return a.EncodeUpdate(live)
}

// RemoveStates drops the given client ids, bumping each clock so peers accept
// the removal, and returns the delta to broadcast. Ids without live state are
// ignored; nil is returned when nothing changed.
func (a *Awareness) RemoveStates(ids []uint32) []byte {
	now := a.now()
	removed := make([]uint32, 0, len(ids))
	for _, id := range ids {
		e, ok := a.entries[id]
		if !ok || e.state == nil {
			continue
		}
		e.clock++
		e.state = nil
		e.lastSeen = now
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil
	}
	return a.EncodeUpdate(removed)
}

// Prune removes every live entry not refreshed within timeout and returns the
// removal delta, or nil when all entries are fresh. Long-removed tombstones
// are dropped entirely so the map does not grow without bound.
func (a *Awareness) Prune(timeout time.Duration) []byte {
	now := a.now()
	var stale []uint32
	for id, e := range a.entries {
		if now.Sub(e.lastSeen) < timeout {
			continue
		}
		if e.state != nil {
			stale = append(stale, id)
		} else {
			delete(a.entries, id)
		}
	}
	return a.RemoveStates(stale)
}
