package crdt

import (
	"fmt"
	"math"

	"github.com/tensorstudio/collab-hub/internal/v1/protocol"
)

// Update wire layout:
//
//	varUint numClients
//	per client (ascending id):
//	  varUint clientID, varUint startClock, varUint numRuns
//	  per run (clocks contiguous from startClock):
//	    varUint flags (bit0 origin, bit1 rightOrigin)
//	    [varUint originClient, varUint originClock]
//	    [varUint rightOriginClient, varUint rightOriginClock]
//	    varString content
//	varUint numDeleteClients
//	per client (ascending id):
//	  varUint clientID, varUint numRanges
//	  per range (sorted, coalesced): varUint clock, varUint length
//
// Runs are merged into maximal chains before encoding, so any two documents
// holding the same operations serialize to identical bytes regardless of how
// their items were split in memory.
const (
	flagOrigin      = 0x01
	flagRightOrigin = 0x02
)

// wireItem is a run decoded from an update but not yet integrated.
type wireItem struct {
	id          ID
	origin      *ID
	rightOrigin *ID
	content     []rune
}

type wireUpdate struct {
	items   []wireItem
	deletes deleteSet
}

func encodeUpdate(runs map[uint32][]wireItem, deletes deleteSet) []byte {
	enc := protocol.NewEncoder()

	clients := sortedClients(runs)
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		list := runs[c]
		enc.WriteVarUint(uint64(c))
		enc.WriteVarUint(uint64(list[0].id.Clock))
		enc.WriteVarUint(uint64(len(list)))
		for i := range list {
			w := &list[i]
			var flags uint64
			if w.origin != nil {
				flags |= flagOrigin
			}
			if w.rightOrigin != nil {
				flags |= flagRightOrigin
			}
			enc.WriteVarUint(flags)
			if w.origin != nil {
				enc.WriteVarUint(uint64(w.origin.Client))
				enc.WriteVarUint(uint64(w.origin.Clock))
			}
			if w.rightOrigin != nil {
				enc.WriteVarUint(uint64(w.rightOrigin.Client))
				enc.WriteVarUint(uint64(w.rightOrigin.Clock))
			}
			enc.WriteVarString(string(w.content))
		}
	}

	dsClients := make([]uint32, 0, len(deletes))
	for c, ranges := range deletes {
		if len(ranges) > 0 {
			dsClients = append(dsClients, c)
		}
	}
	sortUint32s(dsClients)
	enc.WriteVarUint(uint64(len(dsClients)))
	for _, c := range dsClients {
		ranges := deletes[c]
		enc.WriteVarUint(uint64(c))
		enc.WriteVarUint(uint64(len(ranges)))
		for _, r := range ranges {
			enc.WriteVarUint(uint64(r.Clock))
			enc.WriteVarUint(uint64(r.Length))
		}
	}
	return enc.Bytes()
}

func decodeUpdate(data []byte) (*wireUpdate, error) {
	dec := protocol.NewDecoder(data)
	up := &wireUpdate{deletes: deleteSet{}}

	numClients, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("client count: %w", err)
	}
	for i := uint64(0); i < numClients; i++ {
		client, err := readUint32(dec, "client id")
		if err != nil {
			return nil, err
		}
		clock, err := readUint32(dec, "start clock")
		if err != nil {
			return nil, err
		}
		numRuns, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("run count: %w", err)
		}
		for j := uint64(0); j < numRuns; j++ {
			flags, err := dec.ReadVarUint()
			if err != nil {
				return nil, fmt.Errorf("run flags: %w", err)
			}
			w := wireItem{id: ID{Client: client, Clock: clock}}
			if flags&flagOrigin != 0 {
				oc, err := readUint32(dec, "origin client")
				if err != nil {
					return nil, err
				}
				ok, err := readUint32(dec, "origin clock")
				if err != nil {
					return nil, err
				}
				w.origin = &ID{Client: oc, Clock: ok}
			}
			if flags&flagRightOrigin != 0 {
				rc, err := readUint32(dec, "right origin client")
				if err != nil {
					return nil, err
				}
				rk, err := readUint32(dec, "right origin clock")
				if err != nil {
					return nil, err
				}
				w.rightOrigin = &ID{Client: rc, Clock: rk}
			}
			s, err := dec.ReadVarString()
			if err != nil {
				return nil, fmt.Errorf("run content: %w", err)
			}
			if s == "" {
				return nil, fmt.Errorf("run %d of client %d is empty", j, client)
			}
			w.content = []rune(s)
			clock += uint32(len(w.content))
			up.items = append(up.items, w)
		}
	}

	numDeleteClients, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("delete client count: %w", err)
	}
	for i := uint64(0); i < numDeleteClients; i++ {
		client, err := readUint32(dec, "delete client id")
		if err != nil {
			return nil, err
		}
		numRanges, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("delete range count: %w", err)
		}
		for j := uint64(0); j < numRanges; j++ {
			clock, err := readUint32(dec, "delete clock")
			if err != nil {
				return nil, err
			}
			length, err := readUint32(dec, "delete length")
			if err != nil {
				return nil, err
			}
			if length == 0 {
				return nil, fmt.Errorf("zero-length delete range for client %d", client)
			}
			up.deletes.add(client, clock, length)
		}
	}

	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after update", dec.Remaining())
	}
	return up, nil
}

// StateVector maps each known client to the next clock not yet integrated,
// i.e. the total number of characters seen from that client.
type StateVector map[uint32]uint32

// encodeStateVector serializes sv with clients in ascending order; clients
// at clock zero are omitted.
func encodeStateVector(sv StateVector) []byte {
	clients := make([]uint32, 0, len(sv))
	for c, next := range sv {
		if next > 0 {
			clients = append(clients, c)
		}
	}
	sortUint32s(clients)

	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteVarUint(uint64(c))
		enc.WriteVarUint(uint64(sv[c]))
	}
	return enc.Bytes()
}

// DecodeStateVector parses a state vector, failing closed on truncated or
// malformed input.
func DecodeStateVector(data []byte) (StateVector, error) {
	dec := protocol.NewDecoder(data)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("state vector size: %w", err)
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := readUint32(dec, "state vector client")
		if err != nil {
			return nil, err
		}
		clock, err := readUint32(dec, "state vector clock")
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after state vector", dec.Remaining())
	}
	return sv, nil
}

func readUint32(dec *protocol.Decoder, field string) (uint32, error) {
	v, err := dec.ReadVarUint()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%s: value %d exceeds 32 bits", field, v)
	}
	return uint32(v), nil
}
