package protocol

import (
	"errors"
	"fmt"
)

// Top-level message types. Every WebSocket message starts with one of these
// as a varint, followed by a type-specific body.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// Sub-types of MessageSync.
const (
	MessageSyncStep1  uint64 = 0 // body: sender's state vector as varBytes
	MessageSyncStep2  uint64 = 1 // body: update as varBytes, reply to step 1
	MessageSyncUpdate uint64 = 2 // body: incremental update as varBytes
)

// ErrUnknownMessage marks a top-level message type this hub does not speak.
// Callers drop the frame and keep the session alive.
var ErrUnknownMessage = errors.New("protocol: unknown message type")

// ErrUnknownSyncType marks an unrecognized MessageSync sub-type.
var ErrUnknownSyncType = errors.New("protocol: unknown sync sub-type")

// Frame is one decoded WebSocket message.
type Frame struct {
	Type     uint64 // MessageSync or MessageAwareness
	SyncType uint64 // set when Type == MessageSync
	Payload  []byte // the varBytes body: state vector, update, or awareness delta
}

// DecodeFrame parses a binary WebSocket message into a Frame. It returns
// ErrUnknownMessage / ErrUnknownSyncType for forward-compatible drops and a
// decode error when the frame is truncated or malformed.
func DecodeFrame(data []byte) (Frame, error) {
	dec := NewDecoder(data)

	typ, err := dec.ReadVarUint()
	if err != nil {
		return Frame{}, fmt.Errorf("message type: %w", err)
	}

	switch typ {
	case MessageSync:
		sub, err := dec.ReadVarUint()
		if err != nil {
			return Frame{}, fmt.Errorf("sync sub-type: %w", err)
		}
		if sub > MessageSyncUpdate {
			return Frame{Type: typ, SyncType: sub}, ErrUnknownSyncType
		}
		payload, err := dec.ReadVarBytes()
		if err != nil {
			return Frame{}, fmt.Errorf("sync payload: %w", err)
		}
		return Frame{Type: typ, SyncType: sub, Payload: payload}, nil

	case MessageAwareness:
		payload, err := dec.ReadVarBytes()
		if err != nil {
			return Frame{}, fmt.Errorf("awareness payload: %w", err)
		}
		return Frame{Type: typ, Payload: payload}, nil

	default:
		return Frame{Type: typ}, ErrUnknownMessage
	}
}

// EncodeSyncStep1 frames a state vector as the opening half of the handshake.
func EncodeSyncStep1(stateVector []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(MessageSyncStep1)
	enc.WriteVarBytes(stateVector)
	return enc.Bytes()
}

// EncodeSyncStep2 frames a diff update replying to a step 1.
func EncodeSyncStep2(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(MessageSyncStep2)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeSyncUpdate frames an incremental update for broadcast.
func EncodeSyncUpdate(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageSync)
	enc.WriteVarUint(MessageSyncUpdate)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// EncodeAwareness frames an awareness delta.
func EncodeAwareness(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(MessageAwareness)
	enc.WriteVarBytes(update)
	return enc.Bytes()
}
