// Package protocol implements the binary framing shared by the hub and its
// peers: LEB128-style variable-length unsigned integers, length-prefixed byte
// strings, and the sync/awareness message envelope carried on every
// WebSocket message.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedEOF is returned when a frame ends in the middle of a field.
	ErrUnexpectedEOF = errors.New("protocol: unexpected end of frame")

	// ErrVarintOverflow is returned for a varint that does not terminate
	// within the 64-bit range.
	ErrVarintOverflow = errors.New("protocol: varint overflows 64 bits")
)

// Encoder accumulates a binary frame. The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// WriteVarUint appends v as a little-endian base-128 varint: seven payload
// bits per byte, continuation bit set while more bytes follow.
func (e *Encoder) WriteVarUint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// WriteVarBytes appends the length of b as a varint followed by b itself.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends s as varBytes of its UTF-8 encoding.
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarBytes([]byte(s))
}

// Bytes returns the encoded frame. The returned slice aliases the encoder's
// internal buffer; callers must not write to the encoder afterwards.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len reports the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Decoder consumes a binary frame. All reads fail closed: a truncated or
// malformed field yields an error and the caller is expected to discard the
// whole frame.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf without copying it.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// ReadVarUint decodes the next varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, ErrUnexpectedEOF
		}
		b := d.buf[d.pos]
		d.pos++
		if shift == 63 && b > 1 {
			return 0, ErrVarintOverflow
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

// ReadVarBytes decodes a length-prefixed byte string. The returned slice
// aliases the decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrUnexpectedEOF, n, len(d.buf)-d.pos)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadVarString decodes a varBytes field as a UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}
