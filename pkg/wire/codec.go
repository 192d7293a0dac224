// Package wire implements the length-prefixed, big-endian framing and
// scalar/string codec shared by every RPC request and reply.
package wire

import (
	"encoding/binary"
	"errors"
)

// MaxFrameSize bounds a single packet (length field through end of
// payload). Connections that exceed it are aborted by the caller.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge describes a declared frame length that exceeds
// MaxFrameSize. Decoder never returns it; rpcnet's read loop enforces
// the limit by marking the connection dead.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrShortBuffer is returned when a decode is attempted against a buffer
// that does not yet hold a full field. Callers resume once more bytes
// arrive; it is not a protocol error.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrBadString is returned when a length-prefixed string's declared
// length does not fit in the remaining buffer.
var ErrBadString = errors.New("wire: malformed string field")

// Encoder builds a single packet payload (everything after the 4-byte
// frame length). Zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a pre-sized backing buffer.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) PutUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }

func (e *Encoder) PutUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// PutString writes [len:u32][bytes].
func (e *Encoder) PutString(s string) {
	e.PutUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutBytes writes a raw length-prefixed byte slice, identical wire shape
// to PutString.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Bytes returns the encoded payload built so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Write appends raw already-encoded bytes verbatim (no length prefix),
// used to splice a handler's encoded return values after a ReplyHeader.
func (e *Encoder) Write(b []byte) { e.buf = append(e.buf, b...) }

// Frame prefixes payload with its big-endian u32 length, counting the
// length field itself through the end of payload.
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:], payload)
	return out
}

// Decoder walks a payload buffer extracting scalars/strings in order.
// It never panics on a short buffer; it returns ErrShortBuffer /
// ErrBadString so the caller (always holding an already fully-framed
// packet by the time a Decoder is used) can treat a malformed field as
// UNMARSHAL_ARGS_FAILURE rather than crash the connection.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) Uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Uint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) Bool() (bool, error) {
	if d.remaining() < 1 {
		return false, ErrShortBuffer
	}
	v := d.buf[d.pos] != 0
	d.pos++
	return v, nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if int(n) < 0 || d.remaining() < int(n) {
		return "", ErrBadString
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if int(n) < 0 || d.remaining() < int(n) {
		return nil, ErrBadString
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return b, nil
}

// Done reports whether every byte of the payload has been consumed.
// Callers use it to catch a handler that declared the wrong argument
// shape (protocol violation, §7).
func (d *Decoder) Done() bool { return d.remaining() == 0 }
