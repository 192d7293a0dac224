package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	e := NewEncoder(64)
	e.PutUint32(42)
	e.PutInt32(-7)
	e.PutUint64(1 << 40)
	e.PutBool(true)
	e.PutString("hello")
	e.PutBytes([]byte{1, 2, 3})

	d := NewDecoder(e.Bytes())

	u32, err := d.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), u32)

	i32, err := d.Int32()
	require.NoError(t, err)
	require.Equal(t, int32(-7), i32)

	u64, err := d.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), u64)

	b, err := d.Bool()
	require.NoError(t, err)
	require.True(t, b)

	s, err := d.String()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	raw, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, raw)

	require.True(t, d.Done())
}

func TestShortBufferResumable(t *testing.T) {
	e := NewEncoder(8)
	e.PutUint32(99)
	full := e.Bytes()

	// Decoding a truncated prefix must report ErrShortBuffer, not panic.
	d := NewDecoder(full[:2])
	_, err := d.Uint32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestBadStringLength(t *testing.T) {
	e := NewEncoder(8)
	e.PutUint32(1000) // claims 1000 bytes follow, but none do
	d := NewDecoder(e.Bytes())
	_, err := d.String()
	require.ErrorIs(t, err, ErrBadString)
}

func TestRequestHeaderRoundTrip(t *testing.T) {
	h := RequestHeader{Xid: 1, Proc: ProcLockAcquire, CltNonce: 55, SrvNonce: 77, XidRep: 0}
	e := NewEncoder(RequestHeaderSize)
	h.Encode(e)
	require.Len(t, e.Bytes(), RequestHeaderSize)

	got, err := DecodeRequestHeader(NewDecoder(e.Bytes()))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestReplyHeaderRoundTrip(t *testing.T) {
	h := ReplyHeader{Xid: 9, Ret: -4}
	e := NewEncoder(ReplyHeaderSize)
	h.Encode(e)
	got, err := DecodeReplyHeader(NewDecoder(e.Bytes()))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestFrameLengthCountsLengthFieldThroughPayload(t *testing.T) {
	payload := []byte("abcdef")
	framed := Frame(payload)
	require.Len(t, framed, 4+len(payload))

	d := NewDecoder(framed[:4])
	declared, err := d.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(len(framed)), declared)
}
