package rpc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

const testEcho = 0x7100

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	s := NewServer(logger, 2, 16, 0)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(s.Shutdown)
	return s, s.listener.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	logger := zerolog.Nop()
	mgr := rpcnet.NewManager(logger, 0)
	return NewClient(logger, mgr, addr, RandomNonce())
}

// TestAtMostOnceExecutesHandlerOnce exercises the core at-most-once guarantee:
// a call that gets retransmitted (because the client never sees the
// first reply) must still cause the handler to run exactly once.
func TestAtMostOnceExecutesHandlerOnce(t *testing.T) {
	s, addr := newTestServer(t)
	var calls atomic.Int32
	s.Register(testEcho, func(from string, d *wire.Decoder, e *wire.Encoder) int32 {
		calls.Add(1)
		n, _ := d.Uint32()
		e.PutUint32(n)
		return 0
	})

	c := newTestClient(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, status, err := c.Call(ctx, testEcho, func(e *wire.Encoder) { e.PutUint32(42) })
	require.NoError(t, err)
	require.Equal(t, int32(0), status)
	d := wire.NewDecoder(payload)
	got, err := d.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), got)
	require.EqualValues(t, 1, calls.Load())

	// A second logical call (fresh xid) must execute again.
	_, _, err = c.Call(ctx, testEcho, func(e *wire.Encoder) { e.PutUint32(7) })
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

// TestDuplicateRequestReplaysCache exercises the server's reply-window
// directly: redelivering the exact same request payload must return the
// cached reply without invoking the handler again.
func TestDuplicateRequestReplaysCache(t *testing.T) {
	s, _ := newTestServer(t)
	var calls atomic.Int32
	s.Register(testEcho, func(from string, d *wire.Decoder, e *wire.Encoder) int32 {
		calls.Add(1)
		return 0
	})

	const cltNonce = uint32(555)
	hdr := wire.RequestHeader{Xid: 1, Proc: testEcho, CltNonce: cltNonce, SrvNonce: 0, XidRep: 0}
	e := wire.NewEncoder(wire.RequestHeaderSize)
	hdr.Encode(e)
	payload := e.Bytes()

	d := wire.NewDecoder(payload)
	got, err := wire.DecodeRequestHeader(d)
	require.NoError(t, err)

	s.mu.RLock()
	handler := s.handlers[testEcho]
	s.mu.RUnlock()
	require.NotNil(t, handler)

	window := s.windowFor(cltNonce)
	result, _ := window.Lookup(got.Xid, got.XidRep)
	require.Equal(t, lookupNew, result)
	reply := s.runHandler("test", got, d, handler)
	window.Complete(got.Xid, reply)
	require.EqualValues(t, 1, calls.Load())

	// Same xid delivered again must replay from the window, not re-run.
	result2, cached := window.Lookup(got.Xid, got.XidRep)
	require.Equal(t, lookupDone, result2)
	require.Equal(t, reply, cached)
	require.EqualValues(t, 1, calls.Load())
}

// TestWindowTrimsOnXidRepAdvance exercises the bounded-leak property:
// once a client acknowledges xid N via xid_rep, the window must not
// grow without bound as new xids arrive.
func TestWindowTrimsOnXidRepAdvance(t *testing.T) {
	w := newReplyWindow()
	for xid := uint32(1); xid <= 5; xid++ {
		result, _ := w.Lookup(xid, 0)
		require.Equal(t, lookupNew, result)
		w.Complete(xid, []byte{byte(xid)})
	}
	require.Equal(t, 5, w.Size())

	// Client acknowledges through xid 4; window should retain only xid 5.
	result, _ := w.Lookup(6, 4)
	require.Equal(t, lookupNew, result)
	w.Complete(6, []byte{6})
	require.Equal(t, 2, w.Size()) // xid 5 and xid 6 remain

	// xid 2, now below the floor, must be reported FORGOTTEN rather
	// than silently replayed or re-executed.
	result2, _ := w.Lookup(2, 4)
	require.Equal(t, lookupForgotten, result2)
}

// TestBindCapturesServerNonce exercises the BIND handshake: a client's
// first non-bind call must carry the server's nonce so a restarted
// server with a fresh nonce can be detected via OLDSRV_FAILURE.
func TestBindCapturesServerNonce(t *testing.T) {
	s, addr := newTestServer(t)
	s.Register(testEcho, func(from string, d *wire.Decoder, e *wire.Encoder) int32 { return 0 })

	c := newTestClient(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, status, err := c.Call(ctx, testEcho, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), status)
	require.Equal(t, s.SrvNonce(), c.srvNonce.Load())
}
