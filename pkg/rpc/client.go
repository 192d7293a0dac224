package rpc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// Default retransmission parameters.
const (
	initialTimeout = time.Millisecond
	finalDeadline  = 120 * time.Second
)

// ErrCancelled is returned by Call after Cancel has been invoked, either
// for this specific in-flight call or because the client was cancelled
// while the call was queued.
var ErrCancelled = errors.New("rpc: client cancelled")

type pendingCall struct {
	replyCh chan []byte // decoded reply payload (post ReplyHeader)
	ret     int32
}

// Client is a single-destination at-most-once RPC client with
// exponential-backoff retransmission, bind-time server-nonce capture,
// and a compressed received-xid window for xid_rep acknowledgement.
type Client struct {
	logger zerolog.Logger
	mgr    *rpcnet.Manager
	addr   string

	cltNonce uint32
	srvNonce atomic.Uint32 // 0 until bound
	bound    atomic.Bool
	bindMu   sync.Mutex

	xidCounter atomic.Uint32

	mu      sync.Mutex
	conn    *rpcnet.Conn
	pending map[uint32]*pendingCall

	ackFloor    uint32
	ackReceived map[uint32]bool

	cancelled atomic.Bool

	// lossyReplay, when true, retains the last sent request frame so
	// the next Call prepends it — exercising the server's reply-window
	// lookup against a genuine duplicate.
	lossyReplay    bool
	lastSentFrame  []byte
	lastSentFrameM sync.Mutex

	retransmits atomic.Uint64
}

// Retransmits reports the cumulative count of retransmission attempts
// this client has made, exported for internal/telemetry.
func (c *Client) Retransmits() uint64 { return c.retransmits.Load() }

// NewClient creates a client bound to one destination address. A
// clt_nonce of 0 means "no at-most-once guarantee requested" (single-
// shot client); pass a fresh random nonzero nonce otherwise.
func NewClient(logger zerolog.Logger, mgr *rpcnet.Manager, addr string, cltNonce uint32) *Client {
	c := &Client{
		logger:      logger,
		mgr:         mgr,
		addr:        addr,
		cltNonce:    cltNonce,
		pending:     make(map[uint32]*pendingCall),
		ackReceived: make(map[uint32]bool),
	}
	return c
}

// RandomNonce generates a fresh nonzero client nonce for a new logical
// client identity.
func RandomNonce() uint32 {
	for {
		var b [4]byte
		_, _ = rand.Read(b[:])
		n := binary.BigEndian.Uint32(b[:])
		if n != 0 {
			return n
		}
	}
}

// EnableLossyReplay turns on the one-slot duplicate-request buffer used
// by lossy-transport tests.
func (c *Client) EnableLossyReplay() { c.lossyReplay = true }

func (c *Client) getConn() (*rpcnet.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsDead() {
		return c.conn, nil
	}
	if c.conn != nil {
		c.conn.Decref()
		c.conn = nil
	}
	conn, err := c.mgr.Dial(c.addr, c)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// ensureBound issues the reserved BIND rpc once per destination,
// caching the server's nonce.
func (c *Client) ensureBound(ctx context.Context) error {
	if c.bound.Load() {
		return nil
	}
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.bound.Load() {
		return nil
	}
	nonce, ret, err := c.rawCall(ctx, wire.ProcBind, nil, true)
	if err != nil {
		return err
	}
	if ret < 0 {
		return bindError(ret)
	}
	d := wire.NewDecoder(nonce)
	srvNonce, err := d.Uint32()
	if err != nil {
		return errors.New("rpc: malformed bind reply")
	}
	c.srvNonce.Store(srvNonce)
	c.bound.Store(true)
	return nil
}

func bindError(ret int32) error {
	switch ret {
	case wire.TimeoutFailure:
		return errors.New("rpc: bind timed out")
	default:
		return errors.New("rpc: bind failed")
	}
}

// Call issues proc with args encoded by encodeArgs (nil for no
// arguments) and returns the raw reply payload (after the ReplyHeader)
// plus the application status. A negative status is one of the RPC
// sentinels in pkg/wire (TimeoutFailure, …) rather than an application
// code.
func (c *Client) Call(ctx context.Context, proc uint32, encodeArgs func(*wire.Encoder)) ([]byte, int32, error) {
	if c.cancelled.Load() {
		return nil, wire.CancelFailure, ErrCancelled
	}
	if proc != wire.ProcBind {
		if err := c.ensureBound(ctx); err != nil {
			return nil, wire.BindFailure, err
		}
	}

	var argBuf []byte
	if encodeArgs != nil {
		e := wire.NewEncoder(32)
		encodeArgs(e)
		argBuf = e.Bytes()
	}
	return c.rawCall(ctx, proc, argBuf, proc == wire.ProcBind)
}

// rawCall performs the retransmission loop for one logical call. A
// fresh xid is allocated once and reused across every retransmission
// attempt.
func (c *Client) rawCall(ctx context.Context, proc uint32, argBuf []byte, isBind bool) ([]byte, int32, error) {
	xid := c.xidCounter.Add(1)

	hdr := wire.RequestHeader{
		Xid:      xid,
		Proc:     proc,
		CltNonce: c.cltNonce,
		SrvNonce: c.srvNonce.Load(),
		XidRep:   c.ackFloorValue(),
	}
	e := wire.NewEncoder(wire.RequestHeaderSize + len(argBuf))
	hdr.Encode(e)
	e.Write(argBuf)
	frame := wire.Frame(e.Bytes())

	if c.lossyReplay && !isBind {
		c.lastSentFrameM.Lock()
		prev := c.lastSentFrame
		c.lastSentFrame = frame
		c.lastSentFrameM.Unlock()
		if prev != nil {
			frame = append(append([]byte{}, prev...), frame...)
		}
	}

	pc := &pendingCall{replyCh: make(chan []byte, 1)}
	c.mu.Lock()
	c.pending[xid] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, xid)
		c.mu.Unlock()
	}()

	timeout := initialTimeout
	deadline := time.Now().Add(finalDeadline)

	for {
		conn, err := c.getConn()
		if err != nil {
			return nil, wire.TimeoutFailure, err
		}
		if err := conn.Send(frame); err != nil {
			// Connection died; loop will redial on next getConn call
			// after the retransmit wait below.
		}

		select {
		case payload := <-pc.replyCh:
			if payload == nil {
				return nil, wire.CancelFailure, ErrCancelled
			}
			c.recordAck(xid)
			d := wire.NewDecoder(payload)
			rh, err := wire.DecodeReplyHeader(d)
			if err != nil {
				return nil, wire.UnmarshalReplyFailure, errors.New("rpc: malformed reply header")
			}
			return payload[wire.ReplyHeaderSize:], rh.Ret, nil
		case <-ctx.Done():
			return nil, wire.CancelFailure, ctx.Err()
		case <-time.After(timeout):
			if c.cancelled.Load() {
				return nil, wire.CancelFailure, ErrCancelled
			}
			if time.Now().After(deadline) {
				return nil, wire.TimeoutFailure, errors.New("rpc: call timed out")
			}
			timeout *= 2
			if remaining := time.Until(deadline); timeout > remaining {
				timeout = remaining
			}
			c.retransmits.Add(1)
		}
	}
}

func (c *Client) ackFloorValue() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackFloor
}

// recordAck folds xid into the compressed received-xid window: add it
// to the set, then slide the floor forward while the next xid is
// present, discarding it from the set.
func (c *Client) recordAck(xid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackReceived[xid] = true
	for c.ackReceived[c.ackFloor+1] {
		c.ackFloor++
		delete(c.ackReceived, c.ackFloor)
	}
}

// OnPacket implements rpcnet.Handler: decode the reply header's xid and
// deliver to the matching pending call, if any.
func (c *Client) OnPacket(conn *rpcnet.Conn, payload []byte) {
	d := wire.NewDecoder(payload)
	rh, err := wire.DecodeReplyHeader(d)
	if err != nil {
		return
	}
	c.mu.Lock()
	pc, ok := c.pending[rh.Xid]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.replyCh <- payload:
	default:
	}
}

// OnClose implements rpcnet.Handler: nothing to deliver; pending calls
// notice death on their next retransmit attempt via getConn redialing.
func (c *Client) OnClose(conn *rpcnet.Conn) {}

// Cancel bulk-fails every outstanding caller: each unblocks with
// CancelFailure, and the client refuses new calls until the caller
// builds a fresh Client.
func (c *Client) Cancel() {
	c.cancelled.Store(true)
	c.mu.Lock()
	pending := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		pending = append(pending, pc)
	}
	c.mu.Unlock()
	for _, pc := range pending {
		select {
		case pc.replyCh <- nil:
		default:
		}
	}
}
