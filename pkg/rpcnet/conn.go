// Package rpcnet is the stream connection layer underneath the RPC
// client and server: one bidirectional stream per Conn, reference-
// counted lifetime, sticky death, FIFO sends, and an optional lossy
// mode for partition testing.
//
// Classic single-process RPC runtimes run one shared poll thread that
// watches every socket for readability with select/epoll and upcalls a
// dispatcher when a full packet has drained. Go's net package already
// multiplexes blocked-on-Read goroutines onto a small, shared set of OS
// threads via the runtime netpoller, so the idiomatic rendition is one
// reader goroutine per Conn rather than a hand-rolled epoll loop; see
// DESIGN.md. The poll manager becomes an explicitly owned Manager
// (manager.go) that creates, tracks and reference-counts every Conn.
package rpcnet

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/pkg/wire"
)

// ErrConnDead is returned by Send when the connection has already been
// marked dead (socket error observed, either by this goroutine or the
// reader goroutine).
var ErrConnDead = errors.New("rpcnet: connection is dead")

// Handler receives fully-decoded packets and close notifications for a
// Conn it does not own. RPC client and RPC server dispatcher both
// implement it.
type Handler interface {
	OnPacket(c *Conn, payload []byte)
	OnClose(c *Conn)
}

// Conn wraps one net.Conn with a reference-counted, sticky-death
// lifetime: death is observed once, the
// connection is unregistered, and deletion of the underlying socket is
// deferred until refcount reaches zero.
type Conn struct {
	nc     net.Conn
	owner  Handler
	logger zerolog.Logger

	sendMu sync.Mutex // serializes Send callers FIFO

	dead    atomic.Bool
	refs    atomic.Int32
	closeCh chan struct{}
	once    sync.Once

	// LossyPercent, if > 0, causes Send to shut the socket down instead
	// of writing, with that percent probability — simulates a partition
	// mid-call the way RPC_LOSSY does for the client-visible retransmit
	// path.
	LossyPercent int
}

// NewConn wraps an already-dialed/accepted net.Conn and starts its
// reader goroutine. refs starts at 1 for the caller's own reference.
func NewConn(nc net.Conn, owner Handler, logger zerolog.Logger) *Conn {
	c := &Conn{
		nc:      nc,
		owner:   owner,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
	c.refs.Store(1)
	go c.readLoop()
	return c
}

// Incref adds a reference. Callers that hand a *Conn to another
// goroutine (a worker job, an outstanding RPC call) must incref before
// handing it off and Decref when done.
func (c *Conn) Incref() { c.refs.Add(1) }

// Decref releases a reference. When the count reaches zero the
// underlying socket is closed for good.
func (c *Conn) Decref() {
	if c.refs.Add(-1) == 0 {
		c.nc.Close()
	}
}

// IsDead reports whether a socket error has been observed on this
// connection. Once true it never becomes false again — death is sticky.
func (c *Conn) IsDead() bool { return c.dead.Load() }

func (c *Conn) markDead() {
	if c.dead.CompareAndSwap(false, true) {
		c.once.Do(func() { close(c.closeCh) })
		c.owner.OnClose(c)
	}
}

// RemoteAddr returns the underlying net.Conn's remote address string,
// used as the client/destination address key throughout the RPC and
// lock layers.
func (c *Conn) RemoteAddr() string {
	if c.nc == nil {
		return ""
	}
	return c.nc.RemoteAddr().String()
}

// readLoop is this Conn's private "poll thread": it blocks in Read,
// drains exactly one complete frame at a time, and upcalls the owner
// with the decoded payload. A short read is not a protocol error — it
// simply means the next frame hasn't fully arrived, which io.ReadFull
// handles by blocking rather than returning early.
func (c *Conn) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
			c.markDead()
			return
		}
		total := be32(lenBuf[:])
		if total < 4 || int(total) > wire.MaxFrameSize {
			c.logger.Warn().Uint32("declared_len", total).Msg("rpcnet: frame exceeds maximum size, aborting connection")
			c.markDead()
			return
		}
		payload := make([]byte, total-4)
		if _, err := io.ReadFull(c.nc, payload); err != nil {
			c.markDead()
			return
		}
		c.owner.OnPacket(c, payload)
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Send synchronously flushes payload (already framed by wire.Frame) to
// the peer. At most one Send is in flight per connection; additional
// callers block on sendMu in arrival order. Returns ErrConnDead if the
// connection is already dead or dies mid-write.
func (c *Conn) Send(framed []byte) error {
	if c.IsDead() {
		return ErrConnDead
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.IsDead() {
		return ErrConnDead
	}

	if c.LossyPercent > 0 && rand.Intn(100) < c.LossyPercent {
		c.nc.Close()
		c.markDead()
		return ErrConnDead
	}

	if _, err := c.nc.Write(framed); err != nil {
		c.markDead()
		return ErrConnDead
	}
	return nil
}

// Done returns a channel closed exactly once, when the connection is
// marked dead. Callers waiting on a reply can select on it to notice
// connection death without polling IsDead.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }
