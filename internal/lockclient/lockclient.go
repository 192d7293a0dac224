// Package lockclient implements the caching lock client: a per-lock
// state machine that keeps released locks cached locally, plus the
// revoke/retry callback handlers the lock server drives against it.
package lockclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/internal/lockproto"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// retryResendInterval bounds how long a parked acquirer waits for a
// retry callback before re-sending its acquire anyway.
const retryResendInterval = 250 * time.Millisecond

// state is the client-side per-lock state machine.
type state int

const (
	stateNone state = iota
	stateFree
	stateLocked
	stateAcquiring
	stateReleasing
)

// ReleaseHook is invoked immediately before this client sends a RELEASE
// rpc for a lock it previously handed to the caller via Acquire,
// regardless of which code path triggered the release (explicit Release
// call, a server revoke, or the deferred release worker). dorelease
// below is the single chokepoint for every release send, so the hook
// always gets to flush derived state while the lock is still owned.
type ReleaseHook func(lid uint64)

type lockEntry struct {
	mu       sync.Mutex
	st       state
	revoked  bool // server asked us to give it back
	waitersC chan struct{}
}

func newLockEntry() *lockEntry {
	return &lockEntry{st: stateNone}
}

// Client is the caching lock client. One Client per application
// process; Acquire/Release are safe for concurrent use
// across goroutines contending for distinct or shared locks.
type Client struct {
	logger    zerolog.Logger
	rpcc      *rpc.Client
	selfID    string
	onRelease ReleaseHook

	mu    sync.Mutex
	locks map[uint64]*lockEntry

	xidCounter atomic.Uint32

	releaseJobs chan releaseJob
	closeOnce   sync.Once
	closed      chan struct{}
}

type releaseJob struct {
	lid uint64
}

// NewClient wires a caching lock client on top of an already-bound
// rpc.Client talking to one lock server (or, once internal/rsm is in
// front of it, to the replicated service's current primary). selfID is
// this client's own dialable listen address: it is sent with every
// acquire/release as lockproto.AcquireArgs.CallbackAddr, and is the
// address the lock server dials back for revoke/retry. A process that
// never registers an rpc.Server to receive those callbacks (e.g.
// cmd/lockctl) should pass an empty selfID rather than an address
// nothing is listening on.
func NewClient(logger zerolog.Logger, rpcc *rpc.Client, selfID string, onRelease ReleaseHook) *Client {
	c := &Client{
		logger:      logger,
		rpcc:        rpcc,
		selfID:      selfID,
		onRelease:   onRelease,
		locks:       make(map[uint64]*lockEntry),
		releaseJobs: make(chan releaseJob, 1024),
		closed:      make(chan struct{}),
	}
	go c.runReleaser()
	return c
}

// RegisterHandlers binds the revoke/retry callback targets onto an
// rpc.Server the caller has listening at this Client's own selfID
// address, so the lock server's callbacks in fact reach somewhere. A
// caller that passed an empty selfID to NewClient has nothing to
// register here and should skip calling this.
func (c *Client) RegisterHandlers(s *rpc.Server) {
	s.Register(wire.ProcRevoke, c.HandleRevoke)
	s.Register(wire.ProcRetry, c.HandleRetry)
}

func (c *Client) entryFor(lid uint64) *lockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.locks[lid]
	if !ok {
		e = newLockEntry()
		c.locks[lid] = e
	}
	return e
}

func (c *Client) nextXid() uint32 { return c.xidCounter.Add(1) }

// Acquire blocks until the lock is held locally, retrying the server
// RPC every time it returns RETRY. A cache hit — the
// lock is already FREE locally from a prior Release that the server
// has not yet revoked — returns immediately without an RPC.
func (c *Client) Acquire(ctx context.Context, lid uint64) error {
	e := c.entryFor(lid)
	for {
		e.mu.Lock()
		switch e.st {
		case stateFree:
			e.st = stateLocked
			e.revoked = false
			e.mu.Unlock()
			return nil
		case stateLocked, stateAcquiring, stateReleasing:
			// Another caller in this process already owns or is
			// negotiating for it; wait and retry rather than double
			// acquire, since this is a single-process cache.
			waitC := e.waitersC
			if waitC == nil {
				waitC = make(chan struct{})
				e.waitersC = waitC
			}
			e.mu.Unlock()
			select {
			case <-waitC:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default: // stateNone
			e.st = stateAcquiring
			e.mu.Unlock()
			return c.runAcquire(ctx, e, lid)
		}
	}
}

// runAcquire is the sole resender for a lock in ACQUIRING: the caller
// that moved the entry from NONE owns the state until the server grants
// (LOCKED) or a genuine failure hands it back to NONE. A RETRY reply
// leaves the state as ACQUIRING while this goroutine parks for the
// server's retry callback, so a concurrent Acquire in the same process
// lands on the wait queue instead of issuing a second in-flight RPC for
// the same lock.
func (c *Client) runAcquire(ctx context.Context, e *lockEntry, lid uint64) error {
	for {
		status, err := c.callAcquire(ctx, lid, c.nextXid())

		e.mu.Lock()
		if err != nil {
			e.st = stateNone
			c.wakeWaiters(e)
			e.mu.Unlock()
			return err
		}
		switch status {
		case lockproto.OK:
			e.st = stateLocked
			e.revoked = false
			e.mu.Unlock()
			return nil
		case lockproto.RETRY:
			waitC := e.waitersC
			if waitC == nil {
				waitC = make(chan struct{})
				e.waitersC = waitC
			}
			e.mu.Unlock()
			// Park until the server's retry callback wakes us, with a
			// fallback timer in case the callback is lost (or this
			// client has no callback listener at all).
			select {
			case <-waitC:
			case <-time.After(retryResendInterval):
			case <-ctx.Done():
				e.mu.Lock()
				e.st = stateNone
				c.wakeWaiters(e)
				e.mu.Unlock()
				return ctx.Err()
			}
		default:
			e.st = stateNone
			c.wakeWaiters(e)
			e.mu.Unlock()
			return lockStatusError(status)
		}
	}
}

// Release hands the lock back to the caching layer. If no other
// contention has been signalled it stays cached locally as FREE; if the
// server had already asked for it back (revoked), Release flushes it
// immediately via dorelease.
func (c *Client) Release(lid uint64) error {
	e := c.entryFor(lid)
	e.mu.Lock()
	if e.st != stateLocked {
		e.mu.Unlock()
		return errors.New("lockclient: release of a lock not held")
	}
	if !e.revoked {
		e.st = stateFree
		c.wakeWaiters(e)
		e.mu.Unlock()
		return nil
	}
	e.st = stateReleasing
	e.mu.Unlock()

	return c.dorelease(context.Background(), lid)
}

// dorelease is the single chokepoint every RELEASE rpc send passes
// through — explicit Release, the revoke callback, and the release
// worker queue all call it. The onRelease hook runs before the RPC so
// derived state (write-back blocks, dirty caches) is flushed while this
// client still owns the lock, never after the server has already
// granted it elsewhere. Each release carries its own fresh lock-op xid;
// reusing the acquire's would read as a stale duplicate to the server's
// dedup gate.
func (c *Client) dorelease(ctx context.Context, lid uint64) error {
	if c.onRelease != nil {
		c.onRelease(lid)
	}
	status, err := c.callRelease(ctx, lid, c.nextXid())
	e := c.entryFor(lid)
	e.mu.Lock()
	e.st = stateNone
	e.revoked = false
	c.wakeWaiters(e)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if status != lockproto.OK && status != lockproto.IOERR {
		return lockStatusError(status)
	}
	return nil
}

func (c *Client) wakeWaiters(e *lockEntry) {
	if e.waitersC != nil {
		close(e.waitersC)
		e.waitersC = nil
	}
}

func (c *Client) callAcquire(ctx context.Context, lid uint64, xid uint32) (int32, error) {
	args := lockproto.AcquireArgs{Lid: lid, Xid: xid, CallbackAddr: c.selfID}
	_, status, err := c.rpcc.Call(ctx, wire.ProcLockAcquire, args.Encode)
	return status, err
}

func (c *Client) callRelease(ctx context.Context, lid uint64, xid uint32) (int32, error) {
	args := lockproto.ReleaseArgs{Lid: lid, Xid: xid, CallbackAddr: c.selfID}
	_, status, err := c.rpcc.Call(ctx, wire.ProcLockRelease, args.Encode)
	return status, err
}

// HandleRevoke implements the revoke callback target (proc 0x8001):
// the server wants this lock back. If it is currently idle (cached
// FREE) in this process, release it right away; otherwise mark it
// revoked so the holder's own Release call flushes it immediately
// instead of re-caching it.
func (c *Client) HandleRevoke(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := lockproto.DecodeCallbackArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	entry := c.entryFor(args.Lid)
	entry.mu.Lock()
	switch entry.st {
	case stateFree:
		entry.st = stateReleasing
		entry.mu.Unlock()
		c.enqueueRelease(args.Lid)
	case stateLocked:
		entry.revoked = true
		entry.mu.Unlock()
	default:
		entry.mu.Unlock()
	}
	return lockproto.OK
}

// HandleRetry implements the retry callback target (proc 0x8002): the
// lock may be grantable now, so wake anyone in this process blocked in
// Acquire waiting on it.
func (c *Client) HandleRetry(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := lockproto.DecodeCallbackArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	entry := c.entryFor(args.Lid)
	entry.mu.Lock()
	c.wakeWaiters(entry)
	entry.mu.Unlock()
	return lockproto.OK
}

func (c *Client) enqueueRelease(lid uint64) {
	select {
	case c.releaseJobs <- releaseJob{lid: lid}:
	default:
		c.logger.Warn().Uint64("lid", lid).Msg("lockclient: release queue full, dropping")
	}
}

// runReleaser drains deferred releases (locks revoked while cached FREE
// with nobody actively holding them) asynchronously, so a revoke
// callback never blocks on an outbound RPC.
func (c *Client) runReleaser() {
	for {
		select {
		case job := <-c.releaseJobs:
			if err := c.dorelease(context.Background(), job.lid); err != nil {
				c.logger.Debug().Err(err).Uint64("lid", job.lid).Msg("lockclient: deferred release failed")
			}
		case <-c.closed:
			return
		}
	}
}

// Close stops the background releaser. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func lockStatusError(status int32) error {
	switch status {
	case lockproto.NOENT:
		return errors.New("lockclient: no such lock")
	case lockproto.IOERR:
		return errors.New("lockclient: io error")
	case lockproto.RPCERR:
		return errors.New("lockclient: rpc error")
	default:
		return errors.New("lockclient: unexpected status")
	}
}
