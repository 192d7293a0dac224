// Package lockserver implements the caching lock server: per-lock
// authority granting/revoking/retrying, with per-client xid dedup so a
// replicated backup replays the exact same decisions a primary already
// made.
package lockserver

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/toniq-labs/lockd/internal/lockproto"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// rpcCallbackTimeout bounds one revoke/retry notification; the client
// is expected to be reachable quickly, and a hung callback must not
// stall the dispatcher goroutine indefinitely.
const rpcCallbackTimeout = 5 * time.Second

// opCache remembers the highest xid of one operation type this client
// has issued against one lock, and that xid's cached status.
type opCache struct {
	xid    uint32
	status int32
	valid  bool
}

type clientRecord struct {
	highestXid uint32
	acquire    opCache
	release    opCache
}

// entry is one lock's full state.
type entry struct {
	mu        sync.Mutex
	state     lockproto.LockState
	owner     string
	waitOrder []string        // FIFO arrival order, for fair wake-up
	waitSet   map[string]bool // membership mirror of waitOrder
	clients   map[string]*clientRecord
}

func newEntry() *entry {
	return &entry{
		state:   lockproto.Free,
		waitSet: make(map[string]bool),
		clients: make(map[string]*clientRecord),
	}
}

func (e *entry) clientFor(addr string) *clientRecord {
	c, ok := e.clients[addr]
	if !ok {
		c = &clientRecord{}
		e.clients[addr] = c
	}
	return c
}

func (e *entry) addWaiter(addr string) {
	if e.waitSet[addr] {
		return
	}
	e.waitSet[addr] = true
	e.waitOrder = append(e.waitOrder, addr)
}

func (e *entry) popWaiter() (string, bool) {
	if len(e.waitOrder) == 0 {
		return "", false
	}
	addr := e.waitOrder[0]
	e.waitOrder = e.waitOrder[1:]
	delete(e.waitSet, addr)
	return addr, true
}

func (e *entry) removeWaiter(addr string) {
	if !e.waitSet[addr] {
		return
	}
	delete(e.waitSet, addr)
	for i, a := range e.waitOrder {
		if a == addr {
			e.waitOrder = append(e.waitOrder[:i], e.waitOrder[i+1:]...)
			break
		}
	}
}

type opKind int

const (
	opAcquire opKind = iota
	opRelease
)

// Server is the caching lock server. It owns no RPC transport
// directly; internal/lockservice adapts Acquire/Release/Stat into
// rpc.Server procedure handlers underneath internal/rsm, so calls only
// reach it once the RSM has sequenced and replicated them.
type Server struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	locks map[uint64]*entry

	revokeQueue chan revokeJob
	retryQueue  chan retryJob

	outboundMu sync.Mutex
	outbound   map[string]*rpc.Client
	mgr        *rpcnet.Manager
	limiter    *rate.Limiter

	grants  atomic.Uint64
	revokes atomic.Uint64
	retries atomic.Uint64
}

// Stats reports cumulative grant/revoke/retry counts for internal/
// telemetry's Prometheus gauges.
func (s *Server) Stats() (grants, revokes, retries uint64) {
	return s.grants.Load(), s.revokes.Load(), s.retries.Load()
}

type revokeJob struct {
	lid  uint64
	addr string
}

type retryJob struct {
	lid  uint64
	addr string
}

// NewServer creates a lock server with its two background dispatch
// workers (revoke, retry) already running. callbackRate bounds outbound
// revoke/retry RPCs per second, guarding against a storm of contention
// on one hot lock.
func NewServer(logger zerolog.Logger, mgr *rpcnet.Manager, callbackRate int) *Server {
	if callbackRate <= 0 {
		callbackRate = 1000
	}
	s := &Server{
		logger:      logger,
		locks:       make(map[uint64]*entry),
		revokeQueue: make(chan revokeJob, 4096),
		retryQueue:  make(chan retryJob, 4096),
		outbound:    make(map[string]*rpc.Client),
		mgr:         mgr,
		limiter:     rate.NewLimiter(rate.Limit(callbackRate), callbackRate*2),
	}
	go s.runRevokeDispatcher()
	go s.runRetryDispatcher()
	return s
}

// identityOf resolves the caller identity to key owner/waiter/dedup
// state by: a registered CallbackAddr always wins, since it is the only
// address the server can dial back for a revoke or retry; a caller with
// none (cmd/lockctl, or a single-shot nonce-0 caller) falls back to the
// connection's own peer address, which is fine for it since it will
// never need to receive a callback.
func identityOf(connAddr, callbackAddr string) string {
	if callbackAddr != "" {
		return callbackAddr
	}
	return connAddr
}

func (s *Server) lockFor(lid uint64) *entry {
	s.mu.RLock()
	e, ok := s.locks[lid]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.locks[lid]; ok {
		return e
	}
	e = newEntry()
	s.locks[lid] = e
	return e
}

// Acquire implements the acquire half of the lock transition table.
// The caller's identity is args.CallbackAddr — the address the server can
// dial back for revoke/retry — not the connection's ephemeral peer
// address, which a NAT'd or reconnecting client would never reuse.
func (s *Server) Acquire(from string, args lockproto.AcquireArgs) int32 {
	from = identityOf(from, args.CallbackAddr)
	e := s.lockFor(args.Lid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := dedupCheck(e, from, opAcquire, args.Xid); ok {
		return cached
	}

	var status int32
	switch e.state {
	case lockproto.Free:
		e.owner = from
		e.state = lockproto.Locked
		status = lockproto.OK
		s.grants.Add(1)

	case lockproto.Locked:
		if e.owner == from {
			status = lockproto.OK // reentrant retransmit of an already-granted acquire
			break
		}
		e.addWaiter(from)
		s.enqueueRevoke(args.Lid, e.owner)
		e.state = lockproto.LockedAndWait
		status = lockproto.RETRY

	case lockproto.LockedAndWait:
		if e.owner == from {
			status = lockproto.OK
			break
		}
		e.addWaiter(from)
		s.enqueueRevoke(args.Lid, e.owner)
		status = lockproto.RETRY

	case lockproto.Retrying:
		if e.waitSet[from] {
			e.removeWaiter(from)
			e.owner = from
			if len(e.waitOrder) > 0 {
				e.state = lockproto.LockedAndWait
				s.enqueueRevoke(args.Lid, from)
			} else {
				e.state = lockproto.Locked
			}
			status = lockproto.OK
			s.grants.Add(1)
		} else {
			e.addWaiter(from)
			status = lockproto.RETRY
		}
	}

	recordResult(e, from, opAcquire, args.Xid, status)
	return status
}

// Release implements the release half of the lock transition table.
func (s *Server) Release(from string, args lockproto.ReleaseArgs) int32 {
	from = identityOf(from, args.CallbackAddr)
	e := s.lockFor(args.Lid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := dedupCheck(e, from, opRelease, args.Xid); ok {
		return cached
	}

	var status int32
	switch {
	case e.state == lockproto.Locked && e.owner == from:
		e.owner = ""
		e.state = lockproto.Free
		status = lockproto.OK

	case e.state == lockproto.LockedAndWait && e.owner == from:
		if len(e.waitOrder) > 0 {
			s.enqueueRetry(args.Lid, e.waitOrder[0])
		}
		e.owner = ""
		e.state = lockproto.Retrying
		status = lockproto.OK

	default:
		// Not the owner of a held lock: release of an unowned lock.
		status = lockproto.IOERR
	}

	recordResult(e, from, opRelease, args.Xid, status)
	return status
}

// Stat reports a lock's current state and owner without taking it.
func (s *Server) Stat(lid uint64) lockproto.StatReply {
	e := s.lockFor(lid)
	e.mu.Lock()
	defer e.mu.Unlock()
	return lockproto.StatReply{State: e.state, Owner: e.owner}
}

// dedupCheck is the per-client xid dedup gate. Must be called with
// e.mu held. Returns (status, true) if this is a
// duplicate that should short-circuit the transition. Lock-op xids
// start at 1 (internal/lockclient's sequence generator), so xid 0 never
// collides with "no cached reply yet".
func dedupCheck(e *entry, from string, kind opKind, xid uint32) (int32, bool) {
	cr := e.clientFor(from)
	if xid > cr.highestXid {
		return 0, false
	}
	var cache *opCache
	if kind == opAcquire {
		cache = &cr.acquire
	} else {
		cache = &cr.release
	}
	if cache.valid && cache.xid == xid {
		return cache.status, true
	}
	return lockproto.IOERR, true
}

// recordResult is the "advance, clear stale release cache, cache the
// reply" half of the dedup rule. Must be called with e.mu held.
func recordResult(e *entry, from string, kind opKind, xid uint32, status int32) {
	cr := e.clientFor(from)
	if xid <= cr.highestXid {
		return // a concurrent duplicate already recorded this one
	}
	if cr.release.valid && cr.release.xid == xid-1 {
		cr.release = opCache{}
	}
	cr.highestXid = xid
	if kind == opAcquire {
		cr.acquire = opCache{xid: xid, status: status, valid: true}
	} else {
		cr.release = opCache{xid: xid, status: status, valid: true}
	}
}

func (s *Server) enqueueRevoke(lid uint64, addr string) {
	select {
	case s.revokeQueue <- revokeJob{lid: lid, addr: addr}:
		s.revokes.Add(1)
	default:
		s.logger.Warn().Uint64("lid", lid).Str("addr", addr).Msg("lockserver: revoke queue full, dropping")
	}
}

func (s *Server) enqueueRetry(lid uint64, addr string) {
	select {
	case s.retryQueue <- retryJob{lid: lid, addr: addr}:
		s.retries.Add(1)
	default:
		s.logger.Warn().Uint64("lid", lid).Str("addr", addr).Msg("lockserver: retry queue full, dropping")
	}
}

func (s *Server) runRevokeDispatcher() {
	for j := range s.revokeQueue {
		_ = s.limiter.Wait(context.Background())
		s.callback(j.addr, wire.ProcRevoke, j.lid)
	}
}

func (s *Server) runRetryDispatcher() {
	for j := range s.retryQueue {
		_ = s.limiter.Wait(context.Background())
		s.callback(j.addr, wire.ProcRetry, j.lid)
	}
}

func (s *Server) callback(addr string, proc uint32, lid uint64) {
	client := s.clientFor(addr)
	ctx, cancel := context.WithTimeout(context.Background(), rpcCallbackTimeout)
	defer cancel()
	args := lockproto.CallbackArgs{Lid: lid}
	_, _, err := client.Call(ctx, proc, args.Encode)
	if err != nil {
		s.logger.Debug().Err(err).Str("addr", addr).Uint64("lid", lid).Uint32("proc", proc).Msg("lockserver: callback failed")
	}
}

func (s *Server) clientFor(addr string) *rpc.Client {
	s.outboundMu.Lock()
	defer s.outboundMu.Unlock()
	if c, ok := s.outbound[addr]; ok {
		return c
	}
	c := rpc.NewClient(s.logger, s.mgr, addr, 0)
	s.outbound[addr] = c
	return c
}

// snapOpCache/snapClient/snapEntry are the exported-field mirrors of
// opCache/clientRecord/entry used only for (de)serializing a bulk
// snapshot — internal/lockservice.StateMachine.Snapshot/Restore's
// backing for internal/rsm's join/state-transfer protocol, so a newly
// joined or recovering backup catches up from one transfer instead of
// replaying every op since the dawn of the lock table.
type snapOpCache struct {
	Xid    uint32 `json:"xid"`
	Status int32  `json:"status"`
	Valid  bool   `json:"valid"`
}

type snapClient struct {
	HighestXid uint32      `json:"highest_xid"`
	Acquire    snapOpCache `json:"acquire"`
	Release    snapOpCache `json:"release"`
}

type snapEntry struct {
	Lid       uint64                `json:"lid"`
	State     lockproto.LockState   `json:"state"`
	Owner     string                `json:"owner"`
	WaitOrder []string              `json:"wait_order"`
	Clients   map[string]snapClient `json:"clients"`
}

// Snapshot marshals every lock's full state — owner, wait order, and
// per-client dedup cache, not just the publicly visible Stat fields —
// so a restored replica can correctly answer a retransmitted acquire/
// release exactly as the snapshotting replica would have.
func (s *Server) Snapshot() []byte {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.locks))
	lids := make([]uint64, 0, len(s.locks))
	for lid, e := range s.locks {
		lids = append(lids, lid)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	doc := make([]snapEntry, 0, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		se := snapEntry{
			Lid:       lids[i],
			State:     e.state,
			Owner:     e.owner,
			WaitOrder: append([]string(nil), e.waitOrder...),
			Clients:   make(map[string]snapClient, len(e.clients)),
		}
		for addr, cr := range e.clients {
			se.Clients[addr] = snapClient{
				HighestXid: cr.highestXid,
				Acquire:    snapOpCache{Xid: cr.acquire.xid, Status: cr.acquire.status, Valid: cr.acquire.valid},
				Release:    snapOpCache{Xid: cr.release.xid, Status: cr.release.status, Valid: cr.release.valid},
			}
		}
		e.mu.Unlock()
		doc = append(doc, se)
	}

	buf, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error().Err(err).Msg("lockserver: snapshot marshal failed")
		return nil
	}
	return buf
}

// Restore replaces every lock's state with what snapshot describes,
// discarding whatever this replica had before — correct for a backup
// catching up after join or recovery, since it has not yet applied any
// op of its own for a lock not already represented in the transfer.
func (s *Server) Restore(snapshot []byte) {
	var doc []snapEntry
	if len(snapshot) == 0 {
		doc = nil
	} else if err := json.Unmarshal(snapshot, &doc); err != nil {
		s.logger.Error().Err(err).Msg("lockserver: snapshot unmarshal failed")
		return
	}

	locks := make(map[uint64]*entry, len(doc))
	for _, se := range doc {
		e := newEntry()
		e.state = se.State
		e.owner = se.Owner
		e.waitOrder = append([]string(nil), se.WaitOrder...)
		for _, addr := range e.waitOrder {
			e.waitSet[addr] = true
		}
		for addr, sc := range se.Clients {
			e.clients[addr] = &clientRecord{
				highestXid: sc.HighestXid,
				acquire:    opCache{xid: sc.Acquire.Xid, status: sc.Acquire.Status, valid: sc.Acquire.Valid},
				release:    opCache{xid: sc.Release.Xid, status: sc.Release.Status, valid: sc.Release.Valid},
			}
		}
		locks[se.Lid] = e
	}

	s.mu.Lock()
	s.locks = locks
	s.mu.Unlock()
}
