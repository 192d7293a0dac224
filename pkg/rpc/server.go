// Package rpc implements the at-most-once RPC client and server,
// layered on top of pkg/rpcnet's connection layer and pkg/wire's codec.
package rpc

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// HandlerFunc decodes args from d, runs the procedure, and encodes the
// return payload (not including the ReplyHeader, which Server prepends)
// into e. It returns the application-level status code that becomes
// ReplyHeader.Ret.
type HandlerFunc func(from string, d *wire.Decoder, e *wire.Encoder) int32

// Server is a listener plus a fixed worker pool dispatching decoded
// requests to registered procedure handlers, with per-client-nonce
// at-most-once bookkeeping.
type Server struct {
	logger   zerolog.Logger
	srvNonce uint32

	mu       sync.RWMutex
	handlers map[uint32]HandlerFunc
	windows  map[uint32]*replyWindow // clt_nonce -> window

	dispatchCount map[uint32]uint64 // RPC_COUNT diagnostic, proc -> count
	dispatchEvery uint64
	dispatchMu    sync.Mutex
	dispatchHook  func(proc uint32)

	listener net.Listener
	mgr      *rpcnet.Manager
	lossy    int

	workerCount int
	jobs        chan job
	wg          sync.WaitGroup
	closed      atomic.Bool
}

type job struct {
	conn    *rpcnet.Conn
	from    string
	payload []byte
}

// NewServer creates a server with the given worker pool size and
// diagnostic dispatch interval (0 disables the RPC_COUNT log line).
func NewServer(logger zerolog.Logger, workerCount, queueDepth int, dispatchEvery uint64) *Server {
	if workerCount <= 0 {
		workerCount = 6
	}
	if queueDepth <= 0 {
		queueDepth = workerCount * 100
	}
	s := &Server{
		logger:        logger,
		srvNonce:      freshNonce(),
		handlers:      make(map[uint32]HandlerFunc),
		windows:       make(map[uint32]*replyWindow),
		dispatchCount: make(map[uint32]uint64),
		dispatchEvery: dispatchEvery,
		jobs:          make(chan job, queueDepth),
		workerCount:   workerCount,
	}
	s.mgr = rpcnet.NewManager(logger, 0)
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func freshNonce() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	n := binary.BigEndian.Uint32(b[:])
	if n == 0 {
		n = 1
	}
	return n
}

// SrvNonce returns this server incarnation's nonce, surfaced to clients
// via bind.
func (s *Server) SrvNonce() uint32 { return s.srvNonce }

// Addr reports the listener's bound address, useful when Listen was
// called with a ":0" wildcard port (tests, ephemeral local instances).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Register binds a procedure number to a handler. Not safe to call
// concurrently with Listen/Serve traffic; call during setup only.
func (s *Server) Register(proc uint32, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[proc] = h
}

// SetLossy configures RPC_LOSSY drop-on-send probability for every
// connection this server accepts from here on.
func (s *Server) SetLossy(percent int) {
	s.lossy = percent
}

// SetDispatchHook registers fn to be called, synchronously on the
// worker goroutine, with the procedure number of every request this
// server dispatches to a handler. internal/telemetry uses this to feed
// its per-proc counter without pkg/rpc importing an internal package.
func (s *Server) SetDispatchHook(fn func(proc uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchHook = fn
}

// Listen starts accepting connections on addr. One listener goroutine
// per server.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := rpcnet.NewConn(nc, s, s.logger)
		c.LossyPercent = s.lossy
		s.mgr.Adopt(nc.RemoteAddr().String(), c)
	}
}

// OnPacket implements rpcnet.Handler: enqueue the raw payload as a
// dispatch job. Decoding happens in the worker, not here, so
// the accept/read path never blocks on handler execution.
func (s *Server) OnPacket(c *rpcnet.Conn, payload []byte) {
	if s.closed.Load() {
		return
	}
	s.jobs <- job{conn: c, from: c.RemoteAddr(), payload: payload}
}

// OnClose implements rpcnet.Handler: drop the accepted connection from
// the manager so its refcount can reach zero and the socket closes.
func (s *Server) OnClose(c *rpcnet.Conn) {
	s.mgr.Forget(c.RemoteAddr())
}

func (s *Server) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		if j.conn == nil {
			return // poison pill, see Shutdown
		}
		s.dispatch(j)
	}
}

func (s *Server) dispatch(j job) {
	d := wire.NewDecoder(j.payload)
	hdr, err := wire.DecodeRequestHeader(d)
	if err != nil {
		return // malformed header: nothing we can even xid-ack
	}
	s.bumpDispatchCount(hdr.Proc)
	s.mu.RLock()
	hook := s.dispatchHook
	s.mu.RUnlock()
	if hook != nil {
		hook(hdr.Proc)
	}

	if hdr.Proc == wire.ProcBind {
		s.replyBind(j.conn, hdr)
		return
	}

	if hdr.SrvNonce != 0 && hdr.SrvNonce != s.srvNonce {
		s.sendReply(j.conn, wire.ReplyHeader{Xid: hdr.Xid, Ret: wire.OldSrvFailure}, nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[hdr.Proc]
	s.mu.RUnlock()
	if !ok {
		s.sendReply(j.conn, wire.ReplyHeader{Xid: hdr.Xid, Ret: wire.UnmarshalArgsFailure}, nil)
		return
	}

	if hdr.CltNonce == 0 {
		// Nonce 0: no at-most-once guarantee requested, single-shot
		// clients execute every call.
		s.execute(j.conn, j.from, hdr, d, handler)
		return
	}

	window := s.windowFor(hdr.CltNonce)
	result, cached := window.Lookup(hdr.Xid, hdr.XidRep)
	switch result {
	case lookupDone:
		s.sendRaw(j.conn, cached)
	case lookupInProgress:
		// Drop silently; the client will retransmit.
	case lookupForgotten:
		s.sendReply(j.conn, wire.ReplyHeader{Xid: hdr.Xid, Ret: wire.AtMostOnceFailure}, nil)
	case lookupNew:
		reply := s.runHandler(j.from, hdr, d, handler)
		window.Complete(hdr.Xid, reply)
		s.sendRaw(j.conn, reply)
	}
}

func (s *Server) execute(c *rpcnet.Conn, from string, hdr wire.RequestHeader, d *wire.Decoder, handler HandlerFunc) {
	reply := s.runHandler(from, hdr, d, handler)
	s.sendRaw(c, reply)
}

func (s *Server) runHandler(from string, hdr wire.RequestHeader, d *wire.Decoder, handler HandlerFunc) []byte {
	e := wire.NewEncoder(64)
	ret := handler(from, d, e)
	rh := wire.ReplyHeader{Xid: hdr.Xid, Ret: ret}
	out := wire.NewEncoder(8 + len(e.Bytes()))
	rh.Encode(out)
	out.Write(e.Bytes())
	return out.Bytes()
}

func (s *Server) windowFor(cltNonce uint32) *replyWindow {
	s.mu.RLock()
	w, ok := s.windows[cltNonce]
	s.mu.RUnlock()
	if ok {
		return w
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[cltNonce]; ok {
		return w
	}
	w = newReplyWindow()
	s.windows[cltNonce] = w
	return w
}

func (s *Server) replyBind(c *rpcnet.Conn, hdr wire.RequestHeader) {
	e := wire.NewEncoder(4)
	e.PutUint32(s.srvNonce)
	rh := wire.ReplyHeader{Xid: hdr.Xid, Ret: 0}
	out := wire.NewEncoder(8 + 4)
	rh.Encode(out)
	out.Write(e.Bytes())
	s.sendRaw(c, out.Bytes())
}

func (s *Server) sendReply(c *rpcnet.Conn, hdr wire.ReplyHeader, payload []byte) {
	e := wire.NewEncoder(8 + len(payload))
	hdr.Encode(e)
	e.Write(payload)
	s.sendRaw(c, e.Bytes())
}

func (s *Server) sendRaw(c *rpcnet.Conn, payload []byte) {
	_ = c.Send(wire.Frame(payload))
}

func (s *Server) bumpDispatchCount(proc uint32) {
	if s.dispatchEvery == 0 {
		return
	}
	s.dispatchMu.Lock()
	s.dispatchCount[proc]++
	n := s.dispatchCount[proc]
	s.dispatchMu.Unlock()
	if n%s.dispatchEvery == 0 {
		s.logger.Info().Uint32("proc", proc).Uint64("dispatched", n).Msg("rpc: periodic dispatch count")
	}
}

// ConnCount reports the number of connections this server's manager
// currently tracks, exported for internal/telemetry's connection gauge.
func (s *Server) ConnCount() int { return s.mgr.Count() }

// WindowSizeTotal sums the live reply-window entry count across every
// client nonce this server has ever seen, for the reply-window-size
// gauge (per-nonce WindowSize is for targeted test assertions).
func (s *Server) WindowSizeTotal() int {
	s.mu.RLock()
	windows := make([]*replyWindow, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.RUnlock()
	total := 0
	for _, w := range windows {
		total += w.Size()
	}
	return total
}

// WindowSize reports the live reply-window entry count for a client
// nonce, or 0 for a nonce this server has never seen.
func (s *Server) WindowSize(cltNonce uint32) int {
	s.mu.RLock()
	w, ok := s.windows[cltNonce]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.Size()
}

// Shutdown stops the listener, closes accepted connections, injects N
// poison jobs for the pool of N workers, joins them all, and frees the
// reply windows.
func (s *Server) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mgr.CloseAll()

	for i := 0; i < s.workerCount; i++ {
		s.jobs <- job{}
	}
	s.wg.Wait()

	s.mu.Lock()
	s.windows = make(map[uint32]*replyWindow)
	s.mu.Unlock()
}
