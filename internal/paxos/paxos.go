// Package paxos implements single-decree Paxos over numbered
// instances, used by internal/viewconfig to agree on a sequence of
// membership views. Each peer runs both an acceptor and a proposer over
// pkg/rpc's at-most-once transport, with a badger-backed persistent
// acceptor log so promises and accepted values survive crash+restart.
package paxos

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// PNum is a Paxos proposal number: lexicographically ordered by round
// first, then by proposing node index, which guarantees every live
// proposer picks a distinct, totally ordered number without any
// coordination.
type PNum struct {
	Round uint64
	Node  uint32
}

func (a PNum) Less(b PNum) bool {
	if a.Round != b.Round {
		return a.Round < b.Round
	}
	return a.Node < b.Node
}

func (a PNum) Greater(b PNum) bool { return b.Less(a) }

type instStatus int

const (
	instPending instStatus = iota
	instDecided
)

type memInstance struct {
	status instStatus
	value  []byte
}

// Paxos is one acceptor+proposer peer participating in agreement over
// a sequence of numbered instances.
type Paxos struct {
	logger zerolog.Logger
	mgr    *rpcnet.Manager
	peers  []string
	me     int

	log *acceptorLog

	mu        sync.Mutex
	instances map[uint64]*memInstance
	doneAt    []uint64 // per-peer Done() watermark, index by peer index
	maxSeq    uint64
	onDecide  func(seq uint64, value []byte)

	outboundMu sync.Mutex
	outbound   map[string]*rpc.Client

	dead bool

	decided          atomic.Uint64
	proposerFailures atomic.Uint64
}

// Stats reports cumulative decided-instance and proposer-round-failure
// counts for internal/telemetry's Prometheus gauges.
func (px *Paxos) Stats() (decided, proposerFailures uint64) {
	return px.decided.Load(), px.proposerFailures.Load()
}

// New creates a Paxos peer. dir is the badger directory backing this
// peer's acceptor log; peers[me] is this peer's own address.
func New(logger zerolog.Logger, mgr *rpcnet.Manager, peers []string, me int, dir string) (*Paxos, error) {
	log, err := openAcceptorLog(dir)
	if err != nil {
		return nil, err
	}
	px := &Paxos{
		logger:    logger,
		mgr:       mgr,
		peers:     peers,
		me:        me,
		log:       log,
		instances: make(map[uint64]*memInstance),
		doneAt:    make([]uint64, len(peers)),
		outbound:  make(map[string]*rpc.Client),
	}
	for i := range px.doneAt {
		px.doneAt[i] = ^uint64(0) // "nothing done yet" sentinel, see Min
	}
	if done, found, err := log.loadDone(); err != nil {
		return nil, err
	} else if found {
		px.doneAt[me] = done
	}
	return px, nil
}

// SetOnDecide registers fn to be upcalled, once per instance, whenever
// this peer learns an instance's decided value — whether through its own
// proposer finishing or through a remote proposer's decide broadcast.
// internal/viewconfig uses it to adopt views this node never proposed.
func (px *Paxos) SetOnDecide(fn func(seq uint64, value []byte)) {
	px.mu.Lock()
	px.onDecide = fn
	px.mu.Unlock()
}

func (px *Paxos) peerClient(addr string) *rpc.Client {
	px.outboundMu.Lock()
	defer px.outboundMu.Unlock()
	if c, ok := px.outbound[addr]; ok {
		return c
	}
	c := rpc.NewClient(px.logger, px.mgr, addr, 0)
	px.outbound[addr] = c
	return c
}

// Start kicks off agreement on seq with an initial proposed value. It
// returns immediately; the proposer goroutine runs until decided, until
// a higher seq supersedes the need (Status already decided), or until
// Kill.
func (px *Paxos) Start(seq uint64, value []byte) {
	px.mu.Lock()
	if seq > px.maxSeq {
		px.maxSeq = seq
	}
	if inst, ok := px.instances[seq]; ok && inst.status == instDecided {
		px.mu.Unlock()
		return
	}
	px.mu.Unlock()
	go px.propose(seq, value)
}

func (px *Paxos) propose(seq uint64, value []byte) {
	round := uint64(1)
	for {
		px.mu.Lock()
		dead := px.dead
		if inst, ok := px.instances[seq]; ok && inst.status == instDecided {
			px.mu.Unlock()
			return
		}
		px.mu.Unlock()
		if dead {
			return
		}

		n := PNum{Round: round, Node: uint32(px.me)}
		chosenValue, ok := px.runPrepare(seq, n, value)
		if ok {
			if px.runAccept(seq, n, chosenValue) {
				px.decideLocally(seq, chosenValue)
				px.broadcastDecide(seq, chosenValue)
				return
			}
		}
		px.proposerFailures.Add(1)
		round++
		time.Sleep(backoff(round))
	}
}

func backoff(round uint64) time.Duration {
	base := time.Duration(10+rand.Intn(40)) * time.Millisecond
	if round > 10 {
		round = 10
	}
	return base * time.Duration(round)
}

type prepareArgs struct {
	Seq uint64 `json:"seq"`
	N   PNum   `json:"n"`
}

type prepareReply struct {
	OK          bool   `json:"ok"`
	PropSeen    PNum   `json:"propseen"`
	HasAccepted bool   `json:"has_accepted"`
	Accepted    PNum   `json:"accepted"`
	Value       []byte `json:"value,omitempty"`
}

type acceptArgs struct {
	Seq   uint64 `json:"seq"`
	N     PNum   `json:"n"`
	Value []byte `json:"value"`
}

type acceptReply struct {
	OK       bool `json:"ok"`
	PropSeen PNum `json:"propseen"`
}

type decideArgs struct {
	Seq   uint64 `json:"seq"`
	Value []byte `json:"value"`
	Me    int    `json:"me"`
	Done  uint64 `json:"done"`
}

// runPrepare sends prepare(seq, n) to every peer including itself and
// returns whether a majority promised, and the value to accept next
// (the highest-numbered already-accepted value among promises, or this
// proposer's own value if none exists).
func (px *Paxos) runPrepare(seq uint64, n PNum, value []byte) ([]byte, bool) {
	type result struct {
		reply prepareReply
		ok    bool
	}
	results := make([]result, len(px.peers))
	var wg sync.WaitGroup
	for i, addr := range px.peers {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			reply, ok := px.callPrepare(addr, prepareArgs{Seq: seq, N: n})
			results[i] = result{reply: reply, ok: ok}
		}(i, addr)
	}
	wg.Wait()

	promises := 0
	var best PNum
	bestValue := value
	haveBest := false
	for _, r := range results {
		if !r.ok || !r.reply.OK {
			continue
		}
		promises++
		if r.reply.HasAccepted && (!haveBest || r.reply.Accepted.Greater(best)) {
			best = r.reply.Accepted
			bestValue = r.reply.Value
			haveBest = true
		}
	}
	return bestValue, promises > len(px.peers)/2
}

func (px *Paxos) runAccept(seq uint64, n PNum, value []byte) bool {
	accepts := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, addr := range px.peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			reply, ok := px.callAccept(addr, acceptArgs{Seq: seq, N: n, Value: value})
			if ok && reply.OK {
				mu.Lock()
				accepts++
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()
	return accepts > len(px.peers)/2
}

func (px *Paxos) broadcastDecide(seq uint64, value []byte) {
	done := px.Done()
	for _, addr := range px.peers {
		go func(addr string) {
			px.callDecide(addr, decideArgs{Seq: seq, Value: value, Me: px.me, Done: done})
		}(addr)
	}
}

func (px *Paxos) callPrepare(addr string, args prepareArgs) (prepareReply, bool) {
	if addr == px.peers[px.me] {
		var reply prepareReply
		px.HandlePrepare(args, &reply)
		return reply, true
	}
	buf, _ := json.Marshal(args)
	ctx, cancel := context.WithTimeout(context.Background(), rpcPeerTimeout)
	defer cancel()
	payload, status, err := px.peerClient(addr).Call(ctx, wire.ProcPaxosPrepare, func(e *wire.Encoder) { e.PutBytes(buf) })
	if err != nil || status < 0 {
		return prepareReply{}, false
	}
	var reply prepareReply
	if err := decodeJSONPayload(payload, &reply); err != nil {
		return prepareReply{}, false
	}
	return reply, true
}

func (px *Paxos) callAccept(addr string, args acceptArgs) (acceptReply, bool) {
	if addr == px.peers[px.me] {
		var reply acceptReply
		px.HandleAccept(args, &reply)
		return reply, true
	}
	buf, _ := json.Marshal(args)
	ctx, cancel := context.WithTimeout(context.Background(), rpcPeerTimeout)
	defer cancel()
	payload, status, err := px.peerClient(addr).Call(ctx, wire.ProcPaxosAccept, func(e *wire.Encoder) { e.PutBytes(buf) })
	if err != nil || status < 0 {
		return acceptReply{}, false
	}
	var reply acceptReply
	if err := decodeJSONPayload(payload, &reply); err != nil {
		return acceptReply{}, false
	}
	return reply, true
}

func (px *Paxos) callDecide(addr string, args decideArgs) {
	if addr == px.peers[px.me] {
		px.HandleDecide(args)
		return
	}
	buf, _ := json.Marshal(args)
	ctx, cancel := context.WithTimeout(context.Background(), rpcPeerTimeout)
	defer cancel()
	_, _, _ = px.peerClient(addr).Call(ctx, wire.ProcPaxosDecide, func(e *wire.Encoder) { e.PutBytes(buf) })
}

func decodeJSONPayload(payload []byte, v interface{}) error {
	d := wire.NewDecoder(payload)
	buf, err := d.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

const rpcPeerTimeout = 2 * time.Second

// HandlePrepare implements the acceptor's prepare phase, registered by
// cmd/lockd as the rpc.Server handler for wire.ProcPaxosPrepare. Reply
// is encoded by the thin rpc.HandlerFunc adapter in handlers.go.
func (px *Paxos) HandlePrepare(args prepareArgs, reply *prepareReply) {
	rec, _, err := px.log.load(args.Seq)
	if err != nil {
		px.logger.Error().Err(err).Msg("paxos: load instance for prepare")
		return
	}
	if args.N.Less(rec.PropSeen) {
		reply.OK = false
		reply.PropSeen = rec.PropSeen
		return
	}
	rec.PropSeen = args.N
	if err := px.log.store(args.Seq, rec); err != nil {
		px.logger.Error().Err(err).Msg("paxos: persist propseen")
		return
	}
	reply.OK = true
	reply.PropSeen = rec.PropSeen
	reply.HasAccepted = rec.HasAccepted
	reply.Accepted = rec.Accepted
	reply.Value = rec.Value
}

// HandleAccept implements the acceptor's accept phase.
func (px *Paxos) HandleAccept(args acceptArgs, reply *acceptReply) {
	rec, _, err := px.log.load(args.Seq)
	if err != nil {
		px.logger.Error().Err(err).Msg("paxos: load instance for accept")
		return
	}
	if args.N.Less(rec.PropSeen) {
		reply.OK = false
		reply.PropSeen = rec.PropSeen
		return
	}
	rec.PropSeen = args.N
	rec.Accepted = args.N
	rec.HasAccepted = true
	rec.Value = args.Value
	if err := px.log.store(args.Seq, rec); err != nil {
		px.logger.Error().Err(err).Msg("paxos: persist accepted value")
		return
	}
	reply.OK = true
	reply.PropSeen = rec.PropSeen
}

// HandleDecide implements the learner: record the decided value, and
// fold in the sender's Done watermark for Min() bookkeeping.
func (px *Paxos) HandleDecide(args decideArgs) {
	px.decideLocally(args.Seq, args.Value)
	px.mu.Lock()
	if args.Me >= 0 && args.Me < len(px.doneAt) {
		if px.doneAt[args.Me] == ^uint64(0) || args.Done > px.doneAt[args.Me] {
			px.doneAt[args.Me] = args.Done
		}
	}
	px.mu.Unlock()
	px.gc()
}

func (px *Paxos) decideLocally(seq uint64, value []byte) {
	rec, _, err := px.log.load(seq)
	if err != nil {
		px.logger.Error().Err(err).Msg("paxos: load instance for decide")
		return
	}
	rec.Decided = true
	rec.DecidedVal = value
	if err := px.log.store(seq, rec); err != nil {
		px.logger.Error().Err(err).Msg("paxos: persist decided value")
		return
	}
	px.mu.Lock()
	_, alreadyKnown := px.instances[seq]
	px.instances[seq] = &memInstance{status: instDecided, value: value}
	if seq > px.maxSeq {
		px.maxSeq = seq
	}
	upcall := px.onDecide
	px.mu.Unlock()
	if !alreadyKnown {
		px.decided.Add(1)
		if upcall != nil {
			upcall(seq, value)
		}
	}
}

// Status reports whether seq has been decided and, if so, its value.
func (px *Paxos) Status(seq uint64) (bool, []byte) {
	px.mu.Lock()
	if inst, ok := px.instances[seq]; ok && inst.status == instDecided {
		px.mu.Unlock()
		return true, inst.value
	}
	px.mu.Unlock()
	rec, found, err := px.log.load(seq)
	if err != nil || !found || !rec.Decided {
		return false, nil
	}
	px.mu.Lock()
	px.instances[seq] = &memInstance{status: instDecided, value: rec.DecidedVal}
	px.mu.Unlock()
	return true, rec.DecidedVal
}

// Done marks every instance at or below seq as forgettable locally and
// returns this peer's own watermark (for piggybacking on Decide calls).
func (px *Paxos) Done(seq ...uint64) uint64 {
	px.mu.Lock()
	advanced := false
	if len(seq) > 0 {
		if px.doneAt[px.me] == ^uint64(0) || seq[0] > px.doneAt[px.me] {
			px.doneAt[px.me] = seq[0]
			advanced = true
		}
	}
	watermark := px.doneAt[px.me]
	px.mu.Unlock()
	if advanced {
		if err := px.log.storeDone(watermark); err != nil {
			px.logger.Debug().Err(err).Msg("paxos: persist done watermark")
		}
	}
	return watermark
}

// Min returns one more than the lowest Done watermark across all peers,
// or 0 while any peer has not yet reported a watermark; instances below
// Min may be discarded.
func (px *Paxos) Min() uint64 {
	px.mu.Lock()
	defer px.mu.Unlock()
	min := px.doneAt[px.me]
	for _, d := range px.doneAt {
		if d == ^uint64(0) {
			return 0
		}
		if d < min {
			min = d
		}
	}
	return min + 1
}

// Max returns the highest instance sequence this peer knows about.
func (px *Paxos) Max() uint64 {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.maxSeq
}

func (px *Paxos) gc() {
	min := px.Min()
	px.mu.Lock()
	for seq := range px.instances {
		if seq < min {
			delete(px.instances, seq)
		}
	}
	px.mu.Unlock()
	if min == 0 {
		return
	}
	if err := px.log.forget(min - 1); err != nil {
		px.logger.Debug().Err(err).Msg("paxos: forget below min")
	}
}

// Kill stops proposer retries and releases the acceptor log. Already
// in-flight RPCs unwind on their own timeout.
func (px *Paxos) Kill() {
	px.mu.Lock()
	px.dead = true
	px.mu.Unlock()
	_ = px.log.close()
}
