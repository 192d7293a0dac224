// Package rsm implements a primary/backup replicated state machine
// layered on internal/viewconfig's agreed membership views, fanning
// application operations out to every backup in the current view
// before applying and replying.
package rsm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/internal/viewconfig"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// Viewstamp totally orders every operation this replicated state
// machine has applied: the view it was applied under, plus its
// sequence number within that view.
type Viewstamp struct {
	Vid   uint64 `json:"vid"`
	Seqno uint64 `json:"seqno"`
}

// StateMachine is the application this package replicates. internal/
// lockservice implements it by dispatching Apply's opaque payload to the
// lock server's Acquire/Release handlers and encoding their reply.
type StateMachine interface {
	Apply(op []byte) (reply []byte)
	Snapshot() []byte
	Restore(snapshot []byte)
}

var (
	ErrNotPrimary  = errors.New("rsm: not primary")
	ErrViewChanged = errors.New("rsm: stale view")
	ErrBusy        = errors.New("rsm: busy, retry")
)

// RSM wires one StateMachine into the current membership view: the
// node at members[0] is primary and fans every Invoke out to the rest;
// everyone else is a backup applying only what the primary forwards.
type RSM struct {
	logger zerolog.Logger
	self   string
	mgr    *rpcnet.Manager
	vc     *viewconfig.Manager
	sm     StateMachine

	invokeMu sync.Mutex // serializes primary-side Invoke, gives viewstamp order

	mu           sync.Mutex
	vid          uint64
	members      []string
	seqno        uint64 // next seqno to assign, primary only; resets to 1 each view
	applied      uint64 // next seqno expected from the primary, backup only
	inviewchange bool   // set by a failed fan-out, cleared when the next view commits

	outboundMu sync.Mutex
	outbound   map[string]*rpc.Client
}

// New wires an RSM for sm under vc's membership views. It registers
// itself as vc's view-change callback, so role transitions (becoming
// primary, becoming a backup, being dropped) take effect as soon as a
// view is adopted.
func New(logger zerolog.Logger, mgr *rpcnet.Manager, vc *viewconfig.Manager, self string, sm StateMachine) *RSM {
	r := &RSM{
		logger:   logger,
		self:     self,
		mgr:      mgr,
		vc:       vc,
		sm:       sm,
		outbound: make(map[string]*rpc.Client),
	}
	v := vc.Current()
	r.vid = v.Num
	r.members = v.Members
	r.seqno = 1
	r.applied = 1
	vc.OnChange(r.commitChange)
	return r
}

// Viewstamp reports this node's current view id and its next-to-assign
// (primary) or next-expected (backup) sequence number, exported for
// internal/telemetry's view-id, seqno and is-primary gauges.
func (r *RSM) Viewstamp() (vid, seqno uint64, isPrimary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	primary := len(r.members) > 0 && r.members[0] == r.self
	if primary {
		return r.vid, r.seqno, true
	}
	return r.vid, r.applied, false
}

func (r *RSM) isPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) > 0 && r.members[0] == r.self
}

func (r *RSM) backups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) <= 1 {
		return nil
	}
	return append([]string(nil), r.members[1:]...)
}

// Invoke is the primary-side entry point: the viewstamped fan-out.
// It serializes via invokeMu so viewstamps are assigned and
// observed by backups in the same total order. While a view change is
// pending (a previous fan-out failed, or a new view has not finished
// committing) it refuses with ErrBusy rather than risk diverging the
// backups.
func (r *RSM) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	if !r.isPrimary() {
		return nil, ErrNotPrimary
	}
	r.invokeMu.Lock()
	defer r.invokeMu.Unlock()

	if !r.isPrimary() {
		return nil, ErrNotPrimary
	}

	r.mu.Lock()
	if r.inviewchange {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	vs := Viewstamp{Vid: r.vid, Seqno: r.seqno}
	r.mu.Unlock()

	backups := r.backups()
	if len(backups) > 0 {
		if failed := r.fanOut(ctx, vs, op, backups); len(failed) > 0 {
			// The group is now in an unknown state: some backups may
			// have applied this viewstamp, others not. The primary
			// declares view change itself rather than waiting for the
			// heartbeat detector to notice; the next committed view
			// resets every replica's viewstamp and re-syncs backups
			// from the primary's snapshot, discarding the partial op.
			r.declareViewChange(failed)
			return nil, ErrBusy
		}
	}

	reply := r.sm.Apply(op)

	r.mu.Lock()
	r.seqno++
	r.mu.Unlock()

	return reply, nil
}

// fanOut sends the viewstamped op to every backup concurrently and
// returns the addresses of those that failed to ACK (empty on success).
func (r *RSM) fanOut(ctx context.Context, vs Viewstamp, op []byte, backups []string) []string {
	errs := make([]error, len(backups))
	var wg sync.WaitGroup
	for i, addr := range backups {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			errs[i] = r.sendInvoke(ctx, addr, vs, op)
		}(i, addr)
	}
	wg.Wait()
	var failed []string
	for i, err := range errs {
		if err != nil {
			r.logger.Warn().Err(err).Str("addr", backups[i]).Msg("rsm: backup failed to ack invoke")
			failed = append(failed, backups[i])
		}
	}
	return failed
}

// declareViewChange marks this primary as in view change and proposes
// removal of every backup that failed to ACK. Invoke refuses with
// ErrBusy until the resulting view commits (commitChange clears the
// flag), so no further viewstamps are handed out against a group whose
// members disagree on what has been applied.
func (r *RSM) declareViewChange(failed []string) {
	r.mu.Lock()
	r.inviewchange = true
	r.mu.Unlock()
	r.logger.Warn().Strs("backups", failed).Msg("rsm: declaring view change after failed fan-out")
	for _, addr := range failed {
		r.vc.RemoveMember(addr)
	}
}

func (r *RSM) sendInvoke(ctx context.Context, addr string, vs Viewstamp, op []byte) error {
	args := invokeArgs{VS: vs, Op: op}
	payload, status, err := r.clientFor(addr).Call(ctx, wire.ProcRSMInvoke, args.encode)
	if err != nil {
		return err
	}
	reply, err := decodeInvokeReply(payload)
	if err != nil {
		return err
	}
	switch status {
	case 0:
		return nil
	case statusStaleView:
		return ErrViewChanged
	default:
		_ = reply
		return errors.New("rsm: backup rejected invoke")
	}
}

// HandleInvoke is the backup-side rpc.Server handler for
// wire.ProcRSMInvoke: apply the op if its viewstamp matches this
// backup's expected next slot, reject otherwise so the primary (or a
// stale former primary) learns to stop sending.
func (r *RSM) HandleInvoke(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := decodeInvokeArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}

	r.mu.Lock()
	if args.VS.Vid != r.vid {
		r.mu.Unlock()
		return statusStaleView
	}
	if args.VS.Seqno != r.applied {
		// A gap: this backup missed an operation, most likely because
		// it just joined or reconnected after a partition. It needs a
		// snapshot, not a single op, so reject and let the join/sync
		// path (syncWithPrimary) catch it up.
		r.mu.Unlock()
		return statusStaleView
	}
	r.mu.Unlock()

	r.sm.Apply(args.Op)

	r.mu.Lock()
	r.applied = args.VS.Seqno + 1
	r.mu.Unlock()
	return 0
}

const (
	statusStaleView = -100
	statusBusy      = -101
)

type invokeArgs struct {
	VS Viewstamp
	Op []byte
}

func (a invokeArgs) encode(e *wire.Encoder) {
	e.PutUint64(a.VS.Vid)
	e.PutUint64(a.VS.Seqno)
	e.PutBytes(a.Op)
}

func decodeInvokeArgs(d *wire.Decoder) (invokeArgs, error) {
	var a invokeArgs
	var err error
	if a.VS.Vid, err = d.Uint64(); err != nil {
		return a, err
	}
	if a.VS.Seqno, err = d.Uint64(); err != nil {
		return a, err
	}
	if a.Op, err = d.Bytes(); err != nil {
		return a, err
	}
	return a, nil
}

func decodeInvokeReply(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	d := wire.NewDecoder(payload)
	return d.Bytes()
}

func (r *RSM) clientFor(addr string) *rpc.Client {
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	if c, ok := r.outbound[addr]; ok {
		return c
	}
	c := rpc.NewClient(r.logger, r.mgr, addr, 0)
	r.outbound[addr] = c
	return c
}

// commitChange is viewconfig's upcall on every newly adopted view: it
// updates this node's notion of vid/members/role, resets the viewstamp
// sequence for the new view, and runs the relevant half of the recovery
// loop in the background so the upcall never blocks the Paxos decide
// path.
func (r *RSM) commitChange(v viewconfig.View) {
	r.mu.Lock()
	oldMembers := r.members
	r.vid = v.Num
	r.members = v.Members
	r.seqno = 1
	r.applied = 1
	r.inviewchange = false
	isPrimary := len(r.members) > 0 && r.members[0] == r.self
	r.mu.Unlock()

	inView := false
	for _, m := range v.Members {
		if m == r.self {
			inView = true
			break
		}
	}
	switch {
	case !inView:
		go r.joinLoop(v.Num)
	case isPrimary:
		r.syncWithBackups(oldMembers)
	default:
		go r.syncWithPrimary()
	}
}

// joinLoop implements the evicted-node half of the recovery loop: a
// node that finds itself outside the committed view keeps asking that
// view's primary to re-admit it until a later view includes it again.
func (r *RSM) joinLoop(vid uint64) {
	for {
		r.mu.Lock()
		members := append([]string(nil), r.members...)
		stale := r.vid != vid
		r.mu.Unlock()
		if stale {
			return // a newer view committed; its own commitChange took over
		}
		for _, m := range members {
			if m == r.self {
				return
			}
		}
		if len(members) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			args := joinArgs{Addr: r.self}
			_, status, err := r.clientFor(members[0]).Call(ctx, wire.ProcRSMJoinReq, args.encode)
			cancel()
			if err == nil && status == 0 {
				return // admission proposed; the next adopted view re-syncs us
			}
			r.logger.Debug().Err(err).Int32("status", status).Msg("rsm: join request not accepted yet")
		}
		time.Sleep(3 * time.Second)
	}
}

// syncWithBackups pushes a fresh snapshot to every backup new to this
// view (joined since oldMembers), so they start applying Invokes from
// the same base state rather than from a gap.
func (r *RSM) syncWithBackups(oldMembers []string) {
	old := make(map[string]bool, len(oldMembers))
	for _, m := range oldMembers {
		old[m] = true
	}
	r.mu.Lock()
	members := append([]string(nil), r.members...)
	vid := r.vid
	r.mu.Unlock()
	for _, addr := range members {
		if addr == r.self || old[addr] {
			continue
		}
		go r.pushSnapshot(addr, vid)
	}
}

func (r *RSM) pushSnapshot(addr string, vid uint64) {
	snap := r.sm.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	args := transferArgs{Vid: vid, Snapshot: snap}
	_, _, err := r.clientFor(addr).Call(ctx, wire.ProcRSMTransferReq, args.encode)
	if err != nil {
		r.logger.Warn().Err(err).Str("addr", addr).Msg("rsm: snapshot push to new backup failed")
		return
	}
	r.logger.Info().Str("addr", addr).Msg("rsm: snapshot pushed to new backup")
}

// syncWithPrimary asks the current primary for a fresh snapshot; used
// both when this node just joined as a backup and when the primary
// changed underneath an existing backup.
func (r *RSM) syncWithPrimary() {
	r.mu.Lock()
	members := append([]string(nil), r.members...)
	vid := r.vid
	r.mu.Unlock()
	if len(members) == 0 {
		return
	}
	primary := members[0]
	if primary == r.self {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	args := transferDoneArgs{Vid: vid}
	payload, status, err := r.clientFor(primary).Call(ctx, wire.ProcRSMTransferDoneReq, args.encode)
	if err != nil || status != 0 {
		r.logger.Warn().Err(err).Str("primary", primary).Msg("rsm: state transfer request failed")
		return
	}
	snap, err := decodeTransferReply(payload)
	if err != nil {
		return
	}
	r.sm.Restore(snap)
	r.mu.Lock()
	r.applied = 1
	r.mu.Unlock()
}

type transferArgs struct {
	Vid      uint64
	Snapshot []byte
}

func (a transferArgs) encode(e *wire.Encoder) {
	e.PutUint64(a.Vid)
	e.PutBytes(a.Snapshot)
}

func decodeTransferArgs(d *wire.Decoder) (transferArgs, error) {
	var a transferArgs
	var err error
	if a.Vid, err = d.Uint64(); err != nil {
		return a, err
	}
	if a.Snapshot, err = d.Bytes(); err != nil {
		return a, err
	}
	return a, nil
}

type transferDoneArgs struct{ Vid uint64 }

func (a transferDoneArgs) encode(e *wire.Encoder) { e.PutUint64(a.Vid) }

func decodeTransferReply(payload []byte) ([]byte, error) {
	d := wire.NewDecoder(payload)
	return d.Bytes()
}

// HandleTransferReq implements the push side (a primary sending a
// snapshot unsolicited to a newly joined backup).
func (r *RSM) HandleTransferReq(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := decodeTransferArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	r.sm.Restore(args.Snapshot)
	r.mu.Lock()
	r.vid = args.Vid
	r.applied = 1
	r.mu.Unlock()
	return 0
}

// HandleTransferDoneReq implements the pull side (a backup requesting
// the primary's current snapshot).
func (r *RSM) HandleTransferDoneReq(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	if !r.isPrimary() {
		return statusStaleView
	}
	snap := r.sm.Snapshot()
	e.PutBytes(snap)
	return 0
}

// HandleJoinReq implements the join-protocol entry point (proc
// 0x10004): a node not yet in the view asks to be added, naming its own
// listen address (the connection's peer address is an ephemeral port the
// cluster could never dial back). Actually admitting it is internal/
// viewconfig's job; this handler only kicks off the membership proposal.
func (r *RSM) HandleJoinReq(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := decodeJoinArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	if !r.isPrimary() {
		return statusStaleView
	}
	r.vc.AddMember(args.Addr)
	return 0
}

type joinArgs struct{ Addr string }

func (a joinArgs) encode(e *wire.Encoder) { e.PutString(a.Addr) }

func decodeJoinArgs(d *wire.Decoder) (joinArgs, error) {
	addr, err := d.String()
	return joinArgs{Addr: addr}, err
}

// HandleClientInvoke is the front-door rpc.Server handler application
// clients call (proc 0x9001): run the op through the primary's Invoke
// fan-out and return its reply, or ErrNotPrimary's status if this node
// is not currently primary, so rsm.Client knows to look elsewhere.
func (r *RSM) HandleClientInvoke(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	op, err := d.Bytes()
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	reply, ierr := r.Invoke(context.Background(), op)
	switch {
	case ierr == nil:
		e.PutBytes(reply)
		return 0
	case errors.Is(ierr, ErrNotPrimary):
		return statusStaleView
	case errors.Is(ierr, ErrBusy):
		return statusBusy
	default:
		return int32(wire.UnmarshalReplyFailure)
	}
}

// HandleClientMembers answers the Members() lookup RPC (proc 0x9002),
// letting rsm.Client refresh its roster without depending directly on
// internal/viewconfig.
func (r *RSM) HandleClientMembers(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	r.mu.Lock()
	members := append([]string(nil), r.members...)
	r.mu.Unlock()
	e.PutUint32(uint32(len(members)))
	for _, m := range members {
		e.PutString(m)
	}
	return 0
}

// RegisterHandlers binds every RSM procedure onto an rpc.Server.
func (r *RSM) RegisterHandlers(s *rpc.Server) {
	s.Register(wire.ProcRSMInvoke, r.HandleInvoke)
	s.Register(wire.ProcRSMTransferReq, r.HandleTransferReq)
	s.Register(wire.ProcRSMTransferDoneReq, r.HandleTransferDoneReq)
	s.Register(wire.ProcRSMJoinReq, r.HandleJoinReq)
	s.Register(wire.ProcRSMClientInvoke, r.HandleClientInvoke)
	s.Register(wire.ProcRSMClientMembers, r.HandleClientMembers)
}
