// Package lockservice is the glue layer cmd/lockd wires together: it
// turns internal/lockserver.Server into an internal/rsm.StateMachine
// (encoding an acquire/release call plus its caller's address into one
// opaque op, since StateMachine.Apply only carries the op payload) and
// registers the client-facing lock RPCs on top of internal/rsm, so an
// acquire or release only takes effect once the replicated state
// machine has sequenced and fanned it out to every backup.
package lockservice

import (
	"context"

	"github.com/toniq-labs/lockd/internal/lockproto"
	"github.com/toniq-labs/lockd/internal/lockserver"
	"github.com/toniq-labs/lockd/internal/rsm"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// opKind distinguishes the two mutating lock operations inside one
// opaque rsm op payload.
type opKind uint8

const (
	opAcquire opKind = 1
	opRelease opKind = 2
)

type op struct {
	Kind         opKind
	CallerAddr   string // connection peer address, fallback identity only
	CallbackAddr string // lock client's own listen address, see lockproto.AcquireArgs
	Lid          uint64
	Xid          uint32
}

func (o op) encode(e *wire.Encoder) {
	e.PutUint32(uint32(o.Kind))
	e.PutString(o.CallerAddr)
	e.PutString(o.CallbackAddr)
	e.PutUint64(o.Lid)
	e.PutUint32(o.Xid)
}

func decodeOp(payload []byte) (op, error) {
	d := wire.NewDecoder(payload)
	var o op
	kind, err := d.Uint32()
	if err != nil {
		return o, err
	}
	o.Kind = opKind(kind)
	if o.CallerAddr, err = d.String(); err != nil {
		return o, err
	}
	if o.CallbackAddr, err = d.String(); err != nil {
		return o, err
	}
	if o.Lid, err = d.Uint64(); err != nil {
		return o, err
	}
	if o.Xid, err = d.Uint32(); err != nil {
		return o, err
	}
	return o, nil
}

// StateMachine adapts *lockserver.Server to internal/rsm.StateMachine.
// Apply is the only place lockserver.Acquire/Release are ever called in
// a replicated deployment: every mutation a replica applies, whether it
// is the primary executing a fresh client request or a backup applying
// a forwarded op, goes through this one method, so primary and backups
// make the identical sequence of transition-table decisions.
type StateMachine struct {
	ls *lockserver.Server
}

// NewStateMachine wraps ls for use as an rsm.StateMachine.
func NewStateMachine(ls *lockserver.Server) *StateMachine {
	return &StateMachine{ls: ls}
}

// Apply decodes one op and dispatches it to the wrapped lock server,
// encoding the resulting status as a single-byte reply (the lock RPC
// handlers below decode it back into the wire status code).
func (sm *StateMachine) Apply(payload []byte) []byte {
	o, err := decodeOp(payload)
	if err != nil {
		return encodeStatus(lockproto.RPCERR)
	}
	var status int32
	switch o.Kind {
	case opAcquire:
		status = sm.ls.Acquire(o.CallerAddr, lockproto.AcquireArgs{Lid: o.Lid, Xid: o.Xid, CallbackAddr: o.CallbackAddr})
	case opRelease:
		status = sm.ls.Release(o.CallerAddr, lockproto.ReleaseArgs{Lid: o.Lid, Xid: o.Xid, CallbackAddr: o.CallbackAddr})
	default:
		status = lockproto.RPCERR
	}
	return encodeStatus(status)
}

// Snapshot and Restore delegate to lockserver.Server's own bulk
// (de)serialization of the full lock table — owner, wait order, and
// per-client dedup cache — so a freshly joined or recovering backup
// (internal/rsm's join/transfer protocol) catches up from one transfer
// instead of one Invoke at a time.
func (sm *StateMachine) Snapshot() []byte { return sm.ls.Snapshot() }

func (sm *StateMachine) Restore(snapshot []byte) { sm.ls.Restore(snapshot) }

func encodeStatus(status int32) []byte {
	e := wire.NewEncoder(4)
	e.PutInt32(status)
	return e.Bytes()
}

func decodeStatusReply(payload []byte) int32 {
	if len(payload) == 0 {
		return lockproto.RPCERR
	}
	d := wire.NewDecoder(payload)
	status, err := d.Int32()
	if err != nil {
		return lockproto.RPCERR
	}
	return status
}

// Front is the client-facing lock RPC handler set: acquire and release
// run through rsm so every replica applies the identical sequence, stat
// is read-only and answered locally since every replica's applied state
// is already identical by construction.
type Front struct {
	r  *rsm.RSM
	ls *lockserver.Server
}

// NewFront builds the client-facing lock procedure handlers on top of
// r (for mutating ops) and ls (for local reads).
func NewFront(r *rsm.RSM, ls *lockserver.Server) *Front {
	return &Front{r: r, ls: ls}
}

// RegisterHandlers binds ProcLockAcquire/Release/Stat onto an rpc.Server.
func (f *Front) RegisterHandlers(s *rpc.Server) {
	s.Register(wire.ProcLockAcquire, f.handleAcquire)
	s.Register(wire.ProcLockRelease, f.handleRelease)
	s.Register(wire.ProcLockStat, f.handleStat)
}

func (f *Front) handleAcquire(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := lockproto.DecodeAcquireArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	return f.invoke(opAcquire, from, args.CallbackAddr, args.Lid, args.Xid)
}

func (f *Front) handleRelease(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := lockproto.DecodeReleaseArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	return f.invoke(opRelease, from, args.CallbackAddr, args.Lid, args.Xid)
}

// notPrimaryStatus is returned to a caller that dialed a backup
// directly instead of going through internal/rsm.Client's primary
// discovery; lockclient treats any non-OK/RETRY/IOERR status as a
// generic RPC error, which is the correct reaction here too (redial
// the primary and retry, same as an rsm.Client caller would).
const notPrimaryStatus = lockproto.RPCERR

func (f *Front) invoke(kind opKind, callerAddr, callbackAddr string, lid uint64, xid uint32) int32 {
	reply, err := f.r.Invoke(context.Background(), encodeOp(kind, callerAddr, callbackAddr, lid, xid))
	if err != nil {
		return int32(notPrimaryStatus)
	}
	return decodeStatusReply(reply)
}

func encodeOp(kind opKind, callerAddr, callbackAddr string, lid uint64, xid uint32) []byte {
	o := op{Kind: kind, CallerAddr: callerAddr, CallbackAddr: callbackAddr, Lid: lid, Xid: xid}
	e := wire.NewEncoder(32)
	o.encode(e)
	return e.Bytes()
}

// EncodeAcquireOp/EncodeReleaseOp build the opaque op payload
// rsm.Client.Invoke (proc 0x9001) expects, for a caller outside the
// replica set that only has a dialable address, not an in-process
// *rsm.RSM, to talk to the lock service (cmd/lockctl).
func EncodeAcquireOp(callbackAddr string, lid uint64, xid uint32) []byte {
	return encodeOp(opAcquire, callbackAddr, callbackAddr, lid, xid)
}

func EncodeReleaseOp(callbackAddr string, lid uint64, xid uint32) []byte {
	return encodeOp(opRelease, callbackAddr, callbackAddr, lid, xid)
}

// DecodeStatus reads the single-status-code reply StateMachine.Apply
// produces, for a caller that invoked through rsm.Client rather than the
// lock-specific RPC procs.
func DecodeStatus(payload []byte) int32 { return decodeStatusReply(payload) }

func (f *Front) handleStat(from string, d *wire.Decoder, e *wire.Encoder) int32 {
	args, err := lockproto.DecodeStatArgs(d)
	if err != nil {
		return int32(wire.UnmarshalArgsFailure)
	}
	reply := f.ls.Stat(args.Lid)
	reply.Encode(e)
	return lockproto.OK
}
