// Package lockproto defines the wire shapes and status codes shared by
// the caching lock client and caching lock server: acquire/release/stat
// arguments and replies, and the revoke/retry callback arguments sent
// the other direction.
package lockproto

import "github.com/toniq-labs/lockd/pkg/wire"

// Lock status codes.
const (
	OK = iota
	RETRY
	RPCERR
	NOENT
	IOERR
)

// LockState mirrors the server-side per-lock state machine.
type LockState int

const (
	Free LockState = iota
	Locked
	LockedAndWait
	Retrying
)

func (s LockState) String() string {
	switch s {
	case Free:
		return "FREE"
	case Locked:
		return "LOCKED"
	case LockedAndWait:
		return "LOCKED_AND_WAIT"
	case Retrying:
		return "RETRYING"
	default:
		return "UNKNOWN"
	}
}

// AcquireArgs/ReleaseArgs carry the lock id and the application-level
// lock sequence number (distinct from the RPC xid) that lets the server
// dedupe lock operations across client reconnection.
// CallbackAddr is the dialable address the lock client is itself
// listening on for revoke/retry callbacks; it is the
// identity the server tracks as owner/waiter, not the ephemeral source
// port of the TCP connection the acquire arrived on, since that port is
// never one the server could dial back into. A one-shot caller with no
// listening server of its own (cmd/lockctl) leaves it empty and simply
// never receives callbacks.
type AcquireArgs struct {
	Lid          uint64
	Xid          uint32
	CallbackAddr string
}

func (a AcquireArgs) Encode(e *wire.Encoder) {
	e.PutUint64(a.Lid)
	e.PutUint32(a.Xid)
	e.PutString(a.CallbackAddr)
}

func DecodeAcquireArgs(d *wire.Decoder) (AcquireArgs, error) {
	var a AcquireArgs
	var err error
	if a.Lid, err = d.Uint64(); err != nil {
		return a, err
	}
	if a.Xid, err = d.Uint32(); err != nil {
		return a, err
	}
	if a.CallbackAddr, err = d.String(); err != nil {
		return a, err
	}
	return a, nil
}

type ReleaseArgs = AcquireArgs

func DecodeReleaseArgs(d *wire.Decoder) (ReleaseArgs, error) { return DecodeAcquireArgs(d) }

// StatArgs carries only the lock id; stat is read-only and not subject
// to per-client xid dedup (no side effect to deduplicate).
type StatArgs struct {
	Lid uint64
}

func (a StatArgs) Encode(e *wire.Encoder) { e.PutUint64(a.Lid) }

func DecodeStatArgs(d *wire.Decoder) (StatArgs, error) {
	lid, err := d.Uint64()
	return StatArgs{Lid: lid}, err
}

// StatReply reports a lock's current state and owner, used by cmd/lockctl
// and by tests asserting P1/P2.
type StatReply struct {
	State LockState
	Owner string
}

func (r StatReply) Encode(e *wire.Encoder) {
	e.PutUint32(uint32(r.State))
	e.PutString(r.Owner)
}

func DecodeStatReply(d *wire.Decoder) (StatReply, error) {
	var r StatReply
	state, err := d.Uint32()
	if err != nil {
		return r, err
	}
	r.State = LockState(state)
	owner, err := d.String()
	if err != nil {
		return r, err
	}
	r.Owner = owner
	return r, nil
}

// CallbackArgs is the argument shape for both revoke and retry
// callbacks (procs 0x8001/0x8002): just the lock id.
type CallbackArgs struct {
	Lid uint64
}

func (a CallbackArgs) Encode(e *wire.Encoder) { e.PutUint64(a.Lid) }

func DecodeCallbackArgs(d *wire.Decoder) (CallbackArgs, error) {
	lid, err := d.Uint64()
	return CallbackArgs{Lid: lid}, err
}
