package wire

// Reserved procedure numbers.
const (
	ProcBind = 0x0001

	ProcLockAcquire = 0x7001
	ProcLockRelease = 0x7002
	ProcLockStat    = 0x7003

	ProcRevoke = 0x8001
	ProcRetry  = 0x8002

	ProcRSMInvoke          = 0x10001
	ProcRSMTransferReq     = 0x10002
	ProcRSMTransferDoneReq = 0x10003
	ProcRSMJoinReq         = 0x10004

	ProcRSMClientInvoke  = 0x9001
	ProcRSMClientMembers = 0x9002

	ProcPaxosPrepare   = 0x11001
	ProcPaxosAccept    = 0x11002
	ProcPaxosDecide    = 0x11003
	ProcPaxosHeartbeat = 0x11004

	ProcNetRepair  = 0x12001
	ProcBreakpoint = 0x12002
)

var procNames = map[uint32]string{
	ProcBind: "bind",

	ProcLockAcquire: "lock_acquire",
	ProcLockRelease: "lock_release",
	ProcLockStat:    "lock_stat",

	ProcRevoke: "revoke",
	ProcRetry:  "retry",

	ProcRSMInvoke:          "rsm_invoke",
	ProcRSMTransferReq:     "rsm_transfer_req",
	ProcRSMTransferDoneReq: "rsm_transfer_done_req",
	ProcRSMJoinReq:         "rsm_join_req",

	ProcRSMClientInvoke:  "rsm_client_invoke",
	ProcRSMClientMembers: "rsm_client_members",

	ProcPaxosPrepare:   "paxos_prepare",
	ProcPaxosAccept:    "paxos_accept",
	ProcPaxosDecide:    "paxos_decide",
	ProcPaxosHeartbeat: "paxos_heartbeat",

	ProcNetRepair:  "net_repair",
	ProcBreakpoint: "breakpoint",
}

// ProcName maps a procedure number to a short diagnostic label, used by
// internal/telemetry's per-proc dispatch counter instead of the bare
// numeric id.
func ProcName(proc uint32) string {
	if name, ok := procNames[proc]; ok {
		return name
	}
	return "unknown"
}

// RPC sentinel return codes (negative, never collide with a real
// application status since those are defined as >= 0 enums).
const (
	TimeoutFailure        = -1
	UnmarshalArgsFailure  = -2
	UnmarshalReplyFailure = -3
	AtMostOnceFailure     = -4
	OldSrvFailure         = -5
	BindFailure           = -6
	CancelFailure         = -7
)

// RequestHeader is the fixed prefix of every request payload:
// xid(4) | proc(4) | clt_nonce(4) | srv_nonce(4) | xid_rep(4).
type RequestHeader struct {
	Xid      uint32
	Proc     uint32
	CltNonce uint32
	SrvNonce uint32
	XidRep   uint32
}

const RequestHeaderSize = 20

func (h RequestHeader) Encode(e *Encoder) {
	e.PutUint32(h.Xid)
	e.PutUint32(h.Proc)
	e.PutUint32(h.CltNonce)
	e.PutUint32(h.SrvNonce)
	e.PutUint32(h.XidRep)
}

func DecodeRequestHeader(d *Decoder) (RequestHeader, error) {
	var h RequestHeader
	var err error
	if h.Xid, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.Proc, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.CltNonce, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.SrvNonce, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.XidRep, err = d.Uint32(); err != nil {
		return h, err
	}
	return h, nil
}

// ReplyHeader is the fixed prefix of every reply payload: xid(4) | ret(4).
type ReplyHeader struct {
	Xid uint32
	Ret int32
}

const ReplyHeaderSize = 8

func (h ReplyHeader) Encode(e *Encoder) {
	e.PutUint32(h.Xid)
	e.PutInt32(h.Ret)
}

func DecodeReplyHeader(d *Decoder) (ReplyHeader, error) {
	var h ReplyHeader
	var err error
	if h.Xid, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.Ret, err = d.Int32(); err != nil {
		return h, err
	}
	return h, nil
}
