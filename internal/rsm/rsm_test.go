package rsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/toniq-labs/lockd/internal/viewconfig"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// stubSM is a minimal StateMachine recording every op it's asked to
// apply, standing in for internal/lockservice in these tests (which
// only exercise the replication plumbing, not lock semantics).
type stubSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (s *stubSM) Apply(op []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, append([]byte(nil), op...))
	return append([]byte("ack:"), op...)
}

func (s *stubSM) Snapshot() []byte { return []byte("snapshot") }
func (s *stubSM) Restore(snapshot []byte) {}

func (s *stubSM) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// newPair wires two RSM nodes sharing a two-member view seeded
// directly via viewconfig.New (no paxos decision needed: the initial
// view already contains both addresses). A nil *paxos.Paxos is safe
// here: proposeChange refuses without a peer and nothing else in these
// tests reaches paxos. The backup's rpc.Server is returned so tests
// can kill it mid-run.
func newPair(t *testing.T) (primary, backup *RSM, primarySM, backupSM *stubSM, backupSrv *rpc.Server) {
	t.Helper()
	logger := zerolog.Nop()

	servers := make([]*rpc.Server, 2)
	mgrs := make([]*rpcnet.Manager, 2)
	for i := range servers {
		mgrs[i] = rpcnet.NewManager(logger, 0)
		servers[i] = rpc.NewServer(logger, 2, 32, 0)
		require.NoError(t, servers[i].Listen("127.0.0.1:0"))
	}
	peers := []string{servers[0].Addr(), servers[1].Addr()}

	sms := []*stubSM{{}, {}}
	rsms := make([]*RSM, 2)
	for i := range servers {
		vc := viewconfig.New(logger, nil, mgrs[i], peers[i], peers, nil)
		rsms[i] = New(logger, mgrs[i], vc, peers[i], sms[i])
		rsms[i].RegisterHandlers(servers[i])
	}
	t.Cleanup(func() {
		for _, s := range servers {
			s.Shutdown()
		}
	})

	_, _, isPrimary0 := rsms[0].Viewstamp()
	if isPrimary0 {
		return rsms[0], rsms[1], sms[0], sms[1], servers[1]
	}
	return rsms[1], rsms[0], sms[1], sms[0], servers[0]
}

// TestInvokeFansOutToBackupBeforeApplying covers the core viewstamped
// fan-out: a primary-side Invoke must have the backup apply the op
// (synchronously, since fanOut waits on every backup) before returning
// its own reply.
func TestInvokeFansOutToBackupBeforeApplying(t *testing.T) {
	primary, _, primarySM, backupSM, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := primary.Invoke(ctx, []byte("op1"))
	require.NoError(t, err)
	require.Equal(t, []byte("ack:op1"), reply)

	require.Equal(t, 1, primarySM.appliedCount())
	require.Equal(t, 1, backupSM.appliedCount())
}

// TestBackupInvokeReturnsErrNotPrimary covers Invoke's role guard: a
// non-primary node must refuse to run the fan-out itself.
func TestBackupInvokeReturnsErrNotPrimary(t *testing.T) {
	_, backup, _, _, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_, err := backup.Invoke(ctx, []byte("op1"))
	require.ErrorIs(t, err, ErrNotPrimary)
}

// TestHandleInvokeRejectsMismatchedViewstamp covers HandleInvoke's
// ordering guard: a viewstamp that doesn't match the backup's expected
// next slot (wrong view, or a gap in seqno) must be rejected so the
// sender falls back to a snapshot transfer instead of silently
// applying out of order.
func TestHandleInvokeRejectsMismatchedViewstamp(t *testing.T) {
	_, backup, _, backupSM, _ := newPair(t)

	args := invokeArgs{VS: Viewstamp{Vid: 999, Seqno: 0}, Op: []byte("op1")}
	e := wire.NewEncoder(16)
	args.encode(e)
	d := wire.NewDecoder(e.Bytes())

	status := backup.HandleInvoke("primary", d, wire.NewEncoder(0))
	require.EqualValues(t, statusStaleView, status)
	require.Equal(t, 0, backupSM.appliedCount())
}

// TestHandleTransferReqRestoresSnapshotAndResetsApplied covers the push
// side of state transfer: a backup accepting an unsolicited snapshot
// adopts the sender's view id and resets its applied watermark, ready
// to accept the new view's first Invoke at seqno 1.
func TestHandleTransferReqRestoresSnapshotAndResetsApplied(t *testing.T) {
	_, backup, _, _, _ := newPair(t)

	args := transferArgs{Vid: 7, Snapshot: []byte("a-snapshot")}
	e := wire.NewEncoder(32)
	args.encode(e)
	d := wire.NewDecoder(e.Bytes())

	status := backup.HandleTransferReq("primary", d, wire.NewEncoder(0))
	require.EqualValues(t, 0, status)

	vid, seqno, isPrimary := backup.Viewstamp()
	require.EqualValues(t, 7, vid)
	require.EqualValues(t, 1, seqno)
	require.False(t, isPrimary)
}

// TestHandleTransferDoneReqRefusesWhenNotPrimary covers the pull side's
// role guard: only the primary can answer a snapshot request.
func TestHandleTransferDoneReqRefusesWhenNotPrimary(t *testing.T) {
	_, backup, _, _, _ := newPair(t)

	args := transferDoneArgs{Vid: 0}
	e := wire.NewEncoder(8)
	args.encode(e)
	d := wire.NewDecoder(e.Bytes())

	status := backup.HandleTransferDoneReq("x", d, wire.NewEncoder(0))
	require.EqualValues(t, statusStaleView, status)
}

// TestHandleClientInvokeRunsThroughPrimary covers the client-facing
// front door: HandleClientInvoke on the primary runs the full fan-out
// and returns the application reply inline.
func TestHandleClientInvokeRunsThroughPrimary(t *testing.T) {
	primary, _, _, backupSM, _ := newPair(t)

	e := wire.NewEncoder(8)
	e.PutBytes([]byte("op-via-client"))
	d := wire.NewDecoder(e.Bytes())

	out := wire.NewEncoder(0)
	status := primary.HandleClientInvoke("client", d, out)
	require.EqualValues(t, 0, status)

	reply, err := wire.NewDecoder(out.Bytes()).Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("ack:op-via-client"), reply)
	require.Equal(t, 1, backupSM.appliedCount())
}

// TestFanOutFailureDeclaresViewChange covers the primary's reaction to
// a backup failing to ACK: rather than returning a bare error and
// handing out the same viewstamp again (wedging any backup that did
// apply it), the primary declares itself in view change and refuses
// further invokes with ErrBusy until a new view commits.
func TestFanOutFailureDeclaresViewChange(t *testing.T) {
	primary, _, primarySM, _, backupSrv := newPair(t)

	backupSrv.Shutdown() // backup dies before the fan-out reaches it

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := primary.Invoke(ctx, []byte("op1"))
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, 0, primarySM.appliedCount()) // the partial op was never applied here

	// Still in view change: subsequent invokes are refused outright
	// instead of burning another viewstamp against a broken group.
	_, err = primary.Invoke(ctx, []byte("op2"))
	require.ErrorIs(t, err, ErrBusy)
}

// TestCommitChangeClearsViewChange covers recovery: once the next view
// commits (here, the backup removed), the primary serves again with a
// reset viewstamp sequence.
func TestCommitChangeClearsViewChange(t *testing.T) {
	primary, _, primarySM, _, backupSrv := newPair(t)

	backupSrv.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := primary.Invoke(ctx, []byte("op1"))
	require.ErrorIs(t, err, ErrBusy)

	primary.commitChange(viewconfig.View{Num: 2, Members: []string{primary.self}})

	reply, err := primary.Invoke(ctx, []byte("op2"))
	require.NoError(t, err)
	require.Equal(t, []byte("ack:op2"), reply)
	require.Equal(t, 1, primarySM.appliedCount())

	vid, seqno, isPrimary := primary.Viewstamp()
	require.EqualValues(t, 2, vid)
	require.EqualValues(t, 2, seqno) // one op applied after the view-change reset
	require.True(t, isPrimary)
}
