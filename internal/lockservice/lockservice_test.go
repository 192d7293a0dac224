package lockservice

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/toniq-labs/lockd/internal/lockproto"
	"github.com/toniq-labs/lockd/internal/lockserver"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
)

func newSM() *StateMachine {
	mgr := rpcnet.NewManager(zerolog.Nop(), 0)
	return NewStateMachine(lockserver.NewServer(zerolog.Nop(), mgr, 1000))
}

// TestOpEncodeDecodeRoundTrip covers the opaque op payload both
// EncodeAcquireOp and Apply agree on.
func TestOpEncodeDecodeRoundTrip(t *testing.T) {
	payload := EncodeAcquireOp("client.example:9000", 42, 7)
	o, err := decodeOp(payload)
	require.NoError(t, err)
	require.Equal(t, opAcquire, o.Kind)
	require.Equal(t, "client.example:9000", o.CallbackAddr)
	require.EqualValues(t, 42, o.Lid)
	require.EqualValues(t, 7, o.Xid)
}

// TestApplyDispatchesToLockServer covers the StateMachine adapter: an
// acquire op applied on a fresh replica grants the lock to the encoded
// caller, and the reply decodes back to the lock status.
func TestApplyDispatchesToLockServer(t *testing.T) {
	sm := newSM()

	reply := sm.Apply(EncodeAcquireOp("alice:1", 1, 1))
	require.Equal(t, int32(lockproto.OK), DecodeStatus(reply))

	stat := sm.ls.Stat(1)
	require.Equal(t, lockproto.Locked, stat.State)
	require.Equal(t, "alice:1", stat.Owner)

	// A contender applied through the same state machine gets RETRY,
	// exactly as a backup replaying the primary's sequence would see.
	reply = sm.Apply(EncodeAcquireOp("bob:1", 1, 1))
	require.Equal(t, int32(lockproto.RETRY), DecodeStatus(reply))
}

// TestApplyMalformedOpReturnsRPCERR covers the adapter's decode guard.
func TestApplyMalformedOpReturnsRPCERR(t *testing.T) {
	sm := newSM()
	reply := sm.Apply([]byte{0x01, 0x02})
	require.Equal(t, int32(lockproto.RPCERR), DecodeStatus(reply))
}

// TestSnapshotRestoreCarriesLockTable covers the transfer path end to
// end at the adapter level: a second state machine restored from the
// first answers a replayed acquire from cache.
func TestSnapshotRestoreCarriesLockTable(t *testing.T) {
	src := newSM()
	require.Equal(t, int32(lockproto.OK), DecodeStatus(src.Apply(EncodeAcquireOp("alice:1", 1, 1))))

	dst := newSM()
	dst.Restore(src.Snapshot())

	replay := dst.Apply(EncodeAcquireOp("alice:1", 1, 1))
	require.Equal(t, int32(lockproto.OK), DecodeStatus(replay))
	stat := dst.ls.Stat(1)
	require.Equal(t, "alice:1", stat.Owner)
}
