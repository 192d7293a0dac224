package lockserver

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/toniq-labs/lockd/internal/lockproto"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
)

func newTestServer() *Server {
	mgr := rpcnet.NewManager(zerolog.Nop(), 0)
	return NewServer(zerolog.Nop(), mgr, 1000)
}

// TestAcquireGrantsToFirstCaller covers the FREE -> LOCKED transition.
func TestAcquireGrantsToFirstCaller(t *testing.T) {
	s := newTestServer()
	status := s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1})
	require.Equal(t, int32(lockproto.OK), status)

	stat := s.Stat(1)
	require.Equal(t, lockproto.Locked, stat.State)
	require.Equal(t, "alice", stat.Owner)
}

// TestSecondAcquirerRetriesAndOwnerIsRevoked covers the LOCKED -> a
// contending acquirer gets RETRY, and the owner is queued for revoke.
func TestSecondAcquirerRetriesAndOwnerIsRevoked(t *testing.T) {
	s := newTestServer()
	require.Equal(t, int32(lockproto.OK), s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1}))

	status := s.Acquire("bob", lockproto.AcquireArgs{Lid: 1, Xid: 1})
	require.Equal(t, int32(lockproto.RETRY), status)

	stat := s.Stat(1)
	require.Equal(t, lockproto.LockedAndWait, stat.State)
	require.Equal(t, "alice", stat.Owner)

	// Give the revoke dispatcher goroutine a moment; the attempted
	// outbound callback will fail to dial (no real lockclient listening)
	// but the revoke counter must still have been bumped at enqueue time.
	time.Sleep(10 * time.Millisecond)
	_, revokes, _ := s.Stats()
	require.EqualValues(t, 1, revokes)
}

// TestReleaseHandsLockToWaiter covers LOCKED_AND_WAIT -> RETRYING and
// the retry callback enqueue for the freed waiter.
func TestReleaseHandsLockToWaiter(t *testing.T) {
	s := newTestServer()
	require.Equal(t, int32(lockproto.OK), s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1}))
	require.Equal(t, int32(lockproto.RETRY), s.Acquire("bob", lockproto.AcquireArgs{Lid: 1, Xid: 1}))

	status := s.Release("alice", lockproto.ReleaseArgs{Lid: 1, Xid: 2})
	require.Equal(t, int32(lockproto.OK), status)

	stat := s.Stat(1)
	require.Equal(t, lockproto.Retrying, stat.State)

	// bob retries and should now be granted ownership.
	status = s.Acquire("bob", lockproto.AcquireArgs{Lid: 1, Xid: 2})
	require.Equal(t, int32(lockproto.OK), status)
	stat = s.Stat(1)
	require.Equal(t, lockproto.Locked, stat.State)
	require.Equal(t, "bob", stat.Owner)
}

// TestReleaseOfUnownedLockIsIOERR covers the default branch of Release.
func TestReleaseOfUnownedLockIsIOERR(t *testing.T) {
	s := newTestServer()
	status := s.Release("alice", lockproto.ReleaseArgs{Lid: 42, Xid: 1})
	require.Equal(t, int32(lockproto.IOERR), status)
}

// TestAcquireDedupReturnsCachedReply covers the per-client xid
// dedup rule: a retransmitted acquire with the same xid must not
// re-run the transition table, it must return the cached status.
func TestAcquireDedupReturnsCachedReply(t *testing.T) {
	s := newTestServer()
	require.Equal(t, int32(lockproto.OK), s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1}))

	// bob's acquire attempt revokes alice and transitions the lock to
	// LOCKED_AND_WAIT; alice's original xid=1 acquire reply must still
	// replay OK on retransmission rather than re-evaluating against the
	// now-changed state.
	require.Equal(t, int32(lockproto.RETRY), s.Acquire("bob", lockproto.AcquireArgs{Lid: 1, Xid: 1}))
	replay := s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1})
	require.Equal(t, int32(lockproto.OK), replay)
}

// TestReentrantAcquireByOwnerSucceeds covers a retransmitted acquire
// from the current owner with a newer xid than any cached one but the
// lock state unchanged (owner still holds it).
func TestReentrantAcquireByOwnerSucceeds(t *testing.T) {
	s := newTestServer()
	require.Equal(t, int32(lockproto.OK), s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1}))
	status := s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 2})
	require.Equal(t, int32(lockproto.OK), status)
}

// TestSnapshotRestoreRoundTrip covers internal/rsm's state-transfer use
// of Snapshot/Restore: a fresh server Restore'd from another's Snapshot
// must answer Stat and dedup exactly as the original would have.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestServer()
	require.Equal(t, int32(lockproto.OK), s.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1}))
	require.Equal(t, int32(lockproto.RETRY), s.Acquire("bob", lockproto.AcquireArgs{Lid: 1, Xid: 1}))

	snap := s.Snapshot()
	require.NotEmpty(t, snap)

	restored := newTestServer()
	restored.Restore(snap)

	stat := restored.Stat(1)
	require.Equal(t, lockproto.LockedAndWait, stat.State)
	require.Equal(t, "alice", stat.Owner)

	// A retransmitted xid=1 acquire from alice must still replay the
	// cached OK on the restored replica, not re-run the transition.
	replay := restored.Acquire("alice", lockproto.AcquireArgs{Lid: 1, Xid: 1})
	require.Equal(t, int32(lockproto.OK), replay)
}
