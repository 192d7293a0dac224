package rsm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// Client is the rsm_client stub: what a process outside the replica set
// uses to call through to the replicated state machine without knowing
// which member is currently primary. It first invokes ops against the
// first seed address; whenever the assumed primary answers NOTPRIMARY or
// fails, it asks for the full membership (proc 0x9002), switches to
// members[0] — the primary by construction, see RSM.isPrimary — and
// retries.
type Client struct {
	logger zerolog.Logger
	mgr    *rpcnet.Manager

	mu      sync.Mutex
	primary string
	known   []string

	outbound map[string]*rpc.Client
}

// NewClient builds a Client seeded from addrs (normally the full static
// peer list cmd/lockctl was given); addrs[0] is the first assumed
// primary and the rest are asked for the membership if it fails.
func NewClient(logger zerolog.Logger, mgr *rpcnet.Manager, addrs []string) *Client {
	c := &Client{logger: logger, mgr: mgr, outbound: make(map[string]*rpc.Client)}
	if len(addrs) > 0 {
		c.primary = addrs[0]
		c.known = append([]string(nil), addrs[1:]...)
	}
	return c
}

const (
	maxInvokeAttempts = 10
	retryBackoff      = 50 * time.Millisecond
)

// Invoke sends op to the replicated state machine's assumed primary via
// proc 0x9001 and returns its reply, refreshing the membership and
// retrying elsewhere on NOTPRIMARY/timeout up to maxInvokeAttempts times.
func (c *Client) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxInvokeAttempts; attempt++ {
		c.mu.Lock()
		primary := c.primary
		c.mu.Unlock()

		if primary == "" {
			lastErr = errors.New("rsm client: no known members")
		} else {
			payload, status, err := c.client(primary).Call(ctx, wire.ProcRSMClientInvoke, func(e *wire.Encoder) { e.PutBytes(op) })
			switch {
			case err != nil:
				lastErr = err
				c.refreshMembers(ctx, primary)
			case status == statusStaleView:
				lastErr = ErrViewChanged
				c.refreshMembers(ctx, primary)
			case status == statusBusy:
				// Recovery in progress on the primary; back off and
				// retry against the same member.
				lastErr = ErrBusy
			case status < 0:
				lastErr = errors.New("rsm client: rpc failure")
			default:
				return decodeClientReply(payload)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return nil, lastErr
}

// refreshMembers asks askAddr (falling back to any other known address)
// for the current membership (proc 0x9002) and adopts the first entry
// as the new assumed primary, matching the primary election rule the
// replicas themselves use (members[0] of the committed view).
func (c *Client) refreshMembers(ctx context.Context, askAddr string) {
	c.mu.Lock()
	candidates := append([]string{askAddr}, c.known...)
	c.mu.Unlock()

	for _, addr := range candidates {
		if addr == "" {
			continue
		}
		payload, status, err := c.client(addr).Call(ctx, wire.ProcRSMClientMembers, nil)
		if err != nil || status != 0 {
			continue
		}
		members, derr := decodeMembers(payload)
		if derr != nil || len(members) == 0 {
			continue
		}
		c.mu.Lock()
		c.primary = members[0]
		c.known = members[1:]
		c.mu.Unlock()
		return
	}
}

func decodeMembers(payload []byte) ([]string, error) {
	d := wire.NewDecoder(payload)
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		m, err := d.String()
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func decodeClientReply(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	d := wire.NewDecoder(payload)
	return d.Bytes()
}

func (c *Client) client(addr string) *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.outbound[addr]; ok {
		return cl
	}
	cl := rpc.NewClient(c.logger, c.mgr, addr, rpc.RandomNonce())
	c.outbound[addr] = cl
	return cl
}
