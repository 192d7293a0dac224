// Package viewconfig is the view manager: it uses internal/paxos to
// agree on a sequence of cluster membership views, drives a heartbeat
// loop to detect failures, and proposes add/remove changes to the next
// view.
package viewconfig

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/toniq-labs/lockd/internal/paxos"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
	"github.com/toniq-labs/lockd/pkg/wire"
)

const pingTimeout = 1 * time.Second

// View is one decided membership snapshot: a view number and the
// sorted set of member addresses active as of that view.
type View struct {
	Num     uint64   `json:"num"`
	Members []string `json:"members"`
}

func (v View) contains(addr string) bool {
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// heartbeatInterval is the default failure-detector cadence.
const heartbeatInterval = 3 * time.Second

// Manager runs the heartbeat loop and view-change proposal logic for
// one member of the cluster.
type Manager struct {
	logger zerolog.Logger
	px     *paxos.Paxos
	self   string
	all    []string // the full, fixed roster paxos itself runs over

	mu      sync.RWMutex
	current View
	nextSeq uint64

	nc  *nats.Conn // sideband publication of view changes, may be nil
	mgr *rpcnet.Manager

	outboundMu sync.Mutex
	outbound   map[string]*rpc.Client

	stopCh chan struct{}
	once   sync.Once

	interval time.Duration

	onChange func(View)
}

// SetHeartbeatInterval overrides the 3s default failure-detector
// cadence; cmd/lockd wires LOCKD_HEARTBEAT_INTERVAL through here.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

// OnChange registers a callback invoked synchronously every time a new
// view is adopted, letting internal/rsm re-derive its primary/backup
// role.
func (m *Manager) OnChange(fn func(View)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// New creates a view manager seeded with view 0 containing every
// address in all. self must be one of all. mgr dials the lightweight
// heartbeat RPC used by the failure detector.
func New(logger zerolog.Logger, px *paxos.Paxos, mgr *rpcnet.Manager, self string, all []string, nc *nats.Conn) *Manager {
	members := append([]string(nil), all...)
	sort.Strings(members)
	m := &Manager{
		logger:   logger,
		px:       px,
		mgr:      mgr,
		self:     self,
		all:      all,
		current:  View{Num: 0, Members: members},
		nextSeq:  1,
		nc:       nc,
		outbound: make(map[string]*rpc.Client),
		stopCh:   make(chan struct{}),
	}
	if px != nil {
		// Learn views decided by other proposers too, not just the ones
		// this node's own AddMember/RemoveMember calls initiated.
		px.SetOnDecide(func(seq uint64, value []byte) {
			var v View
			if err := json.Unmarshal(value, &v); err != nil {
				m.logger.Error().Err(err).Uint64("seq", seq).Msg("viewconfig: unmarshal decided view")
				return
			}
			m.adopt(v)
		})
	}
	return m
}

// RegisterHeartbeat binds the trivial heartbeat responder proc onto an
// rpc.Server; a reply at all, regardless of content, counts as "alive".
func RegisterHeartbeat(s *rpc.Server) {
	s.Register(wire.ProcPaxosHeartbeat, func(from string, d *wire.Decoder, e *wire.Encoder) int32 {
		return 0
	})
}

// Current returns the latest view this manager has observed decided.
func (m *Manager) Current() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Members is a convenience wrapper over Current for callers that only
// need the address list (internal/rsm's client-side refresh path).
func (m *Manager) Members() []string {
	return m.Current().Members
}

// Run starts the heartbeat loop. It blocks until Stop is called, so
// callers run it in its own goroutine.
func (m *Manager) Run() {
	interval := m.interval
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.heartbeatRound()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// heartbeatRound implements the failure detector: the
// lexicographically smallest address in the current view pings every
// other member, and every other member pings the smallest. Any peer
// that fails to answer is proposed for removal from the next view —
// the removal still goes through full Paxos agreement, so a one-sided
// partition cannot unilaterally evict a live node.
func (m *Manager) heartbeatRound() {
	view := m.Current()
	if len(view.Members) == 0 || !view.contains(m.self) {
		return
	}
	pinger := smallest(view.Members)
	var failed []string
	if pinger == m.self {
		for _, addr := range view.Members {
			if addr == m.self {
				continue
			}
			if !m.ping(addr) {
				failed = append(failed, addr)
			}
		}
	} else if !m.ping(pinger) {
		failed = append(failed, pinger)
	}
	if len(failed) == 0 {
		return
	}
	m.logger.Warn().Strs("failed", failed).Msg("viewconfig: proposing removal of unreachable members")
	m.proposeChange(remove(view.Members, failed))
}

func smallest(members []string) string {
	best := members[0]
	for _, m := range members[1:] {
		if m < best {
			best = m
		}
	}
	return best
}

func remove(members, dead []string) []string {
	deadSet := make(map[string]bool, len(dead))
	for _, d := range dead {
		deadSet[d] = true
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if !deadSet[m] {
			out = append(out, m)
		}
	}
	return out
}

// ping performs a lightweight heartbeat RPC; failure just means "didn't
// answer in time", not necessarily dead, which is why removal still has
// to go through full agreement rather than being acted on unilaterally.
func (m *Manager) ping(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	_, status, err := m.clientFor(addr).Call(ctx, wire.ProcPaxosHeartbeat, nil)
	return err == nil && status >= 0
}

func (m *Manager) clientFor(addr string) *rpc.Client {
	m.outboundMu.Lock()
	defer m.outboundMu.Unlock()
	if c, ok := m.outbound[addr]; ok {
		return c
	}
	c := rpc.NewClient(m.logger, m.mgr, addr, 0)
	m.outbound[addr] = c
	return c
}

// AddMember proposes a new view with addr added; internal/rsm's join
// protocol drives this for a node asking to be re-admitted.
func (m *Manager) AddMember(addr string) {
	view := m.Current()
	if view.contains(addr) {
		return
	}
	m.proposeChange(append(append([]string(nil), view.Members...), addr))
}

// RemoveMember proposes a new view with addr removed.
func (m *Manager) RemoveMember(addr string) {
	view := m.Current()
	m.proposeChange(remove(view.Members, []string{addr}))
}

func (m *Manager) proposeChange(members []string) {
	if m.px == nil {
		m.logger.Error().Strs("members", members).Msg("viewconfig: no paxos peer, cannot propose view change")
		return
	}
	sort.Strings(members)
	m.mu.Lock()
	seq := m.nextSeq
	m.nextSeq++
	m.mu.Unlock()
	proposed := View{Num: seq, Members: members}
	buf, err := json.Marshal(proposed)
	if err != nil {
		m.logger.Error().Err(err).Msg("viewconfig: marshal proposed view")
		return
	}
	m.px.Start(seq, buf)
	// Adoption happens via the SetOnDecide upcall once the instance
	// decides — not necessarily on this proposer's own value, since
	// Paxos may choose a competing proposer's view for the same seq.
}

func (m *Manager) adopt(v View) {
	m.mu.Lock()
	if v.Num <= m.current.Num {
		m.mu.Unlock()
		return
	}
	m.current = v
	if v.Num >= m.nextSeq {
		m.nextSeq = v.Num + 1
	}
	cb := m.onChange
	m.mu.Unlock()
	m.px.Done(v.Num)
	m.publish(v)
	m.logger.Info().Uint64("view", v.Num).Strs("members", v.Members).Msg("viewconfig: adopted view")
	if cb != nil {
		cb(v)
	}
}

// publish sends the decided view to NATS subject "lockd.views.decided"
// for out-of-band observability. Sideband only: a missing NATS server
// degrades to a debug log line, never to an unavailable view.
func (m *Manager) publish(v View) {
	if m.nc == nil {
		return
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.nc.Publish("lockd.views.decided", buf); err != nil {
		m.logger.Debug().Err(err).Msg("viewconfig: nats publish failed")
	}
}
