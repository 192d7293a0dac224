package rpcnet

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns every connection a process creates: one Manager per
// process, dependency-injected into the RPC client and RPC server that
// share it. It tracks every live outbound Conn keyed by destination
// address so repeated calls to the same peer reuse one socket instead
// of dialing anew.
type Manager struct {
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*Conn // destination address -> outbound Conn

	lossyPercent int
}

// NewManager creates an owned connection manager. lossyPercent is the
// RPC_LOSSY drop probability (0 disables it) applied to every Conn this
// Manager dials; Adopt leaves an accepted Conn's setting as it is.
func NewManager(logger zerolog.Logger, lossyPercent int) *Manager {
	return &Manager{
		logger:       logger,
		conns:        make(map[string]*Conn),
		lossyPercent: lossyPercent,
	}
}

// Dial returns a live Conn to addr, dialing a fresh TCP socket if none
// is cached or the cached one has died. The returned Conn has its
// reference count incremented for the caller; callers must Decref when
// finished with this particular handle (the Manager itself keeps the
// reference that represents "is cached").
func (m *Manager) Dial(addr string, owner Handler) (*Conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[addr]; ok {
		if !c.IsDead() {
			c.Incref()
			m.mu.Unlock()
			return c, nil
		}
		delete(m.conns, addr)
		m.mu.Unlock()
		c.Decref() // release the cache reference on the dead conn
		m.mu.Lock()
	}
	m.mu.Unlock()

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := NewConn(nc, owner, m.logger)
	c.LossyPercent = m.lossyPercent

	m.mu.Lock()
	if old, ok := m.conns[addr]; ok && !old.IsDead() {
		// Lost the race against a concurrent dialer; keep the winner,
		// drop ours.
		old.Incref()
		m.mu.Unlock()
		c.Decref()
		return old, nil
	}
	m.conns[addr] = c
	m.mu.Unlock()

	c.Incref() // one ref for the caller, one stays cached on m.conns
	return c, nil
}

// Adopt registers an inbound (accepted) Conn that the caller already
// constructed, for bookkeeping/shutdown purposes. Used by the RPC
// server's listener loop.
func (m *Manager) Adopt(key string, c *Conn) {
	m.mu.Lock()
	m.conns[key] = c
	m.mu.Unlock()
}

// Forget removes addr from the cache (used when a dead connection is
// noticed) and drops the Manager's own cache reference, so the socket
// closes once every other holder has Decref'd.
func (m *Manager) Forget(addr string) {
	m.mu.Lock()
	c, ok := m.conns[addr]
	delete(m.conns, addr)
	m.mu.Unlock()
	if ok {
		c.Decref()
	}
}

// Count reports the number of connections this Manager currently
// tracks, exported for internal/telemetry's connection-count gauge.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll closes every tracked connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, c := range m.conns {
		c.Decref()
		delete(m.conns, addr)
	}
}
