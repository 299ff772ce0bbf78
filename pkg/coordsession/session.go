// Package coordsession implements the SessionManager external collaborator
// described in spec.md §4.3/§6: session identity, liveness, and a
// wait-for-termination future. spec.md treats SessionManager as an outside
// dependency; this package supplies a concrete TTL/heartbeat implementation
// modeled on the teacher's pkg/health liveness tracking and on
// incubusfree-consul's session create/renew/destroy loop, so the rest of
// the engine can be exercised end to end.
package coordsession

import (
	"sync"
	"time"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/cuemby/warren-coord/pkg/metrics"
)

// Manager is the interface LockManager, WaitManager and ExchangeManager
// consume. It is intentionally narrow, matching spec.md §6.
type Manager interface {
	// LocalSession returns the identity of this process's session.
	LocalSession() coordtypes.SessionId

	// IsAlive reports whether session is still considered live.
	IsAlive(session coordtypes.SessionId) bool

	// WaitForTermination returns a channel closed exactly once, when
	// session is no longer alive. A session already dead returns a
	// channel that is already closed.
	WaitForTermination(session coordtypes.SessionId) <-chan struct{}

	// EnumerateSessions returns every currently-live session known to
	// this process, local session included.
	EnumerateSessions() []coordtypes.SessionId
}

type record struct {
	id       coordtypes.SessionId
	lastBeat time.Time
	ttl      time.Duration
	dead     bool
	done     chan struct{}
}

// LocalManager is a concrete, in-memory SessionManager. Foreign sessions
// are registered as their existence becomes known (e.g. via an
// ExchangeManager message) and pruned by a background reaper once their TTL
// elapses without a heartbeat.
type LocalManager struct {
	mu      sync.Mutex
	local   coordtypes.SessionId
	ttl     time.Duration
	records map[string]*record
	stopCh  chan struct{}
}

// NewLocalManager creates a session manager whose local identity is
// local, with sessions (local and foreign) considered dead after ttl
// without a heartbeat.
func NewLocalManager(local coordtypes.SessionId, ttl time.Duration) *LocalManager {
	m := &LocalManager{
		local:   local,
		ttl:     ttl,
		records: make(map[string]*record),
		stopCh:  make(chan struct{}),
	}
	m.touchLocked(local)
	go m.reapLoop()
	go m.renewLoop()
	return m
}

func (m *LocalManager) touchLocked(id coordtypes.SessionId) *record {
	r, ok := m.records[id.Key()]
	if !ok {
		r = &record{id: id, done: make(chan struct{})}
		m.records[id.Key()] = r
		metrics.SessionsTracked.Inc()
	}
	r.lastBeat = time.Now()
	r.ttl = m.ttl
	return r
}

// RegisterSession makes a foreign session known, so its liveness can be
// tracked. It is idempotent.
func (m *LocalManager) RegisterSession(id coordtypes.SessionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(id)
}

// Heartbeat refreshes a session's last-beat timestamp, as if a renewal or
// inbound message from it had just been observed.
func (m *LocalManager) Heartbeat(id coordtypes.SessionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id.Key()]; ok && !r.dead {
		r.lastBeat = time.Now()
	} else if !ok {
		m.touchLocked(id)
	}
}

// Terminate marks id dead immediately and wakes every waiter.
func (m *LocalManager) Terminate(id coordtypes.SessionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killLocked(id.Key())
}

func (m *LocalManager) killLocked(key string) {
	r, ok := m.records[key]
	if !ok || r.dead {
		return
	}
	r.dead = true
	close(r.done)
	metrics.SessionsTerminated.Inc()
	metrics.SessionsTracked.Dec()
}

func (m *LocalManager) LocalSession() coordtypes.SessionId { return m.local }

func (m *LocalManager) IsAlive(id coordtypes.SessionId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id.Key()]
	return ok && !r.dead
}

func (m *LocalManager) WaitForTermination(id coordtypes.SessionId) <-chan struct{} {
	m.mu.Lock()
	r, ok := m.records[id.Key()]
	if !ok {
		r = m.touchLocked(id)
	}
	done := r.done
	m.mu.Unlock()
	return done
}

func (m *LocalManager) EnumerateSessions() []coordtypes.SessionId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]coordtypes.SessionId, 0, len(m.records))
	for _, r := range m.records {
		if !r.dead {
			out = append(out, r.id)
		}
	}
	return out
}

// Close stops the background renew/reap loops and terminates the local
// session, signalling peers (via their own TTL expiry) that this process
// is gone.
func (m *LocalManager) Close() error {
	select {
	case <-m.stopCh:
		return nil
	default:
		close(m.stopCh)
	}
	m.mu.Lock()
	m.killLocked(m.local.Key())
	m.mu.Unlock()
	return nil
}

// renewLoop periodically refreshes the local session's heartbeat, mirroring
// the teacher's session-renewal pattern (renew at TTL/2).
func (m *LocalManager) renewLoop() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Heartbeat(m.local)
		case <-m.stopCh:
			return
		}
	}
}

// reapLoop marks any session (local or foreign) dead once it has gone
// silent for longer than its TTL.
func (m *LocalManager) reapLoop() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, r := range m.records {
				if !r.dead && now.Sub(r.lastBeat) > r.ttl {
					log.WithComponent("coordsession").Warn().
						Str("session", r.id.String()).
						Msg("session TTL expired, marking terminated")
					m.killLocked(key)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}
