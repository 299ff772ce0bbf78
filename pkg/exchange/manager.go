package exchange

import (
	"strconv"

	"github.com/cuemby/warren-coord/pkg/coordsession"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/cuemby/warren-coord/pkg/metrics"
	"github.com/cuemby/warren-coord/pkg/waitdir"
)

// Manager is the ExchangeManager of spec.md §4.5: it encodes/decodes the
// three wire message kinds over a best-effort datagram Endpoint and
// dispatches inbound messages into the LockWait/Invalidation directories.
type Manager struct {
	endpoint     Endpoint
	sessions     coordsession.Manager
	lockWait     *waitdir.LockWait
	invalidation *waitdir.Invalidation
}

// New wires an ExchangeManager from its collaborators. Start must be
// called once to begin serving inbound datagrams.
func New(endpoint Endpoint, sessions coordsession.Manager, lockWait *waitdir.LockWait, invalidation *waitdir.Invalidation) *Manager {
	return &Manager{
		endpoint:     endpoint,
		sessions:     sessions,
		lockWait:     lockWait,
		invalidation: invalidation,
	}
}

// Start begins the inbound read loop in a new goroutine.
func (m *Manager) Start() {
	go m.endpoint.Serve(m.handle)
}

// Close shuts down the underlying transport.
func (m *Manager) Close() error {
	return m.endpoint.Close()
}

func (m *Manager) handle(from []byte, frame []byte) {
	logger := log.WithComponent("exchange")
	msg, _, err := Decode(frame)
	if err != nil {
		logger.Warn().Err(err).Str("from", string(from)).Msg("dropping malformed exchange frame")
		metrics.ExchangeMessagesDropped.WithLabelValues("malformed").Inc()
		return
	}
	switch msg.Type {
	case MsgReleasedReadLock:
		m.lockWait.NotifyRead(msg.Key, msg.Session)
	case MsgReleasedWriteLock:
		m.lockWait.NotifyWrite(msg.Key, msg.Session)
	case MsgInvalidateCacheEntry:
		if msg.Session.Equal(m.sessions.LocalSession()) {
			m.invalidation.Invoke(msg.Key)
		} else {
			logger.Debug().Str("key", msg.Key).Msg("ignoring invalidation addressed to a foreign session")
		}
	default:
		logger.Warn().Uint8("type", uint8(msg.Type)).Msg("unknown exchange message type")
	}
}

// InvalidateCacheEntry asks holder to drop key from its cache and release
// its read-lock. If holder is the local session, the invalidation fires
// synchronously with no network round trip.
func (m *Manager) InvalidateCacheEntry(key coordtypes.Key, holder coordtypes.SessionId) {
	if holder.Equal(m.sessions.LocalSession()) {
		m.invalidation.Invoke(key)
		return
	}
	m.send(holder, Message{Type: MsgInvalidateCacheEntry, Key: key, Session: holder})
}

// NotifyReadLockReleased fans the release of key's read-lock by session out
// to every live session: local delivery direct to the directory, remote
// delivery best-effort over the datagram transport.
func (m *Manager) NotifyReadLockReleased(key coordtypes.Key, session coordtypes.SessionId) {
	m.broadcast(Message{Type: MsgReleasedReadLock, Key: key, Session: session})
}

// NotifyWriteLockReleased is the write-lock analogue of
// NotifyReadLockReleased.
func (m *Manager) NotifyWriteLockReleased(key coordtypes.Key, session coordtypes.SessionId) {
	m.broadcast(Message{Type: MsgReleasedWriteLock, Key: key, Session: session})
}

func (m *Manager) broadcast(msg Message) {
	local := m.sessions.LocalSession()
	for _, sess := range m.sessions.EnumerateSessions() {
		if sess.Equal(local) {
			m.deliverLocal(msg)
			continue
		}
		m.send(sess, msg)
	}
}

func (m *Manager) deliverLocal(msg Message) {
	switch msg.Type {
	case MsgReleasedReadLock:
		m.lockWait.NotifyRead(msg.Key, msg.Session)
	case MsgReleasedWriteLock:
		m.lockWait.NotifyWrite(msg.Key, msg.Session)
	case MsgInvalidateCacheEntry:
		m.invalidation.Invoke(msg.Key)
	}
}

func (m *Manager) send(to coordtypes.SessionId, msg Message) {
	frame := Encode(msg)
	typeLabel := strconv.Itoa(int(msg.Type))
	if err := m.endpoint.SendTo(to.Address, frame); err != nil {
		log.WithComponent("exchange").Debug().
			Err(err).Str("to", to.String()).
			Msg("best-effort exchange send failed, peer may have died")
		metrics.ExchangeMessagesDropped.WithLabelValues("send_error").Inc()
		return
	}
	metrics.ExchangeMessagesSent.WithLabelValues(typeLabel).Inc()
}
