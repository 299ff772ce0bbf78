package exchange

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/waitdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sid(tag string) coordtypes.SessionId {
	return coordtypes.NewSessionId([]byte("addr-"+tag), []byte(tag))
}

// fakeEndpoint is an in-memory Endpoint double: SendTo hands the frame
// straight to a peer registry rather than touching a real socket.
type fakeEndpoint struct {
	mu       sync.Mutex
	local    []byte
	sent     []Message
	handler  func(from []byte, frame []byte)
	failSend bool
}

func newFakeEndpoint(local []byte) *fakeEndpoint {
	return &fakeEndpoint{local: local}
}

func (e *fakeEndpoint) LocalAddr() []byte { return e.local }

func (e *fakeEndpoint) SendTo(addr []byte, frame []byte) error {
	if e.failSend {
		return assert.AnError
	}
	msg, _, err := Decode(frame)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sent = append(e.sent, msg)
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) Serve(handler func(from []byte, frame []byte)) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

func (e *fakeEndpoint) Close() error { return nil }

func (e *fakeEndpoint) deliver(from []byte, msg Message) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	h(from, Encode(msg))
}

func (e *fakeEndpoint) sentMessages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.sent...)
}

// fakeSessions is a minimal coordsession.Manager double.
type fakeSessions struct {
	local     coordtypes.SessionId
	live      map[string]coordtypes.SessionId
	terminate map[string]chan struct{}
}

func newFakeSessions(local coordtypes.SessionId, others ...coordtypes.SessionId) *fakeSessions {
	f := &fakeSessions{
		local:     local,
		live:      map[string]coordtypes.SessionId{local.Key(): local},
		terminate: map[string]chan struct{}{},
	}
	for _, o := range others {
		f.live[o.Key()] = o
	}
	return f
}

func (f *fakeSessions) LocalSession() coordtypes.SessionId { return f.local }

func (f *fakeSessions) IsAlive(s coordtypes.SessionId) bool {
	_, ok := f.live[s.Key()]
	return ok
}

func (f *fakeSessions) WaitForTermination(s coordtypes.SessionId) <-chan struct{} {
	ch, ok := f.terminate[s.Key()]
	if !ok {
		ch = make(chan struct{})
		f.terminate[s.Key()] = ch
	}
	return ch
}

func (f *fakeSessions) EnumerateSessions() []coordtypes.SessionId {
	out := make([]coordtypes.SessionId, 0, len(f.live))
	for _, s := range f.live {
		out = append(out, s)
	}
	return out
}

func TestManager_InvalidateCacheEntry_LocalFiresSynchronously(t *testing.T) {
	local := sid("local")
	ep := newFakeEndpoint([]byte("local-addr"))
	sessions := newFakeSessions(local)
	lw := waitdir.New()
	inv := waitdir.NewInvalidation()
	m := New(ep, sessions, lw, inv)

	var got coordtypes.Key
	inv.Register("/k", func(key coordtypes.Key) { got = key })

	m.InvalidateCacheEntry("/k", local)
	assert.Equal(t, coordtypes.Key("/k"), got)
	assert.Empty(t, ep.sentMessages(), "local delivery must not go over the wire")
}

func TestManager_InvalidateCacheEntry_RemoteSendsFrame(t *testing.T) {
	local := sid("local")
	foreign := sid("foreign")
	ep := newFakeEndpoint([]byte("local-addr"))
	sessions := newFakeSessions(local, foreign)
	m := New(ep, sessions, waitdir.New(), waitdir.NewInvalidation())

	m.InvalidateCacheEntry("/k", foreign)

	sent := ep.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, MsgInvalidateCacheEntry, sent[0].Type)
	assert.Equal(t, coordtypes.Key("/k"), sent[0].Key)
	assert.True(t, sent[0].Session.Equal(foreign), "invalidation names the holder it is addressed to")
}

func TestManager_NotifyReadLockReleased_BroadcastsToForeignAndLocal(t *testing.T) {
	local := sid("local")
	foreign := sid("foreign")
	ep := newFakeEndpoint([]byte("local-addr"))
	sessions := newFakeSessions(local, foreign)
	lw := waitdir.New()
	m := New(ep, sessions, lw, waitdir.NewInvalidation())

	ch := lw.WaitRead("/k", local)
	m.NotifyReadLockReleased("/k", local)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("local broadcast must deliver to the local LockWait directory")
	}

	sent := ep.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, MsgReleasedReadLock, sent[0].Type)
	assert.True(t, sent[0].Session.Equal(local))
}

func TestManager_HandleInbound_ReleasedWriteLockNotifiesLockWait(t *testing.T) {
	local := sid("local")
	ep := newFakeEndpoint([]byte("local-addr"))
	sessions := newFakeSessions(local)
	lw := waitdir.New()
	m := New(ep, sessions, lw, waitdir.NewInvalidation())
	m.Start()

	ch := lw.WaitWrite("/k", local)
	ep.deliver([]byte("peer-addr"), Message{Type: MsgReleasedWriteLock, Key: "/k", Session: local})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("inbound ReleasedWriteLock must notify the LockWait directory")
	}
}

func TestManager_HandleInbound_InvalidationAddressedElsewhereIsIgnored(t *testing.T) {
	local := sid("local")
	other := sid("other")
	ep := newFakeEndpoint([]byte("local-addr"))
	sessions := newFakeSessions(local, other)
	inv := waitdir.NewInvalidation()
	m := New(ep, sessions, waitdir.New(), inv)
	m.Start()

	called := false
	inv.Register("/k", func(coordtypes.Key) { called = true })

	ep.deliver([]byte("peer-addr"), Message{Type: MsgInvalidateCacheEntry, Key: "/k", Session: other})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called, "invalidation addressed to a foreign session must not fire locally")
}

func TestManager_HandleInbound_MalformedFrameDropped(t *testing.T) {
	local := sid("local")
	ep := newFakeEndpoint([]byte("local-addr"))
	sessions := newFakeSessions(local)
	m := New(ep, sessions, waitdir.New(), waitdir.NewInvalidation())
	m.Start()

	assert.NotPanics(t, func() {
		ep.deliver([]byte("peer-addr"), Message{Type: MsgReleasedReadLock})
		// also exercise a genuinely truncated frame path via direct handler call
		m.handle([]byte("peer-addr"), []byte{0x01, 0x00})
	})
}
