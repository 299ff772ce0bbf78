// Package waitdir implements the two in-memory, thread-safe directories
// spec.md §4 calls for: LockWaitDirectory (futures keyed by (key, session)
// for lock-release notifications) and InvalidationCallbackDirectory
// (callbacks invoked when this session's cache should drop a key). Both are
// modeled on the teacher's pkg/events broadcast Broker: a map guarded by a
// mutex, waiters woken by closing a channel rather than by a condvar.
package waitdir

import (
	"sync"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
)

type waitKind int

const (
	waitRead waitKind = iota
	waitWrite
)

type waitID struct {
	key  coordtypes.Key
	sess string
	kind waitKind
}

// LockWait is a multi-consumer directory of futures for lock-release
// notifications. Any number of goroutines may wait on the same (key,
// session); a single notify wakes all of them. Spurious wakeups are
// allowed by contract, so callers must re-check the condition that
// actually matters after waking.
type LockWait struct {
	mu      sync.Mutex
	waiters map[waitID][]chan struct{}
}

// New creates an empty LockWait directory.
func New() *LockWait {
	return &LockWait{waiters: make(map[waitID][]chan struct{})}
}

// WaitRead returns a channel that is closed the next time NotifyRead(key,
// session) fires.
func (d *LockWait) WaitRead(key coordtypes.Key, session coordtypes.SessionId) <-chan struct{} {
	return d.wait(waitID{key, session.Key(), waitRead})
}

// WaitWrite returns a channel that is closed the next time NotifyWrite(key,
// session) fires.
func (d *LockWait) WaitWrite(key coordtypes.Key, session coordtypes.SessionId) <-chan struct{} {
	return d.wait(waitID{key, session.Key(), waitWrite})
}

func (d *LockWait) wait(id waitID) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.waiters[id] = append(d.waiters[id], ch)
	return ch
}

// NotifyRead wakes every waiter on (key, session)'s read-lock release.
func (d *LockWait) NotifyRead(key coordtypes.Key, session coordtypes.SessionId) {
	d.notify(waitID{key, session.Key(), waitRead})
}

// NotifyWrite wakes every waiter on (key, session)'s write-lock release.
func (d *LockWait) NotifyWrite(key coordtypes.Key, session coordtypes.SessionId) {
	d.notify(waitID{key, session.Key(), waitWrite})
}

func (d *LockWait) notify(id waitID) {
	d.mu.Lock()
	chans := d.waiters[id]
	delete(d.waiters, id)
	d.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
