// Package lockmgr implements the LockManager of spec.md §4.3: the public
// acquire/release API at the cluster-wide level. Every transition is a CAS
// loop against costorage.Storage, rejoined via waitmgr.Manager when a
// conflicting lock must drain first. Grounded on incubusfree-consul's
// Acquire/Release CAS retry shape, generalized to the two-lock (read+write)
// model spec.md §4.1 describes.
package lockmgr

import (
	"context"

	"github.com/cuemby/warren-coord/pkg/coorderr"
	"github.com/cuemby/warren-coord/pkg/coordsession"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/costorage"
	"github.com/cuemby/warren-coord/pkg/entry"
	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/cuemby/warren-coord/pkg/metrics"
)

// Waiter is the narrow slice of waitmgr.Manager LockManager depends on.
type Waiter interface {
	WaitForWriteLockRelease(ctx context.Context, key coordtypes.Key, e *entry.StoredEntry, local coordtypes.SessionId, allowWriteLock bool) (*entry.StoredEntry, error)
	WaitForReadLocksRelease(ctx context.Context, key coordtypes.Key, e *entry.StoredEntry, local coordtypes.SessionId) (*entry.StoredEntry, error)
}

// Notifier is the narrow slice of exchange.Manager LockManager depends on.
type Notifier interface {
	NotifyReadLockReleased(key coordtypes.Key, session coordtypes.SessionId)
	NotifyWriteLockReleased(key coordtypes.Key, session coordtypes.SessionId)
}

// Manager is the LockManager.
type Manager struct {
	storage  costorage.Storage
	sessions coordsession.Manager
	waiter   Waiter
	notifier Notifier
}

// New composes a LockManager from its collaborators, per spec.md §2 item 8.
func New(storage costorage.Storage, sessions coordsession.Manager, waiter Waiter, notifier Notifier) *Manager {
	return &Manager{storage: storage, sessions: sessions, waiter: waiter, notifier: notifier}
}

// AcquireWriteLockByKey implements "acquire write-lock by key (creation
// path)": it attempts to plant a brand-new entry holding only the local
// write-lock, falling through to AcquireWriteLockOnExisting whenever the
// key already exists.
func (m *Manager) AcquireWriteLockByKey(ctx context.Context, key coordtypes.Key) (*entry.StoredEntry, error) {
	return m.acquireWriteLockFresh(ctx, key, nil)
}

// AcquireWriteLockOverDeleted implements creation over a last-known image
// that is a destroyed tombstone (is_marked_as_deleted=true, no locks held):
// spec.md treats such an entry as equivalent to absent, so this CASes a
// fresh write-locked image over it rather than treating the key as live.
func (m *Manager) AcquireWriteLockOverDeleted(ctx context.Context, key coordtypes.Key, tombstone *entry.StoredEntry) (*entry.StoredEntry, error) {
	return m.acquireWriteLockFresh(ctx, key, tombstone)
}

// acquireWriteLockFresh is the creation-path CAS loop shared by
// AcquireWriteLockByKey (expected=nil) and AcquireWriteLockOverDeleted
// (expected=a known destroyed tombstone).
func (m *Manager) acquireWriteLockFresh(ctx context.Context, key coordtypes.Key, expected *entry.StoredEntry) (*entry.StoredEntry, error) {
	local := m.sessions.LocalSession()
	for {
		b := entry.NewBuilder(key, nil)
		if err := b.AcquireWriteLock(local); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(true)

		prior, err := m.storage.UpdateEntry(key, desired, expected)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "AcquireWriteLockByKey", key, err)
		}
		if sameImage(prior, expected) {
			return desired, nil
		}
		if isDestroyedTombstone(prior) {
			// Someone else recreated and re-deleted the key between our
			// read and this CAS; retry the creation CAS against the new
			// tombstone rather than treating it as a live entry.
			expected = prior
			continue
		}
		// Someone else is already there; fall through to the existing-entry
		// path and re-loop only if that path reports the key vanished again.
		got, err := m.AcquireWriteLockOnExisting(ctx, key, prior)
		if err != nil {
			return nil, err
		}
		if got != nil {
			return got, nil
		}
		// Entry disappeared mid-drain (e.g. deleted by its holder); retry
		// the creation path from scratch.
		expected = nil
	}
}

// isDestroyedTombstone reports whether e is a fully-released deleted entry
// (spec.md: "an entry with is_marked_as_deleted = true and no locks is
// equivalent to 'does not exist'").
func isDestroyedTombstone(e *entry.StoredEntry) bool {
	return e != nil && e.IsMarkedAsDeleted && e.WriteLock == nil && len(e.ReadLocks) == 0
}

// AcquireWriteLockOnExisting implements "acquire write-lock on an existing
// entry": drain any current write-lock holder, add the local session as
// both write and read holder, then drain foreign read-lock holders.
func (m *Manager) AcquireWriteLockOnExisting(ctx context.Context, key coordtypes.Key, e *entry.StoredEntry) (*entry.StoredEntry, error) {
	local := m.sessions.LocalSession()
	timer := metrics.NewTimer()
	if !m.sessions.IsAlive(local) {
		metrics.WriteLockAcquisitions.WithLabelValues("session_terminated").Inc()
		return nil, coorderr.New(coorderr.SessionTerminated, "AcquireWriteLockOnExisting", key)
	}

	current := e
	for {
		drained, err := m.waiter.WaitForWriteLockRelease(ctx, key, current, local, false)
		if err != nil {
			metrics.WriteLockAcquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		if drained == nil || drained.IsMarkedAsDeleted {
			return nil, nil
		}

		b := entry.NewBuilder(key, drained)
		if err := b.AcquireWriteLock(local); err != nil {
			return nil, err
		}
		if err := b.AcquireReadLock(local); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(false)

		prior, err := m.storage.UpdateEntry(key, desired, drained)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "AcquireWriteLockOnExisting", key, err)
		}
		if !sameImage(prior, drained) {
			current = prior
			continue
		}

		withoutForeigners, err := m.waiter.WaitForReadLocksRelease(ctx, key, desired, local)
		if err != nil {
			_, relErr := m.ReleaseWriteLock(ctx, desired)
			if relErr != nil {
				log.WithComponent("lockmgr").Warn().Err(relErr).Str("key", key).
					Msg("failed to release write-lock after read-lock drain failure")
			}
			metrics.WriteLockAcquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.WriteLockAcquisitions.WithLabelValues("ok").Inc()
		timer.ObserveDurationVec(metrics.LockAcquireDuration, "write")
		return withoutForeigners, nil
	}
}

// ReleaseWriteLock implements "release write-lock": clears write_lock and,
// unless the entry is being deleted, downgrades the local session to a
// read-lock. Per spec.md's lifecycle, an entry destroyed by this release
// (deleted, with no locks left at all) collapses to absence rather than
// persisting as a dead row.
func (m *Manager) ReleaseWriteLock(ctx context.Context, e *entry.StoredEntry) (*entry.StoredEntry, error) {
	local := m.sessions.LocalSession()
	if e == nil {
		m.notifier.NotifyWriteLockReleased("", local)
		return nil, nil
	}
	key := e.Key
	current := e
	for {
		if current == nil {
			m.notifier.NotifyWriteLockReleased(key, local)
			return nil, nil
		}
		if !current.HasWriteLock(local) {
			if isDestroyedTombstone(current) {
				return nil, nil
			}
			return current, nil
		}

		b := entry.NewBuilder(key, current)
		if err := b.ReleaseWriteLock(local); err != nil {
			return nil, err
		}
		if !current.IsMarkedAsDeleted {
			if err := b.AcquireReadLock(local); err != nil {
				return nil, err
			}
		}
		desired := b.ToImmutable(false)

		destroyed := isDestroyedTombstone(desired)
		var toStore *entry.StoredEntry
		if !destroyed {
			toStore = desired
		}

		prior, err := m.storage.UpdateEntry(key, toStore, current)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "ReleaseWriteLock", key, err)
		}
		if !sameImage(prior, current) {
			current = prior
			continue
		}

		m.notifier.NotifyWriteLockReleased(key, local)
		if destroyed {
			return nil, nil
		}
		return desired, nil
	}
}

// AcquireReadLock implements "acquire read-lock": the local session may
// already hold the write-lock (allow_write_lock=true), so adding a
// read-lock alongside it is not a conflict.
func (m *Manager) AcquireReadLock(ctx context.Context, e *entry.StoredEntry) (*entry.StoredEntry, error) {
	if e == nil {
		return nil, nil
	}
	local := m.sessions.LocalSession()
	key := e.Key
	current := e
	timer := metrics.NewTimer()
	for {
		drained, err := m.waiter.WaitForWriteLockRelease(ctx, key, current, local, true)
		if err != nil {
			metrics.ReadLockAcquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		if drained == nil || drained.IsMarkedAsDeleted {
			return nil, nil
		}

		b := entry.NewBuilder(key, drained)
		if err := b.AcquireReadLock(local); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(false)

		prior, err := m.storage.UpdateEntry(key, desired, drained)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "AcquireReadLock", key, err)
		}
		if !sameImage(prior, drained) {
			current = prior
			continue
		}
		metrics.ReadLockAcquisitions.WithLabelValues("ok").Inc()
		timer.ObserveDurationVec(metrics.LockAcquireDuration, "read")
		return desired, nil
	}
}

// ReleaseReadLock implements "release read-lock".
func (m *Manager) ReleaseReadLock(ctx context.Context, e *entry.StoredEntry) (*entry.StoredEntry, error) {
	if e == nil {
		return nil, nil
	}
	local := m.sessions.LocalSession()
	key := e.Key
	current := e
	for {
		if !current.HasReadLock(local) {
			return nil, nil
		}

		b := entry.NewBuilder(key, current)
		if err := b.ReleaseReadLock(local); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(false)

		prior, err := m.storage.UpdateEntry(key, desired, current)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "ReleaseReadLock", key, err)
		}
		if !sameImage(prior, current) {
			current = prior
			continue
		}

		m.notifier.NotifyReadLockReleased(key, local)
		return desired, nil
	}
}

func sameImage(a, b *entry.StoredEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StorageVersion == b.StorageVersion
}
