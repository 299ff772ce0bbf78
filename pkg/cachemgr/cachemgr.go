// Package cachemgr implements the CacheManager of spec.md §4.6: a
// per-session, two-tier-locked cache tying local lock ownership to global
// lock ownership. Grounded on incubusfree-consul's capacity-1 channel
// semaphore (Acquire blocks on a send, Release receives) generalized to
// the local_read_lock/local_write_lock pair spec.md requires, with the
// Update/Invalidation/Mutation ordering protocols implemented literally.
package cachemgr

import (
	"context"

	"github.com/cuemby/warren-coord/pkg/coorderr"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/entry"
	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/cuemby/warren-coord/pkg/metrics"
	"github.com/cuemby/warren-coord/pkg/waitdir"

	"sync"
)

// semaphore is a counting semaphore of capacity 1, used for both
// local_read_lock and local_write_lock. A buffered channel of size 1 gives
// Acquire (blocking send), TryAcquire (non-blocking select) and Release
// (receive) without a third-party dependency: this is in-process
// bookkeeping with no analogue in the teacher's domain-stack libraries.
type semaphore chan struct{}

func newSemaphore() semaphore {
	return make(semaphore, 1)
}

func (s semaphore) Acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire reports whether the semaphore was acquired without waiting.
func (s semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s semaphore) Release() {
	select {
	case <-s:
	default:
		panic("cachemgr: release of unheld semaphore")
	}
}

// CacheEntry is the per-key, per-session cache record of spec.md §4.6.
type CacheEntry struct {
	key         coordtypes.Key
	localRead   semaphore
	localWrite  semaphore
	mu          sync.Mutex // guards storedEntry only; locks above govern protocol ordering
	storedEntry *entry.StoredEntry
}

func newCacheEntry(key coordtypes.Key) *CacheEntry {
	return &CacheEntry{key: key, localRead: newSemaphore(), localWrite: newSemaphore()}
}

// IsValid reports whether stored_entry is currently populated.
func (c *CacheEntry) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storedEntry != nil
}

// Snapshot returns the currently cached image, or nil if invalid.
func (c *CacheEntry) Snapshot() *entry.StoredEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storedEntry
}

func (c *CacheEntry) set(e *entry.StoredEntry) {
	c.mu.Lock()
	c.storedEntry = e
	c.mu.Unlock()
}

// Locker is the narrow slice of lockmgr.Manager CacheManager depends on.
type Locker interface {
	AcquireReadLock(ctx context.Context, e *entry.StoredEntry) (*entry.StoredEntry, error)
	ReleaseReadLock(ctx context.Context, e *entry.StoredEntry) (*entry.StoredEntry, error)
	AcquireWriteLockByKey(ctx context.Context, key coordtypes.Key) (*entry.StoredEntry, error)
	AcquireWriteLockOverDeleted(ctx context.Context, key coordtypes.Key, tombstone *entry.StoredEntry) (*entry.StoredEntry, error)
	AcquireWriteLockOnExisting(ctx context.Context, key coordtypes.Key, e *entry.StoredEntry) (*entry.StoredEntry, error)
	ReleaseWriteLock(ctx context.Context, e *entry.StoredEntry) (*entry.StoredEntry, error)
}

// isDestroyedTombstone reports whether e is a deleted entry holding no
// locks at all: spec.md treats this state as equivalent to absent, not as
// a live (if moribund) row to contend for the write-lock on.
func isDestroyedTombstone(e *entry.StoredEntry) bool {
	return e != nil && e.IsMarkedAsDeleted && e.WriteLock == nil && len(e.ReadLocks) == 0
}

// Storage is the narrow slice of costorage.Storage CacheManager depends on
// directly (reads on miss; mutation itself goes through Locker/Storage CAS
// performed by the caller-supplied mutate callback in Mutate).
type Storage interface {
	GetEntry(key coordtypes.Key) (*entry.StoredEntry, error)
	UpdateEntry(key coordtypes.Key, desired, expected *entry.StoredEntry) (*entry.StoredEntry, error)
}

// Manager is the CacheManager: owner of the process-wide cache map.
type Manager struct {
	mu      sync.Mutex
	entries map[coordtypes.Key]*CacheEntry

	locker  Locker
	storage Storage
	local   coordtypes.SessionId
}

// New creates an empty CacheManager for the given local session identity.
func New(locker Locker, storage Storage, local coordtypes.SessionId) *Manager {
	return &Manager{entries: make(map[coordtypes.Key]*CacheEntry), locker: locker, storage: storage, local: local}
}

func (m *Manager) entryFor(key coordtypes.Key) *CacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.entries[key]
	if !ok {
		c = newCacheEntry(key)
		m.entries[key] = c
		metrics.CacheEntriesTotal.Set(float64(len(m.entries)))
	}
	return c
}

// RegisterInvalidation wires this CacheManager's Invalidate method into an
// waitdir.Invalidation directory so inbound InvalidateCacheEntry messages
// reach this process's cache.
func (m *Manager) RegisterInvalidation(dir *waitdir.Invalidation, key coordtypes.Key) waitdir.Handle {
	return dir.Register(key, func(k coordtypes.Key) {
		ctx := context.Background()
		if err := m.Invalidate(ctx, k); err != nil {
			log.WithComponent("cachemgr").Warn().Err(err).Str("key", k).Msg("invalidation failed")
		}
	})
}

// Get implements the façade's read path (spec.md §4.7): the last cached
// value is returned directly when the cache is valid, with no global
// round trip; otherwise it falls back to Update's load-under-local-
// read-lock protocol.
func (m *Manager) Get(ctx context.Context, key coordtypes.Key) (*entry.StoredEntry, error) {
	c := m.entryFor(key)
	if snap := c.Snapshot(); snap != nil {
		metrics.CacheHits.Inc()
		return snap, nil
	}
	metrics.CacheMisses.Inc()
	return m.Update(ctx, key)
}

// Update implements the "Update (global-read-lock side)" protocol: used on
// a cache miss or explicit refresh. It acquires a global read-lock and
// installs the resulting image in the cache.
func (m *Manager) Update(ctx context.Context, key coordtypes.Key) (*entry.StoredEntry, error) {
	c := m.entryFor(key)
	if err := c.localRead.Acquire(ctx); err != nil {
		return nil, coorderr.Wrap(coorderr.Cancelled, "Update", key, err)
	}
	defer c.localRead.Release()

	current, err := m.storage.GetEntry(key)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.TransientIO, "Update", key, err)
	}
	if current == nil {
		c.set(nil)
		return nil, nil
	}

	locked, err := m.locker.AcquireReadLock(ctx, current)
	if err != nil {
		return nil, err
	}
	c.set(locked)
	return locked, nil
}

// Invalidate implements the "Invalidation" protocol: triggered either by an
// inbound InvalidateCacheEntry message or by this process voluntarily
// giving up its read-lock (e.g. before retrying a mutation).
func (m *Manager) Invalidate(ctx context.Context, key coordtypes.Key) error {
	c := m.entryFor(key)
	if err := c.localRead.Acquire(ctx); err != nil {
		return coorderr.Wrap(coorderr.Cancelled, "Invalidate", key, err)
	}
	defer c.localRead.Release()

	snap := c.Snapshot()
	c.set(nil)
	if snap == nil {
		return nil
	}
	metrics.CacheInvalidations.Inc()
	if _, err := m.locker.ReleaseReadLock(ctx, snap); err != nil {
		return err
	}
	return nil
}

// MutateFunc receives the current image (expected, may be nil) already
// holding the global write-lock and returns the entry's next image via
// Storage CAS. It must not retain expected across a suspension boundary.
type MutateFunc func(ctx context.Context, writeLocked *entry.StoredEntry) (*entry.StoredEntry, error)

// Mutate implements the "Mutation" protocol used by set_value/delete/
// create: acquire the local write-lock, acquire the global write-lock
// (creating the key if absent), run fn to perform the actual CAS mutation,
// release the global write-lock (downgrading to a read-lock unless
// deleted), and reconcile the cache with the final image.
func (m *Manager) Mutate(ctx context.Context, key coordtypes.Key, fn MutateFunc) (*entry.StoredEntry, error) {
	c := m.entryFor(key)

	authoritative := c.localWrite.TryAcquire()
	if !authoritative {
		if err := c.localWrite.Acquire(ctx); err != nil {
			return nil, coorderr.Wrap(coorderr.Cancelled, "Mutate", key, err)
		}
	}
	defer c.localWrite.Release()

	var writeLocked *entry.StoredEntry
	var err error
	if snap := c.Snapshot(); snap != nil && snap.HasWriteLock(m.local) {
		writeLocked = snap
	} else {
		current, gerr := m.storage.GetEntry(key)
		if gerr != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "Mutate", key, gerr)
		}
		switch {
		case current == nil:
			writeLocked, err = m.locker.AcquireWriteLockByKey(ctx, key)
		case isDestroyedTombstone(current):
			// A deleted entry with no locks left is equivalent to absent
			// (spec.md): recreate over it instead of contending for a
			// write-lock on a key that is really gone.
			writeLocked, err = m.locker.AcquireWriteLockOverDeleted(ctx, key, current)
		default:
			writeLocked, err = m.locker.AcquireWriteLockOnExisting(ctx, key, current)
		}
		if err != nil {
			return nil, err
		}
	}

	mutated, err := fn(ctx, writeLocked)
	if err != nil {
		if _, relErr := m.locker.ReleaseWriteLock(ctx, writeLocked); relErr != nil {
			log.WithComponent("cachemgr").Warn().Err(relErr).Str("key", key).
				Msg("failed to release write-lock after mutation failure")
		}
		c.set(nil)
		return nil, err
	}

	released, err := m.locker.ReleaseWriteLock(ctx, mutated)
	if err != nil {
		c.set(nil)
		return nil, err
	}

	if released == nil || !released.HasReadLock(m.local) {
		c.set(nil)
	} else {
		c.set(released)
	}
	return released, nil
}

// Evict removes key's CacheEntry from the map if both local locks are
// immediately acquirable and the entry is currently invalid. Pure memory
// reclamation with no externally observable effect.
func (m *Manager) Evict(key coordtypes.Key) {
	m.mu.Lock()
	c, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if !c.localRead.TryAcquire() {
		return
	}
	defer c.localRead.Release()
	if !c.localWrite.TryAcquire() {
		return
	}
	defer c.localWrite.Release()

	if c.IsValid() {
		return
	}
	m.mu.Lock()
	delete(m.entries, key)
	metrics.CacheEntriesTotal.Set(float64(len(m.entries)))
	m.mu.Unlock()
}
