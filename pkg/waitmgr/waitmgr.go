// Package waitmgr implements the WaitManager of spec.md §4.4: blocking
// until a conflicting lock drains, with exponential backoff, termination
// cleanup of dead holders, and invalidation requests sent to foreign
// read-lock holders. Grounded on incubusfree-consul's semaphore Acquire
// WAIT-loop (poll, compare, retry on CAS mismatch) generalized to the
// select-based wakeup sources spec.md asks for: session termination,
// directory notification, and a backoff timer.
package waitmgr

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/warren-coord/pkg/coorderr"
	"github.com/cuemby/warren-coord/pkg/coordsession"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/costorage"
	"github.com/cuemby/warren-coord/pkg/entry"
	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/cuemby/warren-coord/pkg/metrics"
	"github.com/cuemby/warren-coord/pkg/waitdir"
)

// Exchange is the narrow slice of the ExchangeManager the WaitManager
// needs: a request to invalidate a foreign read-lock holder's cache.
type Exchange interface {
	InvalidateCacheEntry(key coordtypes.Key, holder coordtypes.SessionId)
}

// Config holds the exponential backoff bounds from spec.md §6.
type Config struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig matches spec.md §4.4: 200ms minimum, 12.8s maximum,
// doubling each round.
func DefaultConfig() Config {
	return Config{MinBackoff: 200 * time.Millisecond, MaxBackoff: 12800 * time.Millisecond}
}

// Manager is the WaitManager.
type Manager struct {
	sessions coordsession.Manager
	storage  costorage.Storage
	lockWait *waitdir.LockWait
	exchange Exchange
	cfg      Config
}

// New composes a WaitManager from its collaborators, per spec.md §2 item 7.
func New(sessions coordsession.Manager, storage costorage.Storage, lockWait *waitdir.LockWait, exchange Exchange, cfg Config) *Manager {
	return &Manager{sessions: sessions, storage: storage, lockWait: lockWait, exchange: exchange, cfg: cfg}
}

// writePredicate reports whether e's write-lock has drained to the point
// acquireWrite can proceed: unset, or (iff allowSelf) held by local.
func writePredicate(e *entry.StoredEntry, local coordtypes.SessionId, allowSelf bool) bool {
	if e == nil {
		return true
	}
	if e.WriteLock == nil {
		return true
	}
	return allowSelf && e.WriteLock.Equal(local)
}

// WaitForWriteLockRelease returns the first observed image where
// write_lock is nil or (iff allowWriteLock) equals the local session, or
// nil if the entry has disappeared. A dead write-lock holder triggers
// termination cleanup instead of waiting.
func (m *Manager) WaitForWriteLockRelease(ctx context.Context, key coordtypes.Key, e *entry.StoredEntry, local coordtypes.SessionId, allowWriteLock bool) (*entry.StoredEntry, error) {
	for {
		if e == nil || e.IsMarkedAsDeleted {
			return nil, nil
		}
		if writePredicate(e, local, allowWriteLock) {
			return e, nil
		}

		holder := *e.WriteLock
		if !m.sessions.IsAlive(holder) {
			next, err := m.terminationCleanup(key, holder)
			if err != nil {
				return nil, err
			}
			e = next
			continue
		}

		next, err := m.waitForReleaseCore(ctx, key, holder, nil, func() bool {
			cur, gerr := m.storage.GetEntry(key)
			if gerr != nil {
				return false
			}
			e = cur
			return writePredicate(e, local, allowWriteLock) || e == nil
		}, m.lockWait.WaitWrite)
		if err != nil {
			return nil, err
		}
		e = next
	}
}

// WaitForReadLocksRelease drains every foreign read-lock on e, assuming
// the local session currently holds the write-lock. Foreign holders are
// drained concurrently. If the local session's write-lock is lost (or the
// entry disappears) while draining, this fails SessionTerminated: only
// that session's own death could explain a concurrent mutation while it
// holds the exclusive lock.
func (m *Manager) WaitForReadLocksRelease(ctx context.Context, key coordtypes.Key, e *entry.StoredEntry, local coordtypes.SessionId) (*entry.StoredEntry, error) {
	var mu sync.Mutex
	current := e

	for {
		mu.Lock()
		cur := current
		mu.Unlock()

		if cur == nil || !cur.HasWriteLock(local) {
			return nil, coorderr.New(coorderr.SessionTerminated, "WaitForReadLocksRelease", key)
		}

		foreign := cur.ForeignReadLocks(local)
		if len(foreign) == 0 {
			return cur, nil
		}

		var wg sync.WaitGroup
		errCh := make(chan error, len(foreign))
		for _, holder := range foreign {
			wg.Add(1)
			go func(holder coordtypes.SessionId) {
				defer wg.Done()
				if err := m.drainReadHolder(ctx, key, holder, local, &mu, &current); err != nil {
					errCh <- err
				}
			}(holder)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				return nil, err
			}
		}
		// Loop again: a concurrent mutation may have added back a holder
		// we just believed drained, or the drain may simply be complete.
	}
}

// drainReadHolder repeatedly invalidates and waits on a single foreign
// read-lock holder until it is no longer present in read_locks or its
// session terminates, updating *current with each re-read.
func (m *Manager) drainReadHolder(ctx context.Context, key coordtypes.Key, holder, local coordtypes.SessionId, mu *sync.Mutex, current **entry.StoredEntry) error {
	for {
		mu.Lock()
		cur := *current
		mu.Unlock()
		if cur == nil || !cur.HasWriteLock(local) {
			return coorderr.New(coorderr.SessionTerminated, "drainReadHolder", key)
		}
		if !cur.HasReadLock(holder) {
			return nil
		}

		if !m.sessions.IsAlive(holder) {
			next, err := m.terminationCleanup(key, holder)
			if err != nil {
				return err
			}
			mu.Lock()
			*current = next
			mu.Unlock()
			continue
		}

		next, err := m.waitForReleaseCore(ctx, key, holder,
			func() { m.exchange.InvalidateCacheEntry(key, holder) },
			func() bool {
				fresh, gerr := m.storage.GetEntry(key)
				if gerr != nil {
					return false
				}
				mu.Lock()
				*current = fresh
				mu.Unlock()
				return fresh == nil || !fresh.HasWriteLock(local) || !fresh.HasReadLock(holder)
			},
			func(k coordtypes.Key, s coordtypes.SessionId) <-chan struct{} { return m.lockWait.WaitRead(k, s) },
		)
		if err != nil {
			return err
		}
		mu.Lock()
		*current = next
		mu.Unlock()
	}
}

// waitForReleaseCore implements wait_for_lock_release_core: exponential
// backoff between Config.MinBackoff and Config.MaxBackoff, selecting
// between session termination, a directory notification, and the backoff
// timer, re-reading from storage and testing predicate() on every wakeup.
// fire, if non-nil, is invoked once per round before waiting (the
// "acquire_lock_release" request, e.g. invalidate_cache_entry).
func (m *Manager) waitForReleaseCore(
	ctx context.Context,
	key coordtypes.Key,
	holder coordtypes.SessionId,
	fire func(),
	predicate func() bool,
	waitOn func(coordtypes.Key, coordtypes.SessionId) <-chan struct{},
) (*entry.StoredEntry, error) {
	logger := log.WithComponent("waitmgr")
	backoff := m.cfg.MinBackoff
	rounds := 0

	for {
		if fire != nil {
			fire()
		}

		termCh := m.sessions.WaitForTermination(holder)
		notifyCh := waitOn(key, holder)
		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.LockWaitRounds.Observe(float64(rounds))
			return nil, coorderr.Wrap(coorderr.Cancelled, "waitForReleaseCore", key, ctx.Err())

		case <-termCh:
			timer.Stop()
			next, err := m.terminationCleanup(key, holder)
			if err != nil {
				return nil, err
			}
			metrics.LockWaitRounds.Observe(float64(rounds))
			return next, nil

		case <-notifyCh:
			timer.Stop()
			if predicate() {
				cur, err := m.storage.GetEntry(key)
				if err != nil {
					return nil, coorderr.Wrap(coorderr.TransientIO, "waitForReleaseCore", key, err)
				}
				metrics.LockWaitRounds.Observe(float64(rounds))
				return cur, nil
			}
			// Spurious wakeup: loop and re-register.

		case <-timer.C:
			if predicate() {
				cur, err := m.storage.GetEntry(key)
				if err != nil {
					return nil, coorderr.Wrap(coorderr.TransientIO, "waitForReleaseCore", key, err)
				}
				metrics.LockWaitRounds.Observe(float64(rounds))
				return cur, nil
			}
			logger.Debug().Str("key", key).Str("holder", holder.String()).
				Dur("backoff", backoff).Msg("lock still held, backing off")
			rounds++
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
		}
	}
}

// terminationCleanup removes every lock held by holder on key via a CAS
// loop, restarting on a concurrent modification. Cleaning up a lock owned
// by the local session means the local session itself has been
// terminated, which fails SessionTerminated instead of silently
// succeeding.
func (m *Manager) terminationCleanup(key coordtypes.Key, holder coordtypes.SessionId) (*entry.StoredEntry, error) {
	local := m.sessions.LocalSession()
	if holder.Equal(local) {
		return nil, coorderr.New(coorderr.SessionTerminated, "terminationCleanup", key)
	}

	for {
		current, err := m.storage.GetEntry(key)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "terminationCleanup", key, err)
		}
		if current == nil {
			return nil, nil
		}

		b := entry.NewBuilder(key, current)
		changed := current.HasWriteLock(holder) || current.HasReadLock(holder)
		if !changed {
			return current, nil
		}
		if current.HasWriteLock(holder) {
			_ = b.ReleaseWriteLock(holder)
		}
		if current.HasReadLock(holder) {
			_ = b.ReleaseReadLock(holder)
		}
		desired := b.ToImmutable(false)

		// A dead holder's lock may have been the last thing keeping a
		// deleted entry's row alive; collapse it to absence like any other
		// terminal release rather than leaving a dead tombstone behind.
		destroyed := isDestroyedTombstone(desired)
		var toStore *entry.StoredEntry
		if !destroyed {
			toStore = desired
		}

		prior, err := m.storage.UpdateEntry(key, toStore, current)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "terminationCleanup", key, err)
		}
		if sameImage(prior, current) {
			log.WithComponent("waitmgr").Info().
				Str("key", key).Str("holder", holder.String()).
				Msg("terminated session's locks cleaned up")
			metrics.TerminationCleanups.Inc()
			if destroyed {
				return nil, nil
			}
			return desired, nil
		}
		// Lost the CAS race: restart with the actual current image.
	}
}

func sameImage(a, b *entry.StoredEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StorageVersion == b.StorageVersion
}

// isDestroyedTombstone reports whether e is a deleted entry holding no
// locks at all, which spec.md treats as equivalent to absent.
func isDestroyedTombstone(e *entry.StoredEntry) bool {
	return e != nil && e.IsMarkedAsDeleted && e.WriteLock == nil && len(e.ReadLocks) == 0
}
