// Package coordination is the CoordinationManager façade of spec.md §4.7:
// it wires StoredEntry/Builder, costorage, coordsession, waitdir, exchange,
// waitmgr, lockmgr and cachemgr into the five public operations a client
// actually calls. Grounded on the teacher's top-level manager.Manager,
// which plays the same "wire every subsystem, expose a small public API"
// role for its own domain.
package coordination

import (
	"context"

	"github.com/cuemby/warren-coord/pkg/cachemgr"
	"github.com/cuemby/warren-coord/pkg/coorderr"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/entry"
	"github.com/cuemby/warren-coord/pkg/log"
)

// Coordination is the public API surface: get, get_or_create, create,
// set_value, delete, get_session.
type Coordination struct {
	cache   *cachemgr.Manager
	storage cachemgr.Storage
	local   coordtypes.SessionId
}

// New composes the façade from an already-wired CacheManager.
func New(cache *cachemgr.Manager, storage cachemgr.Storage, local coordtypes.SessionId) *Coordination {
	return &Coordination{cache: cache, storage: storage, local: local}
}

// GetSession returns the identity of the local session these operations
// act on behalf of.
func (c *Coordination) GetSession() coordtypes.SessionId {
	return c.local
}

// Get returns key's current value if the cache is valid, else performs a
// load under the local read-lock. Returns (nil, nil) if the key does not
// exist.
func (c *Coordination) Get(ctx context.Context, key coordtypes.Key) (*entry.StoredEntry, error) {
	if e, err := c.cache.Get(ctx, key); err != nil {
		return nil, err
	} else {
		return e, nil
	}
}

// Create implements spec.md's create(key, bytes): fails Exists if a
// non-deleted image already exists.
func (c *Coordination) Create(ctx context.Context, key coordtypes.Key, value []byte) (*entry.StoredEntry, error) {
	return c.cache.Mutate(ctx, key, func(ctx context.Context, writeLocked *entry.StoredEntry) (*entry.StoredEntry, error) {
		// writeLocked may be a freshly planted write-lock-only placeholder
		// (cachemgr.Mutate's creation path always plants one to claim the
		// key before this callback runs): such a placeholder carries no
		// value yet, so only a non-nil value means a live entry already
		// exists here.
		if writeLocked != nil && !writeLocked.IsMarkedAsDeleted && writeLocked.Value != nil {
			return nil, coorderr.New(coorderr.Exists, "Create", key)
		}
		b := entry.NewBuilder(key, writeLocked)
		if err := b.Create(c.local, value); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(writeLocked == nil)
		prior, err := c.storage.UpdateEntry(key, desired, writeLocked)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "Create", key, err)
		}
		if !sameImage(prior, writeLocked) {
			return nil, coorderr.New(coorderr.Exists, "Create", key)
		}
		return desired, nil
	})
}

// GetOrCreate attempts Create and falls back to Get on Exists.
func (c *Coordination) GetOrCreate(ctx context.Context, key coordtypes.Key, value []byte) (*entry.StoredEntry, error) {
	created, err := c.Create(ctx, key, value)
	if err == nil {
		return created, nil
	}
	if coorderr.Is(err, coorderr.Exists) {
		return c.Get(ctx, key)
	}
	return nil, err
}

// SetValue implements spec.md's set_value(key, bytes, expected_version):
// fails VersionConflict if expected_version is non-zero and does not match
// the stored version.
func (c *Coordination) SetValue(ctx context.Context, key coordtypes.Key, value []byte, expectedVersion uint64) (*entry.StoredEntry, error) {
	return c.cache.Mutate(ctx, key, func(ctx context.Context, writeLocked *entry.StoredEntry) (*entry.StoredEntry, error) {
		if writeLocked == nil || c.discardPlaceholder(key, writeLocked) {
			return nil, coorderr.New(coorderr.NotFound, "SetValue", key)
		}
		if expectedVersion != 0 && writeLocked.StorageVersion != expectedVersion {
			return nil, coorderr.New(coorderr.VersionConflict, "SetValue", key)
		}
		b := entry.NewBuilder(key, writeLocked)
		if err := b.SetValue(c.local, value); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(false)
		prior, err := c.storage.UpdateEntry(key, desired, writeLocked)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "SetValue", key, err)
		}
		if !sameImage(prior, writeLocked) {
			return nil, coorderr.New(coorderr.VersionConflict, "SetValue", key)
		}
		return desired, nil
	})
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	ExpectedVersion uint64
	Recursive       bool
}

// ChildLister is the supplemented-feature collaborator recursive delete
// needs: something that can enumerate a key's descendants. The storage
// layer this engine targets (bbolt) provides ordered key iteration
// naturally, so the concrete implementation lives in costorage.
type ChildLister interface {
	ListChildren(prefix coordtypes.Key) ([]coordtypes.Key, error)
}

// Delete implements spec.md's delete(key, expected_version, recursive).
// recursive traversal is a supplemented feature (spec.md leaves it an
// implementation detail); when enabled, children are deleted depth-first
// before the parent, each through the ordinary mutation protocol so
// session-held locks on a child still block its deletion correctly.
func (c *Coordination) Delete(ctx context.Context, key coordtypes.Key, opts DeleteOptions, children ChildLister) (*entry.StoredEntry, error) {
	if opts.Recursive && children != nil {
		kids, err := children.ListChildren(key)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "Delete", key, err)
		}
		for _, kid := range kids {
			if _, err := c.Delete(ctx, kid, DeleteOptions{Recursive: true}, children); err != nil && !coorderr.Is(err, coorderr.NotFound) {
				return nil, err
			}
		}
	}

	return c.cache.Mutate(ctx, key, func(ctx context.Context, writeLocked *entry.StoredEntry) (*entry.StoredEntry, error) {
		if writeLocked == nil || writeLocked.IsMarkedAsDeleted || c.discardPlaceholder(key, writeLocked) {
			return nil, coorderr.New(coorderr.NotFound, "Delete", key)
		}
		if opts.ExpectedVersion != 0 && writeLocked.StorageVersion != opts.ExpectedVersion {
			return nil, coorderr.New(coorderr.VersionConflict, "Delete", key)
		}
		b := entry.NewBuilder(key, writeLocked)
		if err := b.MarkAsDeleted(c.local); err != nil {
			return nil, err
		}
		desired := b.ToImmutable(false)
		prior, err := c.storage.UpdateEntry(key, desired, writeLocked)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.TransientIO, "Delete", key, err)
		}
		if !sameImage(prior, writeLocked) {
			return nil, coorderr.New(coorderr.VersionConflict, "Delete", key)
		}
		log.WithComponent("coordination").Info().Str("key", key).Msg("entry marked deleted")
		return desired, nil
	})
}

// discardPlaceholder reports whether writeLocked is the write-lock-only,
// valueless image cachemgr.Mutate's creation path plants on an absent key.
// If so, it marks that image deleted so releasing the write-lock removes
// the row again instead of leaving an empty entry behind.
func (c *Coordination) discardPlaceholder(key coordtypes.Key, writeLocked *entry.StoredEntry) bool {
	if writeLocked.IsMarkedAsDeleted || writeLocked.Value != nil || len(writeLocked.ReadLocks) != 0 {
		return false
	}
	b := entry.NewBuilder(key, writeLocked)
	if err := b.MarkAsDeleted(c.local); err == nil {
		_, _ = c.storage.UpdateEntry(key, b.ToImmutable(false), writeLocked)
	}
	return true
}

func sameImage(a, b *entry.StoredEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StorageVersion == b.StorageVersion
}
