// Package entry implements the StoredEntry data model: an immutable,
// CAS-versioned record of a key's value and its read/write lock set, plus
// the StoredEntryBuilder used to compute the next image.
package entry

import (
	"github.com/cuemby/warren-coord/pkg/coordtypes"
)

// StoredEntry is the immutable, CAS-versioned image of a single key.
// It is never mutated in place; every transition produces a new value via
// Builder.ToImmutable.
type StoredEntry struct {
	Key               coordtypes.Key
	Value             []byte
	ReadLocks         map[string]coordtypes.SessionId
	WriteLock         *coordtypes.SessionId
	IsMarkedAsDeleted bool
	StorageVersion    uint64
}

// Clone returns a deep copy of e so callers may hand it to a Builder
// without risk of aliasing the receiver's maps.
func (e *StoredEntry) Clone() *StoredEntry {
	if e == nil {
		return nil
	}
	out := &StoredEntry{
		Key:               e.Key,
		Value:             append([]byte(nil), e.Value...),
		IsMarkedAsDeleted: e.IsMarkedAsDeleted,
		StorageVersion:    e.StorageVersion,
	}
	if e.WriteLock != nil {
		wl := *e.WriteLock
		out.WriteLock = &wl
	}
	out.ReadLocks = make(map[string]coordtypes.SessionId, len(e.ReadLocks))
	for k, v := range e.ReadLocks {
		out.ReadLocks[k] = v
	}
	return out
}

// HasReadLock reports whether session holds a read-lock on e.
func (e *StoredEntry) HasReadLock(session coordtypes.SessionId) bool {
	if e == nil {
		return false
	}
	_, ok := e.ReadLocks[session.Key()]
	return ok
}

// HasWriteLock reports whether session holds the write-lock on e.
func (e *StoredEntry) HasWriteLock(session coordtypes.SessionId) bool {
	return e != nil && e.WriteLock != nil && e.WriteLock.Equal(session)
}

// IsWriteLockFree reports whether no session, or only session, holds the
// write-lock.
func (e *StoredEntry) IsWriteLockFree(session coordtypes.SessionId) bool {
	return e == nil || e.WriteLock == nil || e.WriteLock.Equal(session)
}

// ForeignReadLocks returns every read-lock holder other than session.
func (e *StoredEntry) ForeignReadLocks(session coordtypes.SessionId) []coordtypes.SessionId {
	if e == nil {
		return nil
	}
	out := make([]coordtypes.SessionId, 0, len(e.ReadLocks))
	for k, sid := range e.ReadLocks {
		if k != session.Key() {
			out = append(out, sid)
		}
	}
	return out
}
