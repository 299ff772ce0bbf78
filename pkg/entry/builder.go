package entry

import (
	"github.com/cuemby/warren-coord/pkg/coorderr"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
)

// Builder computes the next StoredEntry image from a source image (which
// may be nil, meaning the key does not currently exist). Every mutator
// returns an *coorderr.Error of Kind InvalidState if its precondition is
// violated; all other operations are infallible in-memory bookkeeping.
type Builder struct {
	key     coordtypes.Key
	version uint64
	value   []byte
	reads   map[string]coordtypes.SessionId
	write   *coordtypes.SessionId
	deleted bool
	dirty   bool
}

// NewBuilder starts a builder from source, which may be nil for a
// not-yet-created key.
func NewBuilder(key coordtypes.Key, source *StoredEntry) *Builder {
	b := &Builder{key: key, reads: make(map[string]coordtypes.SessionId)}
	if source != nil {
		b.version = source.StorageVersion
		b.value = append([]byte(nil), source.Value...)
		b.deleted = source.IsMarkedAsDeleted
		for k, v := range source.ReadLocks {
			b.reads[k] = v
		}
		if source.WriteLock != nil {
			wl := *source.WriteLock
			b.write = &wl
		}
	}
	return b
}

// AcquireWriteLock sets write_lock := session. Precondition: write_lock is
// unset or already equals session.
func (b *Builder) AcquireWriteLock(session coordtypes.SessionId) error {
	if b.write != nil && !b.write.Equal(session) {
		return coorderr.New(coorderr.InvalidState, "AcquireWriteLock", b.key)
	}
	if b.write == nil || !b.write.Equal(session) {
		wl := session
		b.write = &wl
		b.dirty = true
	}
	return nil
}

// AcquireReadLock adds session to read_locks. Precondition: write_lock is
// unset or equals session, and the entry is not deleted.
func (b *Builder) AcquireReadLock(session coordtypes.SessionId) error {
	if b.write != nil && !b.write.Equal(session) {
		return coorderr.New(coorderr.InvalidState, "AcquireReadLock", b.key)
	}
	if b.deleted {
		return coorderr.New(coorderr.InvalidState, "AcquireReadLock", b.key)
	}
	if _, ok := b.reads[session.Key()]; !ok {
		b.reads[session.Key()] = session
		b.dirty = true
	}
	return nil
}

// ReleaseWriteLock clears write_lock. Precondition: write_lock is unset or
// equals session.
func (b *Builder) ReleaseWriteLock(session coordtypes.SessionId) error {
	if b.write != nil && !b.write.Equal(session) {
		return coorderr.New(coorderr.InvalidState, "ReleaseWriteLock", b.key)
	}
	if b.write != nil {
		b.write = nil
		b.dirty = true
	}
	return nil
}

// ReleaseReadLock removes session from read_locks if present. No
// precondition: releasing a lock you don't hold is a no-op.
func (b *Builder) ReleaseReadLock(session coordtypes.SessionId) error {
	if _, ok := b.reads[session.Key()]; ok {
		delete(b.reads, session.Key())
		b.dirty = true
	}
	return nil
}

// MarkAsDeleted sets is_marked_as_deleted and clears read_locks.
// Precondition: write_lock == session and no foreign read-lock remains.
func (b *Builder) MarkAsDeleted(session coordtypes.SessionId) error {
	if b.write == nil || !b.write.Equal(session) {
		return coorderr.New(coorderr.InvalidState, "MarkAsDeleted", b.key)
	}
	for k := range b.reads {
		if k != session.Key() {
			return coorderr.New(coorderr.InvalidState, "MarkAsDeleted", b.key)
		}
	}
	if !b.deleted {
		b.deleted = true
		b.dirty = true
	}
	if len(b.reads) != 0 {
		b.reads = make(map[string]coordtypes.SessionId)
		b.dirty = true
	}
	return nil
}

// SetValue replaces value. Precondition: write_lock == session and the
// entry is not deleted.
func (b *Builder) SetValue(session coordtypes.SessionId, value []byte) error {
	if b.write == nil || !b.write.Equal(session) {
		return coorderr.New(coorderr.InvalidState, "SetValue", b.key)
	}
	if b.deleted {
		return coorderr.New(coorderr.InvalidState, "SetValue", b.key)
	}
	b.value = append([]byte(nil), value...)
	b.dirty = true
	return nil
}

// Create initializes a brand-new entry: acquires write+read-lock for
// session, sets value, clears is_marked_as_deleted. Precondition: the
// builder started from an absent, deleted or valueless source (such as a
// write-lock-only placeholder) with no foreign locks.
func (b *Builder) Create(session coordtypes.SessionId, value []byte) error {
	if b.write != nil && !b.write.Equal(session) {
		return coorderr.New(coorderr.InvalidState, "Create", b.key)
	}
	for k := range b.reads {
		if k != session.Key() {
			return coorderr.New(coorderr.InvalidState, "Create", b.key)
		}
	}
	if !b.deleted && b.value != nil {
		return coorderr.New(coorderr.InvalidState, "Create", b.key)
	}
	wl := session
	b.write = &wl
	b.reads = map[string]coordtypes.SessionId{session.Key(): session}
	b.value = append([]byte(nil), value...)
	b.deleted = false
	b.dirty = true
	return nil
}

// ToImmutable returns the next StoredEntry image. storage_version bumps by
// exactly one iff any change occurred since the source image, unless reset
// is true, in which case the image is treated as freshly created
// (storage_version starts at 1).
func (b *Builder) ToImmutable(reset bool) *StoredEntry {
	version := b.version
	if reset {
		version = 1
	} else if b.dirty {
		version++
	}
	reads := make(map[string]coordtypes.SessionId, len(b.reads))
	for k, v := range b.reads {
		reads[k] = v
	}
	var write *coordtypes.SessionId
	if b.write != nil {
		wl := *b.write
		write = &wl
	}
	return &StoredEntry{
		Key:               b.key,
		Value:             append([]byte(nil), b.value...),
		ReadLocks:         reads,
		WriteLock:         write,
		IsMarkedAsDeleted: b.deleted,
		StorageVersion:    version,
	}
}
