package entry

import (
	"testing"

	"github.com/cuemby/warren-coord/pkg/coorderr"
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sid(tag string) coordtypes.SessionId {
	return coordtypes.NewSessionId([]byte("addr"), []byte(tag))
}

func TestBuilder_Create(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(s, []byte("v1")))

	img := b.ToImmutable(true)
	assert.Equal(t, uint64(1), img.StorageVersion)
	assert.Equal(t, []byte("v1"), img.Value)
	assert.True(t, img.HasWriteLock(s))
	assert.True(t, img.HasReadLock(s))
	assert.False(t, img.IsMarkedAsDeleted)
}

func TestBuilder_Create_FailsOnExistingLive(t *testing.T) {
	s, other := sid("a"), sid("b")
	existing := NewBuilder("/k", nil)
	require.NoError(t, existing.Create(other, []byte("v0")))
	img := existing.ToImmutable(true)

	b := NewBuilder("/k", img)
	err := b.Create(s, []byte("v1"))
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestBuilder_Create_SucceedsOverDeletedImage(t *testing.T) {
	s := sid("a")
	first := NewBuilder("/k", nil)
	require.NoError(t, first.Create(s, []byte("v0")))
	require.NoError(t, first.MarkAsDeleted(s))
	deletedImg := first.ToImmutable(false)
	assert.True(t, deletedImg.IsMarkedAsDeleted)

	b := NewBuilder("/k", deletedImg)
	require.NoError(t, b.Create(s, []byte("v1")))
	img := b.ToImmutable(true)
	assert.False(t, img.IsMarkedAsDeleted)
	assert.Equal(t, []byte("v1"), img.Value)
}

func TestBuilder_AcquireWriteLock_ConflictsWithForeignHolder(t *testing.T) {
	owner, other := sid("a"), sid("b")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.AcquireWriteLock(owner))

	img := b.ToImmutable(false)
	b2 := NewBuilder("/k", img)
	err := b2.AcquireWriteLock(other)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestBuilder_AcquireWriteLock_IdempotentForSameHolder(t *testing.T) {
	owner := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.AcquireWriteLock(owner))
	img := b.ToImmutable(false)

	b2 := NewBuilder("/k", img)
	require.NoError(t, b2.AcquireWriteLock(owner))
	img2 := b2.ToImmutable(false)
	assert.Equal(t, img.StorageVersion, img2.StorageVersion, "no-op change must not bump version")
}

func TestBuilder_AcquireReadLock_DeniedWhenDeleted(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(s, []byte("v")))
	require.NoError(t, b.MarkAsDeleted(s))
	img := b.ToImmutable(false)

	b2 := NewBuilder("/k", img)
	err := b2.AcquireReadLock(s)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestBuilder_ReleaseWriteLock_DowngradesOwner(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(s, []byte("v")))
	img := b.ToImmutable(true)

	b2 := NewBuilder("/k", img)
	require.NoError(t, b2.ReleaseWriteLock(s))
	img2 := b2.ToImmutable(false)
	assert.False(t, img2.HasWriteLock(s))
	assert.True(t, img2.HasReadLock(s), "release-write should leave the read-lock held")
}

func TestBuilder_ReleaseWriteLock_ForeignHolderRejected(t *testing.T) {
	owner, other := sid("a"), sid("b")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(owner, []byte("v")))
	img := b.ToImmutable(true)

	b2 := NewBuilder("/k", img)
	err := b2.ReleaseWriteLock(other)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestBuilder_ReleaseReadLock_NoopIfNotHeld(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.ReleaseReadLock(s))
	img := b.ToImmutable(false)
	assert.Equal(t, uint64(0), img.StorageVersion, "no-op must not mark the builder dirty")
}

func TestBuilder_MarkAsDeleted_RequiresWriteLock(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	err := b.MarkAsDeleted(s)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestBuilder_MarkAsDeleted_RejectsForeignReadLock(t *testing.T) {
	owner, other := sid("a"), sid("b")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(owner, []byte("v")))
	img := b.ToImmutable(true)

	b2 := NewBuilder("/k", img)
	require.NoError(t, b2.ReleaseWriteLock(owner))
	b3 := NewBuilder("/k", b2.ToImmutable(false))
	require.NoError(t, b3.AcquireReadLock(other))
	require.NoError(t, b3.AcquireWriteLock(owner))
	img3 := b3.ToImmutable(false)

	b4 := NewBuilder("/k", img3)
	err := b4.MarkAsDeleted(owner)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestBuilder_SetValue_RejectsWhenDeleted(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(s, []byte("v")))
	require.NoError(t, b.MarkAsDeleted(s))
	img := b.ToImmutable(true)

	b2 := NewBuilder("/k", img)
	err := b2.SetValue(s, []byte("v2"))
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.InvalidState))
}

func TestToImmutable_VersionBumpsOnlyWhenDirty(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(s, []byte("v")))
	img := b.ToImmutable(true)
	require.Equal(t, uint64(1), img.StorageVersion)

	b2 := NewBuilder("/k", img)
	img2 := b2.ToImmutable(false)
	assert.Equal(t, img.StorageVersion, img2.StorageVersion, "builder with no mutations must not bump version")

	b3 := NewBuilder("/k", img)
	require.NoError(t, b3.SetValue(s, []byte("v2")))
	img3 := b3.ToImmutable(false)
	assert.Equal(t, img.StorageVersion+1, img3.StorageVersion)
}

func TestStoredEntry_Clone(t *testing.T) {
	s := sid("a")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(s, []byte("v")))
	img := b.ToImmutable(true)

	clone := img.Clone()
	clone.Value[0] = 'X'
	assert.NotEqual(t, img.Value[0], clone.Value[0])
	clone.ReadLocks["extra"] = sid("z")
	assert.NotContains(t, img.ReadLocks, "extra")
}

func TestStoredEntry_ForeignReadLocks(t *testing.T) {
	owner, other := sid("a"), sid("b")
	b := NewBuilder("/k", nil)
	require.NoError(t, b.Create(owner, []byte("v")))
	require.NoError(t, b.AcquireWriteLock(owner))
	img := b.ToImmutable(true)

	b2 := NewBuilder("/k", img)
	require.NoError(t, b2.ReleaseWriteLock(owner))
	require.NoError(t, b2.AcquireReadLock(other))
	img2 := b2.ToImmutable(false)

	foreign := img2.ForeignReadLocks(owner)
	require.Len(t, foreign, 1)
	assert.True(t, foreign[0].Equal(other))
}

func TestStoredEntry_NilSafeHelpers(t *testing.T) {
	var e *StoredEntry
	assert.Nil(t, e.Clone())
	assert.False(t, e.HasReadLock(sid("a")))
	assert.False(t, e.HasWriteLock(sid("a")))
	assert.True(t, e.IsWriteLockFree(sid("a")))
	assert.Nil(t, e.ForeignReadLocks(sid("a")))
}
