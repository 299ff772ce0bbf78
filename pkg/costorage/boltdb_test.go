package costorage

import (
	"testing"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sid(tag string) coordtypes.SessionId {
	return coordtypes.NewSessionId([]byte("addr"), []byte(tag))
}

func TestBoltStorage_GetEntry_Absent(t *testing.T) {
	s := newTestStorage(t)
	got, err := s.GetEntry("/missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBoltStorage_UpdateEntry_CreateOnAbsent(t *testing.T) {
	s := newTestStorage(t)
	b := entry.NewBuilder("/k", nil)
	require.NoError(t, b.Create(sid("a"), []byte("v1")))
	desired := b.ToImmutable(true)

	prior, err := s.UpdateEntry("/k", desired, nil)
	require.NoError(t, err)
	assert.Nil(t, prior, "success returns the passed-in expected image, nil here")

	got, err := s.GetEntry("/k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, uint64(1), got.StorageVersion)
}

func TestBoltStorage_UpdateEntry_ConflictReturnsCurrentImage(t *testing.T) {
	s := newTestStorage(t)
	b := entry.NewBuilder("/k", nil)
	require.NoError(t, b.Create(sid("a"), []byte("v1")))
	desired := b.ToImmutable(true)
	_, err := s.UpdateEntry("/k", desired, nil)
	require.NoError(t, err)

	// A stale "expected" (nil, as if the key were still absent) must fail
	// and hand back the actual current image instead of applying desired2.
	b2 := entry.NewBuilder("/k", desired)
	require.NoError(t, b2.SetValue(sid("a"), []byte("v2")))
	desired2 := b2.ToImmutable(false)

	prior, err := s.UpdateEntry("/k", desired2, nil)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, []byte("v1"), prior.Value, "conflict must surface the actual current image")

	got, err := s.GetEntry("/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value, "desired2 must not have been applied")
}

func TestBoltStorage_UpdateEntry_SucceedsWhenExpectedMatches(t *testing.T) {
	s := newTestStorage(t)
	b := entry.NewBuilder("/k", nil)
	require.NoError(t, b.Create(sid("a"), []byte("v1")))
	desired := b.ToImmutable(true)
	_, err := s.UpdateEntry("/k", desired, nil)
	require.NoError(t, err)

	b2 := entry.NewBuilder("/k", desired)
	require.NoError(t, b2.SetValue(sid("a"), []byte("v2")))
	desired2 := b2.ToImmutable(false)

	prior, err := s.UpdateEntry("/k", desired2, desired)
	require.NoError(t, err)
	assert.Equal(t, desired.Value, prior.Value)

	got, err := s.GetEntry("/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, uint64(2), got.StorageVersion)
}

func TestBoltStorage_UpdateEntry_DeleteOnNilDesired(t *testing.T) {
	s := newTestStorage(t)
	b := entry.NewBuilder("/k", nil)
	require.NoError(t, b.Create(sid("a"), []byte("v1")))
	desired := b.ToImmutable(true)
	_, err := s.UpdateEntry("/k", desired, nil)
	require.NoError(t, err)

	_, err = s.UpdateEntry("/k", nil, desired)
	require.NoError(t, err)

	got, err := s.GetEntry("/k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBoltStorage_ListChildren(t *testing.T) {
	s := newTestStorage(t)
	for _, key := range []string{"/a", "/a/b", "/a/b/c", "/a/bb", "/ab"} {
		b := entry.NewBuilder(key, nil)
		require.NoError(t, b.Create(sid("a"), []byte("v")))
		_, err := s.UpdateEntry(key, b.ToImmutable(true), nil)
		require.NoError(t, err)
	}

	children, err := s.ListChildren("/a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []coordtypes.Key{"/a/b", "/a/b/c", "/a/bb"}, children)
}

func TestBoltStorage_ListChildren_NoMatches(t *testing.T) {
	s := newTestStorage(t)
	children, err := s.ListChildren("/nope")
	require.NoError(t, err)
	assert.Empty(t, children)
}
