package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synche-io/synche/internal/vclock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &EntryRecord{
		Dir:        "proj",
		Path:       "src/main.go",
		Kind:       KindFile,
		Version:    vclock.Clock{"p1": 2, "p2": 1},
		Hash:       "abc123",
		Size:       42,
		ModifiedNs: 1700000000,
	}
	require.NoError(t, s.Set(rec))

	got, err := s.Get(rec.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Hash, got.Hash)
	assert.Equal(t, rec.Size, got.Size)
	assert.Equal(t, vclock.Equal, vclock.Compare(rec.Version, got.Version))
	assert.False(t, got.Tombstone)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Get(Key{Dir: "proj", Path: "nope.txt"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetReplaces(t *testing.T) {
	s := openTestStore(t)

	rec := &EntryRecord{Dir: "proj", Path: "a.txt", Kind: KindFile, Version: vclock.Clock{"p1": 1}, Hash: "h1"}
	require.NoError(t, s.Set(rec))

	rec.Version = vclock.Clock{"p1": 2}
	rec.Hash = "h2"
	rec.Tombstone = true
	require.NoError(t, s.Set(rec))

	got, err := s.Get(rec.Key())
	require.NoError(t, err)
	assert.True(t, got.Tombstone)
	assert.Equal(t, uint64(2), got.Version.Get("p1"))
}

func TestListDir(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set(&EntryRecord{Dir: "proj", Path: "a.txt", Kind: KindFile, Version: vclock.Clock{"p1": 1}}))
	require.NoError(t, s.Set(&EntryRecord{Dir: "proj", Path: "b.txt", Kind: KindFile, Version: vclock.Clock{"p1": 1}, Tombstone: true}))
	require.NoError(t, s.Set(&EntryRecord{Dir: "other", Path: "c.txt", Kind: KindFile, Version: vclock.Clock{"p1": 1}}))

	recs, err := s.ListDir("proj")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a.txt", recs[0].Path)
	assert.Equal(t, "b.txt", recs[1].Path)
	assert.True(t, recs[1].Tombstone)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")

	s := New(dbPath)
	require.NoError(t, s.Open())
	require.NoError(t, s.Set(&EntryRecord{Dir: "proj", Path: "a.txt", Kind: KindFile, Version: vclock.Clock{"p1": 3}}))
	require.NoError(t, s.Close())

	s2 := New(dbPath)
	require.NoError(t, s2.Open())
	defer s2.Close()

	got, err := s2.Get(Key{Dir: "proj", Path: "a.txt"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.Version.Get("p1"))
}
