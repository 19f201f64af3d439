package entry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synche-io/synche/internal/protocol"
	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/vclock"
)

// fakeFS records effects instead of touching disk.
type fakeFS struct {
	removed  []string
	mkdirs   []string
	renames  [][2]string
	promotes []string

	renameErr error
}

func (f *fakeFS) Remove(dir, rel string, kind store.EntryKind) error {
	f.removed = append(f.removed, dir+"/"+rel)
	return nil
}

func (f *fakeFS) MkdirAll(dir, rel string) error {
	f.mkdirs = append(f.mkdirs, dir+"/"+rel)
	return nil
}

func (f *fakeFS) Rename(dir, fromRel, toRel string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renames = append(f.renames, [2]string{dir + "/" + fromRel, dir + "/" + toRel})
	return nil
}

func (f *fakeFS) Promote(dir, rel, stagedAbs string) error {
	f.promotes = append(f.promotes, dir+"/"+rel)
	return nil
}

func newTestManager(t *testing.T, self string) (*Manager, *fakeFS, *store.Store) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, st.Open())
	t.Cleanup(func() { st.Close() })

	fs := &fakeFS{}
	return NewManager(self, st, fs), fs, st
}

func TestObserveLocalCreate(t *testing.T) {
	m, _, _ := newTestManager(t, "p1")

	res, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.Equal(t, vclock.Clock{"p1": 1}, res.Record.Version)
	assert.Equal(t, "h1", res.Record.Hash)
}

func TestObserveLocalUnchangedIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)

	res, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 200, "h1")
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)
	assert.Equal(t, uint64(1), res.Record.Version.Get("p1"))
}

func TestObserveLocalModifyBumps(t *testing.T) {
	m, _, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)

	res, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 6, 200, "h2")
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.Equal(t, uint64(2), res.Record.Version.Get("p1"))
}

func TestMarkDeletedLocal(t *testing.T) {
	m, _, _ := newTestManager(t, "p1")

	// never observed: NoOp (covers ignored paths)
	res, err := m.MarkDeletedLocal("proj", "ghost.txt")
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)

	_, err = m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)

	res, err = m.MarkDeletedLocal("proj", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.True(t, res.Record.Tombstone)
	assert.Equal(t, uint64(2), res.Record.Version.Get("p1"))

	// second delete is idempotent
	res, err = m.MarkDeletedLocal("proj", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)
}

func ann(path string, v vclock.Clock, hash string) *protocol.Announce {
	return &protocol.Announce{
		Dir:     "proj",
		Path:    path,
		Kind:    store.KindFile,
		Version: v,
		Hash:    hash,
		Size:    int64(len(hash)),
		Origin:  "p2",
	}
}

func TestApplyRemoteNewFileNeedsContent(t *testing.T) {
	m, _, st := newTestManager(t, "p1")

	res, err := m.ApplyRemote(ann("a.txt", vclock.Clock{"p2": 1}, "h1"))
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.True(t, res.NeedsContent)

	// nothing persisted until the transfer commits
	got, err := st.Get(store.Key{Dir: "proj", Path: "a.txt"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApplyRemoteStaleIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)
	_, err = m.ObserveLocal("proj", "a.txt", store.KindFile, 6, 200, "h2")
	require.NoError(t, err)

	res, err := m.ApplyRemote(ann("a.txt", vclock.Clock{"p1": 1}, "h1"))
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)
}

func TestApplyRemoteEchoRoundTrip(t *testing.T) {
	// a change propagated out and echoed back via any path yields NoOp
	m, _, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)

	rec, err := m.Get("proj", "a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)

	res, err := m.ApplyRemote(&protocol.Announce{
		Dir:     "proj",
		Path:    "a.txt",
		Kind:    rec.Kind,
		Version: rec.Version.Clone(),
		Hash:    rec.Hash,
		Size:    rec.Size,
		Origin:  "p2",
	})
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)
}

func TestApplyRemoteTombstoneRemovesFile(t *testing.T) {
	m, fs, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)

	res, err := m.ApplyRemote(&protocol.Announce{
		Dir:       "proj",
		Path:      "a.txt",
		Kind:      store.KindFile,
		Version:   vclock.Clock{"p1": 1, "p2": 1},
		Tombstone: true,
		Origin:    "p2",
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.True(t, res.Record.Tombstone)
	assert.Equal(t, []string{"proj/a.txt"}, fs.removed)
	assert.Equal(t, vclock.Clock{"p1": 1, "p2": 1}, res.Record.Version)
}

func TestApplyRemoteMetadataOnlyMerge(t *testing.T) {
	m, fs, st := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 5, 100, "h1")
	require.NoError(t, err)

	// peer accepted our version and bumped nothing; same hash, newer vector
	res, err := m.ApplyRemote(ann("a.txt", vclock.Clock{"p1": 1, "p2": 1}, "h1"))
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.False(t, res.NeedsContent)
	assert.Empty(t, fs.promotes)

	got, err := st.Get(store.Key{Dir: "proj", Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"p1": 1, "p2": 1}, got.Version)
}

func TestApplyRemoteConcurrentLocalWins(t *testing.T) {
	// local origin p1 < remote origin p2: local content is primary
	m, fs, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 100, "foo")
	require.NoError(t, err)
	_, err = m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 150, "foo2")
	require.NoError(t, err)

	res, err := m.ApplyRemote(ann("a.txt", vclock.Clock{"p1": 1, "p2": 1}, "bar"))
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res.Decision)
	assert.False(t, res.NeedsContent)
	require.NotNil(t, res.Sidecar)
	assert.False(t, res.SidecarLocal)
	assert.Contains(t, res.Sidecar.Path, ".sync-conflict-")
	assert.Equal(t, vclock.Clock{"p1": 2, "p2": 1}, res.Record.Version)
	// loser keeps its own unmerged vector
	assert.Equal(t, vclock.Clock{"p1": 1, "p2": 1}, res.Sidecar.Version)
	assert.Empty(t, fs.renames, "winner's disk content untouched")
}

func TestApplyRemoteConcurrentLocalLoses(t *testing.T) {
	// local origin p3 > remote origin p2: local content moves to sidecar
	m, fs, st := newTestManager(t, "p3")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 100, "bar")
	require.NoError(t, err)

	res, err := m.ApplyRemote(ann("a.txt", vclock.Clock{"p2": 1}, "foo"))
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res.Decision)
	assert.True(t, res.NeedsContent)
	require.NotNil(t, res.Sidecar)
	assert.True(t, res.SidecarLocal)
	require.Len(t, fs.renames, 1)
	assert.Equal(t, "proj/a.txt", fs.renames[0][0])
	assert.True(t, strings.Contains(fs.renames[0][1], ".sync-conflict-"))

	// sidecar persisted with local bytes; contested key not yet overwritten
	sc, err := st.Get(store.Key{Dir: "proj", Path: res.Sidecar.Path})
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "bar", sc.Hash)

	main, err := st.Get(store.Key{Dir: "proj", Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "bar", main.Hash, "contested record not committed before transfer")
}

func TestApplyRemoteDeleteVsModify(t *testing.T) {
	m, _, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 100, "h1")
	require.NoError(t, err)
	_, err = m.ObserveLocal("proj", "a.txt", store.KindFile, 4, 200, "h2")
	require.NoError(t, err)

	// concurrent remote delete loses to our modification
	res, err := m.ApplyRemote(&protocol.Announce{
		Dir:       "proj",
		Path:      "a.txt",
		Kind:      store.KindFile,
		Version:   vclock.Clock{"p1": 1, "p2": 1},
		Tombstone: true,
		Origin:    "p2",
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.False(t, res.Record.Tombstone)
	assert.Equal(t, vclock.Clock{"p1": 2, "p2": 1}, res.Record.Version)
}

func TestCommitTransfer(t *testing.T) {
	m, fs, st := newTestManager(t, "p1")

	a := ann("a.txt", vclock.Clock{"p2": 1}, "h1")
	res, err := m.ApplyRemote(a)
	require.NoError(t, err)
	require.True(t, res.NeedsContent)

	res, err = m.CommitTransfer(a, "/staging/a.txt.synche-tmp-x")
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Decision)
	assert.Equal(t, []string{"proj/a.txt"}, fs.promotes)

	got, err := st.Get(store.Key{Dir: "proj", Path: "a.txt"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.Hash)
	assert.Equal(t, vclock.Clock{"p2": 1}, got.Version)
}

func TestCommitTransferDiscardsWhenAdvanced(t *testing.T) {
	m, fs, _ := newTestManager(t, "p1")

	a := ann("a.txt", vclock.Clock{"p2": 1}, "h1")
	_, err := m.ApplyRemote(a)
	require.NoError(t, err)

	// the first commit lands, so the record now holds the transferred version
	res, err := m.CommitTransfer(a, "/staging/1")
	require.NoError(t, err)
	require.Equal(t, Updated, res.Decision)

	// duplicate transfer of the same version is a no-op
	res, err = m.CommitTransfer(a, "/staging/2")
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)
	assert.Len(t, fs.promotes, 1)
}

func TestCommitTransferConcurrentPreservesLocal(t *testing.T) {
	// p3 > p2, so the in-flight remote version wins and local bytes move
	// aside
	m, fs, _ := newTestManager(t, "p3")

	a := ann("a.txt", vclock.Clock{"p2": 2}, "remote")
	// local file appears while the transfer is in flight
	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 100, "local")
	require.NoError(t, err)

	res, err := m.CommitTransfer(a, "/staging/x")
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res.Decision)
	require.NotNil(t, res.Sidecar)
	require.Len(t, fs.renames, 1)
	assert.Len(t, fs.promotes, 1)
	assert.Equal(t, vclock.Clock{"p2": 2, "p3": 1}, res.Record.Version)
}

func TestCommitTransferConcurrentLocalPrimaryDiscards(t *testing.T) {
	// p1 < p2: local record stays primary, stage is discarded
	m, fs, _ := newTestManager(t, "p1")

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 100, "local")
	require.NoError(t, err)

	res, err := m.CommitTransfer(ann("a.txt", vclock.Clock{"p2": 2}, "remote"), "/staging/x")
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Decision)
	assert.Empty(t, fs.promotes)
}

func TestCommitTransferRenameMissingSource(t *testing.T) {
	m, fs, _ := newTestManager(t, "p3")
	fs.renameErr = os.ErrNotExist

	_, err := m.ObserveLocal("proj", "a.txt", store.KindFile, 3, 100, "local")
	require.NoError(t, err)

	// the loser's bytes were already moved by an earlier conflict pass
	res, err := m.CommitTransfer(ann("a.txt", vclock.Clock{"p2": 2}, "remote"), "/staging/x")
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res.Decision)
	assert.Nil(t, res.Sidecar)
	assert.Len(t, fs.promotes, 1)
}
