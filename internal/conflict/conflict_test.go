package conflict

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/vclock"
)

func rec(path string, v vclock.Clock, hash string) *store.EntryRecord {
	return &store.EntryRecord{
		Dir:     "proj",
		Path:    path,
		Kind:    store.KindFile,
		Version: v,
		Hash:    hash,
	}
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "p2", Origin(vclock.Clock{"p1": 1, "p2": 2}))
	assert.Equal(t, "p2", Origin(vclock.Clock{"p1": 2, "p2": 2}))
	assert.Equal(t, "", Origin(vclock.Clock{}))
}

func TestResolveDeterministic(t *testing.T) {
	// p1 wrote last on a, p2 wrote last on b; p1 < p2 so a is primary
	a := rec("a.txt", vclock.Clock{"p1": 2}, "foo")
	b := rec("a.txt", vclock.Clock{"p1": 1, "p2": 1}, "bar")

	primary, sidecar := Resolve(a, b)
	assert.Same(t, a, primary)
	assert.Same(t, b, sidecar)

	// symmetric call on the other peer elects the same winner
	primary2, sidecar2 := Resolve(b, a)
	assert.Same(t, a, primary2)
	assert.Same(t, b, sidecar2)
}

func TestSidecarPathStable(t *testing.T) {
	loser := rec("a.txt", vclock.Clock{"p1": 1, "p2aaaaaaaaaa": 2}, "bar")

	p1 := SidecarPath("a.txt", loser)
	p2 := SidecarPath("a.txt", loser)
	assert.Equal(t, p1, p2)

	require.True(t, strings.HasPrefix(p1, "a.txt.sync-conflict-"))
	assert.Contains(t, p1, "p2aaaaaa")

	// different vector, different digest
	other := rec("a.txt", vclock.Clock{"p1": 1, "p2aaaaaaaaaa": 3}, "bar")
	assert.NotEqual(t, p1, SidecarPath("a.txt", other))
}

func TestSidecarRecordKeepsUnmergedVector(t *testing.T) {
	loser := rec("a.txt", vclock.Clock{"p2": 1}, "bar")

	sc := SidecarRecord(loser)
	assert.Equal(t, "a.txt", loser.Path)
	assert.NotEqual(t, loser.Path, sc.Path)
	assert.Equal(t, vclock.Equal, vclock.Compare(loser.Version, sc.Version))
	assert.Equal(t, "bar", sc.Hash)

	// mutation of the sidecar vector must not leak into the loser
	sc.Version.Bump("p2")
	assert.Equal(t, uint64(1), loser.Version.Get("p2"))
}
