package store

import (
	"log/slog"

	"github.com/synche-io/synche/internal/vclock"
)

// EntryKind discriminates files from directories.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

// Key identifies an entry: the sync directory name plus the slash-separated
// relative path inside it.
type Key struct {
	Dir  string
	Path string
}

// EntryRecord is the replicated metadata for one entry. A tombstoned record
// marks a deletion and is retained to propagate it causally; its Hash and
// Size are meaningless.
type EntryRecord struct {
	Dir        string
	Path       string
	Kind       EntryKind
	Version    vclock.Clock
	Hash       string
	Size       int64
	Tombstone  bool
	ModifiedNs int64
}

func (r *EntryRecord) Key() Key {
	return Key{Dir: r.Dir, Path: r.Path}
}

func (r *EntryRecord) Clone() *EntryRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Version = r.Version.Clone()
	return &out
}

func (r *EntryRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("dir", r.Dir),
		slog.String("path", r.Path),
		slog.String("kind", string(r.Kind)),
		slog.String("vv", r.Version.String()),
		slog.Bool("tombstone", r.Tombstone),
	)
}
