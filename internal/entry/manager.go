// Package entry hosts the sole mutator of entry records. Decisions for a
// given key are computed inside a per-key exclusion, and a record is only
// persisted once the filesystem effect it commits to has succeeded.
package entry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/synche-io/synche/internal/conflict"
	"github.com/synche-io/synche/internal/protocol"
	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/vclock"
)

// Decision is the outcome of running one input through the manager.
type Decision int

const (
	NoOp Decision = iota
	Updated
	Conflicted
)

func (d Decision) String() string {
	switch d {
	case NoOp:
		return "noop"
	case Updated:
		return "updated"
	case Conflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Result describes a decision. When NeedsContent is set, Record is a proposal
// that is NOT yet persisted: the caller must fetch the remote bytes and call
// CommitTransfer. Sidecar, when non-nil, is the conflict loser at its sidecar
// path; SidecarLocal tells whether its bytes are already on local disk (and
// the record persisted) or must be fetched from the origin peer.
type Result struct {
	Decision     Decision
	Record       *store.EntryRecord
	Sidecar      *store.EntryRecord
	SidecarLocal bool
	NeedsContent bool
}

// FS performs the filesystem effects that must land before a record is
// persisted. Paths are relative to the named sync directory; implementations
// handle watcher echo suppression.
type FS interface {
	// Remove deletes the entry from disk. Missing targets are not an error.
	Remove(dir, rel string, kind store.EntryKind) error
	// MkdirAll materializes a directory entry.
	MkdirAll(dir, rel string) error
	// Rename moves an entry within the sync directory. Returns an error
	// satisfying errors.Is(err, os.ErrNotExist) when the source is gone.
	Rename(dir, fromRel, toRel string) error
	// Promote atomically renames a verified staging file onto the target.
	Promote(dir, rel, stagedAbs string) error
}

// Manager owns all EntryRecord mutations for one device.
type Manager struct {
	self  string
	store *store.Store
	fs    FS
	locks keyedLocks
}

func NewManager(self string, st *store.Store, fs FS) *Manager {
	return &Manager{self: self, store: st, fs: fs}
}

// Get returns the current record for a key, nil if unknown.
func (m *Manager) Get(dir, rel string) (*store.EntryRecord, error) {
	key := store.Key{Dir: dir, Path: rel}
	unlock := m.locks.Lock(key)
	defer unlock()
	return m.store.Get(key)
}

// ObserveLocal folds one local filesystem observation into the store. The
// disk already reflects the change, so an Updated decision persists a bumped
// record immediately.
func (m *Manager) ObserveLocal(dir, rel string, kind store.EntryKind, size, modNs int64, hash string) (*Result, error) {
	key := store.Key{Dir: dir, Path: rel}
	unlock := m.locks.Lock(key)
	defer unlock()

	prior, err := m.store.Get(key)
	if err != nil {
		return nil, err
	}

	if prior != nil && !prior.Tombstone && prior.Kind == kind {
		if kind == store.KindDir || prior.Hash == hash {
			return &Result{Decision: NoOp, Record: prior}, nil
		}
	}

	version := vclock.New()
	if prior != nil {
		version = prior.Version.Clone()
	}
	version.Bump(m.self)

	rec := &store.EntryRecord{
		Dir:        dir,
		Path:       rel,
		Kind:       kind,
		Version:    version,
		Hash:       hash,
		Size:       size,
		Tombstone:  false,
		ModifiedNs: modNs,
	}
	if kind == store.KindDir {
		rec.Hash = ""
		rec.Size = 0
	}

	if err := m.store.Set(rec); err != nil {
		return nil, err
	}
	return &Result{Decision: Updated, Record: rec}, nil
}

// MarkDeletedLocal transitions a locally observed deletion to a tombstone.
// Entries never observed (including ignored ones) yield NoOp.
func (m *Manager) MarkDeletedLocal(dir, rel string) (*Result, error) {
	key := store.Key{Dir: dir, Path: rel}
	unlock := m.locks.Lock(key)
	defer unlock()

	prior, err := m.store.Get(key)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.Tombstone {
		return &Result{Decision: NoOp, Record: prior}, nil
	}

	rec := prior.Clone()
	rec.Version.Bump(m.self)
	rec.Tombstone = true
	rec.Hash = ""
	rec.Size = 0

	if err := m.store.Set(rec); err != nil {
		return nil, err
	}
	return &Result{Decision: Updated, Record: rec}, nil
}

// ApplyRemote folds a peer announcement into the store per the causal
// ordering of the two vectors.
func (m *Manager) ApplyRemote(ann *protocol.Announce) (*Result, error) {
	key := store.Key{Dir: ann.Dir, Path: ann.Path}
	unlock := m.locks.Lock(key)
	defer unlock()

	prior, err := m.store.Get(key)
	if err != nil {
		return nil, err
	}

	cmp := vclock.Compare(priorVersion(prior), ann.Version)
	switch cmp {
	case vclock.Greater:
		// peer is stale; our scheduler will push our version
		return &Result{Decision: NoOp, Record: prior}, nil

	case vclock.Equal:
		if prior == nil {
			// both sides at zero: an empty tombstone probe, nothing to do
			return &Result{Decision: NoOp}, nil
		}
		if prior.Tombstone && ann.Tombstone {
			return &Result{Decision: NoOp, Record: prior}, nil
		}
		if prior.Hash == ann.Hash && prior.Kind == ann.Kind && prior.Tombstone == ann.Tombstone {
			return &Result{Decision: NoOp, Record: prior}, nil
		}
		// equal vectors but diverged content: hash-drift guard, treat as
		// concurrent
		return m.resolveConflict(prior, ann)

	case vclock.Less:
		return m.acceptRemote(prior, ann)

	default: // vclock.Concurrent
		return m.resolveConflict(prior, ann)
	}
}

// CommitTransfer lands a verified staged download. The staging file at
// stagedAbs carries content matching ann.Hash; the commit re-checks the
// causal ordering under the key lock and discards the stage if the local
// record advanced past the transferred version.
func (m *Manager) CommitTransfer(ann *protocol.Announce, stagedAbs string) (*Result, error) {
	key := store.Key{Dir: ann.Dir, Path: ann.Path}
	unlock := m.locks.Lock(key)
	defer unlock()

	prior, err := m.store.Get(key)
	if err != nil {
		return nil, err
	}

	cmp := vclock.Compare(priorVersion(prior), ann.Version)
	switch cmp {
	case vclock.Greater, vclock.Equal:
		// already have this version or a later one
		return &Result{Decision: NoOp, Record: prior}, nil

	case vclock.Less:
		rec, err := m.promote(prior, ann, stagedAbs)
		if err != nil {
			return nil, err
		}
		return &Result{Decision: Updated, Record: rec}, nil

	default: // concurrent: the key diverged while the transfer was in flight
		if prior.Tombstone {
			// data beats a concurrent delete
			rec, err := m.promote(prior, ann, stagedAbs)
			if err != nil {
				return nil, err
			}
			return &Result{Decision: Updated, Record: rec}, nil
		}

		primary, _ := conflict.Resolve(prior, ann.Record())
		if primary == prior {
			return &Result{Decision: NoOp, Record: prior}, nil
		}

		// preserve the diverged local bytes before overwriting, unless an
		// earlier conflict pass already moved them aside
		sidecar := conflict.SidecarRecord(prior)
		sidecarOnDisk := true
		if err := m.fs.Rename(ann.Dir, ann.Path, sidecar.Path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			sidecarOnDisk = false
		}
		if sidecarOnDisk {
			if err := m.store.Set(sidecar); err != nil {
				return nil, err
			}
		}

		rec, err := m.promote(prior, ann, stagedAbs)
		if err != nil {
			return nil, err
		}
		res := &Result{Decision: Conflicted, Record: rec, SidecarLocal: true}
		if sidecarOnDisk {
			res.Sidecar = sidecar
		}
		return res, nil
	}
}

// acceptRemote applies a causally newer announcement.
func (m *Manager) acceptRemote(prior *store.EntryRecord, ann *protocol.Announce) (*Result, error) {
	merged := vclock.Merge(priorVersion(prior), ann.Version)

	if ann.Tombstone {
		kind := ann.Kind
		if prior != nil {
			kind = prior.Kind
		}
		if prior != nil && !prior.Tombstone {
			if err := m.fs.Remove(ann.Dir, ann.Path, kind); err != nil {
				return nil, err
			}
		}
		rec := ann.Record()
		rec.Kind = kind
		rec.Version = merged
		rec.Hash = ""
		rec.Size = 0
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		return &Result{Decision: Updated, Record: rec}, nil
	}

	if ann.Kind == store.KindDir {
		if prior != nil && !prior.Tombstone && prior.Kind == store.KindFile {
			// kind change: the file gave way to a directory
			if err := m.fs.Remove(ann.Dir, ann.Path, store.KindFile); err != nil {
				return nil, err
			}
		}
		if err := m.fs.MkdirAll(ann.Dir, ann.Path); err != nil {
			return nil, err
		}
		rec := ann.Record()
		rec.Version = merged
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		return &Result{Decision: Updated, Record: rec}, nil
	}

	// file with content we already hold: metadata-only merge (echo of our
	// own change, or same bytes written on both sides)
	if prior != nil && !prior.Tombstone && prior.Kind == store.KindFile && prior.Hash == ann.Hash {
		rec := ann.Record()
		rec.Version = merged
		rec.ModifiedNs = prior.ModifiedNs
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		return &Result{Decision: Updated, Record: rec}, nil
	}

	// content must be fetched before anything is persisted
	proposal := ann.Record()
	proposal.Version = merged
	return &Result{Decision: Updated, Record: proposal, NeedsContent: true}, nil
}

// resolveConflict handles concurrent divergence between the local record and
// a remote announcement.
func (m *Manager) resolveConflict(prior *store.EntryRecord, ann *protocol.Announce) (*Result, error) {
	merged := vclock.Merge(prior.Version, ann.Version)

	// concurrent deletes agree on the outcome
	if prior.Tombstone && ann.Tombstone {
		rec := prior.Clone()
		rec.Version = merged
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		return &Result{Decision: Updated, Record: rec}, nil
	}

	// a delete concurrent with a modification: the modification wins and
	// there are no bytes to preserve on the deleted side
	if ann.Tombstone {
		rec := prior.Clone()
		rec.Version = merged
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		return &Result{Decision: Updated, Record: rec}, nil
	}
	if prior.Tombstone {
		if ann.Kind == store.KindDir {
			if err := m.fs.MkdirAll(ann.Dir, ann.Path); err != nil {
				return nil, err
			}
			rec := ann.Record()
			rec.Version = merged
			if err := m.store.Set(rec); err != nil {
				return nil, err
			}
			return &Result{Decision: Updated, Record: rec}, nil
		}
		proposal := ann.Record()
		proposal.Version = merged
		return &Result{Decision: Updated, Record: proposal, NeedsContent: true}, nil
	}

	remote := ann.Record()
	primary, loser := conflict.Resolve(prior, remote)

	if primary == prior {
		// local content wins; the remote loser becomes a sidecar whose
		// bytes the origin peer will materialize and announce
		rec := prior.Clone()
		rec.Version = merged
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		sidecar := conflict.SidecarRecord(loser)
		return &Result{
			Decision: Conflicted,
			Record:   rec,
			Sidecar:  sidecar,
		}, nil
	}

	// local content loses: move it aside as the sidecar, then fetch the
	// winner's bytes
	sidecar := conflict.SidecarRecord(prior)
	sidecarOnDisk := true
	if err := m.fs.Rename(ann.Dir, ann.Path, sidecar.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		sidecarOnDisk = false
		slog.Warn("conflict loser missing on disk, skipping sidecar", "dir", ann.Dir, "path", ann.Path)
	}
	if sidecarOnDisk {
		if err := m.store.Set(sidecar); err != nil {
			return nil, err
		}
	}

	// a directory winner carries no payload; commit it in place
	if ann.Kind == store.KindDir {
		if err := m.fs.MkdirAll(ann.Dir, ann.Path); err != nil {
			return nil, err
		}
		rec := remote.Clone()
		rec.Version = merged
		if err := m.store.Set(rec); err != nil {
			return nil, err
		}
		res := &Result{Decision: Conflicted, Record: rec, SidecarLocal: true}
		if sidecarOnDisk {
			res.Sidecar = sidecar
		}
		return res, nil
	}

	proposal := remote.Clone()
	proposal.Version = merged
	res := &Result{
		Decision:     Conflicted,
		Record:       proposal,
		SidecarLocal: true,
		NeedsContent: true,
	}
	if sidecarOnDisk {
		res.Sidecar = sidecar
	}
	return res, nil
}

// promote renames the staged file onto the target and persists the merged
// record.
func (m *Manager) promote(prior *store.EntryRecord, ann *protocol.Announce, stagedAbs string) (*store.EntryRecord, error) {
	if err := m.fs.Promote(ann.Dir, ann.Path, stagedAbs); err != nil {
		return nil, err
	}
	rec := ann.Record()
	rec.Version = vclock.Merge(priorVersion(prior), ann.Version)
	if err := m.store.Set(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func priorVersion(prior *store.EntryRecord) vclock.Clock {
	if prior == nil {
		return vclock.Clock{}
	}
	return prior.Version
}
