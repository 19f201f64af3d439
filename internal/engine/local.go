package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/synche-io/synche/internal/entry"
	"github.com/synche-io/synche/internal/events"
	"github.com/synche-io/synche/internal/ignore"
	"github.com/synche-io/synche/internal/protocol"
	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/utils"
	"github.com/synche-io/synche/internal/watcher"
)

// consumeWatcher drains one directory's debounced events into the entry
// manager.
func (e *Engine) consumeWatcher(ctx context.Context, d *syncDir) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			e.handleWatcherEvent(d, ev)
		}
	}
}

func (e *Engine) handleWatcherEvent(d *syncDir, ev watcher.Event) {
	// an edited .gitignore re-scopes the filter; the file itself still syncs
	if ignore.IsRuleFile(ev.Rel) {
		relDir := filepath.ToSlash(filepath.Dir(ev.Rel))
		d.filter.Invalidate(relDir)
	}

	switch ev.Op {
	case watcher.Removed:
		e.observeRemoved(d, ev.Rel)
	case watcher.Created, watcher.Modified:
		if ev.IsDir {
			e.observeTree(d, ev.Rel)
		} else {
			e.observeFile(d, ev.Rel, ev.Size, ev.ModNs)
		}
	}
}

// observeFile hashes a local file and folds it into the store, announcing a
// non-NoOp decision to every connected peer sharing the directory.
func (e *Engine) observeFile(d *syncDir, rel string, size, modNs int64) {
	abs := e.absPath(d.name, rel)

	hash, err := e.contentHash(abs, size, modNs)
	if err != nil {
		if os.IsNotExist(err) {
			e.observeRemoved(d, rel)
			return
		}
		slog.Error("hash failed", "dir", d.name, "path", rel, "error", err)
		return
	}

	res, err := e.entries.ObserveLocal(d.name, rel, store.KindFile, size, modNs, hash)
	if err != nil {
		slog.Error("observe local failed", "dir", d.name, "path", rel, "error", err)
		return
	}
	if res.Decision == entry.NoOp {
		return
	}

	slog.Info("local change", "dir", d.name, "path", rel, "vv", res.Record.Version.String(), "size", humanize.Bytes(uint64(size)))
	e.announce(res.Record)
}

func (e *Engine) observeDir(d *syncDir, rel string) {
	info, err := os.Stat(e.absPath(d.name, rel))
	if err != nil || !info.IsDir() {
		return
	}

	res, err := e.entries.ObserveLocal(d.name, rel, store.KindDir, 0, info.ModTime().UnixNano(), "")
	if err != nil {
		slog.Error("observe local failed", "dir", d.name, "path", rel, "error", err)
		return
	}
	if res.Decision != entry.NoOp {
		e.announce(res.Record)
	}
}

// observeTree walks a directory that appeared (or moved in) and observes
// everything underneath; watcher events only cover the top-level path.
func (e *Engine) observeTree(d *syncDir, rel string) {
	e.observeDir(d, rel)

	root := e.absPath(d.name, rel)
	filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		sub, relErr := filepath.Rel(d.root, path)
		if relErr != nil {
			return nil
		}
		subRel := utils.NormPath(sub)
		if subRel == rel {
			return nil
		}
		if d.filter.IsIgnored(subRel) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if de.IsDir() {
			e.observeDir(d, subRel)
			return nil
		}
		if info, err := de.Info(); err == nil {
			e.observeFile(d, subRel, info.Size(), info.ModTime().UnixNano())
		}
		return nil
	})
}

// observeRemoved tombstones a deleted entry and anything recorded beneath it.
func (e *Engine) observeRemoved(d *syncDir, rel string) {
	e.markDeleted(d, rel)

	// a removed directory takes its recorded children with it
	records, err := e.store.ListDir(d.name)
	if err != nil {
		slog.Error("list for removal failed", "dir", d.name, "error", err)
		return
	}
	prefix := rel + "/"
	for _, rec := range records {
		if rec.Tombstone || !strings.HasPrefix(rec.Path, prefix) {
			continue
		}
		if !utils.FileExists(e.absPath(d.name, rec.Path)) && !utils.DirExists(e.absPath(d.name, rec.Path)) {
			e.markDeleted(d, rec.Path)
		}
	}
}

func (e *Engine) markDeleted(d *syncDir, rel string) {
	res, err := e.entries.MarkDeletedLocal(d.name, rel)
	if err != nil {
		slog.Error("mark deleted failed", "dir", d.name, "path", rel, "error", err)
		return
	}
	if res.Decision == entry.NoOp {
		return
	}

	slog.Info("local delete", "dir", d.name, "path", rel, "vv", res.Record.Version.String())
	e.announce(res.Record)
}

// rescanDirectory reconciles the store with the disk: walks everything under
// the root through observe, then tombstones recorded entries that vanished
// while the daemon was down.
func (e *Engine) rescanDirectory(d *syncDir) error {
	seen := make(map[string]struct{})

	err := filepath.WalkDir(d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == d.root {
			return nil
		}
		rel, relErr := filepath.Rel(d.root, path)
		if relErr != nil {
			return nil
		}
		relNorm := utils.NormPath(rel)
		if d.filter.IsIgnored(relNorm) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		seen[relNorm] = struct{}{}
		if de.IsDir() {
			e.observeDir(d, relNorm)
			return nil
		}
		if info, infoErr := de.Info(); infoErr == nil {
			e.observeFile(d, relNorm, info.Size(), info.ModTime().UnixNano())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", d.root, err)
	}

	records, err := e.store.ListDir(d.name)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Tombstone {
			continue
		}
		if _, onDisk := seen[rec.Path]; !onDisk {
			e.markDeleted(d, rec.Path)
		}
	}
	return nil
}

// contentHash returns the SHA-256 of a file, reusing the cached digest when
// size and mtime are unchanged.
func (e *Engine) contentHash(abs string, size, modNs int64) (string, error) {
	cacheKey := fmt.Sprintf("%s|%d|%d", abs, size, modNs)
	if hash, ok := e.hashCache.Get(cacheKey); ok {
		return hash, nil
	}

	hash, err := utils.FileHash(abs)
	if err != nil {
		return "", err
	}
	e.hashCache.Add(cacheKey, hash)
	return hash, nil
}

// announce pushes a record to every connected peer sharing its directory,
// after the store write that produced it. Also feeds the event bus.
func (e *Engine) announce(rec *store.EntryRecord) {
	e.bus.Publish(events.EntryUpdated, map[string]any{"dir": rec.Dir, "path": rec.Path})

	if e.registry == nil {
		return
	}
	ann := protocol.AnnounceFromRecord(rec)
	for _, s := range e.registry.Sessions() {
		if s.SharesDirectory(rec.Dir) {
			s.SendAnnounce(ann)
		}
	}
}
