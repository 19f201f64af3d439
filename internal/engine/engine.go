// Package engine wires the watcher, entry manager, peer sessions and event
// bus together. It owns the sync directories at runtime and guarantees that
// filesystem mutations caused by applying remote updates do not re-enter as
// local observations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/synche-io/synche/internal/config"
	"github.com/synche-io/synche/internal/entry"
	"github.com/synche-io/synche/internal/events"
	"github.com/synche-io/synche/internal/ignore"
	"github.com/synche-io/synche/internal/peers"
	"github.com/synche-io/synche/internal/protocol"
	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/utils"
	"github.com/synche-io/synche/internal/watcher"
)

const hashCacheSize = 4096

var ErrUnknownDirectory = errors.New("unknown sync directory")

type syncDir struct {
	name    string
	root    string
	filter  *ignore.Filter
	watcher *watcher.Watcher
	cancel  context.CancelFunc
}

// Engine is the orchestrator: it serializes watcher events, inbound protocol
// messages and admin commands through the entry manager and drives the
// outbound side of every peer session.
type Engine struct {
	self    string
	cfg     *config.Config
	store   *store.Store
	entries *entry.Manager
	bus     *events.Bus

	registry *peers.Registry

	hashCache *lru.Cache[string, string]

	mu   sync.Mutex
	dirs map[string]*syncDir

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(self string, cfg *config.Config, st *store.Store, bus *events.Bus) *Engine {
	cache, _ := lru.New[string, string](hashCacheSize)
	e := &Engine{
		self:      self,
		cfg:       cfg,
		store:     st,
		bus:       bus,
		hashCache: cache,
		dirs:      make(map[string]*syncDir),
	}
	e.entries = entry.NewManager(self, st, e)
	return e
}

// SetRegistry injects the peer registry after construction; the registry
// needs the engine as its message handler first.
func (e *Engine) SetRegistry(r *peers.Registry) {
	e.registry = r
}

// Hello builds our handshake advertisement from the live directory set.
func (e *Engine) Hello() *protocol.Hello {
	return &protocol.Hello{
		PeerID:      e.self,
		Directories: e.cfg.DirectoryNames(),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	for _, name := range e.cfg.DirectoryNames() {
		if err := e.startDirectory(name); err != nil {
			return fmt.Errorf("start directory %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	dirs := make([]*syncDir, 0, len(e.dirs))
	for _, d := range e.dirs {
		dirs = append(dirs, d)
	}
	e.dirs = make(map[string]*syncDir)
	e.mu.Unlock()

	for _, d := range dirs {
		d.cancel()
		d.watcher.Stop()
	}
	e.wg.Wait()
	slog.Info("engine stopped")
}

// startDirectory brings one sync directory online: root created, ignore
// filter loaded, full rescan, then live watching.
func (e *Engine) startDirectory(name string) error {
	root := e.cfg.DirRoot(name)
	if err := utils.EnsureDir(root); err != nil {
		return err
	}

	filter := ignore.NewFilter(root)
	w := watcher.New(name, root, filter.IsIgnored)

	ctx, cancel := context.WithCancel(e.ctx)
	if err := w.Start(ctx); err != nil {
		cancel()
		return err
	}

	d := &syncDir{name: name, root: root, filter: filter, watcher: w, cancel: cancel}

	e.mu.Lock()
	if _, exists := e.dirs[name]; exists {
		e.mu.Unlock()
		cancel()
		w.Stop()
		return fmt.Errorf("directory %s already started", name)
	}
	e.dirs[name] = d
	e.mu.Unlock()

	// offline edits are detected by rescan, not watcher events
	if err := e.rescanDirectory(d); err != nil {
		slog.Error("initial rescan failed", "dir", name, "error", err)
	}

	e.wg.Add(1)
	go e.consumeWatcher(ctx, d)

	slog.Info("sync directory online", "name", name, "root", root)
	return nil
}

func (e *Engine) dir(name string) *syncDir {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirs[name]
}

func (e *Engine) absPath(dir, rel string) string {
	return filepath.Join(e.cfg.Home(), dir, filepath.FromSlash(rel))
}

// suppressEcho arms the one-shot watcher suppression for a path we are about
// to mutate ourselves. If the window expires before the event arrives, the
// resulting observation hashes to the same content and lands as NoOp.
func (e *Engine) suppressEcho(dir, rel string) {
	if d := e.dir(dir); d != nil {
		d.watcher.SuppressOnce(e.absPath(dir, rel))
	}
}

// --- entry.FS: filesystem effects ordered before persistence ---

func (e *Engine) Remove(dir, rel string, kind store.EntryKind) error {
	abs := e.absPath(dir, rel)
	e.suppressEcho(dir, rel)

	err := os.Remove(abs)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", abs, err)
	}
	e.refreshRules(dir, rel)
	return nil
}

func (e *Engine) MkdirAll(dir, rel string) error {
	abs := e.absPath(dir, rel)
	e.suppressEcho(dir, rel)

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return nil
}

func (e *Engine) Rename(dir, fromRel, toRel string) error {
	from := e.absPath(dir, fromRel)
	to := e.absPath(dir, toRel)
	e.suppressEcho(dir, fromRel)
	e.suppressEcho(dir, toRel)

	return os.Rename(from, to)
}

func (e *Engine) Promote(dir, rel, stagedAbs string) error {
	abs := e.absPath(dir, rel)
	if err := utils.EnsureParent(abs); err != nil {
		return err
	}
	e.suppressEcho(dir, rel)

	// a causally newer file can replace what is locally a directory
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("promote stage %s: %w", stagedAbs, err)
		}
	}

	if err := os.Rename(stagedAbs, abs); err != nil {
		return fmt.Errorf("promote stage %s: %w", stagedAbs, err)
	}
	e.refreshRules(dir, rel)
	return nil
}

// refreshRules re-scopes the ignore filter when a remote update touched a
// .gitignore; the suppressed watcher echo would otherwise leave the cached
// rules stale.
func (e *Engine) refreshRules(dir, rel string) {
	if !ignore.IsRuleFile(rel) {
		return
	}
	if d := e.dir(dir); d != nil {
		d.filter.Invalidate(filepath.ToSlash(filepath.Dir(rel)))
	}
}

// --- admin commands ---

// AddDirectory creates and starts syncing a named directory under the home
// path, then re-advertises our directory set to connected peers.
func (e *Engine) AddDirectory(name string) error {
	if name == "" || name != filepath.Base(name) || name[0] == '.' {
		return fmt.Errorf("invalid sync directory name %q", name)
	}
	if !e.cfg.AddDirectory(name) {
		return fmt.Errorf("directory %s already configured", name)
	}
	if err := e.startDirectory(name); err != nil {
		e.cfg.RemoveDirectory(name)
		return err
	}
	if err := e.cfg.Save(); err != nil {
		slog.Error("failed to persist config", "error", err)
	}

	e.bus.Publish(events.SyncDirectoryAdded, map[string]any{"name": name})
	e.rehello()
	return nil
}

// RemoveDirectory stops syncing a named directory. Records (tombstones
// included) are retained; the local files stay on disk.
func (e *Engine) RemoveDirectory(name string) error {
	if !e.cfg.RemoveDirectory(name) {
		return fmt.Errorf("%w: %s", ErrUnknownDirectory, name)
	}

	e.mu.Lock()
	d := e.dirs[name]
	delete(e.dirs, name)
	e.mu.Unlock()

	if d != nil {
		d.cancel()
		d.watcher.Stop()
	}
	if err := e.cfg.Save(); err != nil {
		slog.Error("failed to persist config", "error", err)
	}

	e.bus.Publish(events.SyncDirectoryRemoved, map[string]any{"name": name})
	e.rehello()
	return nil
}

// SetHomePath moves the sync root: every directory is stopped, the config
// updated, and the directories restarted under the new root.
func (e *Engine) SetHomePath(path string) error {
	names := e.cfg.DirectoryNames()

	e.mu.Lock()
	dirs := make([]*syncDir, 0, len(e.dirs))
	for _, d := range e.dirs {
		dirs = append(dirs, d)
	}
	e.dirs = make(map[string]*syncDir)
	e.mu.Unlock()

	for _, d := range dirs {
		d.cancel()
		d.watcher.Stop()
	}

	if err := e.cfg.SetHomePath(path); err != nil {
		return err
	}
	if err := e.cfg.Save(); err != nil {
		slog.Error("failed to persist config", "error", err)
	}

	for _, name := range names {
		if err := e.startDirectory(name); err != nil {
			slog.Error("restart directory failed", "dir", name, "error", err)
		}
	}

	e.bus.Publish(events.ServerRestart, nil)
	return nil
}

// Status summarizes live state for the admin plane.
func (e *Engine) Status() map[string]any {
	entryCount, _ := e.store.Count()

	peerList := []map[string]any{}
	if e.registry != nil {
		for _, s := range e.registry.Sessions() {
			peerList = append(peerList, map[string]any{
				"id":       s.PeerID,
				"addr":     s.RemoteAddr(),
				"hostname": s.Hostname,
			})
		}
	}

	return map[string]any{
		"peer_id":     e.self,
		"home_path":   e.cfg.Home(),
		"directories": e.cfg.DirectoryNames(),
		"entries":     entryCount,
		"peers":       peerList,
	}
}

// rehello re-advertises the directory set on every live session.
func (e *Engine) rehello() {
	if e.registry == nil {
		return
	}
	hello := e.Hello()
	for _, s := range e.registry.Sessions() {
		s.SendHello(hello)
	}
}
