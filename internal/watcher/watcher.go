// Package watcher adapts raw OS filesystem events into debounced logical
// per-entry events for one sync directory. Editor save patterns
// (write-then-rename, truncate-then-write) collapse into a single event;
// renames surface as Removed(from) + Created(to).
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/synche-io/synche/internal/utils"
)

// Op classifies a logical change.
type Op string

const (
	Created  Op = "created"
	Modified Op = "modified"
	Removed  Op = "removed"
)

// Event is one debounced logical change inside a sync directory.
type Event struct {
	Dir   string // sync directory name
	Rel   string // slash-separated path relative to the directory root
	Op    Op
	IsDir bool
	Size  int64
	ModNs int64
}

const (
	eventBufferSize        = 256
	defaultDebounceWindow  = 200 * time.Millisecond
	defaultSuppressTimeout = time.Second
	cleanupInterval        = 15 * time.Second
)

// FilterFunc returns true when an event for the relative path must be
// suppressed before emission.
type FilterFunc func(rel string) bool

// Watcher watches one sync directory root recursively.
type Watcher struct {
	dir      string // sync directory name
	root     string // absolute root
	debounce time.Duration
	filter   FilterFunc

	raw    chan notify.EventInfo
	events chan Event

	pendingMu sync.Mutex
	pending   map[string]notify.Event // abs path -> accumulated raw mask
	timers    map[string]*time.Timer

	suppressMu sync.Mutex
	suppress   map[string]time.Time // abs path -> suppression expiry

	done chan struct{}
	wg   sync.WaitGroup
}

func New(dir, root string, filter FilterFunc) *Watcher {
	return &Watcher{
		dir:      dir,
		root:     root,
		debounce: defaultDebounceWindow,
		filter:   filter,
		pending:  make(map[string]notify.Event),
		timers:   make(map[string]*time.Timer),
		suppress: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// SetDebounce overrides the debounce window (tests only shrink it).
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.dir, "root", w.root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan Event, eventBufferSize)

	if err := notify.Watch(filepath.Join(w.root, "..."), w.raw, notify.All); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run(ctx)

	w.wg.Add(1)
	go w.cleanupSuppressed(ctx)

	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	notify.Stop(w.raw)
	w.wg.Wait()
	slog.Info("watcher stopped", "dir", w.dir)
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

// SuppressOnce elides the next watcher event for an absolute path, so a
// mutation we performed ourselves doesn't re-enter as a local observation.
func (w *Watcher) SuppressOnce(absPath string) {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()
	w.suppress[absPath] = time.Now().Add(defaultSuppressTimeout)
}

func (w *Watcher) isSuppressed(absPath string) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()

	expiry, ok := w.suppress[absPath]
	if !ok {
		return false
	}
	delete(w.suppress, absPath)
	return time.Now().Before(expiry)
}

func (w *Watcher) run(ctx context.Context) {
	// the events channel is never closed: a late debounce timer may still
	// try to flush, and consumers exit via their context instead
	defer func() {
		w.pendingMu.Lock()
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
			delete(w.pending, path)
		}
		w.pendingMu.Unlock()

		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.debounceEvent(ev.Path(), ev.Event())
		}
	}
}

// debounceEvent restarts the per-path timer; the state of the path is
// inspected at flush time, so a create+write+rename burst yields one event.
func (w *Watcher) debounceEvent(absPath string, raw notify.Event) {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil || rel == "." {
		return
	}
	if w.filter != nil && w.filter(utils.NormPath(rel)) {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if timer, ok := w.timers[absPath]; ok {
		timer.Stop()
	}
	w.pending[absPath] |= raw
	w.timers[absPath] = time.AfterFunc(w.debounce, func() {
		w.flush(absPath)
	})
}

func (w *Watcher) flush(absPath string) {
	w.pendingMu.Lock()
	mask, ok := w.pending[absPath]
	if !ok {
		w.pendingMu.Unlock()
		return
	}
	delete(w.pending, absPath)
	delete(w.timers, absPath)
	w.pendingMu.Unlock()

	if w.isSuppressed(absPath) {
		slog.Debug("watcher suppressed echo", "dir", w.dir, "path", absPath)
		return
	}

	rel, err := filepath.Rel(w.root, absPath)
	if err != nil {
		return
	}

	ev := Event{
		Dir: w.dir,
		Rel: utils.NormPath(rel),
	}

	info, err := os.Lstat(absPath)
	switch {
	case err == nil:
		if mask&notify.Create != 0 {
			ev.Op = Created
		} else {
			ev.Op = Modified
		}
		ev.IsDir = info.IsDir()
		ev.Size = info.Size()
		ev.ModNs = info.ModTime().UnixNano()
	case os.IsNotExist(err):
		ev.Op = Removed
	default:
		slog.Warn("watcher stat failed", "path", absPath, "error", err)
		return
	}

	select {
	case w.events <- ev:
	default:
		slog.Warn("watcher dropped event", "reason", "channel full", "path", absPath)
	}
}

func (w *Watcher) cleanupSuppressed(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.suppressMu.Lock()
			now := time.Now()
			for path, expiry := range w.suppress {
				if now.After(expiry) {
					delete(w.suppress, path)
				}
			}
			w.suppressMu.Unlock()
		}
	}
}
