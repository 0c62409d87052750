package hooks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/platform"
	"github.com/asheshgoplani/agent-relay/internal/relay"
)

var hookLog = logging.ForComponent(logging.CompHooks)

const (
	defaultDebounce = 100 * time.Millisecond

	// DefaultRescanInterval is the directory scan cadence used where
	// fsnotify events cannot be trusted.
	DefaultRescanInterval = 2 * time.Second
)

// Handler receives each new hook event once.
type Handler func(ctx context.Context, e Event)

// Watcher watches the hooks directory and hands new events to a handler.
// Events already on disk when the watcher starts are remembered but not
// replayed. A file rewritten with the same event and timestamp is ignored.
type Watcher struct {
	dir      string
	handler  Handler
	debounce time.Duration
	rescan   time.Duration
	watcher  *fsnotify.Watcher

	mu   sync.Mutex
	seen map[relay.TargetKey]string // last event key per target

	// events are handled one at a time so a target's events stay ordered
	handleMu sync.Mutex
}

// NewWatcher creates the directory if needed and prepares a watcher.
func NewWatcher(dir string, handler Handler) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:      dir,
		handler:  handler,
		debounce: defaultDebounce,
		watcher:  fw,
		seen:     make(map[relay.TargetKey]string),
	}
	if reason := platform.CheckFsnotifySupport(dir); reason != "" {
		hookLog.Warn("hook_watcher_rescan_fallback",
			slog.String("dir", dir),
			slog.String("reason", reason))
		w.rescan = DefaultRescanInterval
	}
	return w, nil
}

// SetRescanInterval makes Run also scan the directory every d. Zero turns
// scanning off unless fsnotify cannot watch the directory at all.
func (w *Watcher) SetRescanInterval(d time.Duration) {
	w.rescan = d
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run watches until ctx is done. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		hookLog.Warn("hook_watcher_add_failed", slog.String("dir", w.dir), slog.String("error", err.Error()))
		if w.rescan <= 0 {
			w.rescan = DefaultRescanInterval
		}
	}
	w.loadExisting()
	hookLog.Info("hook_watcher_started",
		slog.String("dir", w.dir),
		slog.Duration("rescan", w.rescan))

	var rescanC <-chan time.Time
	if w.rescan > 0 {
		ticker := time.NewTicker(w.rescan)
		defer ticker.Stop()
		rescanC = ticker.C
	}

	var (
		pendingMu     sync.Mutex
		pending       = make(map[string]bool)
		debounceTimer *time.Timer
	)
	defer func() {
		pendingMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			pendingMu.Lock()
			pending[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pending))
				for f := range pending {
					files = append(files, f)
				}
				pending = make(map[string]bool)
				pendingMu.Unlock()

				for _, f := range files {
					w.processFile(ctx, f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			hookLog.Warn("hook_watcher_error", slog.String("error", err.Error()))

		case <-rescanC:
			w.scan(ctx)
		}
	}
}

// scan dispatches every hook file in the directory; already seen events
// are dropped by processFile.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		hookLog.Debug("hook_scan_failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.processFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// loadExisting marks the events already on disk as seen.
func (w *Watcher) loadExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		e, err := readEvent(filepath.Join(w.dir, entry.Name()))
		if err != nil {
			continue
		}
		w.markSeen(e)
	}
}

// markSeen records e and reports whether it is new.
func (w *Watcher) markSeen(e Event) bool {
	target := relay.KeyOf(e.ProjectID, e.AgentID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[target] == e.key() {
		return false
	}
	w.seen[target] = e.key()
	return true
}

// processFile reads a hook file and dispatches it if it is new.
func (w *Watcher) processFile(ctx context.Context, path string) {
	e, err := readEvent(path)
	if err != nil {
		if !os.IsNotExist(err) {
			hookLog.Debug("hook_file_ignored", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		}
		return
	}
	if !w.markSeen(e) {
		return
	}

	hookLog.Debug("hook_event",
		slog.String("target", relay.KeyOf(e.ProjectID, e.AgentID).String()),
		slog.String("event", e.Name))

	if w.handler == nil || ctx.Err() != nil {
		return
	}
	w.handleMu.Lock()
	defer w.handleMu.Unlock()
	w.handler(ctx, e)
}
