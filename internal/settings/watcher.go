package settings

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events most editors and config
// management tools (vim swap-and-rename, atomic symlink flips) generate
// for what is logically a single update.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads a Store from a partner settings file whenever it changes
// on disk. A failed reload is logged and the previously installed Snapshot
// keeps serving; the gateway never blocks or 500s on a bad settings push.
type Watcher struct {
	path   string
	store  *Store
	logger *slog.Logger
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher loads path once synchronously to seed store, then returns a
// Watcher ready to have Run called in a goroutine. The initial load error
// is returned directly so callers can fail fast at startup.
func NewWatcher(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	snap, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	store.Install(snap)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory rather than the file itself: editors
	// commonly replace a file via rename, which drops the original inode
	// out from under a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{path: path, store: store, logger: logger, fsw: fsw, done: make(chan struct{})}, nil
}

// Run blocks processing filesystem events until Close is called. Intended
// to be invoked in its own goroutine from main.
func (w *Watcher) Run() {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounceWindow, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("settings watcher error", "err", err)
		case <-reload:
			w.reload()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	snap, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("settings reload failed, keeping previous snapshot", "path", w.path, "err", err)
		return
	}
	w.store.Install(snap)
	w.logger.Info("settings reloaded", "path", w.path, "advertisers", len(snap.Advertisers))
}

// Close stops Run and releases the underlying fsnotify watch.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
