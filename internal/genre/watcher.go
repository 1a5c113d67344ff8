package genre

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when its rule files change
type Watcher struct {
	store    *Store
	debounce time.Duration
	logger   *slog.Logger
	onReload func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for store's directory
func NewWatcher(store *Store, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:    store,
		debounce: debounce,
		logger:   logger.With("component", "genre_watcher"),
	}
}

// OnReload registers fn to run after each successful reload
func (w *Watcher) OnReload(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching for file changes
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.store.Dir()); err != nil {
		fw.Close()
		return err
	}

	w.watcher = fw
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(fw, w.stopCh, w.doneCh)
	return nil
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	err := w.watcher.Close()
	w.mu.Unlock()

	<-done
	return err
}

// IsRunning returns whether the watcher is currently active
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) run(fw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()
	pending := false

	for {
		select {
		case <-stopCh:
			debounceTimer.Stop()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !isRulesFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if !pending {
				continue
			}
			pending = false
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("genre watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	skipped, err := w.store.Load()
	if err != nil {
		w.logger.Error("genre reload failed", "error", err)
		return
	}
	for _, f := range skipped {
		w.logger.Warn("skipping invalid genre file", "path", f)
	}
	w.logger.Info("genres reloaded", "genres", w.store.List())

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func isRulesFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".yaml") && !strings.HasPrefix(base, ".")
}
