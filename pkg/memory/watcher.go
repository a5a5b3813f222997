package memory

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Store when its file changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	logger   zerolog.Logger
	onReload func(content string)
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called with the fresh content after each reload.
func WithReloadHook(fn func(content string)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// Watch starts watching the store's directory. The file itself may not
// exist yet.
func Watch(store *Store, logger zerolog.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		store:    store,
		logger:   logger,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Stop ends watching. Pending reloads are dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.stopCh)
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) run() {
	target := filepath.Base(w.store.Path())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("op", event.Op.String()).
					Msg("Memory file change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Memory watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if err := w.store.Reload(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload memory")
		return
	}
	if w.onReload != nil {
		w.onReload(w.store.Content())
	}
}
