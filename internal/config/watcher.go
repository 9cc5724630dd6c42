package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWrite is the quiet period after a .env write before the
// watcher re-reads it; editors tend to emit several Write events for a
// single save, and without debouncing each one triggers a reload.
var debounceWrite = 250 * time.Millisecond

// Watcher reloads a Config's mutable fields from its .env file whenever
// that file changes on disk. Grounded on internal/config's ConfigWatcher:
// an fsnotify.Watcher on the data directory, a debounce timer per
// filesystem event, and a mutex-guarded Config the caller reads through
// Current().
type Watcher struct {
	mu      sync.RWMutex
	current Config

	fsw     *fsnotify.Watcher
	timer   *time.Timer
	timerMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher starts watching cfg.DataDir for changes to its .env file.
// The returned Watcher owns a background goroutine; call Stop to release it.
func NewWatcher(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.DataDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		current: cfg,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
	}
	go w.handleEvents(fsw.Events, fsw.Errors)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop closes the underlying fsnotify watcher and stops the event loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) handleEvents(events chan fsnotify.Event, errs chan error) {
	envName := ".env"
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != envName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-errs:
			if !ok {
				return
			}
			componentLog.Warn().Err(err).Msg("config watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWrite, w.reload)
}

func (w *Watcher) reload() {
	next, err := Reload()
	if err != nil {
		componentLog.Warn().Err(err).Msg("config reload failed, keeping previous configuration")
		return
	}
	w.mu.Lock()
	w.current = next
	w.mu.Unlock()
	componentLog.Info().Msg("configuration reloaded from .env")
}
