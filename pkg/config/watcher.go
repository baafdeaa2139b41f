package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events a single save produces
const reloadDelay = 100 * time.Millisecond

// reloadOps are the operations that can leave new content at the watched
// path. A rename over the file shows up as Create on most platforms and as
// Rename on some.
const reloadOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename

// Watcher keeps a Config in sync with the file it was loaded from
type Watcher struct {
	path   string
	fs     *fsnotify.Watcher
	logger *slog.Logger

	mu       sync.RWMutex
	cfg      *Config
	onChange func(*Config)
	closed   bool
}

// NewWatcher loads path and subscribes to changes in its directory.
// Watching the directory rather than the file survives editors and
// deployment tools that replace the file by renaming a new one over it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	path = filepath.Clean(path)

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:   path,
		fs:     fs,
		logger: logger.With("path", path),
		cfg:    cfg,
	}, nil
}

// Config returns the most recently loaded configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange sets the callback run after each successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Start blocks, reloading the file on change, until ctx is done or the
// watcher is closed.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Watching config file")

	pending := time.NewTimer(reloadDelay)
	pending.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.Close()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return errors.New("config watcher event stream closed")
			}
			if w.relevant(ev) {
				pending.Reset(reloadDelay)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("config watcher error stream closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-pending.C:
			w.apply()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	return filepath.Clean(ev.Name) == w.path && ev.Op&reloadOps != 0
}

// apply reloads the file and hands the result to the callback. A file that
// fails to parse keeps the previous configuration.
func (w *Watcher) apply() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("Failed to reload config", "error", err)
		return
	}

	w.mu.Lock()
	w.cfg = next
	fn := w.onChange
	w.mu.Unlock()

	w.logger.Info("Config reloaded")
	if fn != nil {
		fn(next)
	}
}

// Close stops the watcher. Calling it more than once is safe.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fs.Close()
}
