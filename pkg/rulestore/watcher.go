package rulestore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a FileStore when its backing rule file changes on disk.
// Reload events are debounced so editors that write in multiple syscalls
// trigger a single reload.
type Watcher struct {
	store    *FileStore
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the store's rule file.
func NewWatcher(store *FileStore, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, logger: logger, debounce: 100 * time.Millisecond}
}

// Run blocks watching for file changes until the context is canceled.
// A failed reload keeps the previous rule set installed.
func (w *Watcher) Run(ctx context.Context) error {
	if w.store.path == "" {
		return fmt.Errorf("rulestore: cannot watch a store with no backing file")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rulestore: watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: editors replace files by rename, which drops
	// a watch on the file itself.
	if err := fw.Add(filepath.Dir(w.store.path)); err != nil {
		return fmt.Errorf("rulestore: watch %s: %w", w.store.path, err)
	}

	w.logger.Info("rule watcher started", "path", w.store.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.store.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.store.Reload(); err != nil {
				w.logger.Error("rule reload failed, keeping previous set", "error", err)
				continue
			}
			w.logger.Info("rules reloaded", "version", w.store.Version())

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("rule watcher error", "error", err)
		}
	}
}
