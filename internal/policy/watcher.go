package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDebounce coalesces the burst of fsnotify events an editor
// produces for a single save.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads a Store when policy documents change on disk. It is
// the control-plane replacement for a SIGHUP handler: the underlying
// contract (replace rule data atomically, mid-run) lives in
// Store.Reload.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewWatcher creates a watcher over the store's policy directory.
func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem watcher: %w", err)
	}
	if err := fsw.Add(store.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch policy directory %s: %w", store.dir, err)
	}
	return &Watcher{store: store, watcher: fsw, logger: logger.Named("policy.watch")}, nil
}

// Run processes filesystem events until ctx is cancelled. Reload
// failures are logged and the previous rules stay in effect; watcher
// errors never abort the run.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending = time.After(watchDebounce)

		case <-pending:
			pending = nil
			if err := w.store.Reload(); err != nil {
				w.logger.Warn("policy reload failed, keeping previous rules", zap.Error(err))
				continue
			}
			w.logger.Info("policy documents reloaded from disk")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Base(path) {
	case ToolsFile, NetworkFile, PathsFile:
		return true
	}
	return false
}
