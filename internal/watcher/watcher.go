// Package watcher keeps cached workspace state honest: it watches each
// workspace's manifest and compile_commands files and fires a debounced
// invalidation callback when any of them change on disk.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cxxkb/internal/logging"
	"cxxkb/internal/workspace"
)

// ChangeHandler is invoked, debounced per workspace, after a watched
// file changes.
type ChangeHandler func(workspaceID string)

// Watcher multiplexes one fsnotify watcher across all registered
// workspaces. Directories are watched, not files, so a compile_commands
// rewritten via rename (the common CMake pattern) is still seen.
type Watcher struct {
	logger   *logging.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration
	handler  ChangeHandler

	mu sync.Mutex
	// files maps a watched absolute file path to its workspace.
	files map[string]string
	// dirRefs counts watched files per directory so unwatching one
	// workspace does not drop a directory another still needs.
	dirRefs    map[string]int
	debouncers map[string]*Debouncer
}

// New creates a watcher. The handler runs on the watcher's goroutine;
// keep it quick (cache eviction, not reindexing).
func New(logger *logging.Logger, debounce time.Duration, handler ChangeHandler) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		logger:     logger.Named("watcher"),
		fs:         fs,
		debounce:   debounce,
		handler:    handler,
		files:      make(map[string]string),
		dirRefs:    make(map[string]int),
		debouncers: make(map[string]*Debouncer),
	}, nil
}

// WatchWorkspace registers the workspace's manifest and every repo's
// compile_commands file.
func (w *Watcher) WatchWorkspace(ws *workspace.Workspace) error {
	paths := []string{ws.ManifestPath}
	for _, repo := range ws.Manifest.Repos {
		if p := ws.CompileCommandsPath(repo.RepoID); p != "" {
			paths = append(paths, p)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs := filepath.Clean(p)
		if _, exists := w.files[abs]; exists {
			continue
		}
		dir := filepath.Dir(abs)
		if w.dirRefs[dir] == 0 {
			if err := w.fs.Add(dir); err != nil {
				w.logger.Warn("cannot watch directory", map[string]interface{}{
					"dir":   dir,
					"error": err.Error(),
				})
				continue
			}
		}
		w.dirRefs[dir]++
		w.files[abs] = ws.ID
	}

	w.logger.Info("workspace watched", map[string]interface{}{
		"workspace_id": ws.ID,
		"files":        len(paths),
	})
	return nil
}

// UnwatchWorkspace drops all of one workspace's watch targets.
func (w *Watcher) UnwatchWorkspace(workspaceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for abs, wsID := range w.files {
		if wsID != workspaceID {
			continue
		}
		delete(w.files, abs)
		dir := filepath.Dir(abs)
		w.dirRefs[dir]--
		if w.dirRefs[dir] <= 0 {
			delete(w.dirRefs, dir)
			_ = w.fs.Remove(dir)
		}
	}
	if d, ok := w.debouncers[workspaceID]; ok {
		d.Cancel()
		delete(w.debouncers, workspaceID)
	}
}

// Run consumes fsnotify events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.dispatch(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", map[string]interface{}{"error": err.Error()})
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the underlying watcher. Pending debounced callbacks are
// cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, d := range w.debouncers {
		d.Cancel()
	}
	w.debouncers = make(map[string]*Debouncer)
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) dispatch(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	abs := filepath.Clean(event.Name)

	w.mu.Lock()
	wsID, ok := w.files[abs]
	if !ok {
		w.mu.Unlock()
		return
	}
	d, exists := w.debouncers[wsID]
	if !exists {
		d = NewDebouncer(w.debounce)
		w.debouncers[wsID] = d
	}
	w.mu.Unlock()

	w.logger.Debug("watched file changed", map[string]interface{}{
		"workspace_id": wsID,
		"path":         abs,
		"op":           event.Op.String(),
	})
	d.Trigger(func() { w.handler(wsID) })
}

// WatchedFiles returns the watched file paths, for diagnostics.
func (w *Watcher) WatchedFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for abs := range w.files {
		out = append(out, abs)
	}
	return out
}
