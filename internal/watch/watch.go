package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Event is a wrapper around fsnotify.Event with the path made relative to
// the watched root ("/" for the root itself, "/sub/file" below it).
type Event struct {
	Name string
	Rel  string
	Op   fsnotify.Op
}

// Watcher reports changes below a root directory
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string
	OnEvent func(Event)
	logger  *slog.Logger

	mu      sync.RWMutex
	watched map[string]bool // keyed by Rel
}

// New creates a watcher for root. Directories are only added by Start.
func New(root string, onEvent func(Event), logger *slog.Logger) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid watch root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher: w,
		root:    absRoot,
		OnEvent: onEvent,
		logger:  logger,
		watched: make(map[string]bool),
	}, nil
}

// Rel converts an OS path below the root into its slash-separated form
func (w *Watcher) Rel(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

// Watching reports whether changes in dir (slash-separated, relative to
// the root) are currently observed.
func (w *Watcher) Watching(dir string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watched[dir]
}

// AddTree watches dir and every directory below it
func (w *Watcher) AddTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Unreadable subtrees simply stay unwatched
			if path == dir {
				return err
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
			return nil
		}
		if rel, ok := w.Rel(path); ok {
			w.mu.Lock()
			w.watched[rel] = true
			w.mu.Unlock()
		}
		return nil
	})
}

func (w *Watcher) forget(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if dir == rel || strings.HasPrefix(dir, strings.TrimSuffix(rel, "/")+"/") {
			delete(w.watched, dir)
		}
	}
}

// Start adds the whole tree and dispatches events until ctx is done.
// It blocks; run it in its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("Failed to close file watcher", "error", err)
		}
	}()

	if err := w.AddTree(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// Ignore chmod, it never changes a listing
	if event.Op == fsnotify.Chmod {
		return
	}

	rel, ok := w.Rel(event.Name)
	if !ok {
		return
	}

	// Handle new directories
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.AddTree(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.forget(rel)
	}

	if w.OnEvent != nil {
		w.OnEvent(Event{Name: event.Name, Rel: rel, Op: event.Op})
	}
}
