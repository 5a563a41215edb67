// Package watcher reports files that appear under a directory tree once
// they have stopped changing.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

var logger = logging.Get("watcher")

// DefaultSettle is how long a file must stay untouched before it is emitted.
const DefaultSettle = 2 * time.Second

// Options configures a Watcher.
type Options struct {
	// Settle is the quiet period before a file is reported.
	Settle time.Duration

	// Filter, when set, decides which file paths are tracked.
	Filter func(path string) bool
}

// Watcher watches directories recursively and reports settled files.
type Watcher struct {
	fsw    *fsnotify.Watcher
	settle time.Duration
	filter func(string) bool

	mu      sync.Mutex
	paths   map[string]bool
	pending map[string]time.Time
	closed  bool
}

// New creates a Watcher.
func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}

	return &Watcher{
		fsw:     fsw,
		settle:  opts.Settle,
		filter:  opts.Filter,
		paths:   make(map[string]bool),
		pending: make(map[string]time.Time),
	}, nil
}

// Watch starts watching root and all its subdirectories.
// Symlinks are not followed. Files already present are not reported.
func (w *Watcher) Watch(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	info, err := os.Lstat(absRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "watch", Path: absRoot, Err: os.ErrInvalid}
	}

	return filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return w.addWatch(path)
		}
		return nil
	})
}

func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.paths[path] {
		return nil
	}
	if err := w.fsw.Add(path); err != nil {
		logger.Warn("failed to add watch", "path", path, "error", err)
		return err
	}
	w.paths[path] = true
	return nil
}

// Run processes events until ctx is done, calling onSettled from this
// goroutine for each file that has been quiet for the settle period.
func (w *Watcher) Run(ctx context.Context, onSettled func(types.FileInfo)) {
	tick := max(w.settle/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", "error", err)

		case now := <-ticker.C:
			for _, fi := range w.collectSettled(now) {
				onSettled(fi)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.touch(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.forget(event.Name)
	}
}

// touch records activity on path. New directories are watched and the files
// they already contain are tracked.
func (w *Watcher) touch(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if !info.IsDir() {
		w.markPending(path)
		return
	}

	_ = filepath.WalkDir(path, func(sub string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			_ = w.addWatch(sub)
			return nil
		}
		w.markPending(sub)
		return nil
	})
}

func (w *Watcher) markPending(path string) {
	if w.filter != nil && !w.filter(path) {
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.pending, path)
	if w.paths[path] {
		_ = w.fsw.Remove(path)
		delete(w.paths, path)
	}
	prefix := path + string(filepath.Separator)
	for p := range w.pending {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			delete(w.pending, p)
		}
	}
}

// collectSettled removes and returns files quiet since before now-settle.
func (w *Watcher) collectSettled(now time.Time) []types.FileInfo {
	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	out := make([]types.FileInfo, 0, len(ready))
	for _, path := range ready {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, types.FileInfo{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
		})
	}
	return out
}

// Pending returns how many files are waiting to settle.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.fsw.Close()
}
