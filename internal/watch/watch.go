// Package watch turns file changes into tasks.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SubmitFunc enqueues a task.
type SubmitFunc func(ctx context.Context, taskType string, payload map[string]any) error

// Watcher submits a task for every created or modified file under Dir.
// Agent manifest changes call Reload instead when it is set.
type Watcher struct {
	Dir          string
	TaskType     string
	Submit       SubmitFunc
	Reload       func() error
	Debounce     time.Duration
	FallbackPoll time.Duration
	Logger       *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	seen    map[string]time.Time
}

var manifestNames = map[string]bool{"agent.yaml": true, "agent.yml": true, "agent.toml": true, "agent.json": true}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Run blocks until ctx is done. When fsnotify is unavailable it falls back
// to polling.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Debounce <= 0 {
		w.Debounce = 300 * time.Millisecond
	}
	if w.FallbackPoll <= 0 {
		w.FallbackPoll = time.Minute
	}
	w.pending = map[string]time.Time{}
	w.seen = w.snapshot()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger().Warn("fsnotify unavailable, polling", "dir", w.Dir, "err", err)
		return w.poll(ctx, w.FallbackPoll)
	}
	defer func() { _ = watcher.Close() }()
	if err := w.addTree(watcher, w.Dir); err != nil {
		w.logger().Warn("watch failed, polling", "dir", w.Dir, "err", err)
		return w.poll(ctx, w.FallbackPoll)
	}
	w.logger().Info("watching for file changes", "dir", w.Dir, "task_type", w.TaskType)

	flush := time.NewTicker(w.Debounce)
	defer flush.Stop()
	fallback := time.NewTicker(w.FallbackPoll)
	defer fallback.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addTree(watcher, ev.Name)
					continue
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.mark(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("watcher error", "err", err)
		case <-flush.C:
			w.flush(ctx)
		case <-fallback.C:
			w.rescan(ctx)
		}
	}
}

func (w *Watcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) mark(path string) {
	if ignored(path) {
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// flush handles paths that have been quiet for the debounce interval.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	reload := false
	for _, path := range ready {
		if info, err := os.Stat(path); err == nil {
			w.mu.Lock()
			w.seen[path] = info.ModTime()
			w.mu.Unlock()
		}
		if w.Reload != nil && manifestNames[filepath.Base(path)] {
			reload = true
			continue
		}
		w.submit(ctx, path)
	}
	if reload {
		if err := w.Reload(); err != nil {
			w.logger().Warn("agent reload failed", "err", err)
		}
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := w.Submit(ctx, w.TaskType, map[string]any{"path": path}); err != nil {
		w.logger().Warn("submit watched file", "path", path, "err", err)
	}
}

func (w *Watcher) poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rescan(ctx)
		}
	}
}

// rescan is the safety net for missed events: any file whose mtime moved is
// marked.
func (w *Watcher) rescan(ctx context.Context) {
	current := w.snapshot()
	w.mu.Lock()
	var changed []string
	for path, mod := range current {
		if prev, ok := w.seen[path]; !ok || !prev.Equal(mod) {
			changed = append(changed, path)
		}
	}
	for _, path := range changed {
		w.pending[path] = time.Time{}
	}
	w.mu.Unlock()
	if len(changed) > 0 {
		w.flush(ctx)
	}
}

func (w *Watcher) snapshot() map[string]time.Time {
	out := map[string]time.Time{}
	_ = filepath.WalkDir(w.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored(path) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			out[path] = info.ModTime()
		}
		return nil
	})
	return out
}

// ignored skips hidden, temporary and editor swap files.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp")
}
