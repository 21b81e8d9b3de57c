package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// Watcher hot-reloads the policy engine when the policy file changes.
// Editors tend to replace files rather than write them in place, so the
// parent directory is watched and events are filtered by name.
type Watcher struct {
	engine  *Engine
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher starts watching path. Close releases the watch.
func NewWatcher(engine *Engine, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		engine:  engine,
		path:    abs,
		watcher: fw,
		cancel:  cancel,
	}
	w.wg.Add(1)
	go w.eventLoop(ctx)
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}

// scheduleReload coalesces the event burst a single save produces into
// one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	source, err := os.ReadFile(w.path)
	if err != nil {
		slog.Error("failed to read policy file", "path", w.path, "error", err)
		return
	}
	if err := w.engine.Reload(context.Background(), string(source)); err != nil {
		slog.Error("policy reload failed, keeping previous policy", "path", w.path, "error", err)
		return
	}
	slog.Info("policy reloaded", "path", w.path)
}
