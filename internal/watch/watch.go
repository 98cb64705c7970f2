// Package watch is the event-driven front door: it turns filesystem
// notifications on the monitored folders into pool submissions.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"aegis/internal/pipeline"
	"aegis/internal/sanitize"
)

// Submitter admits candidate files; the watcher never runs the pipeline
// itself.
type Submitter interface {
	Submit(ctx context.Context, path, fp string, source pipeline.Source) (bool, error)
}

// Excluder reports paths the watcher must leave alone, namely the backup
// and quarantine areas.
type Excluder interface {
	Holds(path string) bool
}

// Watcher observes a set of roots recursively. Events are debounced per
// path so one copied file produces one submission, not one per write.
type Watcher struct {
	fsw        *fsnotify.Watcher
	submit     Submitter
	exclude    Excluder
	debounce   time.Duration
	stableWait time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	pending sync.WaitGroup // fired debounce callbacks still running
}

// New creates a Watcher over roots. Every existing subdirectory gets its
// own watch; directories created later are picked up from their Create
// events.
func New(roots []string, submit Submitter, exclude Excluder, debounce, stableWait time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		fsw:        fsw,
		submit:     submit,
		exclude:    exclude,
		debounce:   debounce,
		stableWait: stableWait,
		timers:     make(map[string]*time.Timer),
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}
	return w, nil
}

// Run consumes events until ctx is cancelled. It always returns nil after
// a cancel; fsnotify transport errors are logged, not fatal.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.pending.Wait()
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// A directory moved in wholesale fires no per-file events,
			// so sweep its contents after adding the watch.
			if err := w.addRecursive(ev.Name); err != nil {
				slog.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			w.sweep(ctx, ev.Name)
			return
		}
	}

	if !w.wants(ev.Name) {
		return
	}
	w.schedule(ctx, ev.Name)
}

// wants applies the front-door filters: supported image extension, not in
// the backup or quarantine area, not one of the pipeline's own scratch
// files.
func (w *Watcher) wants(path string) bool {
	if !sanitize.SupportedExt(path) {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, pipeline.TempPrefix) || strings.HasPrefix(base, ".") {
		return false
	}
	if w.exclude != nil && w.exclude.Holds(path) {
		return false
	}
	return true
}

// schedule arms or resets the per-path debounce timer. A timer is only
// reused when Stop confirms it has not fired yet; otherwise its callback
// is already on the way and gets a fresh timer alongside it, so each
// armed timer owns exactly one pending slot.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	w.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.pending.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		w.fire(ctx, path)
	})
	w.timers[path] = t
}

// fire runs after the debounce window: wait for the file size to settle,
// then submit. Files deleted in the meantime are dropped silently.
func (w *Watcher) fire(ctx context.Context, path string) {
	if !w.waitStable(ctx, path) {
		return
	}
	if _, err := w.submit.Submit(ctx, path, "", pipeline.SourceEvent); err != nil {
		slog.Debug("event submission dropped", "path", path, "error", err)
	}
}

// waitStable polls the file size until two consecutive reads agree across
// the stability window. Copies still in progress keep growing, so this
// bounds how often a half-written file enters the pipeline.
func (w *Watcher) waitStable(ctx context.Context, path string) bool {
	const attempts = 5
	prev := int64(-1)
	for i := 0; i < attempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == prev && info.Size() > 0 {
			return true
		}
		prev = info.Size()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.stableWait):
		}
	}
	// Still growing after every attempt; submit anyway and let the
	// pipeline's decode step reject it if it is torn.
	return true
}

// sweep submits eligible files already present under dir. Used when a
// populated directory is moved into a watched tree.
func (w *Watcher) sweep(ctx context.Context, dir string) {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if w.wants(path) {
			w.schedule(ctx, path)
		}
		return nil
	})
	if err != nil {
		slog.Warn("sweep failed", "dir", dir, "error", err)
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.exclude != nil && w.exclude.Holds(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		if t.Stop() {
			w.pending.Done()
		}
		delete(w.timers, path)
	}
}
