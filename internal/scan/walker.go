package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"aegis/internal/sanitize"
)

// Excluder reports subtrees the walk must not enter, namely the backup and
// quarantine areas when they live inside a monitored folder.
type Excluder interface {
	Holds(path string) bool
}

// dirQueue is an unbounded, concurrency-safe queue of directory paths.
// It tracks a pending counter so that walk() knows when all work is done.
//
// Termination protocol:
//   - push happens after incrementing pending (caller owns the increment).
//   - done decrements pending after all children of a directory have been
//     pushed. When pending reaches 0, done closes the queue and broadcasts.
type dirQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	head    int // index of the next item to pop; avoids O(n) re-slicing
	pending atomic.Int64
	closed  bool
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *dirQueue) push(dir string) {
	q.mu.Lock()
	q.items = append(q.items, dir)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *dirQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head >= len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.head >= len(q.items) {
		return "", false
	}
	item := q.items[q.head]
	q.items[q.head] = "" // release string reference so GC can collect it
	q.head++
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

// done must be called once per directory after its child-directories have
// been pushed. If pending reaches 0 the queue closes.
func (q *dirQueue) done() {
	if q.pending.Add(-1) == 0 {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}
}

// walk traverses roots concurrently with numWalkers goroutines and sends
// every eligible image path to out. walk closes out when done. Filesystem
// errors are reported per-path and do not stop the traversal.
func walk(ctx context.Context, roots []string, exclude Excluder, numWalkers int, out chan<- string, report func(path string, err error)) {
	defer close(out)

	q := newDirQueue()
	for _, root := range roots {
		q.pending.Add(1)
		q.push(root)
	}

	var wg sync.WaitGroup
	for i := 0; i < numWalkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			walkerWorker(ctx, q, exclude, out, report)
		}()
	}
	wg.Wait()
}

func walkerWorker(ctx context.Context, q *dirQueue, exclude Excluder, out chan<- string, report func(path string, err error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dir, ok := q.pop()
		if !ok {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			report(dir, err)
			q.done()
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())

			if entry.IsDir() {
				if strings.HasPrefix(entry.Name(), ".") {
					continue
				}
				if exclude != nil && exclude.Holds(path) {
					continue
				}
				// Increment BEFORE pushing so pending is never zero prematurely.
				q.pending.Add(1)
				q.push(path)
				continue
			}

			if entry.Type()&fs.ModeSymlink != 0 || !entry.Type().IsRegular() {
				continue
			}
			if !eligible(path) {
				continue
			}
			if exclude != nil && exclude.Holds(path) {
				continue
			}

			select {
			case <-ctx.Done():
				q.done()
				return
			case out <- path:
			}
		}

		q.done()
	}
}

// eligible mirrors the watcher's front-door filter: supported image
// extension and not hidden. The dot check also covers the pipeline's own
// scratch files, which carry the pipeline.TempPrefix dot-prefix.
func eligible(path string) bool {
	if !sanitize.SupportedExt(path) {
		return false
	}
	return !strings.HasPrefix(filepath.Base(path), ".")
}
