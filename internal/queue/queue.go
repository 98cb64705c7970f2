// Package queue is the admission gate and worker pool in front of the
// sanitization pipeline. It owns the two dedup layers: the persistent
// ledger check and the in-memory in-flight set.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegis/internal/fingerprint"
	"aegis/internal/ledger"
	"aegis/internal/pipeline"
)

// Runner drives one admitted task to a terminal state.
type Runner interface {
	Run(ctx context.Context, task pipeline.FileTask) pipeline.Result
}

// Lookup reads prior terminal outcomes. nil outcome means never seen.
type Lookup interface {
	Get(ctx context.Context, fp string) (*ledger.Outcome, error)
}

// Stats holds live counters updated by Submit and the workers. All fields
// are atomic so they can be written from worker goroutines and read from
// the HTTP handler without locks.
type Stats struct {
	Submitted     atomic.Int64 // candidates offered to Submit
	Accepted      atomic.Int64 // passed both dedup layers and enqueued
	LedgerSkips   atomic.Int64 // rejected on a recorded terminal outcome
	InFlightSkips atomic.Int64 // rejected because the fingerprint is mid-pipeline
	Committed     atomic.Int64
	Failed        atomic.Int64
	Vanished      atomic.Int64
}

// taskQueue is an unbounded FIFO of file tasks. Unlike a walk queue it has
// no natural end of work, so it is closed explicitly by the pool.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []pipeline.FileTask
	head   int // index of the next item to pop; avoids O(n) re-slicing
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task. Returns false after close.
func (q *taskQueue) push(t pipeline.FileTask) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed and drained.
func (q *taskQueue) pop() (pipeline.FileTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head >= len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.head >= len(q.items) {
		return pipeline.FileTask{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = pipeline.FileTask{} // release references for GC
	q.head++
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pool fans admitted tasks out to a fixed set of workers.
type Pool struct {
	runner      Runner
	ledger      Lookup
	workers     int
	retryFailed bool

	queue *taskQueue
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}

	Stats *Stats
}

// NewPool creates a Pool with workers goroutines (minimum 1). retryFailed
// lifts the failed-is-terminal rule so quarantined files can be retried
// after an operator fixes the cause.
func NewPool(runner Runner, lookup Lookup, workers int, retryFailed bool) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		runner:      runner,
		ledger:      lookup,
		workers:     workers,
		retryFailed: retryFailed,
		queue:       newTaskQueue(),
		inflight:    make(map[string]struct{}),
		Stats:       &Stats{},
	}
}

// Start launches the workers. ctx is the lifetime context passed to every
// run; cancelling it does not stop the workers (call Close for that), it
// only aborts blocking calls inside the pipeline.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
}

// Close stops admission, lets the workers drain the queue, and waits for
// the last in-flight task to reach a terminal state.
func (p *Pool) Close() {
	p.queue.close()
	p.wg.Wait()
}

// Depth reports the number of queued, not yet started tasks.
func (p *Pool) Depth() int {
	return p.queue.depth()
}

// InFlight reports how many fingerprints are queued or being processed.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Submit offers one candidate file. When fp is empty the file is hashed
// here, on the caller's goroutine; scan callers hash up front to keep the
// ledger check off the event path, event callers pass "" after the
// stability wait. Returns true when the task was admitted and enqueued.
func (p *Pool) Submit(ctx context.Context, path, fp string, source pipeline.Source) (bool, error) {
	p.Stats.Submitted.Add(1)

	if err := ctx.Err(); err != nil {
		return false, err
	}

	if fp == "" {
		var err error
		fp, err = fingerprint.Hash(path)
		if err != nil {
			// Commonly a file deleted between detection and hashing.
			slog.Debug("fingerprint failed, dropping candidate", "path", path, "error", err)
			return false, err
		}
	}

	prior, err := p.ledger.Get(ctx, fp)
	if err != nil {
		// A lookup cut short by the caller's context says nothing about
		// the file; admitting it would bypass dedup and re-mutate files
		// already recorded as done. Drop the candidate instead.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("submission aborted, context done", "path", path, "error", err)
			return false, err
		}
		// A genuine ledger fault degrades to no-dedup rather than
		// dropping the file.
		slog.Warn("ledger lookup failed, admitting without dedup", "path", path, "error", err)
	}
	if prior != nil {
		if prior.Status == ledger.StatusSuccess || !p.retryFailed {
			p.Stats.LedgerSkips.Add(1)
			slog.Debug("skipping processed file",
				"path", path, "status", prior.Status, "fingerprint", fp)
			return false, nil
		}
	}

	p.mu.Lock()
	if _, busy := p.inflight[fp]; busy {
		p.mu.Unlock()
		p.Stats.InFlightSkips.Add(1)
		return false, nil
	}
	p.inflight[fp] = struct{}{}
	p.mu.Unlock()

	task := pipeline.FileTask{Path: path, Fingerprint: fp, EnqueuedAt: time.Now(), Source: source}
	if !p.queue.push(task) {
		p.release(fp)
		return false, nil
	}
	p.Stats.Accepted.Add(1)
	return true, nil
}

func (p *Pool) work(ctx context.Context) {
	for {
		task, ok := p.queue.pop()
		if !ok {
			return
		}
		p.runOne(ctx, task)
	}
}

// runOne executes a single task. The in-flight entry is released on every
// exit path so an admission is never permanently blocked.
func (p *Pool) runOne(ctx context.Context, task pipeline.FileTask) {
	defer p.release(task.Fingerprint)

	res := p.runner.Run(ctx, task)
	switch res.Status {
	case pipeline.StatusCommitted:
		p.Stats.Committed.Add(1)
	case pipeline.StatusFailed:
		p.Stats.Failed.Add(1)
	case pipeline.StatusVanished:
		p.Stats.Vanished.Add(1)
	}
}

func (p *Pool) release(fp string) {
	p.mu.Lock()
	delete(p.inflight, fp)
	p.mu.Unlock()
}
