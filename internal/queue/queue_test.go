package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aegis/internal/fingerprint"
	"aegis/internal/ledger"
	"aegis/internal/pipeline"
)

// fakeRunner records every task it sees and returns a canned status.
type fakeRunner struct {
	mu     sync.Mutex
	tasks  []pipeline.FileTask
	status pipeline.Status
	block  chan struct{} // when non-nil, Run waits on it before returning
	runs   atomic.Int64
}

func (r *fakeRunner) Run(_ context.Context, task pipeline.FileTask) pipeline.Result {
	r.runs.Add(1)
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	return pipeline.Result{Status: r.status}
}

func (r *fakeRunner) seen() []pipeline.FileTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.FileTask(nil), r.tasks...)
}

// memLedger is an in-memory Lookup so queue tests skip SQLite entirely.
type memLedger struct {
	mu       sync.Mutex
	outcomes map[string]ledger.Outcome
}

func newMemLedger() *memLedger {
	return &memLedger{outcomes: make(map[string]ledger.Outcome)}
}

func (m *memLedger) Get(_ context.Context, fp string) (*ledger.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outcomes[fp]; ok {
		return &o, nil
	}
	return nil, nil
}

func (m *memLedger) set(fp string, status ledger.Status) {
	m.mu.Lock()
	m.outcomes[fp] = ledger.Outcome{Status: status}
	m.mu.Unlock()
}

func writeTemp(tb testing.TB, name, content string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatal(err)
	}
	return path
}

func TestSubmitRunsAcceptedTask(t *testing.T) {
	runner := &fakeRunner{status: pipeline.StatusCommitted}
	pool := NewPool(runner, newMemLedger(), 2, false)
	pool.Start(context.Background())

	path := writeTemp(t, "a.jpg", "image bytes")
	ok, err := pool.Submit(context.Background(), path, "", pipeline.SourceEvent)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("fresh file not admitted")
	}
	pool.Close()

	tasks := runner.seen()
	if len(tasks) != 1 {
		t.Fatalf("runner saw %d tasks, want 1", len(tasks))
	}
	if tasks[0].Path != path || tasks[0].Source != pipeline.SourceEvent {
		t.Errorf("task = %+v", tasks[0])
	}
	want := mustHash(t, path)
	if tasks[0].Fingerprint != want {
		t.Errorf("fingerprint = %q, want %q", tasks[0].Fingerprint, want)
	}
	if got := pool.Stats.Committed.Load(); got != 1 {
		t.Errorf("committed counter = %d, want 1", got)
	}
	if pool.InFlight() != 0 {
		t.Errorf("in-flight not drained: %d", pool.InFlight())
	}
}

func TestSubmitSkipsRecordedOutcomes(t *testing.T) {
	led := newMemLedger()
	runner := &fakeRunner{status: pipeline.StatusCommitted}
	pool := NewPool(runner, led, 1, false)
	pool.Start(context.Background())
	defer pool.Close()

	path := writeTemp(t, "a.jpg", "image bytes")
	fp := mustHash(t, path)

	for _, status := range []ledger.Status{ledger.StatusSuccess, ledger.StatusFailed} {
		led.set(fp, status)
		ok, err := pool.Submit(context.Background(), path, "", pipeline.SourceScan)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("status %q admitted, want skip", status)
		}
	}
	if got := pool.Stats.LedgerSkips.Load(); got != 2 {
		t.Errorf("ledger skips = %d, want 2", got)
	}
}

func TestRetryFailedReadmitsFailures(t *testing.T) {
	led := newMemLedger()
	runner := &fakeRunner{status: pipeline.StatusCommitted}
	pool := NewPool(runner, led, 1, true)
	pool.Start(context.Background())

	path := writeTemp(t, "a.jpg", "image bytes")
	fp := mustHash(t, path)

	led.set(fp, ledger.StatusFailed)
	if ok, _ := pool.Submit(context.Background(), path, "", pipeline.SourceScan); !ok {
		t.Error("failed outcome not readmitted with retry enabled")
	}

	// Success stays terminal even with retry enabled.
	led.set(fp, ledger.StatusSuccess)
	if ok, _ := pool.Submit(context.Background(), path, "", pipeline.SourceScan); ok {
		t.Error("success outcome readmitted")
	}
	pool.Close()
}

func TestConcurrentSameFingerprintRunsOnce(t *testing.T) {
	runner := &fakeRunner{status: pipeline.StatusCommitted, block: make(chan struct{})}
	pool := NewPool(runner, newMemLedger(), 2, false)
	pool.Start(context.Background())

	path := writeTemp(t, "a.jpg", "image bytes")
	fp := mustHash(t, path)

	first, err := pool.Submit(context.Background(), path, fp, pipeline.SourceEvent)
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("first submit rejected")
	}

	// Wait for a worker to pick the task up, then resubmit while it runs.
	deadline := time.Now().Add(2 * time.Second)
	for runner.runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never started the task")
		}
		time.Sleep(time.Millisecond)
	}
	second, err := pool.Submit(context.Background(), path, fp, pipeline.SourceScan)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("in-flight fingerprint admitted twice")
	}

	close(runner.block)
	pool.Close()

	if len(runner.seen()) != 1 {
		t.Errorf("runner ran %d tasks, want 1", len(runner.seen()))
	}
	if got := pool.Stats.InFlightSkips.Load(); got != 1 {
		t.Errorf("in-flight skips = %d, want 1", got)
	}
}

// errLedger fails every lookup with a fixed error.
type errLedger struct{ err error }

func (l errLedger) Get(context.Context, string) (*ledger.Outcome, error) { return nil, l.err }

func TestSubmitCancelledContextRejected(t *testing.T) {
	led := newMemLedger()
	runner := &fakeRunner{status: pipeline.StatusCommitted}
	pool := NewPool(runner, led, 1, false)
	pool.Start(context.Background())
	defer pool.Close()

	path := writeTemp(t, "a.jpg", "image bytes")
	fp := mustHash(t, path)
	led.set(fp, ledger.StatusSuccess)

	// A scan cancel or daemon shutdown leaves buffered candidates behind
	// a dead context. They must be dropped, never admitted past dedup.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := pool.Submit(ctx, path, fp, pipeline.SourceScan)
	if ok {
		t.Error("cancelled submit admitted a recorded file")
	}
	if err == nil {
		t.Error("cancelled submit returned no error")
	}
	if got := runner.runs.Load(); got != 0 {
		t.Errorf("runner ran %d tasks, want 0", got)
	}
	if pool.InFlight() != 0 {
		t.Errorf("in-flight not empty: %d", pool.InFlight())
	}
}

func TestSubmitLedgerErrorDistinguishesCancellation(t *testing.T) {
	path := writeTemp(t, "a.jpg", "image bytes")
	fp := mustHash(t, path)

	// A lookup cut short by cancellation drops the candidate.
	pool := NewPool(&fakeRunner{status: pipeline.StatusCommitted}, errLedger{err: context.Canceled}, 1, false)
	pool.Start(context.Background())
	if ok, err := pool.Submit(context.Background(), path, fp, pipeline.SourceScan); ok || err == nil {
		t.Errorf("cancelled lookup: admitted=%v err=%v, want rejection with error", ok, err)
	}
	pool.Close()

	// A genuine ledger fault degrades to no-dedup admission instead.
	pool = NewPool(&fakeRunner{status: pipeline.StatusCommitted}, errLedger{err: errors.New("database locked")}, 1, false)
	pool.Start(context.Background())
	if ok, err := pool.Submit(context.Background(), path, fp, pipeline.SourceScan); !ok || err != nil {
		t.Errorf("faulty lookup: admitted=%v err=%v, want no-dedup admission", ok, err)
	}
	pool.Close()
}

func TestSubmitMissingFile(t *testing.T) {
	pool := NewPool(&fakeRunner{}, newMemLedger(), 1, false)
	ok, err := pool.Submit(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), "", pipeline.SourceEvent)
	if ok {
		t.Error("missing file admitted")
	}
	if err == nil {
		t.Error("expected a hashing error for a missing file")
	}
	pool.Close()
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	pool := NewPool(&fakeRunner{status: pipeline.StatusCommitted}, newMemLedger(), 1, false)
	pool.Start(context.Background())
	pool.Close()

	path := writeTemp(t, "a.jpg", "image bytes")
	if ok, _ := pool.Submit(context.Background(), path, "", pipeline.SourceEvent); ok {
		t.Error("submit after close admitted a task")
	}
	if pool.InFlight() != 0 {
		t.Error("rejected submit leaked an in-flight entry")
	}
}

func mustHash(tb testing.TB, path string) string {
	tb.Helper()
	fp, err := fingerprint.Hash(path)
	if err != nil {
		tb.Fatal(err)
	}
	return fp
}
