// Package scan enumerates the monitored folders and feeds eligible files
// to the sanitization pool. Complements the event watcher: a scan finds
// files the watcher missed while the daemon was down.
package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegis/internal/fingerprint"
	"aegis/internal/pipeline"
)

// ErrAlreadyRunning is returned when a scan is started while one is in progress.
var ErrAlreadyRunning = errors.New("a scan is already in progress")

// ErrNoActiveScan is returned when cancel is called with no scan running.
var ErrNoActiveScan = errors.New("no scan is currently running")

// Submitter admits candidates; the pool decides whether each actually runs.
type Submitter interface {
	Submit(ctx context.Context, path, fp string, source pipeline.Source) (bool, error)
}

// Progress holds live counters for the running scan. All fields are atomic
// so they can be written by the walker consumers and read by the HTTP
// handler without locks.
type Progress struct {
	FilesSeen     atomic.Int64 // eligible files emitted by the walk
	FilesEnqueued atomic.Int64 // admitted by the pool
	FilesSkipped  atomic.Int64 // rejected by dedup or hashing errors
}

// ActiveScan holds live information about the running scan.
type ActiveScan struct {
	ID          int64
	StartedAt   time.Time
	TriggeredBy string
	Progress    *Progress
}

// Record is one finished or running scan_history row.
type Record struct {
	ID            int64      `json:"id"`
	Status        string     `json:"status"`
	TriggeredBy   string     `json:"triggered_by"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	FilesSeen     int64      `json:"files_seen"`
	FilesEnqueued int64      `json:"files_enqueued"`
	FilesSkipped  int64      `json:"files_skipped"`
	DurationSecs  int64      `json:"duration_seconds"`
}

// Manager enforces a single-active-scan invariant and exposes start/cancel.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	db      *sql.DB
	pool    Submitter
	exclude Excluder
	roots   []string
	walkers int

	active   *ActiveScan
	cancelFn context.CancelFunc
}

// NewManager creates a Manager scanning roots with the given walker count.
func NewManager(db *sql.DB, pool Submitter, exclude Excluder, roots []string, walkers int) *Manager {
	if walkers < 1 {
		walkers = 1
	}
	return &Manager{db: db, pool: pool, exclude: exclude, roots: roots, walkers: walkers}
}

// Start launches an asynchronous scan. Returns an ActiveScan snapshot or
// ErrAlreadyRunning if a scan is already in progress.
func (m *Manager) Start(parentCtx context.Context, triggeredBy string) (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	// Create the scan_history row NOW so the ID is available immediately
	// in the HTTP response, before the goroutine begins executing.
	startedAt := time.Now()
	scanID, err := insertScanRecord(m.db, startedAt, triggeredBy)
	if err != nil {
		return nil, fmt.Errorf("create scan record: %w", err)
	}

	scanCtx, cancel := context.WithCancel(parentCtx)
	active := &ActiveScan{
		ID:          scanID,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		Progress:    &Progress{},
	}
	m.active = active
	m.cancelFn = cancel

	go func() {
		defer cancel()
		m.run(scanCtx, active)

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.mu.Unlock()
	}()

	return active, nil
}

// Cancel stops the currently running scan. Returns ErrNoActiveScan if idle.
func (m *Manager) Cancel() (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveScan
	}

	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// Active returns a snapshot of the running scan, or nil when idle.
func (m *Manager) Active() *ActiveScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// run walks the roots and submits every eligible file with a pre-computed
// fingerprint, then finalises the scan_history row.
func (m *Manager) run(ctx context.Context, active *ActiveScan) {
	slog.Info("scan started", "scan_id", active.ID, "trigger", active.TriggeredBy, "roots", m.roots)

	paths := make(chan string, 256)
	go walk(ctx, m.roots, m.exclude, m.walkers, paths, func(path string, err error) {
		slog.Warn("walk error", "path", path, "error", err)
	})

	p := active.Progress
	for path := range paths {
		p.FilesSeen.Add(1)

		// A cancelled scan still drains the channel so the walkers can
		// exit, but nothing buffered gets submitted.
		if ctx.Err() != nil {
			p.FilesSkipped.Add(1)
			continue
		}

		// Hash here, on the scan goroutine, so the pool's ledger check
		// rejects already-processed files without queue churn.
		fp, err := fingerprint.Hash(path)
		if err != nil {
			p.FilesSkipped.Add(1)
			slog.Debug("skipping unreadable file", "path", path, "error", err)
			continue
		}
		admitted, err := m.pool.Submit(ctx, path, fp, pipeline.SourceScan)
		if err != nil || !admitted {
			p.FilesSkipped.Add(1)
			continue
		}
		p.FilesEnqueued.Add(1)
	}

	status := "completed"
	if ctx.Err() != nil {
		status = "canceled"
	}
	finishedAt := time.Now()
	if err := finaliseScanRecord(m.db, active.ID, status, finishedAt, finishedAt.Sub(active.StartedAt), p); err != nil {
		slog.Error("finalise scan record", "scan_id", active.ID, "error", err)
	}

	slog.Info("scan finished",
		"scan_id", active.ID,
		"status", status,
		"files_seen", p.FilesSeen.Load(),
		"files_enqueued", p.FilesEnqueued.Load(),
		"files_skipped", p.FilesSkipped.Load(),
		"duration", finishedAt.Sub(active.StartedAt).Round(time.Millisecond))
}

// History returns the most recent scan rows, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, status, triggered_by, started_at, finished_at,
		       files_seen, files_enqueued, files_skipped, duration_seconds
		FROM scan_history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query scan history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Status, &r.TriggeredBy, &started, &finished,
			&r.FilesSeen, &r.FilesEnqueued, &r.FilesSkipped, &r.DurationSecs); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			t := time.Unix(finished.Int64, 0)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkStaleScansFailed marks any scan_history rows still in 'running' state
// as 'failed'. Called once at startup in case a previous daemon process
// crashed mid-scan.
func MarkStaleScansFailed(db *sql.DB) error {
	res, err := db.Exec(`
		UPDATE scan_history
		SET status = 'failed', finished_at = ?
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale scans failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale scans as failed", "count", n)
	}
	return nil
}

func insertScanRecord(db *sql.DB, startedAt time.Time, triggeredBy string) (int64, error) {
	now := startedAt.Unix()
	res, err := db.Exec(`
		INSERT INTO scan_history
			(started_at, status, triggered_by, created_at)
		VALUES (?, 'running', ?, ?)`,
		now, triggeredBy, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func finaliseScanRecord(db *sql.DB, scanID int64, status string, finishedAt time.Time, duration time.Duration, p *Progress) error {
	_, err := db.Exec(`
		UPDATE scan_history
		SET status           = ?,
		    finished_at      = ?,
		    duration_seconds = ?,
		    files_seen       = ?,
		    files_enqueued   = ?,
		    files_skipped    = ?
		WHERE id = ?`,
		status, finishedAt.Unix(), int64(duration.Seconds()),
		p.FilesSeen.Load(), p.FilesEnqueued.Load(), p.FilesSkipped.Load(),
		scanID)
	return err
}
