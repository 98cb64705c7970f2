// Package ledger is the durable processed-set: a record per unique content
// fingerprint ever handled, used to short-circuit reprocessing.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is a terminal processing outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome is the recorded result for one fingerprint.
type Outcome struct {
	Status      Status
	Reason      string // failure reason code, empty on success
	SourcePath  string // path the content was last seen at
	ProcessedAt time.Time
}

// Stats aggregates ledger counts for the status surface.
type Stats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Ledger wraps the processed_records table. All mutations flow through the
// shared single-connection database, which serializes concurrent worker
// completions.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger over an opened, migrated database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Get returns the terminal outcome for fingerprint, or nil if the
// fingerprint has never been recorded.
func (l *Ledger) Get(ctx context.Context, fingerprint string) (*Outcome, error) {
	var (
		status, reason, sourcePath string
		processedAt                int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT status, reason, source_path, processed_at
		FROM processed_records
		WHERE fingerprint = ?`, fingerprint,
	).Scan(&status, &reason, &sourcePath, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", short(fingerprint), err)
	}
	return &Outcome{
		Status:      Status(status),
		Reason:      reason,
		SourcePath:  sourcePath,
		ProcessedAt: time.Unix(processedAt, 0),
	}, nil
}

// Record upserts the outcome for fingerprint. A later record for the same
// fingerprint replaces the earlier one (e.g. a Failed record cleared
// externally and reprocessed to Success).
func (l *Ledger) Record(ctx context.Context, fingerprint string, o Outcome) error {
	at := o.ProcessedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_records (fingerprint, status, reason, source_path, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			source_path = excluded.source_path,
			processed_at = excluded.processed_at`,
		fingerprint, string(o.Status), o.Reason, o.SourcePath, at.Unix())
	if err != nil {
		return fmt.Errorf("ledger record %s: %w", short(fingerprint), err)
	}
	return nil
}

// ClearFailed removes all Failed records so their content becomes eligible
// for reprocessing. This is the external clearing action; the pipeline never
// retries a Failed fingerprint on its own.
func (l *Ledger) ClearFailed(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_records WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("ledger clear failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns success/failure totals.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed'  THEN 1 ELSE 0 END), 0)
		FROM processed_records`,
	).Scan(&s.Succeeded, &s.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return s, nil
}

func short(fingerprint string) string {
	if len(fingerprint) > 8 {
		return fingerprint[:8]
	}
	return fingerprint
}
