// Package backup preserves originals before mutation and routes failed
// files to a quarantine area alongside a structured error report.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record describes one backed-up original.
type Record struct {
	ID           int64     `json:"id"`
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	Fingerprint  string    `json:"fingerprint"`
	CreatedAt    time.Time `json:"created_at"`
}

// QuarantineEntry describes one quarantined failure.
type QuarantineEntry struct {
	ID             int64     `json:"id"`
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// errorReport is the JSON document written next to a quarantined file.
type errorReport struct {
	OriginalPath string    `json:"original_path"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
}

// Manager copies originals into the backup area before any mutation and
// into the quarantine area on failure. Destinations are bucketed by a
// minute-resolution timestamp and namespaced by the watch folder the file
// came from, so concurrent writers never target the same path.
type Manager struct {
	db            *sql.DB
	backupDir     string
	quarantineDir string
	watchRoots    []string
}

// New creates a Manager. watchRoots are the monitored folders, used to keep
// each file's relative layout inside the timestamp bucket.
func New(db *sql.DB, backupDir, quarantineDir string, watchRoots []string) *Manager {
	return &Manager{
		db:            db,
		backupDir:     backupDir,
		quarantineDir: quarantineDir,
		watchRoots:    watchRoots,
	}
}

// BackupDir returns the configured backup area root.
func (m *Manager) BackupDir() string { return m.backupDir }

// QuarantineDir returns the configured quarantine area root.
func (m *Manager) QuarantineDir() string { return m.quarantineDir }

// Holds reports whether path lives under the backup or quarantine area.
// The front door uses this to keep the pipeline from eating its own output.
func (m *Manager) Holds(path string) bool {
	return isUnder(path, m.backupDir) || isUnder(path, m.quarantineDir)
}

// Backup copies the file at path into the backup area and records it.
// The copy is verified (size and digest) before the record is written; a
// failed or torn copy is removed and reported as an error so the caller
// never mutates an original without a good backup. Backups are never
// deleted by the pipeline.
func (m *Manager) Backup(ctx context.Context, path, fingerprint string) (Record, error) {
	dst, err := m.bucketPath(m.backupDir, path)
	if err != nil {
		return Record{}, fmt.Errorf("backup path for %q: %w", path, err)
	}
	if err := copyVerified(path, dst); err != nil {
		return Record{}, fmt.Errorf("backup %q: %w", path, err)
	}

	now := time.Now()
	rec := Record{
		OriginalPath: path,
		BackupPath:   dst,
		Fingerprint:  fingerprint,
		CreatedAt:    now,
	}
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO backup_records (original_path, backup_path, fingerprint, created_at)
		VALUES (?, ?, ?, ?)`,
		path, dst, fingerprint, now.Unix())
	if err != nil {
		// The on-disk copy is good; a missing row only loses bookkeeping.
		slog.Warn("backup record insert failed", "path", path, "error", err)
		return rec, nil
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

// Quarantine copies the untouched original at path into the quarantine area
// and writes a structured error report beside it. The original is left in
// place; quarantine preserves evidence, it does not remove the file. The
// copy must succeed before the report or the record is written.
func (m *Manager) Quarantine(ctx context.Context, path, source, reason, detail string) (QuarantineEntry, error) {
	now := time.Now()
	entry := QuarantineEntry{
		OriginalPath: path,
		Reason:       reason,
		Detail:       detail,
		Source:       source,
		CreatedAt:    now,
	}

	dst, err := m.bucketPath(m.quarantineDir, path)
	if err != nil {
		return entry, fmt.Errorf("quarantine path for %q: %w", path, err)
	}
	if err := copyVerified(path, dst); err != nil {
		return entry, fmt.Errorf("quarantine %q: %w", path, err)
	}
	entry.QuarantinePath = dst

	report := errorReport{
		OriginalPath: path,
		Reason:       reason,
		Detail:       detail,
		Source:       source,
		Timestamp:    now,
	}
	reportPath := reportPathFor(dst)
	if data, err := json.MarshalIndent(report, "", "  "); err == nil {
		if werr := os.WriteFile(reportPath, data, 0o644); werr != nil {
			slog.Warn("write quarantine report failed", "path", reportPath, "error", werr)
		}
	}

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO quarantine_entries (original_path, quarantine_path, reason, detail, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		path, dst, reason, detail, source, now.Unix())
	if err != nil {
		slog.Warn("quarantine record insert failed", "path", path, "error", err)
		return entry, nil
	}
	entry.ID, _ = res.LastInsertId()
	return entry, nil
}

// ListQuarantine returns quarantine entries newest first.
func (m *Manager) ListQuarantine(ctx context.Context, limit, offset int) ([]QuarantineEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, original_path, quarantine_path, reason, detail, source, created_at
		FROM quarantine_entries
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var out []QuarantineEntry
	for rows.Next() {
		var e QuarantineEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.OriginalPath, &e.QuarantinePath,
			&e.Reason, &e.Detail, &e.Source, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListBackups returns backup records newest first.
func (m *Manager) ListBackups(ctx context.Context, limit, offset int) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, original_path, backup_path, fingerprint, created_at
		FROM backup_records
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.OriginalPath, &r.BackupPath, &r.Fingerprint, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── path construction ─────────────────────────────────────────────────────

// bucketPath builds <area>/<YYYYMMDDHHMM>/<watch-folder-name>/<relative path>
// for the file at src, appending a numeric suffix if the destination is
// already occupied.
func (m *Manager) bucketPath(area, src string) (string, error) {
	bucket := time.Now().Format("200601021504")

	rootName := "unsorted"
	rel := filepath.Base(src)
	for _, root := range m.watchRoots {
		if isUnder(src, root) {
			if r, err := filepath.Rel(root, src); err == nil {
				rootName = filepath.Base(filepath.Clean(root))
				rel = r
			}
			break
		}
	}

	dst := filepath.Join(area, bucket, rootName, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		stem := strings.TrimSuffix(dst, ext)
		for i := 1; ; i++ {
			cand := fmt.Sprintf("%s_%03d%s", stem, i, ext)
			if _, err := os.Stat(cand); os.IsNotExist(err) {
				dst = cand
				break
			}
		}
	}
	return dst, nil
}

// reportPathFor returns the error-report path for a quarantined copy:
// <dir>/<stem>_error.json.
func reportPathFor(quarantined string) string {
	ext := filepath.Ext(quarantined)
	stem := strings.TrimSuffix(filepath.Base(quarantined), ext)
	return filepath.Join(filepath.Dir(quarantined), stem+"_error.json")
}

func isUnder(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// copyVerified streams src to dst, comparing size and SHA-256 of what was
// read against what was written. dst is removed on any mismatch so a torn
// backup is never mistaken for a good one.
func copyVerified(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	srcHash := sha256.New()
	dstHash := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, dstHash), io.TeeReader(in, srcHash))
	if err != nil {
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	if written != srcInfo.Size() {
		os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d", srcInfo.Size(), written)
	}
	if !bytes.Equal(srcHash.Sum(nil), dstHash.Sum(nil)) {
		os.Remove(dst)
		return fmt.Errorf("copy digest mismatch: file changed or corrupted during copy")
	}
	return nil
}
