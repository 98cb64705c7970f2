// Package pipeline drives the end-to-end sanitization of one file: backup,
// metadata pass, pixel pass, atomic commit, with quarantine on failure.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"aegis/internal/backup"
	"aegis/internal/fingerprint"
	"aegis/internal/ledger"
	"aegis/internal/sanitize"
)

// TempPrefix marks the pipeline's own scratch files. The front door filters
// these out so the watcher never feeds the pipeline its own writes.
const TempPrefix = ".aegis-tmp-"

// Backups is the backup/quarantine surface the orchestrator needs.
type Backups interface {
	Backup(ctx context.Context, path, fingerprint string) (backup.Record, error)
	Quarantine(ctx context.Context, path, source, reason, detail string) (backup.QuarantineEntry, error)
}

// Recorder persists terminal outcomes.
type Recorder interface {
	Record(ctx context.Context, fingerprint string, o ledger.Outcome) error
}

// MetadataCleaner is the external metadata-strip capability.
type MetadataCleaner interface {
	CleanMetadata(data []byte, f sanitize.Format) ([]byte, error)
}

// PixelCleaner is the external tracking-mark removal capability.
type PixelCleaner interface {
	CleanPixels(data []byte, f sanitize.Format, p sanitize.Params) (sanitize.Phase, []byte, error)
}

// Status is the terminal disposition of a run.
type Status int

const (
	StatusCommitted Status = iota
	StatusFailed
	StatusVanished // file disappeared before processing began; not a failure
)

// Result reports one finished run.
type Result struct {
	Status            Status
	State             State // last state reached
	Reason            string
	Err               error
	BackupPath        string
	OutputFingerprint string
	PixelPhase        sanitize.Phase
}

// Orchestrator runs the per-file state machine. Once Run has taken a backup
// it always proceeds to a terminal state; there is no mid-run cancellation,
// so a backup is never left without a matching resolution.
type Orchestrator struct {
	backups  Backups
	ledger   Recorder
	metadata MetadataCleaner
	pixels   PixelCleaner
	params   func() sanitize.Params
}

// New creates an Orchestrator. params is called once per run to pick up the
// currently configured detection parameters.
func New(b Backups, l Recorder, m MetadataCleaner, p PixelCleaner, params func() sanitize.Params) *Orchestrator {
	return &Orchestrator{backups: b, ledger: l, metadata: m, pixels: p, params: params}
}

// Run drives task to a terminal state and reports it. The caller is
// responsible for not invoking Run twice for a fingerprint with a recorded
// terminal outcome; Run itself does not re-check the ledger.
func (o *Orchestrator) Run(ctx context.Context, task FileTask) Result {
	if _, err := os.Stat(task.Path); os.IsNotExist(err) {
		// Deleted between detection and pickup; nothing to do or record.
		slog.Debug("task file vanished", "path", task.Path)
		return Result{Status: StatusVanished, State: StatePending}
	}

	rec, err := o.backups.Backup(ctx, task.Path, task.Fingerprint)
	if err != nil {
		// No mutation has been attempted; the original is untouched.
		return o.fail(ctx, task, StatePending, sanitize.ReasonBackup, err)
	}

	data, err := os.ReadFile(task.Path)
	if err != nil {
		return o.fail(ctx, task, StateBackedUp, sanitize.ReasonIO, err)
	}

	format := sanitize.DetectFormat(task.Path)
	report := sanitize.Inspect(data)
	if report.HasGPS {
		slog.Info("gps metadata present", "path", task.Path)
	}

	cleaned, err := o.metadata.CleanMetadata(data, format)
	if err != nil {
		return o.fail(ctx, task, StateBackedUp, sanitize.ReasonFor(err), err)
	}

	phase, final, err := o.pixels.CleanPixels(cleaned, format, o.params())
	if err != nil {
		return o.fail(ctx, task, StateMetadataCleaned, sanitize.ReasonFor(err), err)
	}

	if err := atomicReplace(task.Path, final); err != nil {
		return o.fail(ctx, task, StatePixelCleaned, sanitize.ReasonIO, err)
	}

	outFp := fingerprint.HashBytes(final)
	o.record(ctx, task.Fingerprint, ledger.Outcome{
		Status:     ledger.StatusSuccess,
		SourcePath: task.Path,
	})
	// Record the committed bytes too so the watcher event for our own
	// rename (and any later rescan of the cleaned file) short-circuits.
	o.record(ctx, outFp, ledger.Outcome{
		Status:     ledger.StatusSuccess,
		SourcePath: task.Path,
	})

	slog.Info("file sanitized",
		"path", task.Path,
		"source", task.Source,
		"pixel_phase", phase,
		"had_exif", report.HasEXIF,
		"backup", rec.BackupPath)

	return Result{
		Status:            StatusCommitted,
		State:             StateCommitted,
		BackupPath:        rec.BackupPath,
		OutputFingerprint: outFp,
		PixelPhase:        phase,
	}
}

// fail routes the failure to quarantine, records the terminal outcome, and
// never halts the pipeline: all errors end up in the Result.
func (o *Orchestrator) fail(ctx context.Context, task FileTask, from State, reason string, cause error) Result {
	slog.Warn("sanitization failed",
		"path", task.Path, "state", from, "reason", reason, "error", cause)

	if _, qerr := o.backups.Quarantine(ctx, task.Path, string(task.Source), reason, cause.Error()); qerr != nil {
		slog.Error("quarantine failed; original left in place", "path", task.Path, "error", qerr)
	}

	o.record(ctx, task.Fingerprint, ledger.Outcome{
		Status:     ledger.StatusFailed,
		Reason:     reason,
		SourcePath: task.Path,
	})

	return Result{Status: StatusFailed, State: StateFailed, Reason: reason, Err: cause}
}

// record writes a ledger outcome; ledger errors degrade to no-dedup and are
// only logged.
func (o *Orchestrator) record(ctx context.Context, fp string, out ledger.Outcome) {
	if fp == "" {
		return
	}
	if err := o.ledger.Record(ctx, fp, out); err != nil {
		slog.Warn("ledger record failed; file may be reprocessed later",
			"fingerprint", fp, "error", err)
	}
}

// atomicReplace writes data to a temp file in the target's directory, syncs
// it, and renames it over path. External readers observe either the old or
// the new bytes, never a torn intermediate.
func atomicReplace(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat target: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), TempPrefix+"*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, info.Mode()); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
