package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aegis/internal/backup"
	internaldb "aegis/internal/db"
	"aegis/internal/fingerprint"
	"aegis/internal/ledger"
	"aegis/internal/sanitize"
)

type fixture struct {
	orch    *Orchestrator
	ledger  *ledger.Ledger
	backups *backup.Manager
	watched string
	db      *sql.DB
}

func newFixture(tb testing.TB) *fixture {
	tb.Helper()
	root := tb.TempDir()
	watched := filepath.Join(root, "inbox")
	if err := os.MkdirAll(watched, 0o755); err != nil {
		tb.Fatal(err)
	}

	db, err := internaldb.Open(filepath.Join(root, "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })

	led := ledger.New(db)
	backups := backup.New(db,
		filepath.Join(root, "backups"),
		filepath.Join(root, "quarantine"),
		[]string{watched})
	engine := sanitize.NewEngine(nil)
	orch := New(backups, led, engine, engine, sanitize.DefaultParams)

	return &fixture{orch: orch, ledger: led, backups: backups, watched: watched, db: db}
}

// writeDotPNG writes a PNG with a green disc at path and returns its bytes.
func writeDotPNG(tb testing.TB, path string) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 80; x++ {
			img.SetRGBA(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	for y := 30; y < 50; y++ {
		for x := 30; x < 50; x++ {
			img.SetRGBA(x, y, color.RGBA{0, 255, 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func taskFor(tb testing.TB, path string) FileTask {
	tb.Helper()
	fp, err := fingerprint.Hash(path)
	if err != nil {
		tb.Fatal(err)
	}
	return FileTask{Path: path, Fingerprint: fp, Source: SourceScan}
}

func TestRunCommitsCleanFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.watched, "dotted.png")
	original := writeDotPNG(t, path)
	task := taskFor(t, path)

	res := f.orch.Run(context.Background(), task)
	if res.Status != StatusCommitted {
		t.Fatalf("status = %v (reason %q, err %v), want committed", res.Status, res.Reason, res.Err)
	}
	if res.PixelPhase != sanitize.PhaseApplied {
		t.Errorf("pixel phase = %q, want applied", res.PixelPhase)
	}

	// Committed bytes differ from the original and decode cleanly.
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(after, original) {
		t.Error("file bytes unchanged after commit")
	}
	if _, err := png.Decode(bytes.NewReader(after)); err != nil {
		t.Fatalf("committed file is not a valid PNG: %v", err)
	}

	// Backup holds the pre-sanitization bytes verbatim.
	backupBytes, err := os.ReadFile(res.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(backupBytes, original) {
		t.Error("backup does not match pre-sanitization bytes")
	}

	// Both the input and output fingerprints are terminal successes.
	for _, fp := range []string{task.Fingerprint, res.OutputFingerprint} {
		out, err := f.ledger.Get(context.Background(), fp)
		if err != nil {
			t.Fatal(err)
		}
		if out == nil || out.Status != ledger.StatusSuccess {
			t.Errorf("fingerprint %.8s: outcome %+v, want success", fp, out)
		}
	}
	if res.OutputFingerprint != fingerprint.HashBytes(after) {
		t.Error("output fingerprint does not match committed bytes")
	}

	// No scratch files left next to the target.
	entries, _ := os.ReadDir(f.watched)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempPrefix) {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}

func TestRunCorruptPNGQuarantines(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.watched, "broken.png")
	good := writeDotPNG(t, filepath.Join(f.watched, "donor.png"))
	corrupt := good[:16] // truncated header
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}
	task := taskFor(t, path)

	res := f.orch.Run(context.Background(), task)
	if res.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if res.Reason != sanitize.ReasonDecode {
		t.Errorf("reason = %q, want %q", res.Reason, sanitize.ReasonDecode)
	}

	// Original is untouched and still in place.
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, corrupt) {
		t.Error("original bytes changed on a failed run")
	}

	// Quarantine holds a copy plus the structured error.
	entries, err := f.backups.ListQuarantine(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("quarantine entries: got %d, want 1", len(entries))
	}
	if entries[0].Reason != sanitize.ReasonDecode || entries[0].OriginalPath != path {
		t.Errorf("quarantine entry: %+v", entries[0])
	}
	qBytes, err := os.ReadFile(entries[0].QuarantinePath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(qBytes, corrupt) {
		t.Error("quarantined copy differs from original")
	}

	// Ledger marks the fingerprint failed (terminal for dedup).
	out, err := f.ledger.Get(context.Background(), task.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.Status != ledger.StatusFailed || out.Reason != sanitize.ReasonDecode {
		t.Errorf("ledger outcome: %+v", out)
	}
}

func TestRunBackupFailureLeavesOriginalByteIdentical(t *testing.T) {
	root := t.TempDir()
	watched := filepath.Join(root, "inbox")
	if err := os.MkdirAll(watched, 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := internaldb.Open(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := internaldb.RunMigrations(db); err != nil {
		t.Fatal(err)
	}

	// Backup area path is occupied by a plain file: every backup must fail.
	blocked := filepath.Join(root, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	led := ledger.New(db)
	backups := backup.New(db, blocked, filepath.Join(root, "quarantine"), []string{watched})
	engine := sanitize.NewEngine(nil)
	orch := New(backups, led, engine, engine, sanitize.DefaultParams)

	path := filepath.Join(watched, "a.png")
	original := writeDotPNG(t, path)
	task := taskFor(t, path)

	res := orch.Run(context.Background(), task)
	if res.Status != StatusFailed || res.Reason != sanitize.ReasonBackup {
		t.Fatalf("got status %v reason %q, want failed/backup_error", res.Status, res.Reason)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, original) {
		t.Error("original mutated despite backup failure")
	}
}

func TestRunVanishedFile(t *testing.T) {
	f := newFixture(t)
	task := FileTask{Path: filepath.Join(f.watched, "gone.png"), Fingerprint: "fp", Source: SourceEvent}

	res := f.orch.Run(context.Background(), task)
	if res.Status != StatusVanished {
		t.Fatalf("status = %v, want vanished", res.Status)
	}
	if out, _ := f.ledger.Get(context.Background(), "fp"); out != nil {
		t.Error("vanished file must not be recorded in the ledger")
	}
}

func TestRunUnsupportedFormatQuarantines(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.watched, "photo.webp")
	if err := os.WriteFile(path, []byte("not really webp"), 0o644); err != nil {
		t.Fatal(err)
	}
	task := taskFor(t, path)

	res := f.orch.Run(context.Background(), task)
	if res.Status != StatusFailed || res.Reason != sanitize.ReasonUnsupported {
		t.Fatalf("got status %v reason %q, want failed/unsupported_format", res.Status, res.Reason)
	}
	entries, _ := f.backups.ListQuarantine(context.Background(), 10, 0)
	if len(entries) != 1 {
		t.Errorf("quarantine entries: got %d, want 1", len(entries))
	}
}
