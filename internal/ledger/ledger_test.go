package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	internaldb "aegis/internal/db"
)

func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(path)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndGet(t *testing.T) {
	l := New(mustOpenDB(t))
	ctx := context.Background()

	got, err := l.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown fingerprint, got %+v", got)
	}

	if err := l.Record(ctx, "deadbeef", Outcome{Status: StatusSuccess, SourcePath: "/in/a.jpg"}); err != nil {
		t.Fatal(err)
	}
	got, err = l.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != StatusSuccess {
		t.Fatalf("got %+v, want success outcome", got)
	}
	if got.SourcePath != "/in/a.jpg" {
		t.Errorf("source path: got %q", got.SourcePath)
	}
}

func TestRecordReplacesEarlierOutcome(t *testing.T) {
	l := New(mustOpenDB(t))
	ctx := context.Background()

	if err := l.Record(ctx, "fp1", Outcome{Status: StatusFailed, Reason: "decode_error"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, "fp1", Outcome{Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSuccess || got.Reason != "" {
		t.Errorf("got %+v, want replaced success outcome", got)
	}
}

func TestClearFailed(t *testing.T) {
	l := New(mustOpenDB(t))
	ctx := context.Background()

	_ = l.Record(ctx, "ok", Outcome{Status: StatusSuccess})
	_ = l.Record(ctx, "bad1", Outcome{Status: StatusFailed, Reason: "io_error"})
	_ = l.Record(ctx, "bad2", Outcome{Status: StatusFailed, Reason: "decode_error"})

	n, err := l.ClearFailed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d records, want 2", n)
	}

	if got, _ := l.Get(ctx, "bad1"); got != nil {
		t.Error("failed record survived ClearFailed")
	}
	if got, _ := l.Get(ctx, "ok"); got == nil || got.Status != StatusSuccess {
		t.Error("success record should survive ClearFailed")
	}
}

func TestStats(t *testing.T) {
	l := New(mustOpenDB(t))
	ctx := context.Background()

	_ = l.Record(ctx, "a", Outcome{Status: StatusSuccess})
	_ = l.Record(ctx, "b", Outcome{Status: StatusSuccess})
	_ = l.Record(ctx, "c", Outcome{Status: StatusFailed, Reason: "capability_error"})

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Succeeded != 2 || s.Failed != 1 {
		t.Errorf("stats: got %+v, want 2 succeeded / 1 failed", s)
	}
}

func TestOpenWithRecovery_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := internaldb.OpenWithRecovery(path)
	if err != nil {
		t.Fatalf("OpenWithRecovery on corrupt file: %v", err)
	}
	defer db.Close()

	// A usable empty ledger must come back.
	l := New(db)
	ctx := context.Background()
	if got, err := l.Get(ctx, "anything"); err != nil || got != nil {
		t.Errorf("expected empty ledger after recovery, got %+v err %v", got, err)
	}
	if err := l.Record(ctx, "fp", Outcome{Status: StatusSuccess}); err != nil {
		t.Errorf("record after recovery: %v", err)
	}
}
