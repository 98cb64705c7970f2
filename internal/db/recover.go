package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// OpenWithRecovery opens and migrates the database at path, treating
// corruption as non-fatal: an unreadable or unmigratable database file is
// moved aside and a fresh one is created. If even that fails, an in-memory
// database is returned so the pipeline can run in a degraded mode where
// every file is treated as never processed.
func OpenWithRecovery(path string) (*sql.DB, error) {
	database, err := openAndMigrate(path)
	if err == nil {
		return database, nil
	}
	slog.Warn("database unusable, moving aside and recreating", "path", path, "error", err)

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, aside); renameErr != nil && !os.IsNotExist(renameErr) {
		slog.Warn("could not move corrupt database aside", "error", renameErr)
	} else {
		if database, err = openAndMigrate(path); err == nil {
			return database, nil
		}
		slog.Warn("recreate database failed", "path", path, "error", err)
	}

	database, err = openAndMigrate(":memory:")
	if err != nil {
		return nil, fmt.Errorf("in-memory fallback: %w", err)
	}
	slog.Warn("running with in-memory database; processed-set will not survive restart")
	return database, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
