package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"aegis/internal/api"
	"aegis/internal/backup"
	"aegis/internal/config"
	"aegis/internal/db"
	"aegis/internal/ledger"
	"aegis/internal/pipeline"
	"aegis/internal/queue"
	"aegis/internal/sanitize"
	"aegis/internal/scan"
	"aegis/internal/scheduler"
	"aegis/internal/watch"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Logging (initial; reconfigured below once config is loaded).
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("aegis starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"watch_folders", cfg.EnabledFolders())

	// Database. A corrupt ledger must not keep the daemon down; recovery
	// moves the bad file aside and, as a last resort, runs in memory.
	database, err := db.OpenWithRecovery(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Mark any scans that were 'running' when the last process exited.
	if err := scan.MarkStaleScansFailed(database); err != nil {
		slog.Warn("mark stale scans", "error", err)
	}

	roots := cfg.EnabledFolders()
	if len(roots) == 0 {
		slog.Warn("no enabled watch folders configured; only the API is active")
	}

	// Sanitization pipeline.
	led := ledger.New(database)
	backups := backup.New(database, cfg.BackupDir, cfg.QuarantineDir, roots)
	engine := sanitize.NewEngine(nil)
	orch := pipeline.New(backups, led, engine, engine, func() sanitize.Params {
		return detectionParams(cfg.Detection)
	})
	pool := queue.NewPool(orch, led, cfg.Workers, cfg.RetryFailed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	// Scan manager and scheduler.
	mgr := scan.NewManager(database, pool, backups, roots, cfg.ScanWalkers)
	sched := scheduler.New()
	if cfg.Schedule != "" {
		if err := sched.SetJob(cfg.Schedule, func() {
			if _, err := mgr.Start(context.Background(), "schedule"); err != nil {
				slog.Debug("scheduled scan not started", "error", err)
			}
		}); err != nil {
			slog.Warn("invalid cron expression", "expr", cfg.Schedule, "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// Watcher and HTTP server run under one group: if either fails the
	// shared context brings the other down too.
	g, gctx := errgroup.WithContext(ctx)
	if len(roots) > 0 {
		watcher, err := watch.New(roots, pool, backups,
			time.Duration(cfg.DebounceMs)*time.Millisecond,
			time.Duration(cfg.StableWaitMs)*time.Millisecond)
		if err != nil {
			slog.Error("start watcher", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return watcher.Run(gctx) })

		// Startup scan catches files that arrived while the daemon was down.
		if _, err := mgr.Start(gctx, "startup"); err != nil {
			slog.Warn("startup scan", "error", err)
		}
	}

	srv := api.New(cfg.HTTPAddr, cfg, pool, mgr, backups, led, sched, version)
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Let in-flight sanitizations reach a terminal state before exit so no
	// backup is left without a committed or quarantined counterpart.
	pool.Close()
	slog.Info("aegis stopped")
}

// detectionParams maps the config block onto the pixel pass parameters.
func detectionParams(d config.Detection) sanitize.Params {
	return sanitize.Params{
		Enabled:          !d.Disabled,
		HueCenter:        d.HueCenter,
		HueTolerance:     d.HueTolerance,
		MinSaturation:    d.MinSaturation,
		MinValue:         d.MinValue,
		MedianBlurKernel: d.MedianBlurKernel,
		MorphKernel:      d.MorphKernel,
		MorphIterations:  d.MorphIterations,
	}
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
