// Package api exposes the daemon's status and control surface over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aegis/internal/api/handlers"
	"aegis/internal/backup"
	"aegis/internal/config"
	"aegis/internal/ledger"
	"aegis/internal/queue"
	"aegis/internal/scan"
	"aegis/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(
	addr string,
	cfg *config.Config,
	pool *queue.Pool,
	mgr *scan.Manager,
	backups *backup.Manager,
	led *ledger.Ledger,
	sched *scheduler.Scheduler,
	version string,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{Cfg: cfg, Pool: pool, Manager: mgr, Sched: sched, Version: version}
	scansH := &handlers.ScansHandler{Manager: mgr}
	archiveH := &handlers.ArchiveHandler{Manager: backups}
	ledgerH := &handlers.LedgerHandler{Ledger: led, Pool: pool}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/scans", scansH.Create)
		r.Get("/scans", scansH.List)
		r.Delete("/scans/current", scansH.Cancel)

		r.Get("/backups", archiveH.Backups)
		r.Get("/quarantine", archiveH.Quarantine)

		r.Get("/stats", ledgerH.Stats)
		r.Post("/ledger/clear-failed", ledgerH.ClearFailed)
	})

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r},
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
