package handlers

import (
	"net/http"
	"time"

	"aegis/internal/config"
	"aegis/internal/queue"
	"aegis/internal/scan"
	"aegis/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Cfg     *config.Config
	Pool    *queue.Pool
	Manager *scan.Manager
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version    string          `json:"version"`
	Folders    []folderInfo    `json:"folders"`
	Queue      queueInfo       `json:"queue"`
	ActiveScan *activeScanInfo `json:"active_scan"`
	Schedule   scheduleInfo    `json:"schedule"`
}

type folderInfo struct {
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

type queueInfo struct {
	Depth     int   `json:"depth"`
	InFlight  int   `json:"in_flight"`
	Committed int64 `json:"committed"`
	Failed    int64 `json:"failed"`
}

type activeScanInfo struct {
	ID          int64     `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	TriggeredBy string    `json:"triggered_by"`
	Progress    progress  `json:"progress"`
}

type progress struct {
	FilesSeen     int64 `json:"files_seen"`
	FilesEnqueued int64 `json:"files_enqueued"`
	FilesSkipped  int64 `json:"files_skipped"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the daemon status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:    h.Version,
		Folders:    []folderInfo{},
		ActiveScan: h.activeScan(),
	}
	for _, f := range h.Cfg.WatchFolders {
		resp.Folders = append(resp.Folders, folderInfo{Path: f.Path, Enabled: f.Enabled})
	}
	if h.Pool != nil {
		resp.Queue = queueInfo{
			Depth:     h.Pool.Depth(),
			InFlight:  h.Pool.InFlight(),
			Committed: h.Pool.Stats.Committed.Load(),
			Failed:    h.Pool.Stats.Failed.Load(),
		}
	}
	if h.Sched != nil {
		resp.Schedule = scheduleInfo{
			Cron:      h.Sched.CronExpr(),
			NextRunAt: h.Sched.NextRunAt(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) activeScan() *activeScanInfo {
	active := h.Manager.Active()
	if active == nil {
		return nil
	}
	return &activeScanInfo{
		ID:          active.ID,
		StartedAt:   active.StartedAt.UTC(),
		TriggeredBy: active.TriggeredBy,
		Progress: progress{
			FilesSeen:     active.Progress.FilesSeen.Load(),
			FilesEnqueued: active.Progress.FilesEnqueued.Load(),
			FilesSkipped:  active.Progress.FilesSkipped.Load(),
		},
	}
}
