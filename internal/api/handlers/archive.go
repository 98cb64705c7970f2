package handlers

import (
	"log/slog"
	"net/http"

	"aegis/internal/backup"
)

// ArchiveHandler serves the backup and quarantine listings.
type ArchiveHandler struct {
	Manager *backup.Manager
}

// Backups handles GET /api/backups.
func (h *ArchiveHandler) Backups(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	items, err := h.Manager.ListBackups(r.Context(), limit, offset)
	if err != nil {
		slog.Error("backups list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if items == nil {
		items = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, ListResponse[backup.Record]{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

// Quarantine handles GET /api/quarantine.
func (h *ArchiveHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	items, err := h.Manager.ListQuarantine(r.Context(), limit, offset)
	if err != nil {
		slog.Error("quarantine list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if items == nil {
		items = []backup.QuarantineEntry{}
	}
	writeJSON(w, http.StatusOK, ListResponse[backup.QuarantineEntry]{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}
