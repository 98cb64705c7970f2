package handlers

import (
	"log/slog"
	"net/http"

	"aegis/internal/ledger"
	"aegis/internal/queue"
)

// LedgerHandler serves processing statistics and the failed-record reset.
type LedgerHandler struct {
	Ledger *ledger.Ledger
	Pool   *queue.Pool
}

type statsResponse struct {
	Ledger  ledger.Stats `json:"ledger"`
	Runtime runtimeStats `json:"runtime"`
}

type runtimeStats struct {
	Submitted     int64 `json:"submitted"`
	Accepted      int64 `json:"accepted"`
	LedgerSkips   int64 `json:"ledger_skips"`
	InFlightSkips int64 `json:"in_flight_skips"`
	Committed     int64 `json:"committed"`
	Failed        int64 `json:"failed"`
	Vanished      int64 `json:"vanished"`
}

// Stats handles GET /api/stats.
func (h *LedgerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ls, err := h.Ledger.Stats(r.Context())
	if err != nil {
		slog.Error("stats: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	resp := statsResponse{Ledger: ls}
	if h.Pool != nil {
		s := h.Pool.Stats
		resp.Runtime = runtimeStats{
			Submitted:     s.Submitted.Load(),
			Accepted:      s.Accepted.Load(),
			LedgerSkips:   s.LedgerSkips.Load(),
			InFlightSkips: s.InFlightSkips.Load(),
			Committed:     s.Committed.Load(),
			Failed:        s.Failed.Load(),
			Vanished:      s.Vanished.Load(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearFailed handles POST /api/ledger/clear-failed. Dropping the failed
// rows lets a later scan retry files whose failure cause has been fixed.
func (h *LedgerHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.ClearFailed(r.Context())
	if err != nil {
		slog.Error("ledger: clear failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
