package api

import (
	"encoding/json"
	"net/http"

	"github.com/vidmesh/sentinel/internal/gc"
)

// FailoverStatus handles GET /failover/status.
func (h *Handler) FailoverStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"detector": h.Detector.Status(),
		"launcher": h.Launcher.Status(),
		"backups":  h.Launcher.ListBackups(),
	})
}

// FailoverCheck handles POST /failover/check, a manually triggered
// detector pass.
func (h *Handler) FailoverCheck(w http.ResponseWriter, r *http.Request) {
	flagged := h.Detector.CheckOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"flagged": flagged})
}

// ListBackups handles GET /failover/backups.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Launcher.ListBackups())
}

// StopBackup handles DELETE /failover/backups/{id}.
func (h *Handler) StopBackup(w http.ResponseWriter, r *http.Request) {
	if err := h.Launcher.StopBackup(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// GCStatus handles GET /gc/status.
func (h *Handler) GCStatus(w http.ResponseWriter, r *http.Request) {
	if h.GC == nil {
		writeJSON(w, http.StatusOK, gc.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.GC.Status())
}

// GCSweep handles POST /gc/sweep, the operator-driven bulk chunk sweep.
func (h *Handler) GCSweep(w http.ResponseWriter, r *http.Request) {
	if h.GC == nil {
		http.Error(w, "chunk cleanup disabled", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}

	h.GC.SweepAll(r.Context(), req.IDs)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "accepted",
		"ids":    len(req.IDs),
	})
}
