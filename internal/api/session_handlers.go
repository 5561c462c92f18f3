package api

import (
	"encoding/json"
	"net/http"

	"github.com/vidmesh/sentinel/internal/domain"
)

// RegisterSession handles POST /sessions.
func (h *Handler) RegisterSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		ClientID   string `json:"client_id"`
		ClientHost string `json:"client_host"`
		Metadata   string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	sess, err := h.Registry.Register(r.Context(), req.ID, req.ClientID, req.ClientHost, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderSession(sess))
}

// Heartbeat handles POST /sessions/{id}/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LastChunk string `json:"last_chunk"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	if err := h.Registry.Heartbeat(r.Context(), r.PathValue("id"), req.LastChunk); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetStatus handles PUT /sessions/{id}/status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	status := domain.Status(req.Status)
	if !status.IsValid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	if err := h.Registry.SetStatus(r.Context(), r.PathValue("id"), status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetRecordingPath handles PUT /sessions/{id}/path.
func (h *Handler) SetRecordingPath(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecordingPath string `json:"recording_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RecordingPath == "" {
		http.Error(w, "recording_path is required", http.StatusBadRequest)
		return
	}

	if err := h.Registry.SetRecordingPath(r.Context(), r.PathValue("id"), req.RecordingPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StopSession handles POST /sessions/{id}/stop.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeactivateSession handles POST /sessions/{id}/deactivate.
func (h *Handler) DeactivateSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.MarkInactive(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RemoveSession handles DELETE /sessions/{id}.
func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSession(sess))
}

// SessionExists handles GET /sessions/{id}/exists.
func (h *Handler) SessionExists(w http.ResponseWriter, r *http.Request) {
	exists, err := h.Registry.Exists(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// ListSessions handles GET /sessions with an optional ?state= filter.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*domain.Session
		err      error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "active":
		sessions, err = h.Registry.ListActive(r.Context())
	case "inactive":
		sessions, err = h.Registry.ListInactive(r.Context())
	case "":
		sessions, err = h.Registry.ListAll(r.Context())
	default:
		http.Error(w, "state must be active or inactive", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSessions(sessions))
}

// SessionStats handles GET /sessions/stats.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	active, err := h.Registry.CountActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	inactive, err := h.Registry.CountInactive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := h.Registry.CountAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"active":   active,
		"inactive": inactive,
		"total":    total,
	})
}
