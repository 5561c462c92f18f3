package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vidmesh/sentinel/internal/detector"
	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/gc"
	"github.com/vidmesh/sentinel/internal/launcher"
	"github.com/vidmesh/sentinel/internal/registry"
	"github.com/vidmesh/sentinel/internal/relay"
	"github.com/vidmesh/sentinel/internal/store"
)

// Handler handles control-plane HTTP requests.
type Handler struct {
	Store    store.SessionStore
	Registry *registry.Registry
	Detector *detector.Detector
	Launcher *launcher.Launcher
	GC       *gc.Collector
	Relay    *relay.Relay
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Session lifecycle
	mux.HandleFunc("POST /sessions", h.RegisterSession)
	mux.HandleFunc("GET /sessions", h.ListSessions)
	mux.HandleFunc("GET /sessions/stats", h.SessionStats)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("GET /sessions/{id}/exists", h.SessionExists)
	mux.HandleFunc("POST /sessions/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("PUT /sessions/{id}/status", h.SetStatus)
	mux.HandleFunc("PUT /sessions/{id}/path", h.SetRecordingPath)
	mux.HandleFunc("POST /sessions/{id}/stop", h.StopSession)
	mux.HandleFunc("POST /sessions/{id}/deactivate", h.DeactivateSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.RemoveSession)

	// Failover operations
	mux.HandleFunc("GET /failover/status", h.FailoverStatus)
	mux.HandleFunc("POST /failover/check", h.FailoverCheck)
	mux.HandleFunc("GET /failover/backups", h.ListBackups)
	mux.HandleFunc("DELETE /failover/backups/{id}", h.StopBackup)

	// Chunk garbage collector
	mux.HandleFunc("GET /gc/status", h.GCStatus)
	mux.HandleFunc("POST /gc/sweep", h.GCSweep)

	// Notification relay
	mux.HandleFunc("/webhook", h.Webhook)
	mux.HandleFunc("GET /webhook/status", h.WebhookStatus)

	mux.HandleFunc("GET /health", h.Health)
}

// sessionResponse is the API rendering of a session. Timestamps use the
// fleet-wide "yyyy-MM-dd HH:mm:ss" format.
type sessionResponse struct {
	ID                  string `json:"id"`
	ClientID            string `json:"client_id"`
	ClientHost          string `json:"client_host,omitempty"`
	Status              string `json:"status"`
	Active              bool   `json:"active"`
	CreatedAt           string `json:"created_at"`
	LastHeartbeat       string `json:"last_heartbeat"`
	LastChunk           string `json:"last_chunk,omitempty"`
	RecordingPath       string `json:"recording_path,omitempty"`
	Metadata            string `json:"metadata,omitempty"`
	BackupContainerID   string `json:"backup_container_id,omitempty"`
	BackupContainerName string `json:"backup_container_name,omitempty"`
}

func renderSession(sess *domain.Session) sessionResponse {
	return sessionResponse{
		ID:                  sess.ID,
		ClientID:            sess.ClientID,
		ClientHost:          sess.ClientHost,
		Status:              string(sess.Status),
		Active:              sess.Active,
		CreatedAt:           domain.FormatTime(sess.CreatedAt),
		LastHeartbeat:       domain.FormatTime(sess.LastHeartbeat),
		LastChunk:           sess.LastChunk,
		RecordingPath:       sess.RecordingPath,
		Metadata:            sess.Metadata,
		BackupContainerID:   sess.BackupContainerID,
		BackupContainerName: sess.BackupContainerName,
	}
}

func renderSessions(sessions []*domain.Session) []sessionResponse {
	out := make([]sessionResponse, len(sessions))
	for i, sess := range sessions {
		out[i] = renderSession(sess)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError is the single place domain errors become HTTP codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, launcher.ErrNotTracked):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, launcher.ErrAlreadyTracked):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, launcher.ErrRuntimeUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	storeUp := h.Store.Ping(r.Context()) == nil

	code := http.StatusOK
	status := "ok"
	if !storeUp {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"store":    storeUp,
		"detector": h.Detector.Status().Enabled,
		"launcher": h.Launcher.Status(),
		"gc":       h.GC != nil && h.GC.Enabled(),
		"relay":    h.Relay.Enabled(),
	})
}
