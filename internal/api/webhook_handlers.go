package api

import (
	"io"
	"net/http"
)

// maxWebhookBody caps inbound notification payloads.
const maxWebhookBody = 1 << 20

// Webhook handles any method on /webhook. A bare GET doubles as a
// relay status probe.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodGet && len(body) == 0 {
		writeJSON(w, http.StatusOK, h.Relay.Status())
		return
	}

	ack := h.Relay.Receive(r.Context(), r.Method, body, r.Header)
	writeJSON(w, http.StatusOK, ack)
}

// WebhookStatus handles GET /webhook/status.
func (h *Handler) WebhookStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Status())
}
