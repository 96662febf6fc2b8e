package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultPingInterval = 30 * time.Second

// Events streams the tenant's runtime events as server-sent events. Callers
// authenticate with either the service bearer token plus a tenant id, or a
// signed overlay token carrying the tenant inside it.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	tenant, err := h.eventsTenant(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	events, cancel := h.Bus.Subscribe(tenant)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := h.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	logger := h.logger().With("tenant", tenant)
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Error("encode event", "type", event.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventsTenant resolves who the stream is for. A signed token wins so
// overlays never need the service credential.
func (h *Handler) eventsTenant(r *http.Request) (string, error) {
	if signed := r.URL.Query().Get("token"); signed != "" {
		return h.Signer.Verify(signed, h.now())
	}
	if err := h.Authorize(r); err != nil {
		return "", fmt.Errorf("event stream: %w", err)
	}
	return tenantID(r)
}
