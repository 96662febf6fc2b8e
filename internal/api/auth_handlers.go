package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"botforge/internal/models"
	"botforge/internal/token"
)

// routeAuth handles /auth/{platform}, /auth/{platform}/callback, and
// /auth/{platform}/disconnect.
func (h *Handler) routeAuth(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) == 0 || len(segments) > 2 {
		http.NotFound(w, r)
		return
	}
	platform, ok := models.ParsePlatform(segments[0])
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown platform %q", segments[0]))
		return
	}

	if len(segments) == 1 {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h.beginAuth(w, r, platform)
		return
	}

	switch segments[1] {
	case "callback":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h.finishAuth(w, r)
	case "disconnect":
		if r.Method != http.MethodDelete {
			w.Header().Set("Allow", http.MethodDelete)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h.disconnect(w, r, platform)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) beginAuth(w http.ResponseWriter, r *http.Request, platform models.Platform) {
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if _, ok := h.Repo.GetTenant(tenant); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("tenant %s: %w", tenant, models.ErrNotFound))
		return
	}
	authorizeURL, err := h.OAuth.Begin(r.Context(), tenant, platform, clientIP(r))
	if err != nil {
		h.logger().Error("oauth begin", "tenant", tenant, "platform", platform, "error", err)
		writeStatusError(w, err)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusSeeOther)
}

// finishAuth completes the provider round trip. The browser always lands
// back on the settings page; failures are flagged with a query parameter
// rather than a bare error page.
func (h *Handler) finishAuth(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		h.logger().Warn("oauth callback refused by provider", "error", providerErr)
		http.Redirect(w, r, h.settingsURL()+"?oauth=error", http.StatusSeeOther)
		return
	}
	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("state and code are required: %w", models.ErrValidation))
		return
	}
	conn, err := h.OAuth.Callback(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, token.ErrReplayDetected) {
			writeStatusError(w, err)
			return
		}
		h.logger().Error("oauth callback", "error", err)
		http.Redirect(w, r, h.settingsURL()+"?oauth=error", http.StatusSeeOther)
		return
	}
	redirect := h.settingsURL() + "?oauth=connected&platform=" + url.QueryEscape(string(conn.Platform))
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// disconnect disables the stored connection and nudges a running worker to
// drop the session. Credentials stay on disk until the tenant reconnects.
func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request, platform models.Platform) {
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if _, ok := h.Repo.GetConnection(tenant, platform); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s is not connected: %w", platform, models.ErrNotFound))
		return
	}
	if err := h.Repo.SetConnectionState(tenant, platform, false); err != nil {
		writeStatusError(w, err)
		return
	}
	h.Control.ReloadBot(tenant)
	h.logger().Info("platform disconnected", "tenant", tenant, "platform", platform)
	w.WriteHeader(http.StatusNoContent)
}

// routeConnections handles GET /connections: the tenant's connection list,
// token ciphertext excluded by the model's JSON tags.
func (h *Handler) routeConnections(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) != 0 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	connections := h.Repo.ListConnections(tenant)
	configured := h.OAuth.Providers()
	writeJSON(w, http.StatusOK, connectionsResponse{
		Connections: connections,
		Providers:   configured,
	})
}

type connectionsResponse struct {
	Connections []models.PlatformConnection `json:"connections"`
	Providers   []models.Platform           `json:"providers"`
}

// routeTokens handles GET /tokens/alerts and POST /tokens/alerts/{id}/ack.
func (h *Handler) routeTokens(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) == 0 || segments[0] != "alerts" {
		http.NotFound(w, r)
		return
	}
	switch len(segments) {
	case 1:
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		tenant, err := tenantID(r)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		includeAcked := r.URL.Query().Get("all") == "true"
		alerts := h.Repo.ListTokenAlerts(tenant, includeAcked)
		writeJSON(w, http.StatusOK, map[string][]models.TokenExpiryAlert{"alerts": alerts})
	case 3:
		if segments[2] != "ack" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		if err := h.Repo.AcknowledgeTokenAlert(segments[1]); err != nil {
			writeStatusError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}
