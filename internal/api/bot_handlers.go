package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"botforge/internal/bot"
	"botforge/internal/models"
	"botforge/internal/stats"
	"botforge/internal/supervisor"
)

const (
	sessionHistoryLimit = 20
	overlayTokenTTL     = 12 * time.Hour
)

// routeBot handles the /bot/* lifecycle and status routes.
func (h *Handler) routeBot(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) == 0 {
		http.NotFound(w, r)
		return
	}
	switch segments[0] {
	case "start", "stop", "restart":
		if len(segments) != 1 {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h.lifecycle(w, r, segments[0])
	case "post-manual":
		if len(segments) != 1 {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h.postManual(w, r)
	case "status":
		if len(segments) != 1 {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h.botStatus(w, r)
	case "sessions":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		switch len(segments) {
		case 1:
			h.listSessions(w, r)
		case 2:
			h.getSession(w, r, segments[1])
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, action string) {
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	switch action {
	case "start":
		err = h.Control.StartBot(r.Context(), tenant)
	case "stop":
		err = h.Control.StopBot(r.Context(), tenant)
	case "restart":
		err = h.Control.RestartBot(r.Context(), tenant)
	}
	if err != nil {
		writeStatusError(w, err)
		return
	}
	h.logger().Info("bot lifecycle", "tenant", tenant, "action", action)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": action + " accepted"})
}

type postManualRequest struct {
	Platforms []string `json:"platforms"`
	Fact      string   `json:"fact"`
}

func (h *Handler) postManual(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	var req postManualRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	platforms := make([]models.Platform, 0, len(req.Platforms))
	for _, name := range req.Platforms {
		platform, ok := models.ParsePlatform(name)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown platform %q", name))
			return
		}
		platforms = append(platforms, platform)
	}
	if err := h.Control.PostNow(r.Context(), tenant, platforms, req.Fact); err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "post accepted"})
}

type quotaUsage struct {
	Platform    models.Platform `json:"platform"`
	Used        int64           `json:"used"`
	Limit       int             `json:"limit"`
	Utilisation float64         `json:"utilisation"`
}

type botStatusResponse struct {
	IsRunning    bool                     `json:"isRunning"`
	State        bot.State                `json:"state"`
	LastError    string                   `json:"lastError,omitempty"`
	LastPostedAt *time.Time               `json:"lastPostedAt,omitempty"`
	Sessions     []stats.SessionSummary   `json:"sessions"`
	Health       []models.PlatformHealth  `json:"health,omitempty"`
	Quota        []quotaUsage             `json:"quota"`
	Workers      []supervisor.SessionStatus `json:"liveSessions,omitempty"`
}

func (h *Handler) botStatus(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	status, err := h.Control.Status(tenant)
	if err != nil {
		writeStatusError(w, err)
		return
	}

	resp := botStatusResponse{
		IsRunning: status.State == bot.StateRunning,
		State:     status.State,
		LastError: status.LastError,
		Health:    status.Health,
		Workers:   status.Sessions,
		Sessions:  []stats.SessionSummary{},
	}
	if cfg, ok := h.Repo.GetBotConfig(tenant); ok {
		resp.LastPostedAt = cfg.LastPostedAt
	}
	for _, platform := range models.ChatPlatforms() {
		if summary, live := h.Stats.CurrentSession(tenant, platform); live {
			resp.Sessions = append(resp.Sessions, summary)
		}
		usage, err := h.Quota.Usage(r.Context(), platform)
		if err != nil {
			h.logger().Warn("quota usage read", "platform", platform, "error", err)
			continue
		}
		resp.Quota = append(resp.Quota, quotaUsage{
			Platform:    platform,
			Used:        usage.Used,
			Limit:       usage.Limit,
			Utilisation: usage.Utilisation,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if _, ok := h.Repo.GetTenant(tenant); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("tenant %s: %w", tenant, models.ErrNotFound))
		return
	}
	summaries := h.Stats.TenantSessions(tenant, sessionHistoryLimit)
	writeJSON(w, http.StatusOK, map[string][]stats.SessionSummary{"sessions": summaries})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id string) {
	summary, err := h.Stats.SessionSummary(id)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// routeGiveaways handles POST /giveaways/{id}/draw.
func (h *Handler) routeGiveaways(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) != 2 || segments[1] != "draw" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	tenant, err := tenantID(r)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	winners, err := h.Control.DrawGiveaway(tenant, segments[0])
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if winners == nil {
		winners = []models.GiveawayEntry{}
	}
	writeJSON(w, http.StatusOK, map[string][]models.GiveawayEntry{"winners": winners})
}

type overlayURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// routeOverlay handles GET /overlay/url: a pre-signed events URL the tenant
// can paste into a browser-source overlay without exposing the service token.
func (h *Handler) routeOverlay(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) != 1 || segments[0] != "url" {
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
	if _, ok := h.Repo.GetTenant(tenant); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("tenant %s: %w", tenant, models.ErrNotFound))
		return
	}
	expires := h.now().Add(overlayTokenTTL)
	signed := h.Signer.Sign(tenant, expires)
	writeJSON(w, http.StatusOK, overlayURLResponse{
		URL:       "/events?token=" + url.QueryEscape(signed),
		ExpiresAt: expires.UTC(),
	})
}
