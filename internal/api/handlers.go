// Package api is the control plane: OAuth connect flows, bot lifecycle,
// status and analytics reads, and the SSE event feed. Routing is plain
// path dispatch; authentication is the service bearer token except where
// a signed overlay token stands in for it.
package api

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"botforge/internal/bus"
	"botforge/internal/crypto"
	"botforge/internal/models"
	"botforge/internal/quota"
	"botforge/internal/stats"
	"botforge/internal/storage"
	"botforge/internal/supervisor"
	"botforge/internal/token"
)

// Handler serves the control-plane routes. Every field except Logger, Now,
// and PingInterval is required.
type Handler struct {
	Repo         storage.Repository
	Control      *supervisor.Supervisor
	OAuth        *token.Manager
	Stats        *stats.Service
	Bus          *bus.Bus
	Signer       *crypto.Signer
	Quota        *quota.Tracker
	ServiceToken string
	SettingsURL  string
	Logger       *slog.Logger
	Now          func() time.Time
	// PingInterval spaces the SSE heartbeats. Zero means 30 seconds.
	PingInterval time.Duration
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) settingsURL() string {
	if h.SettingsURL != "" {
		return h.SettingsURL
	}
	return "/settings"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// statusFromError maps the runtime's sentinel errors onto HTTP statuses.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidInterval),
		errors.Is(err, storage.ErrOAuthStateInvalid), errors.Is(err, token.ErrReplayDetected):
		return http.StatusBadRequest
	case errors.Is(err, crypto.ErrBadSignature), errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound), errors.Is(err, token.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, storage.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, quota.ErrExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeStatusError(w http.ResponseWriter, err error) {
	writeError(w, statusFromError(err), err)
}

var errUnauthorized = errors.New("missing or invalid service token")

// Authorize checks the request's bearer token against the configured
// service token. The server middleware calls this for every protected route.
func (h *Handler) Authorize(r *http.Request) error {
	if h.ServiceToken == "" {
		return errors.New("service token not configured")
	}
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errUnauthorized
	}
	if !hmac.Equal([]byte(presented), []byte(h.ServiceToken)) {
		return errUnauthorized
	}
	return nil
}

// tenantID resolves the tenant a request acts for: tenantId query parameter
// first, then the X-Tenant-ID header.
func tenantID(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get("tenantId")); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("tenant id required: %w", models.ErrValidation)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Health reports liveness and whether the repository is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.Ping(r.Context()); err != nil {
		h.logger().Error("health check", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeHTTP dispatches the control-plane routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")

	switch segments[0] {
	case "auth":
		h.routeAuth(w, r, segments[1:])
	case "bot":
		h.routeBot(w, r, segments[1:])
	case "giveaways":
		h.routeGiveaways(w, r, segments[1:])
	case "connections":
		h.routeConnections(w, r, segments[1:])
	case "tokens":
		h.routeTokens(w, r, segments[1:])
	case "overlay":
		h.routeOverlay(w, r, segments[1:])
	case "events":
		if len(segments) != 1 {
			http.NotFound(w, r)
			return
		}
		h.Events(w, r)
	default:
		http.NotFound(w, r)
	}
}
