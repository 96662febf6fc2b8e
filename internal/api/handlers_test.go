package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"botforge/internal/breaker"
	"botforge/internal/bus"
	"botforge/internal/crypto"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/quota"
	"botforge/internal/stats"
	"botforge/internal/storage"
	"botforge/internal/supervisor"
	"botforge/internal/token"

	"golang.org/x/oauth2"
)

const testServiceToken = "service-token-for-tests"

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context, string, models.Platform) (string, error) {
	return "token", nil
}

func (staticTokens) RefreshOnAuthError(context.Context, string, models.Platform) error {
	return nil
}

type harness struct {
	t       *testing.T
	repo    *storage.Storage
	tenant  models.Tenant
	adapter *platform.FakeAdapter
	sup     *supervisor.Supervisor
	events  *bus.Bus
	handler *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := storage.NewStorage()
	tenant, err := repo.CreateTenant(storage.CreateTenantParams{DisplayName: "Streamer", Email: "s@example.com"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := repo.UpsertConnection(storage.UpsertConnectionParams{
		TenantID:         tenant.ID,
		Platform:         models.PlatformTwitch,
		PlatformUsername: "streamer",
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := repo.SaveBotConfig(models.BotConfig{
		TenantID:        tenant.ID,
		IntervalMode:    models.IntervalManual,
		ActivePlatforms: []models.Platform{models.PlatformTwitch},
		IsActive:        true,
	}); err != nil {
		t.Fatalf("save config: %v", err)
	}

	secret := []byte("0123456789abcdef0123456789abcdef")
	box, err := crypto.NewBox(secret)
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	signer, err := crypto.NewSigner(secret)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	adapter := platform.NewFakeAdapter(models.PlatformTwitch)
	events := bus.New(nil)
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil)
	sup := supervisor.New(supervisor.Config{
		Repo:     repo,
		Events:   events,
		Adapters: map[models.Platform]platform.Adapter{models.PlatformTwitch: adapter},
		Tokens:   staticTokens{},
		Quota:    tracker,
		Breaker:  breaker.New(nil),
		Rand:     rand.New(rand.NewSource(1)),
	})
	mgr := token.NewManager(repo, box, nil, []token.Provider{{
		Platform: models.PlatformTwitch,
		Config: oauth2.Config{
			ClientID:    "client",
			RedirectURL: "http://localhost/auth/twitch/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://id.twitch.tv/oauth2/authorize",
				TokenURL: "https://id.twitch.tv/oauth2/token",
			},
		},
	}})

	h := &harness{
		t:       t,
		repo:    repo,
		tenant:  tenant,
		adapter: adapter,
		sup:     sup,
		events:  events,
		handler: &Handler{
			Repo:         repo,
			Control:      sup,
			OAuth:        mgr,
			Stats:        stats.New(repo),
			Bus:          events,
			Signer:       signer,
			Quota:        tracker,
			ServiceToken: testServiceToken,
			PingInterval: 20 * time.Millisecond,
		},
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.StopBot(ctx, tenant.ID)
	})
	return h
}

func (h *harness) request(method, target string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	req.Header.Set("X-Tenant-ID", h.tenant.ID)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizeRequiresExactBearer(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/bot/status", nil)
	if err := h.handler.Authorize(req); err == nil {
		t.Fatal("missing header accepted")
	}
	req.Header.Set("Authorization", "Bearer wrong")
	if err := h.handler.Authorize(req); err == nil {
		t.Fatal("wrong token accepted")
	}
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	if err := h.handler.Authorize(req); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestBeginAuthRedirectsToProvider(t *testing.T) {
	h := newHarness(t)

	rec := h.request(http.MethodPost, "/auth/twitch", nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status %d, want 303: %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "https://id.twitch.tv/oauth2/authorize") {
		t.Fatalf("redirect location %q", location)
	}
	parsed, err := url.Parse(location)
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if parsed.Query().Get("state") == "" {
		t.Fatal("authorize URL carries no state")
	}
	if parsed.Query().Get("code_challenge") == "" {
		t.Fatal("authorize URL carries no PKCE challenge")
	}
}

func TestBeginAuthUnknownPlatform(t *testing.T) {
	h := newHarness(t)
	rec := h.request(http.MethodPost, "/auth/mixer", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestBeginAuthUnknownTenant(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/twitch?tenantId=ghost", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.request(http.MethodGet, "/auth/twitch/callback?state=never-issued&code=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCallbackProviderErrorRedirectsToSettings(t *testing.T) {
	h := newHarness(t)
	rec := h.request(http.MethodGet, "/auth/twitch/callback?error=access_denied", nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status %d, want 303", rec.Code)
	}
	if location := rec.Header().Get("Location"); location != "/settings?oauth=error" {
		t.Fatalf("redirect location %q", location)
	}
}

func TestDisconnectDisablesConnection(t *testing.T) {
	h := newHarness(t)

	rec := h.request(http.MethodDelete, "/auth/twitch/disconnect", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204: %s", rec.Code, rec.Body.String())
	}
	conn, ok := h.repo.GetConnection(h.tenant.ID, models.PlatformTwitch)
	if !ok || conn.Connected {
		t.Fatalf("connection after disconnect: %+v ok=%v", conn, ok)
	}

	rec = h.request(http.MethodDelete, "/auth/youtube/disconnect", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disconnect unknown connection status %d, want 404", rec.Code)
	}
}

func TestLifecycleRoundTrip(t *testing.T) {
	h := newHarness(t)

	rec := h.request(http.MethodPost, "/bot/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.request(http.MethodPost, "/bot/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double start status %d, want 409", rec.Code)
	}

	rec = h.request(http.MethodGet, "/bot/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var status struct {
		IsRunning bool   `json:"isRunning"`
		State     string `json:"state"`
		Quota     []struct {
			Platform string `json:"platform"`
			Limit    int    `json:"limit"`
		} `json:"quota"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.IsRunning || status.State != "running" {
		t.Fatalf("status payload %+v", status)
	}
	if len(status.Quota) != 3 {
		t.Fatalf("quota entries %d, want one per chat platform", len(status.Quota))
	}

	rec = h.request(http.MethodPost, "/bot/stop", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("stop status %d", rec.Code)
	}
	rec = h.request(http.MethodGet, "/bot/status", nil)
	var stopped struct {
		IsRunning bool `json:"isRunning"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode stopped status: %v", err)
	}
	if stopped.IsRunning {
		t.Fatal("bot still reported running after stop")
	}
}

func TestLifecycleMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rec := h.request(http.MethodGet, "/bot/start", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow header %q", allow)
	}
}

func TestPostManual(t *testing.T) {
	h := newHarness(t)

	rec := h.request(http.MethodPost, "/bot/post-manual", map[string]any{"fact": "hello chat"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("post-manual on stopped bot status %d, want 409", rec.Code)
	}

	if rec = h.request(http.MethodPost, "/bot/start", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("start: %s", rec.Body.String())
	}
	rec = h.request(http.MethodPost, "/bot/post-manual", map[string]any{"fact": "hello chat"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("post-manual status %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.request(http.MethodPost, "/bot/post-manual", map[string]any{
		"platforms": []string{"friendster"},
		"fact":      "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown platform status %d, want 400", rec.Code)
	}
}

func TestSessionsListAndFetch(t *testing.T) {
	h := newHarness(t)
	if rec := h.request(http.MethodPost, "/bot/start", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("start: %s", rec.Body.String())
	}

	rec := h.request(http.MethodGet, "/bot/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Sessions []struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
			Live bool `json:"live"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(list.Sessions) != 1 || !list.Sessions[0].Live {
		t.Fatalf("sessions payload %+v", list)
	}

	rec = h.request(http.MethodGet, "/bot/sessions/"+list.Sessions[0].Session.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch status %d", rec.Code)
	}
	rec = h.request(http.MethodGet, "/bot/sessions/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status %d, want 404", rec.Code)
	}
}

func TestGiveawayDraw(t *testing.T) {
	h := newHarness(t)
	giveaway, err := h.repo.CreateGiveaway(storage.CreateGiveawayParams{
		TenantID:   h.tenant.ID,
		Title:      "Key drop",
		Keyword:    "enter",
		MaxWinners: 1,
	})
	if err != nil {
		t.Fatalf("create giveaway: %v", err)
	}
	if _, err := h.repo.AddGiveawayEntry(models.GiveawayEntry{
		GiveawayID: giveaway.ID,
		Username:   "viewer",
		Platform:   models.PlatformTwitch,
	}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	rec := h.request(http.MethodPost, "/giveaways/"+giveaway.ID+"/draw", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("draw status %d: %s", rec.Code, rec.Body.String())
	}
	var drawn struct {
		Winners []models.GiveawayEntry `json:"winners"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &drawn); err != nil {
		t.Fatalf("decode winners: %v", err)
	}
	if len(drawn.Winners) != 1 || drawn.Winners[0].Username != "viewer" {
		t.Fatalf("winners %+v", drawn.Winners)
	}

	rec = h.request(http.MethodPost, "/giveaways/"+giveaway.ID+"/draw", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second draw status %d, want 404", rec.Code)
	}
}

func TestConnectionsList(t *testing.T) {
	h := newHarness(t)
	rec := h.request(http.MethodGet, "/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Connections []struct {
			Platform  string `json:"platform"`
			Connected bool   `json:"connected"`
		} `json:"connections"`
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Connections) != 1 || resp.Connections[0].Platform != "twitch" {
		t.Fatalf("connections %+v", resp.Connections)
	}
	if len(resp.Providers) != 1 || resp.Providers[0] != "twitch" {
		t.Fatalf("providers %+v", resp.Providers)
	}
	if strings.Contains(rec.Body.String(), "TokenCipher") || strings.Contains(rec.Body.String(), "accessToken") {
		t.Fatal("connection payload leaks token material")
	}
}

func TestTokenAlertRoutes(t *testing.T) {
	h := newHarness(t)
	alert, raised, err := h.repo.RaiseTokenAlert(models.TokenExpiryAlert{
		TenantID:       h.tenant.ID,
		Platform:       models.PlatformTwitch,
		AlertType:      models.Alert24hrWarning,
		TokenExpiresAt: time.Now().Add(23 * time.Hour),
	})
	if err != nil || !raised {
		t.Fatalf("raise alert: raised=%v err=%v", raised, err)
	}

	rec := h.request(http.MethodGet, "/tokens/alerts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var listed struct {
		Alerts []models.TokenExpiryAlert `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(listed.Alerts) != 1 || listed.Alerts[0].ID != alert.ID {
		t.Fatalf("alerts %+v", listed.Alerts)
	}

	rec = h.request(http.MethodPost, "/tokens/alerts/"+alert.ID+"/ack", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ack status %d", rec.Code)
	}
	if rec = h.request(http.MethodGet, "/tokens/alerts", nil); strings.Contains(rec.Body.String(), alert.ID) {
		t.Fatal("acknowledged alert still listed by default")
	}
	rec = h.request(http.MethodPost, "/tokens/alerts/missing/ack", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ack missing status %d, want 404", rec.Code)
	}
}

func TestTenantRequired(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/bot/status", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestStatusFromErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrValidation, http.StatusBadRequest},
		{models.ErrInvalidInterval, http.StatusBadRequest},
		{token.ErrReplayDetected, http.StatusBadRequest},
		{storage.ErrOAuthStateInvalid, http.StatusBadRequest},
		{crypto.ErrBadSignature, http.StatusUnauthorized},
		{models.ErrNotFound, http.StatusNotFound},
		{token.ErrNotConnected, http.StatusNotFound},
		{models.ErrConflict, http.StatusConflict},
		{storage.ErrDuplicateEntry, http.StatusConflict},
		{quota.ErrExceeded, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFromError(tc.err); got != tc.want {
			t.Errorf("statusFromError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
