// Package token owns the OAuth lifecycle for platform credentials: the
// authorization round trip, sealed storage, proactive refresh, and expiry
// alerting.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"botforge/internal/crypto"
	"botforge/internal/models"
	"botforge/internal/storage"

	"golang.org/x/oauth2"
)

const (
	// stateTTL bounds the whole authorization round trip.
	stateTTL = 10 * time.Minute
	// stateBytes gives 256 bits of state entropy.
	stateBytes = 32
	// refreshSkew refreshes tokens this close to expiry.
	refreshSkew = 5 * time.Minute
)

var (
	// ErrReplayDetected is returned when an OAuth callback presents a state
	// that was already consumed or never issued.
	ErrReplayDetected = errors.New("oauth state replayed or unknown")
	// ErrNotConnected is returned when a tenant has no stored credentials
	// for the platform.
	ErrNotConnected = errors.New("platform not connected")
	// ErrRefreshRejected is returned when the platform permanently refused
	// the refresh token. The connection is disconnected as a side effect.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Manager drives OAuth flows for every configured platform.
type Manager struct {
	repo      storage.Repository
	box       *crypto.Box
	logger    *slog.Logger
	client    *http.Client
	now       func() time.Time
	providers map[models.Platform]Provider

	// OnDisconnect fires after a connection is disabled because its refresh
	// token was rejected.
	OnDisconnect func(tenantID string, platform models.Platform)

	// OnAlert fires when an expiry alert is first raised.
	OnAlert func(alert models.TokenExpiryAlert)

	mu sync.Mutex
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

func NewManager(repo storage.Repository, box *crypto.Box, logger *slog.Logger, providers []Provider, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		repo:      repo,
		box:       box,
		logger:    logger.With("component", "token"),
		client:    &http.Client{Timeout: 15 * time.Second},
		now:       time.Now,
		providers: make(map[models.Platform]Provider, len(providers)),
	}
	for _, p := range providers {
		m.providers[p.Platform] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Providers lists the platforms with OAuth credentials configured.
func (m *Manager) Providers() []models.Platform {
	out := make([]models.Platform, 0, len(m.providers))
	for platform := range m.providers {
		out = append(out, platform)
	}
	return out
}

// Begin starts an authorization round trip and returns the URL to send the
// tenant's browser to.
func (m *Manager) Begin(_ context.Context, tenantID string, platform models.Platform, clientIP string) (string, error) {
	provider, ok := m.providers[platform]
	if !ok {
		return "", fmt.Errorf("platform %s has no oauth provider configured", platform)
	}
	state, err := crypto.RandomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	now := m.now().UTC()
	if err := m.repo.PutOAuthSession(models.OAuthSession{
		State:        state,
		TenantID:     tenantID,
		Platform:     platform,
		CodeVerifier: verifier,
		ExpiresAt:    now.Add(stateTTL),
		IPAddress:    clientIP,
		CreatedAt:    now,
	}); err != nil {
		return "", fmt.Errorf("store oauth session: %w", err)
	}
	url := provider.Config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier))
	m.logger.Info("oauth flow started", "tenant", tenantID, "platform", platform)
	return url, nil
}

// Callback completes the round trip. The state row is consumed atomically,
// so a replayed or raced callback fails with ErrReplayDetected.
func (m *Manager) Callback(ctx context.Context, state, code string) (models.PlatformConnection, error) {
	session, err := m.repo.ConsumeOAuthSession(state, m.now())
	if err != nil {
		if errors.Is(err, storage.ErrOAuthStateInvalid) {
			return models.PlatformConnection{}, ErrReplayDetected
		}
		return models.PlatformConnection{}, fmt.Errorf("consume oauth session: %w", err)
	}
	provider, ok := m.providers[session.Platform]
	if !ok {
		return models.PlatformConnection{}, fmt.Errorf("platform %s has no oauth provider configured", session.Platform)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := provider.Config.Exchange(ctx, code, oauth2.VerifierOption(session.CodeVerifier))
	if err != nil {
		m.logger.Warn("oauth code exchange failed", "tenant", session.TenantID, "platform", session.Platform, "error", err)
		return models.PlatformConnection{}, fmt.Errorf("exchange code: %w", err)
	}

	accessCipher, err := m.box.SealString(tok.AccessToken)
	if err != nil {
		return models.PlatformConnection{}, fmt.Errorf("seal access token: %w", err)
	}
	var refreshCipher []byte
	if tok.RefreshToken != "" {
		if refreshCipher, err = m.box.SealString(tok.RefreshToken); err != nil {
			return models.PlatformConnection{}, fmt.Errorf("seal refresh token: %w", err)
		}
	}

	conn, err := m.repo.UpsertConnection(storage.UpsertConnectionParams{
		TenantID:           session.TenantID,
		Platform:           session.Platform,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		TokenExpiresAt:     tok.Expiry.UTC(),
	})
	if err != nil {
		return models.PlatformConnection{}, fmt.Errorf("store connection: %w", err)
	}
	m.logger.Info("platform connected", "tenant", session.TenantID, "platform", session.Platform, "expires", tok.Expiry)
	return conn, nil
}

// AccessToken returns the plaintext access token for a connection,
// refreshing first when expiry is near. The plaintext never persists.
func (m *Manager) AccessToken(ctx context.Context, tenantID string, platform models.Platform) (string, error) {
	conn, ok := m.repo.GetConnection(tenantID, platform)
	if !ok || !conn.Connected {
		return "", ErrNotConnected
	}
	if m.now().Add(refreshSkew).After(conn.TokenExpiresAt) {
		if err := m.Refresh(ctx, tenantID, platform, models.RotationScheduled); err != nil {
			return "", err
		}
		if conn, ok = m.repo.GetConnection(tenantID, platform); !ok {
			return "", ErrNotConnected
		}
	}
	return m.box.OpenString(conn.AccessTokenCipher)
}

// RefreshOnAuthError rotates a connection's tokens after the platform
// rejected the access token mid-session. Exactly one rotation attempt; the
// caller decides what to do with the call the platform refused.
func (m *Manager) RefreshOnAuthError(ctx context.Context, tenantID string, platform models.Platform) error {
	return m.Refresh(ctx, tenantID, platform, models.RotationOnError)
}

// Refresh rotates a connection's tokens using its refresh token. Serialized
// so concurrent callers cannot double-spend a one-time refresh token.
func (m *Manager) Refresh(ctx context.Context, tenantID string, platform models.Platform, kind models.RotationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.repo.GetConnection(tenantID, platform)
	if !ok {
		return ErrNotConnected
	}
	provider, okp := m.providers[platform]
	if !okp {
		return fmt.Errorf("platform %s has no oauth provider configured", platform)
	}
	if len(conn.RefreshTokenCipher) == 0 {
		return m.rejectRefresh(conn, kind, "no refresh token stored")
	}
	refreshToken, err := m.box.OpenString(conn.RefreshTokenCipher)
	if err != nil {
		return fmt.Errorf("open refresh token: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := provider.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			return m.rejectRefresh(conn, kind, err.Error())
		}
		m.recordRotation(conn, kind, nil, false, err.Error())
		return fmt.Errorf("refresh token %s/%s: %w", tenantID, platform, err)
	}

	accessCipher, err := m.box.SealString(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	var refreshCipher []byte
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if refreshCipher, err = m.box.SealString(tok.RefreshToken); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	expiry := tok.Expiry.UTC()
	if err := m.repo.UpdateConnectionTokens(tenantID, platform, accessCipher, refreshCipher, expiry); err != nil {
		return fmt.Errorf("store rotated tokens: %w", err)
	}
	m.recordRotation(conn, kind, &expiry, true, "")
	m.logger.Info("token rotated", "tenant", tenantID, "platform", platform, "kind", kind, "expires", expiry)
	return nil
}

// rejectRefresh handles a permanently dead refresh token: disconnect, alert,
// record the failed rotation.
func (m *Manager) rejectRefresh(conn models.PlatformConnection, kind models.RotationType, reason string) error {
	m.recordRotation(conn, kind, nil, false, reason)
	if err := m.repo.SetConnectionState(conn.TenantID, conn.Platform, false); err != nil {
		m.logger.Error("disconnect after refresh rejection failed", "tenant", conn.TenantID, "platform", conn.Platform, "error", err)
	}
	if _, _, err := m.repo.RaiseTokenAlert(models.TokenExpiryAlert{
		TenantID:       conn.TenantID,
		Platform:       conn.Platform,
		AlertType:      models.AlertRefreshFailed,
		TokenExpiresAt: conn.TokenExpiresAt,
	}); err != nil {
		m.logger.Error("raise refresh_failed alert", "tenant", conn.TenantID, "platform", conn.Platform, "error", err)
	}
	if m.OnDisconnect != nil {
		m.OnDisconnect(conn.TenantID, conn.Platform)
	}
	m.logger.Warn("refresh token rejected, connection disabled",
		"tenant", conn.TenantID, "platform", conn.Platform, "reason", reason)
	return fmt.Errorf("%w: %s", ErrRefreshRejected, reason)
}

func (m *Manager) recordRotation(conn models.PlatformConnection, kind models.RotationType, newExpiry *time.Time, success bool, errMsg string) {
	prev := conn.TokenExpiresAt
	rotation := models.TokenRotation{
		TenantID:     conn.TenantID,
		Platform:     conn.Platform,
		RotationType: kind,
		Success:      success,
		ErrorMessage: errMsg,
		RotatedAt:    m.now().UTC(),
		NewExpiresAt: newExpiry,
	}
	if !prev.IsZero() {
		rotation.PreviousExpiresAt = &prev
	}
	if _, err := m.repo.AppendTokenRotation(rotation); err != nil {
		m.logger.Error("record rotation", "tenant", conn.TenantID, "platform", conn.Platform, "error", err)
	}
}

// isPermanentRefreshError reports whether the provider permanently refused
// the grant, as opposed to a transient transport or 5xx failure.
func isPermanentRefreshError(err error) bool {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		return false
	}
	switch retrieve.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return retrieve.Response != nil &&
		(retrieve.Response.StatusCode == http.StatusUnauthorized || retrieve.Response.StatusCode == http.StatusForbidden)
}
