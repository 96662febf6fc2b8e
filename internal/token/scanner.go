package token

import (
	"context"
	"time"

	"botforge/internal/models"
)

const (
	scanInterval  = 5 * time.Minute
	purgeInterval = 15 * time.Minute
)

// ScanExpiries walks every active connection once and raises the expiry
// alerts that apply. Alerts are idempotent while unacknowledged, so a scan
// every few minutes never duplicates them. Connections inside the one hour
// window also get a proactive refresh.
func (m *Manager) ScanExpiries(ctx context.Context) {
	now := m.now().UTC()
	for _, conn := range m.repo.ListActiveConnections() {
		if conn.TokenExpiresAt.IsZero() {
			continue
		}
		remaining := conn.TokenExpiresAt.Sub(now)
		switch {
		case remaining <= 0:
			m.raiseAlert(conn, models.AlertExpired)
		case remaining <= time.Hour:
			m.raiseAlert(conn, models.Alert1hrWarning)
		case remaining <= 24*time.Hour:
			m.raiseAlert(conn, models.Alert24hrWarning)
		}
		if remaining <= time.Hour && len(conn.RefreshTokenCipher) > 0 {
			if err := m.Refresh(ctx, conn.TenantID, conn.Platform, models.RotationExpiryWarning); err != nil {
				m.logger.Warn("proactive refresh failed",
					"tenant", conn.TenantID, "platform", conn.Platform, "error", err)
			}
		}
	}
}

func (m *Manager) raiseAlert(conn models.PlatformConnection, kind models.AlertType) {
	alert, raised, err := m.repo.RaiseTokenAlert(models.TokenExpiryAlert{
		TenantID:       conn.TenantID,
		Platform:       conn.Platform,
		AlertType:      kind,
		TokenExpiresAt: conn.TokenExpiresAt,
	})
	if err != nil {
		m.logger.Error("raise expiry alert", "tenant", conn.TenantID, "platform", conn.Platform, "error", err)
		return
	}
	if raised {
		m.logger.Info("token expiry alert raised",
			"tenant", conn.TenantID, "platform", conn.Platform, "type", kind, "expires", conn.TokenExpiresAt)
		if m.OnAlert != nil {
			m.OnAlert(alert)
		}
	}
}

// Run drives the periodic expiry scan and oauth session purge until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	scan := time.NewTicker(scanInterval)
	purge := time.NewTicker(purgeInterval)
	defer scan.Stop()
	defer purge.Stop()

	m.ScanExpiries(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-scan.C:
			m.ScanExpiries(ctx)
		case <-purge.C:
			if n := m.repo.PurgeExpiredOAuthSessions(m.now()); n > 0 {
				m.logger.Debug("purged expired oauth sessions", "count", n)
			}
		}
	}
}
