package storage

import (
	"context"
	"errors"
	"time"

	"botforge/internal/models"
)

// ErrOAuthStateInvalid is returned when an OAuth session is missing, already
// consumed, or expired. Callers cannot distinguish replay from expiry; both
// refuse the callback.
var ErrOAuthStateInvalid = errors.New("oauth state invalid, expired, or already used")

// ErrDuplicateEntry is returned when a uniqueness constraint would be
// violated (giveaway entries, platform connections).
var ErrDuplicateEntry = errors.New("duplicate entry")

// Repository is the Persistence Port: every durable entity the runtime
// touches goes through it. Implementations are safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error

	CreateTenant(params CreateTenantParams) (models.Tenant, error)
	GetTenant(id string) (models.Tenant, bool)
	ListTenants() []models.Tenant
	SoftDeleteTenant(id string) error

	UpsertConnection(params UpsertConnectionParams) (models.PlatformConnection, error)
	GetConnection(tenantID string, platform models.Platform) (models.PlatformConnection, bool)
	ListConnections(tenantID string) []models.PlatformConnection
	ListActiveConnections() []models.PlatformConnection
	SetConnectionState(tenantID string, platform models.Platform, connected bool) error
	UpdateConnectionTokens(tenantID string, platform models.Platform, access, refresh []byte, expiresAt time.Time) error
	DeleteConnection(tenantID string, platform models.Platform) error

	GetBotConfig(tenantID string) (models.BotConfig, bool)
	SaveBotConfig(cfg models.BotConfig) error
	SetLastPostedAt(tenantID string, at time.Time) error

	ListCommands(tenantID string) []models.CustomCommand
	GetCommandByName(tenantID, name string) (models.CustomCommand, bool)
	SaveCommand(cmd models.CustomCommand) (models.CustomCommand, error)
	RecordCommandUse(id string, at time.Time) (models.CustomCommand, error)

	ListModerationRules(tenantID string) []models.ModerationRule
	SaveModerationRule(rule models.ModerationRule) (models.ModerationRule, error)
	ListLinkWhitelist(tenantID string) []models.LinkWhitelistEntry
	AddLinkWhitelist(tenantID, domain string) (models.LinkWhitelistEntry, error)

	CreateGiveaway(params CreateGiveawayParams) (models.Giveaway, error)
	ActiveGiveaway(tenantID string) (models.Giveaway, bool)
	AddGiveawayEntry(entry models.GiveawayEntry) (models.GiveawayEntry, error)
	ListGiveawayEntries(giveawayID string) []models.GiveawayEntry
	CloseGiveaway(id string, status models.GiveawayStatus) (models.Giveaway, error)

	PutGameState(state models.GameState) error
	GetGameState(tenantID, username string, platform models.Platform) (models.GameState, bool)
	DeleteGameState(tenantID, username string, platform models.Platform) error

	GetCurrencySettings(tenantID string) (models.CurrencySettings, bool)
	SaveCurrencySettings(settings models.CurrencySettings) error
	ApplyTransaction(tx models.CurrencyTransaction) (models.UserBalance, error)
	GetBalance(tenantID, username string, platform models.Platform) (models.UserBalance, bool)
	TopBalances(tenantID string, limit int) []models.UserBalance
	ListTransactions(tenantID, username string, platform models.Platform) []models.CurrencyTransaction

	GetShoutoutSettings(tenantID string) (models.ShoutoutSettings, bool)
	SaveShoutoutSettings(settings models.ShoutoutSettings) error
	GetGameSettings(tenantID string) (models.GameSettings, bool)
	SaveGameSettings(settings models.GameSettings) error
	GetAlertSettings(tenantID string) (models.AlertSettings, bool)
	SaveAlertSettings(settings models.AlertSettings) error

	CreateStreamSession(tenantID string, platform models.Platform) (models.StreamSession, error)
	EndStreamSession(id string) error
	OpenStreamSession(tenantID string, platform models.Platform) (models.StreamSession, bool)
	GetStreamSession(id string) (models.StreamSession, bool)
	ListStreamSessions(tenantID string, limit int) []models.StreamSession
	AddViewerSnapshot(sessionID string, viewerCount int, at time.Time) (models.ViewerSnapshot, error)
	AddChatActivity(sessionID, username string, at time.Time) (models.ChatActivity, error)
	ListViewerSnapshots(sessionID string) []models.ViewerSnapshot

	GetPlatformHealth(platform models.Platform) (models.PlatformHealth, bool)
	SavePlatformHealth(health models.PlatformHealth) error

	EnqueueMessage(item models.MessageQueueItem) (models.MessageQueueItem, error)
	ClaimMessages(platform models.Platform, limit int, now time.Time) ([]models.MessageQueueItem, error)
	CompleteMessage(id string, success bool, errMessage string, now time.Time) (models.MessageQueueItem, error)
	ReleaseMessage(id string, scheduledFor time.Time) (models.MessageQueueItem, error)
	GetQueueItem(id string) (models.MessageQueueItem, bool)

	AppendTokenRotation(rotation models.TokenRotation) (models.TokenRotation, error)
	ListTokenRotations(tenantID string, platform models.Platform, limit int) []models.TokenRotation
	RaiseTokenAlert(alert models.TokenExpiryAlert) (models.TokenExpiryAlert, bool, error)
	AcknowledgeTokenAlert(id string) error
	ListTokenAlerts(tenantID string, includeAcknowledged bool) []models.TokenExpiryAlert

	PutOAuthSession(session models.OAuthSession) error
	ConsumeOAuthSession(state string, now time.Time) (models.OAuthSession, error)
	PurgeExpiredOAuthSessions(now time.Time) int
}

type CreateTenantParams struct {
	DisplayName string
	Email       string
}

type UpsertConnectionParams struct {
	TenantID           string
	Platform           models.Platform
	PlatformUserID     string
	PlatformUsername   string
	AccessTokenCipher  []byte
	RefreshTokenCipher []byte
	TokenExpiresAt     time.Time
	ConnectionData     map[string]string
}

type CreateGiveawayParams struct {
	TenantID             string
	Title                string
	Keyword              string
	RequiresSubscription bool
	MaxWinners           int
}

var _ Repository = (*Storage)(nil)
