package models

import (
	"strings"
	"time"
)

// Platform identifies one of the supported upstream networks.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformKick    Platform = "kick"
	PlatformSpotify Platform = "spotify"
)

// ChatPlatforms lists the platforms that carry live chat. Spotify is
// credential-only (now-playing lookups) and never joins chat.
func ChatPlatforms() []Platform {
	return []Platform{PlatformTwitch, PlatformYouTube, PlatformKick}
}

// ParsePlatform normalises a platform name, reporting whether it is known.
func ParsePlatform(name string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(name))) {
	case PlatformTwitch:
		return PlatformTwitch, true
	case PlatformYouTube:
		return PlatformYouTube, true
	case PlatformKick:
		return PlatformKick, true
	case PlatformSpotify:
		return PlatformSpotify, true
	default:
		return "", false
	}
}

type Tenant struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// PlatformConnection stores a tenant's credentials for one platform. Token
// material is always ciphertext at rest; plaintext only ever lives on the
// stack of the code performing a request.
type PlatformConnection struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenantId"`
	Platform           Platform          `json:"platform"`
	PlatformUserID     string            `json:"platformUserId"`
	PlatformUsername   string            `json:"platformUsername"`
	AccessTokenCipher  []byte            `json:"-"`
	RefreshTokenCipher []byte            `json:"-"`
	TokenExpiresAt     time.Time         `json:"tokenExpiresAt"`
	Connected          bool              `json:"connected"`
	LastConnectedAt    *time.Time        `json:"lastConnectedAt,omitempty"`
	ConnectionData     map[string]string `json:"connectionData,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

type IntervalMode string

const (
	IntervalManual IntervalMode = "manual"
	IntervalFixed  IntervalMode = "fixed"
	IntervalRandom IntervalMode = "random"
)

type BotConfig struct {
	TenantID             string       `json:"tenantId"`
	IntervalMode         IntervalMode `json:"intervalMode"`
	FixedIntervalMinutes int          `json:"fixedIntervalMinutes"`
	RandomMinMinutes     int          `json:"randomMinMinutes"`
	RandomMaxMinutes     int          `json:"randomMaxMinutes"`
	AIModel              string       `json:"aiModel"`
	AIPromptTemplate     string       `json:"aiPromptTemplate"`
	// AITemperature is scaled by ten: 0..20 maps to 0.0..2.0.
	AITemperature   int        `json:"aiTemperature"`
	ChatKeywords    []string   `json:"chatKeywords"`
	BannedWords     []string   `json:"bannedWords"`
	ActivePlatforms []Platform `json:"activePlatforms"`
	IsActive        bool       `json:"isActive"`
	LastPostedAt    *time.Time `json:"lastPostedAt,omitempty"`
}

// Validate enforces the interval invariants before a worker accepts the
// configuration.
func (c BotConfig) Validate() error {
	if c.IntervalMode == IntervalRandom {
		if c.RandomMinMinutes <= 0 || c.RandomMaxMinutes <= 0 {
			return ErrInvalidInterval
		}
		if c.RandomMinMinutes > c.RandomMaxMinutes {
			return ErrInvalidInterval
		}
	}
	if c.IntervalMode == IntervalFixed && c.FixedIntervalMinutes <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

type PermissionLevel string

const (
	PermissionEveryone    PermissionLevel = "everyone"
	PermissionSubscriber  PermissionLevel = "subscriber"
	PermissionModerator   PermissionLevel = "moderator"
	PermissionBroadcaster PermissionLevel = "broadcaster"
)

// CustomCommand names are case-insensitive and carry the leading "!".
// Cooldowns are per tenant, not per chat user.
type CustomCommand struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Name            string          `json:"name"`
	Response        string          `json:"response"`
	CooldownSeconds int             `json:"cooldownSeconds"`
	IsActive        bool            `json:"isActive"`
	UsageCount      int             `json:"usageCount"`
	PermissionLevel PermissionLevel `json:"permissionLevel"`
	LastUsedAt      *time.Time      `json:"lastUsedAt,omitempty"`
}

type RuleType string

const (
	RuleToxic   RuleType = "toxic"
	RuleSpam    RuleType = "spam"
	RuleLinks   RuleType = "links"
	RuleCaps    RuleType = "caps"
	RuleSymbols RuleType = "symbols"
)

type RuleAction string

const (
	ActionAllow   RuleAction = "allow"
	ActionWarn    RuleAction = "warn"
	ActionTimeout RuleAction = "timeout"
	ActionBan     RuleAction = "ban"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AtLeast reports whether s is at or above the threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.rank() >= threshold.rank()
}

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

type ModerationRule struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	RuleType          RuleType   `json:"ruleType"`
	Enabled           bool       `json:"enabled"`
	Action            RuleAction `json:"action"`
	SeverityThreshold Severity   `json:"severityThreshold"`
	TimeoutSeconds    int        `json:"timeoutSeconds"`
}

type LinkWhitelistEntry struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Domain   string `json:"domain"`
}

type GiveawayStatus string

const (
	GiveawayActive    GiveawayStatus = "active"
	GiveawayDrawn     GiveawayStatus = "drawn"
	GiveawayCancelled GiveawayStatus = "cancelled"
)

type Giveaway struct {
	ID                   string         `json:"id"`
	TenantID             string         `json:"tenantId"`
	Title                string         `json:"title"`
	Keyword              string         `json:"keyword"`
	RequiresSubscription bool           `json:"requiresSubscription"`
	MaxWinners           int            `json:"maxWinners"`
	Status               GiveawayStatus `json:"status"`
	StartedAt            time.Time      `json:"startedAt"`
	EndedAt              *time.Time     `json:"endedAt,omitempty"`
}

type GiveawayEntry struct {
	ID           string    `json:"id"`
	GiveawayID   string    `json:"giveawayId"`
	Username     string    `json:"username"`
	Platform     Platform  `json:"platform"`
	IsSubscriber bool      `json:"isSubscriber"`
	EnteredAt    time.Time `json:"enteredAt"`
}

// GameState holds per-(tenant, username, platform) transient trivia or duel
// state. Expired questions never match answers.
type GameState struct {
	TenantID  string    `json:"tenantId"`
	Username  string    `json:"username"`
	Platform  Platform  `json:"platform"`
	Game      string    `json:"game"`
	Question  string    `json:"question,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Points    int       `json:"points,omitempty"`
	Opponent  string    `json:"opponent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CurrencySettings struct {
	TenantID       string `json:"tenantId"`
	Enabled        bool   `json:"enabled"`
	CurrencyName   string `json:"currencyName"`
	EarnPerMessage int    `json:"earnPerMessage"`
	EarnPerMinute  int    `json:"earnPerMinute"`
}

type UserBalance struct {
	TenantID  string    `json:"tenantId"`
	Username  string    `json:"username"`
	Platform  Platform  `json:"platform"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TransactionKind string

const (
	TxEarn   TransactionKind = "earn"
	TxSpend  TransactionKind = "spend"
	TxAward  TransactionKind = "award"
	TxGamble TransactionKind = "gamble"
)

// CurrencyTransaction is an append-only ledger row. A user's balance must
// always equal the signed sum of their transactions.
type CurrencyTransaction struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Username  string          `json:"username"`
	Platform  Platform        `json:"platform"`
	Delta     int64           `json:"delta"`
	Reason    string          `json:"reason"`
	Kind      TransactionKind `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
}

type ShoutoutSettings struct {
	TenantID    string `json:"tenantId"`
	Enabled     bool   `json:"enabled"`
	AutoOnRaid  bool   `json:"autoOnRaid"`
	Template    string `json:"template"`
	MinRaidSize int    `json:"minRaidSize"`
}

type GameSettings struct {
	TenantID        string `json:"tenantId"`
	Enabled         bool   `json:"enabled"`
	CooldownMinutes int    `json:"cooldownMinutes"`
	TriviaPoints    int    `json:"triviaPoints"`
}

type AlertSettings struct {
	TenantID     string `json:"tenantId"`
	OverlayToken string `json:"overlayToken,omitempty"`
	NotifyEmail  string `json:"notifyEmail,omitempty"`
}

type StreamSession struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	Platform       Platform   `json:"platform"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	PeakViewers    int        `json:"peakViewers"`
	TotalMessages  int        `json:"totalMessages"`
	UniqueChatters int        `json:"uniqueChatters"`
}

type ViewerSnapshot struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	ViewerCount int       `json:"viewerCount"`
	Timestamp   time.Time `json:"timestamp"`
}

type ChatActivity struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type PlatformHealth struct {
	Platform          Platform     `json:"platform"`
	CircuitState      CircuitState `json:"circuitState"`
	FailureCount      int          `json:"failureCount"`
	SuccessCount      int          `json:"successCount"`
	IsThrottled       bool         `json:"isThrottled"`
	ThrottledUntil    *time.Time   `json:"throttledUntil,omitempty"`
	AvgResponseTimeMs float64      `json:"avgResponseTimeMs"`
	RequestsToday     int          `json:"requestsToday"`
	ErrorsToday       int          `json:"errorsToday"`
	LastSuccessAt     *time.Time   `json:"lastSuccessAt,omitempty"`
	LastFailureAt     *time.Time   `json:"lastFailureAt,omitempty"`
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

type MessageQueueItem struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	Platform     Platform          `json:"platform"`
	MessageType  string            `json:"messageType"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       QueueStatus       `json:"status"`
	Priority     int               `json:"priority"`
	ScheduledFor time.Time         `json:"scheduledFor"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	LastError    string            `json:"lastError,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ProcessedAt  *time.Time        `json:"processedAt,omitempty"`
}

type RotationType string

const (
	RotationScheduled     RotationType = "scheduled"
	RotationOnError       RotationType = "on_error"
	RotationManual        RotationType = "manual"
	RotationExpiryWarning RotationType = "expiry_warning"
)

type TokenRotation struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenantId"`
	Platform          Platform     `json:"platform"`
	RotationType      RotationType `json:"rotationType"`
	PreviousExpiresAt *time.Time   `json:"previousExpiresAt,omitempty"`
	NewExpiresAt      *time.Time   `json:"newExpiresAt,omitempty"`
	Success           bool         `json:"success"`
	ErrorMessage      string       `json:"errorMessage,omitempty"`
	RotatedAt         time.Time    `json:"rotatedAt"`
}

type AlertType string

const (
	Alert24hrWarning   AlertType = "24hr_warning"
	Alert1hrWarning    AlertType = "1hr_warning"
	AlertExpired       AlertType = "expired"
	AlertRefreshFailed AlertType = "refresh_failed"
)

type TokenExpiryAlert struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	Platform       Platform  `json:"platform"`
	AlertType      AlertType `json:"alertType"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
	Notified       bool      `json:"notified"`
	Acknowledged   bool      `json:"acknowledged"`
	CreatedAt      time.Time `json:"createdAt"`
}

// OAuthSession is the short-lived state row guarding an OAuth round trip.
// Consumption is single-use and atomic.
type OAuthSession struct {
	State        string     `json:"state"`
	TenantID     string     `json:"tenantId"`
	Platform     Platform   `json:"platform"`
	CodeVerifier string     `json:"-"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	UsedAt       *time.Time `json:"usedAt,omitempty"`
	IPAddress    string     `json:"ipAddress,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ChatTags is the concrete translation of the loosely-typed badge metadata
// chat networks attach to messages.
type ChatTags struct {
	IsSubscriber  bool            `json:"isSubscriber"`
	IsModerator   bool            `json:"isModerator"`
	IsBroadcaster bool            `json:"isBroadcaster"`
	Badges        map[string]bool `json:"badges,omitempty"`
}

// Allows reports whether the tag set satisfies the given permission level.
func (t ChatTags) Allows(level PermissionLevel) bool {
	switch level {
	case PermissionBroadcaster:
		return t.IsBroadcaster
	case PermissionModerator:
		return t.IsModerator || t.IsBroadcaster
	case PermissionSubscriber:
		return t.IsSubscriber || t.IsModerator || t.IsBroadcaster
	default:
		return true
	}
}
