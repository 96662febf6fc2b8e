package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"botforge/internal/models"

	"github.com/google/uuid"
)

// Storage is the in-memory Repository implementation. It backs tests and
// single-process deployments; the Postgres repository is its durable twin.
type Storage struct {
	mu  sync.RWMutex
	now func() time.Time

	tenants     map[string]models.Tenant
	connections map[string]models.PlatformConnection // key: tenantID|platform
	botConfigs  map[string]models.BotConfig
	commands    map[string]models.CustomCommand
	rules       map[string]models.ModerationRule
	whitelist   map[string]models.LinkWhitelistEntry
	giveaways   map[string]models.Giveaway
	entries     map[string]models.GiveawayEntry
	gameStates  map[string]models.GameState // key: tenantID|username|platform
	currency    map[string]models.CurrencySettings
	balances    map[string]models.UserBalance // key: tenantID|username|platform
	ledger      []models.CurrencyTransaction
	shoutouts   map[string]models.ShoutoutSettings
	gameCfg     map[string]models.GameSettings
	alertCfg    map[string]models.AlertSettings
	sessions    map[string]models.StreamSession
	snapshots   map[string][]models.ViewerSnapshot
	activity    map[string][]models.ChatActivity
	chatters    map[string]map[string]struct{} // sessionID -> distinct usernames
	health      map[models.Platform]models.PlatformHealth
	queue       map[string]models.MessageQueueItem
	rotations   []models.TokenRotation
	alerts      map[string]models.TokenExpiryAlert
	oauth       map[string]models.OAuthSession
}

// Option adjusts a Storage at construction.
type Option func(*Storage)

// WithClock substitutes the time source. Timestamps and expiry checks use
// the injected clock, which tests pin to a fixed instant.
func WithClock(clock func() time.Time) Option {
	return func(s *Storage) {
		s.now = func() time.Time { return clock().UTC() }
	}
}

// NewStorage constructs an empty in-memory repository.
func NewStorage(opts ...Option) *Storage {
	s := &Storage{
		now: func() time.Time { return time.Now().UTC() },
		tenants:     make(map[string]models.Tenant),
		connections: make(map[string]models.PlatformConnection),
		botConfigs:  make(map[string]models.BotConfig),
		commands:    make(map[string]models.CustomCommand),
		rules:       make(map[string]models.ModerationRule),
		whitelist:   make(map[string]models.LinkWhitelistEntry),
		giveaways:   make(map[string]models.Giveaway),
		entries:     make(map[string]models.GiveawayEntry),
		gameStates:  make(map[string]models.GameState),
		currency:    make(map[string]models.CurrencySettings),
		balances:    make(map[string]models.UserBalance),
		shoutouts:   make(map[string]models.ShoutoutSettings),
		gameCfg:     make(map[string]models.GameSettings),
		alertCfg:    make(map[string]models.AlertSettings),
		sessions:    make(map[string]models.StreamSession),
		snapshots:   make(map[string][]models.ViewerSnapshot),
		activity:    make(map[string][]models.ChatActivity),
		chatters:    make(map[string]map[string]struct{}),
		health:      make(map[models.Platform]models.PlatformHealth),
		queue:       make(map[string]models.MessageQueueItem),
		alerts:      make(map[string]models.TokenExpiryAlert),
		oauth:       make(map[string]models.OAuthSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func connectionKey(tenantID string, platform models.Platform) string {
	return tenantID + "|" + string(platform)
}

func gameKey(tenantID, username string, platform models.Platform) string {
	return tenantID + "|" + strings.ToLower(username) + "|" + string(platform)
}

func newID() string {
	return uuid.NewString()
}

func (s *Storage) CreateTenant(params CreateTenantParams) (models.Tenant, error) {
	name := strings.TrimSpace(params.DisplayName)
	if name == "" {
		return models.Tenant{}, fmt.Errorf("%w: display name is required", models.ErrValidation)
	}
	tenant := models.Tenant{
		ID:          newID(),
		DisplayName: name,
		Email:       strings.TrimSpace(params.Email),
		CreatedAt:   s.now(),
	}
	s.mu.Lock()
	s.tenants[tenant.ID] = tenant
	s.mu.Unlock()
	return tenant, nil
}

func (s *Storage) GetTenant(id string) (models.Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[id]
	if !ok || tenant.DeletedAt != nil {
		return models.Tenant{}, false
	}
	return tenant, true
}

func (s *Storage) ListTenants() []models.Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Tenant, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		if tenant.DeletedAt == nil {
			out = append(out, tenant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Storage) SoftDeleteTenant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, models.ErrNotFound)
	}
	now := s.now()
	tenant.DeletedAt = &now
	s.tenants[id] = tenant
	for key, conn := range s.connections {
		if conn.TenantID == id {
			conn.Connected = false
			s.connections[key] = conn
		}
	}
	return nil
}

func (s *Storage) UpsertConnection(params UpsertConnectionParams) (models.PlatformConnection, error) {
	if params.TenantID == "" {
		return models.PlatformConnection{}, fmt.Errorf("%w: tenant is required", models.ErrValidation)
	}
	now := s.now()
	key := connectionKey(params.TenantID, params.Platform)
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[key]
	if !ok {
		conn = models.PlatformConnection{ID: newID(), TenantID: params.TenantID, Platform: params.Platform}
	}
	conn.PlatformUserID = params.PlatformUserID
	conn.PlatformUsername = params.PlatformUsername
	conn.AccessTokenCipher = append([]byte(nil), params.AccessTokenCipher...)
	conn.RefreshTokenCipher = append([]byte(nil), params.RefreshTokenCipher...)
	conn.TokenExpiresAt = params.TokenExpiresAt
	conn.ConnectionData = params.ConnectionData
	conn.Connected = true
	conn.LastConnectedAt = &now
	conn.UpdatedAt = now
	s.connections[key] = conn
	return conn, nil
}

func (s *Storage) GetConnection(tenantID string, platform models.Platform) (models.PlatformConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[connectionKey(tenantID, platform)]
	return conn, ok
}

func (s *Storage) ListConnections(tenantID string) []models.PlatformConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PlatformConnection
	for _, conn := range s.connections {
		if conn.TenantID == tenantID {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (s *Storage) ListActiveConnections() []models.PlatformConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PlatformConnection
	for _, conn := range s.connections {
		if conn.Connected {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID == out[j].TenantID {
			return out[i].Platform < out[j].Platform
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

func (s *Storage) SetConnectionState(tenantID string, platform models.Platform, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connectionKey(tenantID, platform)
	conn, ok := s.connections[key]
	if !ok {
		return fmt.Errorf("connection %s/%s: %w", tenantID, platform, models.ErrNotFound)
	}
	conn.Connected = connected
	if connected {
		now := s.now()
		conn.LastConnectedAt = &now
	}
	conn.UpdatedAt = s.now()
	s.connections[key] = conn
	return nil
}

func (s *Storage) UpdateConnectionTokens(tenantID string, platform models.Platform, access, refresh []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connectionKey(tenantID, platform)
	conn, ok := s.connections[key]
	if !ok {
		return fmt.Errorf("connection %s/%s: %w", tenantID, platform, models.ErrNotFound)
	}
	conn.AccessTokenCipher = append([]byte(nil), access...)
	if len(refresh) > 0 {
		conn.RefreshTokenCipher = append([]byte(nil), refresh...)
	}
	conn.TokenExpiresAt = expiresAt
	conn.UpdatedAt = s.now()
	s.connections[key] = conn
	return nil
}

func (s *Storage) DeleteConnection(tenantID string, platform models.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connectionKey(tenantID, platform)
	if _, ok := s.connections[key]; !ok {
		return fmt.Errorf("connection %s/%s: %w", tenantID, platform, models.ErrNotFound)
	}
	delete(s.connections, key)
	return nil
}

func (s *Storage) GetBotConfig(tenantID string) (models.BotConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.botConfigs[tenantID]
	return cfg, ok
}

func (s *Storage) SaveBotConfig(cfg models.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.botConfigs[cfg.TenantID] = cfg
	s.mu.Unlock()
	return nil
}

func (s *Storage) SetLastPostedAt(tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.botConfigs[tenantID]
	if !ok {
		return fmt.Errorf("bot config %s: %w", tenantID, models.ErrNotFound)
	}
	at = at.UTC()
	cfg.LastPostedAt = &at
	s.botConfigs[tenantID] = cfg
	return nil
}

func (s *Storage) ListCommands(tenantID string) []models.CustomCommand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CustomCommand
	for _, cmd := range s.commands {
		if cmd.TenantID == tenantID {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Storage) GetCommandByName(tenantID, name string) (models.CustomCommand, bool) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "!"))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cmd := range s.commands {
		if cmd.TenantID == tenantID && strings.ToLower(strings.TrimPrefix(cmd.Name, "!")) == name {
			return cmd, true
		}
	}
	return models.CustomCommand{}, false
}

func (s *Storage) SaveCommand(cmd models.CustomCommand) (models.CustomCommand, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return models.CustomCommand{}, fmt.Errorf("%w: command name is required", models.ErrValidation)
	}
	if !strings.HasPrefix(name, "!") {
		name = "!" + name
	}
	cmd.Name = name
	if cmd.ID == "" {
		cmd.ID = newID()
	}
	if cmd.PermissionLevel == "" {
		cmd.PermissionLevel = models.PermissionEveryone
	}
	s.mu.Lock()
	s.commands[cmd.ID] = cmd
	s.mu.Unlock()
	return cmd, nil
}

func (s *Storage) RecordCommandUse(id string, at time.Time) (models.CustomCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return models.CustomCommand{}, fmt.Errorf("command %s: %w", id, models.ErrNotFound)
	}
	cmd.UsageCount++
	at = at.UTC()
	cmd.LastUsedAt = &at
	s.commands[id] = cmd
	return cmd, nil
}

func (s *Storage) ListModerationRules(tenantID string) []models.ModerationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ModerationRule
	for _, rule := range s.rules {
		if rule.TenantID == tenantID {
			out = append(out, rule)
		}
	}
	// Evaluation order is part of the moderation contract.
	order := map[models.RuleType]int{models.RuleToxic: 0, models.RuleSpam: 1, models.RuleLinks: 2, models.RuleCaps: 3, models.RuleSymbols: 4}
	sort.Slice(out, func(i, j int) bool { return order[out[i].RuleType] < order[out[j].RuleType] })
	return out
}

func (s *Storage) SaveModerationRule(rule models.ModerationRule) (models.ModerationRule, error) {
	if rule.ID == "" {
		rule.ID = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.rules {
		if existing.TenantID == rule.TenantID && existing.RuleType == rule.RuleType && id != rule.ID {
			rule.ID = id
			break
		}
	}
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *Storage) ListLinkWhitelist(tenantID string) []models.LinkWhitelistEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LinkWhitelistEntry
	for _, entry := range s.whitelist {
		if entry.TenantID == tenantID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (s *Storage) AddLinkWhitelist(tenantID, domain string) (models.LinkWhitelistEntry, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return models.LinkWhitelistEntry{}, fmt.Errorf("%w: domain is required", models.ErrValidation)
	}
	entry := models.LinkWhitelistEntry{ID: newID(), TenantID: tenantID, Domain: domain}
	s.mu.Lock()
	s.whitelist[entry.ID] = entry
	s.mu.Unlock()
	return entry, nil
}
