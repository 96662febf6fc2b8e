package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botforge/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgQueryTimeout = 10 * time.Second

// PostgresRepository is the durable Repository implementation backed by a
// pgx connection pool. Migrations are applied at construction.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// NewPostgresRepository opens the pool, applies migrations, and returns the
// repository.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func qctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgQueryTimeout)
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS platform_connections (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		platform_user_id TEXT NOT NULL DEFAULT '',
		platform_username TEXT NOT NULL DEFAULT '',
		access_token_cipher BYTEA,
		refresh_token_cipher BYTEA,
		token_expires_at TIMESTAMPTZ,
		connected BOOLEAN NOT NULL DEFAULT FALSE,
		last_connected_at TIMESTAMPTZ,
		connection_data JSONB,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS platform_connections_tenant_platform ON platform_connections (tenant_id, platform)`,
	`CREATE TABLE IF NOT EXISTS bot_configs (
		tenant_id TEXT PRIMARY KEY,
		interval_mode TEXT NOT NULL DEFAULT 'manual',
		fixed_interval_minutes INT NOT NULL DEFAULT 0,
		random_min_minutes INT NOT NULL DEFAULT 0,
		random_max_minutes INT NOT NULL DEFAULT 0,
		ai_model TEXT NOT NULL DEFAULT '',
		ai_prompt_template TEXT NOT NULL DEFAULT '',
		ai_temperature INT NOT NULL DEFAULT 10,
		chat_keywords TEXT[] NOT NULL DEFAULT '{}',
		banned_words TEXT[] NOT NULL DEFAULT '{}',
		active_platforms TEXT[] NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		last_posted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS custom_commands (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		response TEXT NOT NULL,
		cooldown_seconds INT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		usage_count INT NOT NULL DEFAULT 0,
		permission_level TEXT NOT NULL DEFAULT 'everyone',
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS custom_commands_tenant_name ON custom_commands (tenant_id, lower(name))`,
	`CREATE TABLE IF NOT EXISTS moderation_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		action TEXT NOT NULL DEFAULT 'warn',
		severity_threshold TEXT NOT NULL DEFAULT 'low',
		timeout_seconds INT NOT NULL DEFAULT 300,
		UNIQUE (tenant_id, rule_type)
	)`,
	`CREATE TABLE IF NOT EXISTS link_whitelist (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		UNIQUE (tenant_id, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS giveaways (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		keyword TEXT NOT NULL,
		requires_subscription BOOLEAN NOT NULL DEFAULT FALSE,
		max_winners INT NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS giveaways_one_active ON giveaways (tenant_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS giveaway_entries (
		id TEXT PRIMARY KEY,
		giveaway_id TEXT NOT NULL,
		username TEXT NOT NULL,
		platform TEXT NOT NULL,
		is_subscriber BOOLEAN NOT NULL DEFAULT FALSE,
		entered_at TIMESTAMPTZ NOT NULL,
		UNIQUE (giveaway_id, username, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS game_states (
		tenant_id TEXT NOT NULL,
		username TEXT NOT NULL,
		platform TEXT NOT NULL,
		game TEXT NOT NULL,
		question TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		points INT NOT NULL DEFAULT 0,
		opponent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, username, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS currency_settings (
		tenant_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		currency_name TEXT NOT NULL DEFAULT 'points',
		earn_per_message INT NOT NULL DEFAULT 1,
		earn_per_minute INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS user_balances (
		tenant_id TEXT NOT NULL,
		username TEXT NOT NULL,
		platform TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, username, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS currency_transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		username TEXT NOT NULL,
		platform TEXT NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'earn',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS currency_transactions_user ON currency_transactions (tenant_id, username, platform)`,
	`CREATE TABLE IF NOT EXISTS shoutout_settings (
		tenant_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		auto_on_raid BOOLEAN NOT NULL DEFAULT FALSE,
		template TEXT NOT NULL DEFAULT '',
		min_raid_size INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS game_settings (
		tenant_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		cooldown_minutes INT NOT NULL DEFAULT 1,
		trivia_points INT NOT NULL DEFAULT 10
	)`,
	`CREATE TABLE IF NOT EXISTS alert_settings (
		tenant_id TEXT PRIMARY KEY,
		overlay_token TEXT NOT NULL DEFAULT '',
		notify_email TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS stream_sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		peak_viewers INT NOT NULL DEFAULT 0,
		total_messages INT NOT NULL DEFAULT 0,
		unique_chatters INT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stream_sessions_one_open ON stream_sessions (tenant_id, platform) WHERE ended_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS viewer_snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		viewer_count INT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS viewer_snapshots_session_ts ON viewer_snapshots (session_id, ts)`,
	`CREATE TABLE IF NOT EXISTS chat_activity (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		username TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_activity_session_ts ON chat_activity (session_id, ts)`,
	`CREATE TABLE IF NOT EXISTS platform_health (
		platform TEXT PRIMARY KEY,
		circuit_state TEXT NOT NULL DEFAULT 'closed',
		failure_count INT NOT NULL DEFAULT 0,
		success_count INT NOT NULL DEFAULT 0,
		is_throttled BOOLEAN NOT NULL DEFAULT FALSE,
		throttled_until TIMESTAMPTZ,
		avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		requests_today INT NOT NULL DEFAULT 0,
		errors_today INT NOT NULL DEFAULT 0,
		last_success_at TIMESTAMPTZ,
		last_failure_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS message_queue (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'chat',
		content TEXT NOT NULL,
		metadata JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INT NOT NULL DEFAULT 5,
		scheduled_for TIMESTAMPTZ NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS message_queue_claim ON message_queue (platform, status, scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS token_rotation_history (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		rotation_type TEXT NOT NULL,
		previous_expires_at TIMESTAMPTZ,
		new_expires_at TIMESTAMPTZ,
		success BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		rotated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS token_rotation_history_conn ON token_rotation_history (tenant_id, platform, rotated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS token_expiry_alerts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		token_expires_at TIMESTAMPTZ NOT NULL,
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS token_expiry_alerts_open ON token_expiry_alerts (tenant_id, platform, alert_type) WHERE NOT acknowledged`,
	`CREATE TABLE IF NOT EXISTS oauth_sessions (
		state TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		code_verifier TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used_at TIMESTAMPTZ,
		ip_address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS oauth_sessions_expires ON oauth_sessions (expires_at)`,
}

func (r *PostgresRepository) CreateTenant(params CreateTenantParams) (models.Tenant, error) {
	name := strings.TrimSpace(params.DisplayName)
	if name == "" {
		return models.Tenant{}, fmt.Errorf("%w: display name is required", models.ErrValidation)
	}
	tenant := models.Tenant{ID: newID(), DisplayName: name, Email: strings.TrimSpace(params.Email), CreatedAt: time.Now().UTC()}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tenants (id, display_name, email, created_at) VALUES ($1, $2, $3, $4)`,
		tenant.ID, tenant.DisplayName, tenant.Email, tenant.CreatedAt)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return tenant, nil
}

func (r *PostgresRepository) GetTenant(id string) (models.Tenant, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, email, created_at, deleted_at FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&tenant.ID, &tenant.DisplayName, &tenant.Email, &tenant.CreatedAt, &tenant.DeletedAt)
	if err != nil {
		return models.Tenant{}, false
	}
	return tenant, true
}

func (r *PostgresRepository) ListTenants() []models.Tenant {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT id, display_name, email, created_at, deleted_at FROM tenants WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		var tenant models.Tenant
		if err := rows.Scan(&tenant.ID, &tenant.DisplayName, &tenant.Email, &tenant.CreatedAt, &tenant.DeletedAt); err == nil {
			out = append(out, tenant)
		}
	}
	return out
}

func (r *PostgresRepository) SoftDeleteTenant(id string) error {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE tenants SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", id, models.ErrNotFound)
	}
	_, err = r.pool.Exec(ctx, `UPDATE platform_connections SET connected = FALSE, updated_at = NOW() WHERE tenant_id = $1`, id)
	return err
}

const connectionColumns = `id, tenant_id, platform, platform_user_id, platform_username,
	access_token_cipher, refresh_token_cipher, token_expires_at, connected,
	last_connected_at, connection_data, updated_at`

func scanConnection(row pgx.Row) (models.PlatformConnection, error) {
	var conn models.PlatformConnection
	err := row.Scan(&conn.ID, &conn.TenantID, &conn.Platform, &conn.PlatformUserID, &conn.PlatformUsername,
		&conn.AccessTokenCipher, &conn.RefreshTokenCipher, &conn.TokenExpiresAt, &conn.Connected,
		&conn.LastConnectedAt, &conn.ConnectionData, &conn.UpdatedAt)
	return conn, err
}

func (r *PostgresRepository) UpsertConnection(params UpsertConnectionParams) (models.PlatformConnection, error) {
	if params.TenantID == "" {
		return models.PlatformConnection{}, fmt.Errorf("%w: tenant is required", models.ErrValidation)
	}
	ctx, cancel := qctx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO platform_connections (id, tenant_id, platform, platform_user_id, platform_username,
			access_token_cipher, refresh_token_cipher, token_expires_at, connected, last_connected_at, connection_data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW(), $9, NOW())
		ON CONFLICT (tenant_id, platform) DO UPDATE SET
			platform_user_id = EXCLUDED.platform_user_id,
			platform_username = EXCLUDED.platform_username,
			access_token_cipher = EXCLUDED.access_token_cipher,
			refresh_token_cipher = EXCLUDED.refresh_token_cipher,
			token_expires_at = EXCLUDED.token_expires_at,
			connected = TRUE,
			last_connected_at = NOW(),
			connection_data = EXCLUDED.connection_data,
			updated_at = NOW()
		RETURNING `+connectionColumns,
		newID(), params.TenantID, params.Platform, params.PlatformUserID, params.PlatformUsername,
		params.AccessTokenCipher, params.RefreshTokenCipher, params.TokenExpiresAt, params.ConnectionData)
	conn, err := scanConnection(row)
	if err != nil {
		return models.PlatformConnection{}, fmt.Errorf("upsert connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresRepository) GetConnection(tenantID string, platform models.Platform) (models.PlatformConnection, bool) {
	ctx, cancel := qctx()
	defer cancel()
	conn, err := scanConnection(r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE tenant_id = $1 AND platform = $2`, tenantID, platform))
	if err != nil {
		return models.PlatformConnection{}, false
	}
	return conn, true
}

func (r *PostgresRepository) listConnections(query string, args ...any) []models.PlatformConnection {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.PlatformConnection
	for rows.Next() {
		if conn, err := scanConnection(rows); err == nil {
			out = append(out, conn)
		}
	}
	return out
}

func (r *PostgresRepository) ListConnections(tenantID string) []models.PlatformConnection {
	return r.listConnections(`SELECT `+connectionColumns+` FROM platform_connections WHERE tenant_id = $1 ORDER BY platform`, tenantID)
}

func (r *PostgresRepository) ListActiveConnections() []models.PlatformConnection {
	return r.listConnections(`SELECT ` + connectionColumns + ` FROM platform_connections WHERE connected ORDER BY tenant_id, platform`)
}

func (r *PostgresRepository) SetConnectionState(tenantID string, platform models.Platform, connected bool) error {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE platform_connections
		SET connected = $3,
			last_connected_at = CASE WHEN $3 THEN NOW() ELSE last_connected_at END,
			updated_at = NOW()
		WHERE tenant_id = $1 AND platform = $2`, tenantID, platform, connected)
	if err != nil {
		return fmt.Errorf("set connection state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection %s/%s: %w", tenantID, platform, models.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) UpdateConnectionTokens(tenantID string, platform models.Platform, access, refresh []byte, expiresAt time.Time) error {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE platform_connections
		SET access_token_cipher = $3,
			refresh_token_cipher = COALESCE(NULLIF($4::bytea, ''::bytea), refresh_token_cipher),
			token_expires_at = $5,
			updated_at = NOW()
		WHERE tenant_id = $1 AND platform = $2`, tenantID, platform, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection %s/%s: %w", tenantID, platform, models.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) DeleteConnection(tenantID string, platform models.Platform) error {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM platform_connections WHERE tenant_id = $1 AND platform = $2`, tenantID, platform)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection %s/%s: %w", tenantID, platform, models.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) GetBotConfig(tenantID string) (models.BotConfig, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var cfg models.BotConfig
	var platforms []string
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, interval_mode, fixed_interval_minutes, random_min_minutes, random_max_minutes,
			ai_model, ai_prompt_template, ai_temperature, chat_keywords, banned_words, active_platforms,
			is_active, last_posted_at
		FROM bot_configs WHERE tenant_id = $1`, tenantID).
		Scan(&cfg.TenantID, &cfg.IntervalMode, &cfg.FixedIntervalMinutes, &cfg.RandomMinMinutes, &cfg.RandomMaxMinutes,
			&cfg.AIModel, &cfg.AIPromptTemplate, &cfg.AITemperature, &cfg.ChatKeywords, &cfg.BannedWords, &platforms,
			&cfg.IsActive, &cfg.LastPostedAt)
	if err != nil {
		return models.BotConfig{}, false
	}
	for _, p := range platforms {
		cfg.ActivePlatforms = append(cfg.ActivePlatforms, models.Platform(p))
	}
	return cfg, true
}

func (r *PostgresRepository) SaveBotConfig(cfg models.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	platforms := make([]string, 0, len(cfg.ActivePlatforms))
	for _, p := range cfg.ActivePlatforms {
		platforms = append(platforms, string(p))
	}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bot_configs (tenant_id, interval_mode, fixed_interval_minutes, random_min_minutes, random_max_minutes,
			ai_model, ai_prompt_template, ai_temperature, chat_keywords, banned_words, active_platforms, is_active, last_posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id) DO UPDATE SET
			interval_mode = EXCLUDED.interval_mode,
			fixed_interval_minutes = EXCLUDED.fixed_interval_minutes,
			random_min_minutes = EXCLUDED.random_min_minutes,
			random_max_minutes = EXCLUDED.random_max_minutes,
			ai_model = EXCLUDED.ai_model,
			ai_prompt_template = EXCLUDED.ai_prompt_template,
			ai_temperature = EXCLUDED.ai_temperature,
			chat_keywords = EXCLUDED.chat_keywords,
			banned_words = EXCLUDED.banned_words,
			active_platforms = EXCLUDED.active_platforms,
			is_active = EXCLUDED.is_active,
			last_posted_at = EXCLUDED.last_posted_at`,
		cfg.TenantID, cfg.IntervalMode, cfg.FixedIntervalMinutes, cfg.RandomMinMinutes, cfg.RandomMaxMinutes,
		cfg.AIModel, cfg.AIPromptTemplate, cfg.AITemperature, cfg.ChatKeywords, cfg.BannedWords, platforms,
		cfg.IsActive, cfg.LastPostedAt)
	if err != nil {
		return fmt.Errorf("save bot config: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetLastPostedAt(tenantID string, at time.Time) error {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE bot_configs SET last_posted_at = $2 WHERE tenant_id = $1`, tenantID, at.UTC())
	if err != nil {
		return fmt.Errorf("set last posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot config %s: %w", tenantID, models.ErrNotFound)
	}
	return nil
}

const commandColumns = `id, tenant_id, name, response, cooldown_seconds, is_active, usage_count, permission_level, last_used_at`

func scanCommand(row pgx.Row) (models.CustomCommand, error) {
	var cmd models.CustomCommand
	err := row.Scan(&cmd.ID, &cmd.TenantID, &cmd.Name, &cmd.Response, &cmd.CooldownSeconds,
		&cmd.IsActive, &cmd.UsageCount, &cmd.PermissionLevel, &cmd.LastUsedAt)
	return cmd, err
}

func (r *PostgresRepository) ListCommands(tenantID string) []models.CustomCommand {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+commandColumns+` FROM custom_commands WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.CustomCommand
	for rows.Next() {
		if cmd, err := scanCommand(rows); err == nil {
			out = append(out, cmd)
		}
	}
	return out
}

func (r *PostgresRepository) GetCommandByName(tenantID, name string) (models.CustomCommand, bool) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "!"))
	ctx, cancel := qctx()
	defer cancel()
	cmd, err := scanCommand(r.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM custom_commands WHERE tenant_id = $1 AND lower(ltrim(name, '!')) = $2`, tenantID, name))
	if err != nil {
		return models.CustomCommand{}, false
	}
	return cmd, true
}

func (r *PostgresRepository) SaveCommand(cmd models.CustomCommand) (models.CustomCommand, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return models.CustomCommand{}, fmt.Errorf("%w: command name is required", models.ErrValidation)
	}
	if !strings.HasPrefix(name, "!") {
		name = "!" + name
	}
	if cmd.ID == "" {
		cmd.ID = newID()
	}
	if cmd.PermissionLevel == "" {
		cmd.PermissionLevel = models.PermissionEveryone
	}
	ctx, cancel := qctx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO custom_commands (id, tenant_id, name, response, cooldown_seconds, is_active, usage_count, permission_level, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, lower(name)) DO UPDATE SET
			response = EXCLUDED.response,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			is_active = EXCLUDED.is_active,
			permission_level = EXCLUDED.permission_level
		RETURNING `+commandColumns,
		cmd.ID, cmd.TenantID, name, cmd.Response, cmd.CooldownSeconds, cmd.IsActive, cmd.UsageCount, cmd.PermissionLevel, cmd.LastUsedAt)
	saved, err := scanCommand(row)
	if err != nil {
		return models.CustomCommand{}, fmt.Errorf("save command: %w", err)
	}
	return saved, nil
}

func (r *PostgresRepository) RecordCommandUse(id string, at time.Time) (models.CustomCommand, error) {
	ctx, cancel := qctx()
	defer cancel()
	cmd, err := scanCommand(r.pool.QueryRow(ctx,
		`UPDATE custom_commands SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1 RETURNING `+commandColumns,
		id, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CustomCommand{}, fmt.Errorf("command %s: %w", id, models.ErrNotFound)
		}
		return models.CustomCommand{}, fmt.Errorf("record command use: %w", err)
	}
	return cmd, nil
}

func (r *PostgresRepository) ListModerationRules(tenantID string) []models.ModerationRule {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, rule_type, enabled, action, severity_threshold, timeout_seconds
		FROM moderation_rules WHERE tenant_id = $1
		ORDER BY array_position(ARRAY['toxic','spam','links','caps','symbols'], rule_type)`, tenantID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.ModerationRule
	for rows.Next() {
		var rule models.ModerationRule
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.RuleType, &rule.Enabled, &rule.Action,
			&rule.SeverityThreshold, &rule.TimeoutSeconds); err == nil {
			out = append(out, rule)
		}
	}
	return out
}

func (r *PostgresRepository) SaveModerationRule(rule models.ModerationRule) (models.ModerationRule, error) {
	if rule.ID == "" {
		rule.ID = newID()
	}
	ctx, cancel := qctx()
	defer cancel()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO moderation_rules (id, tenant_id, rule_type, enabled, action, severity_threshold, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, rule_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			action = EXCLUDED.action,
			severity_threshold = EXCLUDED.severity_threshold,
			timeout_seconds = EXCLUDED.timeout_seconds
		RETURNING id`,
		rule.ID, rule.TenantID, rule.RuleType, rule.Enabled, rule.Action, rule.SeverityThreshold, rule.TimeoutSeconds).
		Scan(&rule.ID)
	if err != nil {
		return models.ModerationRule{}, fmt.Errorf("save moderation rule: %w", err)
	}
	return rule, nil
}

func (r *PostgresRepository) ListLinkWhitelist(tenantID string) []models.LinkWhitelistEntry {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, domain FROM link_whitelist WHERE tenant_id = $1 ORDER BY domain`, tenantID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.LinkWhitelistEntry
	for rows.Next() {
		var entry models.LinkWhitelistEntry
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Domain); err == nil {
			out = append(out, entry)
		}
	}
	return out
}

func (r *PostgresRepository) AddLinkWhitelist(tenantID, domain string) (models.LinkWhitelistEntry, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return models.LinkWhitelistEntry{}, fmt.Errorf("%w: domain is required", models.ErrValidation)
	}
	entry := models.LinkWhitelistEntry{ID: newID(), TenantID: tenantID, Domain: domain}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO link_whitelist (id, tenant_id, domain) VALUES ($1, $2, $3) ON CONFLICT (tenant_id, domain) DO NOTHING`,
		entry.ID, tenantID, domain)
	if err != nil {
		return models.LinkWhitelistEntry{}, fmt.Errorf("add whitelist entry: %w", err)
	}
	return entry, nil
}

var _ Repository = (*PostgresRepository)(nil)
