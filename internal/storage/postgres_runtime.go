package storage

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"botforge/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) CreateGiveaway(params CreateGiveawayParams) (models.Giveaway, error) {
	if strings.TrimSpace(params.Keyword) == "" {
		return models.Giveaway{}, fmt.Errorf("%w: keyword is required", models.ErrValidation)
	}
	maxWinners := params.MaxWinners
	if maxWinners <= 0 {
		maxWinners = 1
	}
	giveaway := models.Giveaway{
		ID:                   newID(),
		TenantID:             params.TenantID,
		Title:                strings.TrimSpace(params.Title),
		Keyword:              strings.TrimSpace(params.Keyword),
		RequiresSubscription: params.RequiresSubscription,
		MaxWinners:           maxWinners,
		Status:               models.GiveawayActive,
		StartedAt:            time.Now().UTC(),
	}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO giveaways (id, tenant_id, title, keyword, requires_subscription, max_winners, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		giveaway.ID, giveaway.TenantID, giveaway.Title, giveaway.Keyword,
		giveaway.RequiresSubscription, giveaway.MaxWinners, giveaway.Status, giveaway.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Giveaway{}, fmt.Errorf("tenant %s already has an active giveaway: %w", params.TenantID, models.ErrConflict)
		}
		return models.Giveaway{}, fmt.Errorf("create giveaway: %w", err)
	}
	return giveaway, nil
}

const giveawayColumns = `id, tenant_id, title, keyword, requires_subscription, max_winners, status, started_at, ended_at`

func scanGiveaway(row pgx.Row) (models.Giveaway, error) {
	var g models.Giveaway
	err := row.Scan(&g.ID, &g.TenantID, &g.Title, &g.Keyword, &g.RequiresSubscription,
		&g.MaxWinners, &g.Status, &g.StartedAt, &g.EndedAt)
	return g, err
}

func (r *PostgresRepository) ActiveGiveaway(tenantID string) (models.Giveaway, bool) {
	ctx, cancel := qctx()
	defer cancel()
	g, err := scanGiveaway(r.pool.QueryRow(ctx,
		`SELECT `+giveawayColumns+` FROM giveaways WHERE tenant_id = $1 AND status = 'active'`, tenantID))
	if err != nil {
		return models.Giveaway{}, false
	}
	return g, true
}

func (r *PostgresRepository) AddGiveawayEntry(entry models.GiveawayEntry) (models.GiveawayEntry, error) {
	if entry.ID == "" {
		entry.ID = newID()
	}
	entry.Username = strings.ToLower(strings.TrimSpace(entry.Username))
	if entry.EnteredAt.IsZero() {
		entry.EnteredAt = time.Now().UTC()
	}
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO giveaway_entries (id, giveaway_id, username, platform, is_subscriber, entered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (giveaway_id, username, platform) DO NOTHING`,
		entry.ID, entry.GiveawayID, entry.Username, entry.Platform, entry.IsSubscriber, entry.EnteredAt)
	if err != nil {
		return models.GiveawayEntry{}, fmt.Errorf("add giveaway entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.GiveawayEntry{}, ErrDuplicateEntry
	}
	return entry, nil
}

func (r *PostgresRepository) ListGiveawayEntries(giveawayID string) []models.GiveawayEntry {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, giveaway_id, username, platform, is_subscriber, entered_at
		FROM giveaway_entries WHERE giveaway_id = $1 ORDER BY entered_at`, giveawayID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.GiveawayEntry
	for rows.Next() {
		var e models.GiveawayEntry
		if err := rows.Scan(&e.ID, &e.GiveawayID, &e.Username, &e.Platform, &e.IsSubscriber, &e.EnteredAt); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (r *PostgresRepository) CloseGiveaway(id string, status models.GiveawayStatus) (models.Giveaway, error) {
	ctx, cancel := qctx()
	defer cancel()
	g, err := scanGiveaway(r.pool.QueryRow(ctx, `
		UPDATE giveaways SET status = $2, ended_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING `+giveawayColumns, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Giveaway{}, fmt.Errorf("giveaway %s: %w", id, models.ErrNotFound)
		}
		return models.Giveaway{}, fmt.Errorf("close giveaway: %w", err)
	}
	return g, nil
}

func (r *PostgresRepository) PutGameState(state models.GameState) error {
	state.Username = strings.ToLower(strings.TrimSpace(state.Username))
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO game_states (tenant_id, username, platform, game, question, answer, points, opponent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, username, platform) DO UPDATE SET
			game = EXCLUDED.game,
			question = EXCLUDED.question,
			answer = EXCLUDED.answer,
			points = EXCLUDED.points,
			opponent = EXCLUDED.opponent,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		state.TenantID, state.Username, state.Platform, state.Game, state.Question,
		state.Answer, state.Points, state.Opponent, state.CreatedAt, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put game state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetGameState(tenantID, username string, platform models.Platform) (models.GameState, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var state models.GameState
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, username, platform, game, question, answer, points, opponent, created_at, expires_at
		FROM game_states
		WHERE tenant_id = $1 AND username = $2 AND platform = $3 AND expires_at > NOW()`,
		tenantID, strings.ToLower(strings.TrimSpace(username)), platform).
		Scan(&state.TenantID, &state.Username, &state.Platform, &state.Game, &state.Question,
			&state.Answer, &state.Points, &state.Opponent, &state.CreatedAt, &state.ExpiresAt)
	if err != nil {
		return models.GameState{}, false
	}
	return state, true
}

func (r *PostgresRepository) DeleteGameState(tenantID, username string, platform models.Platform) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM game_states WHERE tenant_id = $1 AND username = $2 AND platform = $3`,
		tenantID, strings.ToLower(strings.TrimSpace(username)), platform)
	if err != nil {
		return fmt.Errorf("delete game state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCurrencySettings(tenantID string) (models.CurrencySettings, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var s models.CurrencySettings
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, enabled, currency_name, earn_per_message, earn_per_minute
		FROM currency_settings WHERE tenant_id = $1`, tenantID).
		Scan(&s.TenantID, &s.Enabled, &s.CurrencyName, &s.EarnPerMessage, &s.EarnPerMinute)
	if err != nil {
		return models.CurrencySettings{}, false
	}
	return s, true
}

func (r *PostgresRepository) SaveCurrencySettings(settings models.CurrencySettings) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO currency_settings (tenant_id, enabled, currency_name, earn_per_message, earn_per_minute)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			currency_name = EXCLUDED.currency_name,
			earn_per_message = EXCLUDED.earn_per_message,
			earn_per_minute = EXCLUDED.earn_per_minute`,
		settings.TenantID, settings.Enabled, settings.CurrencyName, settings.EarnPerMessage, settings.EarnPerMinute)
	if err != nil {
		return fmt.Errorf("save currency settings: %w", err)
	}
	return nil
}

// ApplyTransaction updates the balance and appends the ledger row in one
// database transaction, so a balance can never drift from its ledger sum.
func (r *PostgresRepository) ApplyTransaction(txn models.CurrencyTransaction) (models.UserBalance, error) {
	if txn.ID == "" {
		txn.ID = newID()
	}
	txn.Username = strings.ToLower(strings.TrimSpace(txn.Username))
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := qctx()
	defer cancel()
	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.UserBalance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	var balance models.UserBalance
	err = dbtx.QueryRow(ctx, `
		INSERT INTO user_balances (tenant_id, username, platform, balance, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, username, platform) DO UPDATE SET
			balance = user_balances.balance + $4,
			updated_at = $5
		RETURNING tenant_id, username, platform, balance, updated_at`,
		txn.TenantID, txn.Username, txn.Platform, txn.Delta, txn.CreatedAt).
		Scan(&balance.TenantID, &balance.Username, &balance.Platform, &balance.Balance, &balance.UpdatedAt)
	if err != nil {
		return models.UserBalance{}, fmt.Errorf("apply balance delta: %w", err)
	}
	if balance.Balance < 0 {
		return models.UserBalance{}, fmt.Errorf("%w: insufficient balance", models.ErrValidation)
	}
	_, err = dbtx.Exec(ctx, `
		INSERT INTO currency_transactions (id, tenant_id, username, platform, delta, reason, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.TenantID, txn.Username, txn.Platform, txn.Delta, txn.Reason, txn.Kind, txn.CreatedAt)
	if err != nil {
		return models.UserBalance{}, fmt.Errorf("append ledger row: %w", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return models.UserBalance{}, fmt.Errorf("commit transaction: %w", err)
	}
	return balance, nil
}

func (r *PostgresRepository) GetBalance(tenantID, username string, platform models.Platform) (models.UserBalance, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var b models.UserBalance
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, username, platform, balance, updated_at
		FROM user_balances WHERE tenant_id = $1 AND username = $2 AND platform = $3`,
		tenantID, strings.ToLower(strings.TrimSpace(username)), platform).
		Scan(&b.TenantID, &b.Username, &b.Platform, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return models.UserBalance{}, false
	}
	return b, true
}

func (r *PostgresRepository) TopBalances(tenantID string, limit int) []models.UserBalance {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, username, platform, balance, updated_at
		FROM user_balances WHERE tenant_id = $1
		ORDER BY balance DESC, username ASC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.UserBalance
	for rows.Next() {
		var b models.UserBalance
		if err := rows.Scan(&b.TenantID, &b.Username, &b.Platform, &b.Balance, &b.UpdatedAt); err == nil {
			out = append(out, b)
		}
	}
	return out
}

func (r *PostgresRepository) ListTransactions(tenantID, username string, platform models.Platform) []models.CurrencyTransaction {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, username, platform, delta, reason, kind, created_at
		FROM currency_transactions
		WHERE tenant_id = $1 AND username = $2 AND platform = $3
		ORDER BY created_at`, tenantID, strings.ToLower(strings.TrimSpace(username)), platform)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.CurrencyTransaction
	for rows.Next() {
		var t models.CurrencyTransaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Username, &t.Platform, &t.Delta, &t.Reason, &t.Kind, &t.CreatedAt); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func (r *PostgresRepository) GetShoutoutSettings(tenantID string) (models.ShoutoutSettings, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var s models.ShoutoutSettings
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, enabled, auto_on_raid, template, min_raid_size
		FROM shoutout_settings WHERE tenant_id = $1`, tenantID).
		Scan(&s.TenantID, &s.Enabled, &s.AutoOnRaid, &s.Template, &s.MinRaidSize)
	if err != nil {
		return models.ShoutoutSettings{}, false
	}
	return s, true
}

func (r *PostgresRepository) SaveShoutoutSettings(settings models.ShoutoutSettings) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO shoutout_settings (tenant_id, enabled, auto_on_raid, template, min_raid_size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			auto_on_raid = EXCLUDED.auto_on_raid,
			template = EXCLUDED.template,
			min_raid_size = EXCLUDED.min_raid_size`,
		settings.TenantID, settings.Enabled, settings.AutoOnRaid, settings.Template, settings.MinRaidSize)
	if err != nil {
		return fmt.Errorf("save shoutout settings: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetGameSettings(tenantID string) (models.GameSettings, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var s models.GameSettings
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, enabled, cooldown_minutes, trivia_points
		FROM game_settings WHERE tenant_id = $1`, tenantID).
		Scan(&s.TenantID, &s.Enabled, &s.CooldownMinutes, &s.TriviaPoints)
	if err != nil {
		return models.GameSettings{}, false
	}
	return s, true
}

func (r *PostgresRepository) SaveGameSettings(settings models.GameSettings) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO game_settings (tenant_id, enabled, cooldown_minutes, trivia_points)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			trivia_points = EXCLUDED.trivia_points`,
		settings.TenantID, settings.Enabled, settings.CooldownMinutes, settings.TriviaPoints)
	if err != nil {
		return fmt.Errorf("save game settings: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetAlertSettings(tenantID string) (models.AlertSettings, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var s models.AlertSettings
	err := r.pool.QueryRow(ctx,
		`SELECT tenant_id, overlay_token, notify_email FROM alert_settings WHERE tenant_id = $1`, tenantID).
		Scan(&s.TenantID, &s.OverlayToken, &s.NotifyEmail)
	if err != nil {
		return models.AlertSettings{}, false
	}
	return s, true
}

func (r *PostgresRepository) SaveAlertSettings(settings models.AlertSettings) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alert_settings (tenant_id, overlay_token, notify_email)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			overlay_token = EXCLUDED.overlay_token,
			notify_email = EXCLUDED.notify_email`,
		settings.TenantID, settings.OverlayToken, settings.NotifyEmail)
	if err != nil {
		return fmt.Errorf("save alert settings: %w", err)
	}
	return nil
}

const sessionColumns = `id, tenant_id, platform, started_at, ended_at, peak_viewers, total_messages, unique_chatters`

func scanSession(row pgx.Row) (models.StreamSession, error) {
	var s models.StreamSession
	err := row.Scan(&s.ID, &s.TenantID, &s.Platform, &s.StartedAt, &s.EndedAt,
		&s.PeakViewers, &s.TotalMessages, &s.UniqueChatters)
	return s, err
}

func (r *PostgresRepository) CreateStreamSession(tenantID string, platform models.Platform) (models.StreamSession, error) {
	ctx, cancel := qctx()
	defer cancel()
	// A dangling open session from a crashed worker is closed first so the
	// partial-unique index never rejects the new one.
	if _, err := r.pool.Exec(ctx,
		`UPDATE stream_sessions SET ended_at = NOW() WHERE tenant_id = $1 AND platform = $2 AND ended_at IS NULL`,
		tenantID, platform); err != nil {
		return models.StreamSession{}, fmt.Errorf("close dangling session: %w", err)
	}
	session := models.StreamSession{ID: newID(), TenantID: tenantID, Platform: platform, StartedAt: time.Now().UTC()}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stream_sessions (id, tenant_id, platform, started_at) VALUES ($1, $2, $3, $4)`,
		session.ID, session.TenantID, session.Platform, session.StartedAt)
	if err != nil {
		return models.StreamSession{}, fmt.Errorf("create stream session: %w", err)
	}
	return session, nil
}

func (r *PostgresRepository) EndStreamSession(id string) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `UPDATE stream_sessions SET ended_at = NOW() WHERE id = $1 AND ended_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("end stream session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) OpenStreamSession(tenantID string, platform models.Platform) (models.StreamSession, bool) {
	ctx, cancel := qctx()
	defer cancel()
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE tenant_id = $1 AND platform = $2 AND ended_at IS NULL`,
		tenantID, platform))
	if err != nil {
		return models.StreamSession{}, false
	}
	return s, true
}

func (r *PostgresRepository) GetStreamSession(id string) (models.StreamSession, bool) {
	ctx, cancel := qctx()
	defer cancel()
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE id = $1`, id))
	if err != nil {
		return models.StreamSession{}, false
	}
	return s, true
}

func (r *PostgresRepository) ListStreamSessions(tenantID string, limit int) []models.StreamSession {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return out
		}
		out = append(out, s)
	}
	return out
}

func (r *PostgresRepository) AddViewerSnapshot(sessionID string, viewerCount int, at time.Time) (models.ViewerSnapshot, error) {
	snapshot := models.ViewerSnapshot{ID: newID(), SessionID: sessionID, ViewerCount: viewerCount, Timestamp: at.UTC()}
	ctx, cancel := qctx()
	defer cancel()
	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.ViewerSnapshot{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)
	if _, err := dbtx.Exec(ctx,
		`INSERT INTO viewer_snapshots (id, session_id, viewer_count, ts) VALUES ($1, $2, $3, $4)`,
		snapshot.ID, snapshot.SessionID, snapshot.ViewerCount, snapshot.Timestamp); err != nil {
		return models.ViewerSnapshot{}, fmt.Errorf("insert viewer snapshot: %w", err)
	}
	if _, err := dbtx.Exec(ctx,
		`UPDATE stream_sessions SET peak_viewers = GREATEST(peak_viewers, $2) WHERE id = $1`,
		sessionID, viewerCount); err != nil {
		return models.ViewerSnapshot{}, fmt.Errorf("bump peak viewers: %w", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return models.ViewerSnapshot{}, fmt.Errorf("commit transaction: %w", err)
	}
	return snapshot, nil
}

func (r *PostgresRepository) AddChatActivity(sessionID, username string, at time.Time) (models.ChatActivity, error) {
	activity := models.ChatActivity{
		ID:        newID(),
		SessionID: sessionID,
		Username:  strings.ToLower(strings.TrimSpace(username)),
		Timestamp: at.UTC(),
	}
	ctx, cancel := qctx()
	defer cancel()
	dbtx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.ChatActivity{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)
	if _, err := dbtx.Exec(ctx,
		`INSERT INTO chat_activity (id, session_id, username, ts) VALUES ($1, $2, $3, $4)`,
		activity.ID, activity.SessionID, activity.Username, activity.Timestamp); err != nil {
		return models.ChatActivity{}, fmt.Errorf("insert chat activity: %w", err)
	}
	if _, err := dbtx.Exec(ctx, `
		UPDATE stream_sessions SET
			total_messages = (SELECT count(*) FROM chat_activity WHERE session_id = $1),
			unique_chatters = (SELECT count(DISTINCT username) FROM chat_activity WHERE session_id = $1)
		WHERE id = $1`, sessionID); err != nil {
		return models.ChatActivity{}, fmt.Errorf("update session counters: %w", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return models.ChatActivity{}, fmt.Errorf("commit transaction: %w", err)
	}
	return activity, nil
}

func (r *PostgresRepository) ListViewerSnapshots(sessionID string) []models.ViewerSnapshot {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, viewer_count, ts FROM viewer_snapshots WHERE session_id = $1 ORDER BY ts`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.ViewerSnapshot
	for rows.Next() {
		var s models.ViewerSnapshot
		if err := rows.Scan(&s.ID, &s.SessionID, &s.ViewerCount, &s.Timestamp); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (r *PostgresRepository) GetPlatformHealth(platform models.Platform) (models.PlatformHealth, bool) {
	ctx, cancel := qctx()
	defer cancel()
	var h models.PlatformHealth
	err := r.pool.QueryRow(ctx, `
		SELECT platform, circuit_state, failure_count, success_count, is_throttled, throttled_until,
			avg_response_time_ms, requests_today, errors_today, last_success_at, last_failure_at
		FROM platform_health WHERE platform = $1`, platform).
		Scan(&h.Platform, &h.CircuitState, &h.FailureCount, &h.SuccessCount, &h.IsThrottled, &h.ThrottledUntil,
			&h.AvgResponseTimeMs, &h.RequestsToday, &h.ErrorsToday, &h.LastSuccessAt, &h.LastFailureAt)
	if err != nil {
		return models.PlatformHealth{}, false
	}
	return h, true
}

func (r *PostgresRepository) SavePlatformHealth(health models.PlatformHealth) error {
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO platform_health (platform, circuit_state, failure_count, success_count, is_throttled,
			throttled_until, avg_response_time_ms, requests_today, errors_today, last_success_at, last_failure_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (platform) DO UPDATE SET
			circuit_state = EXCLUDED.circuit_state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			is_throttled = EXCLUDED.is_throttled,
			throttled_until = EXCLUDED.throttled_until,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			requests_today = EXCLUDED.requests_today,
			errors_today = EXCLUDED.errors_today,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at`,
		health.Platform, health.CircuitState, health.FailureCount, health.SuccessCount, health.IsThrottled,
		health.ThrottledUntil, health.AvgResponseTimeMs, health.RequestsToday, health.ErrorsToday,
		health.LastSuccessAt, health.LastFailureAt)
	if err != nil {
		return fmt.Errorf("save platform health: %w", err)
	}
	return nil
}

const queueColumns = `id, tenant_id, platform, message_type, content, metadata, status, priority,
	scheduled_for, retry_count, max_retries, last_error, created_at, processed_at`

func scanQueueItem(row pgx.Row) (models.MessageQueueItem, error) {
	var item models.MessageQueueItem
	err := row.Scan(&item.ID, &item.TenantID, &item.Platform, &item.MessageType, &item.Content,
		&item.Metadata, &item.Status, &item.Priority, &item.ScheduledFor, &item.RetryCount,
		&item.MaxRetries, &item.LastError, &item.CreatedAt, &item.ProcessedAt)
	return item, err
}

func (r *PostgresRepository) EnqueueMessage(item models.MessageQueueItem) (models.MessageQueueItem, error) {
	if strings.TrimSpace(item.Content) == "" {
		return models.MessageQueueItem{}, fmt.Errorf("%w: message content is required", models.ErrValidation)
	}
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = newID()
	}
	if item.MessageType == "" {
		item.MessageType = "chat"
	}
	if item.Status == "" {
		item.Status = models.QueuePending
	}
	if item.Priority == 0 {
		item.Priority = 5
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = 3
	}
	if item.ScheduledFor.IsZero() {
		item.ScheduledFor = now
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO message_queue (id, tenant_id, platform, message_type, content, metadata, status, priority,
			scheduled_for, retry_count, max_retries, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, item.TenantID, item.Platform, item.MessageType, item.Content, item.Metadata,
		item.Status, item.Priority, item.ScheduledFor, item.RetryCount, item.MaxRetries, item.LastError, item.CreatedAt)
	if err != nil {
		return models.MessageQueueItem{}, fmt.Errorf("enqueue message: %w", err)
	}
	return item, nil
}

// ClaimMessages marks due pending items processing and returns them, highest
// priority first. SKIP LOCKED keeps concurrent claimers from double-claiming.
func (r *PostgresRepository) ClaimMessages(platform models.Platform, limit int, now time.Time) ([]models.MessageQueueItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		UPDATE message_queue SET status = 'processing'
		WHERE id IN (
			SELECT id FROM message_queue
			WHERE platform = $1
			  AND scheduled_for <= $2
			  AND (status = 'pending' OR (status = 'failed' AND retry_count < max_retries))
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, platform, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	defer rows.Close()
	var out []models.MessageQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CompleteMessage(id string, success bool, errMessage string, now time.Time) (models.MessageQueueItem, error) {
	ctx, cancel := qctx()
	defer cancel()
	now = now.UTC()
	if success {
		item, err := scanQueueItem(r.pool.QueryRow(ctx, `
			UPDATE message_queue SET status = 'completed', processed_at = $2, last_error = ''
			WHERE id = $1 RETURNING `+queueColumns, id, now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.MessageQueueItem{}, fmt.Errorf("queue item %s: %w", id, models.ErrNotFound)
			}
			return models.MessageQueueItem{}, fmt.Errorf("complete message: %w", err)
		}
		return item, nil
	}
	item, err := scanQueueItem(r.pool.QueryRow(ctx, `
		UPDATE message_queue SET
			retry_count = retry_count + 1,
			last_error = $3,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN retry_count + 1 >= max_retries THEN $2 ELSE processed_at END,
			scheduled_for = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_for
				ELSE $2 + make_interval(secs => power(2, retry_count + 1)) END
		WHERE id = $1 RETURNING `+queueColumns, id, now, errMessage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MessageQueueItem{}, fmt.Errorf("queue item %s: %w", id, models.ErrNotFound)
		}
		return models.MessageQueueItem{}, fmt.Errorf("fail message: %w", err)
	}
	return item, nil
}

// ReleaseMessage returns a claimed item to pending without consuming a
// retry, deferring delivery until scheduledFor.
func (r *PostgresRepository) ReleaseMessage(id string, scheduledFor time.Time) (models.MessageQueueItem, error) {
	ctx, cancel := qctx()
	defer cancel()
	item, err := scanQueueItem(r.pool.QueryRow(ctx, `
		UPDATE message_queue SET status = 'pending', scheduled_for = $2
		WHERE id = $1 RETURNING `+queueColumns, id, scheduledFor.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MessageQueueItem{}, fmt.Errorf("queue item %s: %w", id, models.ErrNotFound)
		}
		return models.MessageQueueItem{}, fmt.Errorf("release message: %w", err)
	}
	return item, nil
}

func (r *PostgresRepository) GetQueueItem(id string) (models.MessageQueueItem, bool) {
	ctx, cancel := qctx()
	defer cancel()
	item, err := scanQueueItem(r.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM message_queue WHERE id = $1`, id))
	if err != nil {
		return models.MessageQueueItem{}, false
	}
	return item, true
}

func (r *PostgresRepository) AppendTokenRotation(rotation models.TokenRotation) (models.TokenRotation, error) {
	if rotation.ID == "" {
		rotation.ID = newID()
	}
	if rotation.RotatedAt.IsZero() {
		rotation.RotatedAt = time.Now().UTC()
	}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO token_rotation_history (id, tenant_id, platform, rotation_type, previous_expires_at,
			new_expires_at, success, error_message, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rotation.ID, rotation.TenantID, rotation.Platform, rotation.RotationType, rotation.PreviousExpiresAt,
		rotation.NewExpiresAt, rotation.Success, rotation.ErrorMessage, rotation.RotatedAt)
	if err != nil {
		return models.TokenRotation{}, fmt.Errorf("append token rotation: %w", err)
	}
	return rotation, nil
}

func (r *PostgresRepository) ListTokenRotations(tenantID string, platform models.Platform, limit int) []models.TokenRotation {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, platform, rotation_type, previous_expires_at, new_expires_at, success, error_message, rotated_at
		FROM token_rotation_history
		WHERE tenant_id = $1 AND platform = $2
		ORDER BY rotated_at DESC LIMIT $3`, tenantID, platform, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.TokenRotation
	for rows.Next() {
		var t models.TokenRotation
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Platform, &t.RotationType, &t.PreviousExpiresAt,
			&t.NewExpiresAt, &t.Success, &t.ErrorMessage, &t.RotatedAt); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func (r *PostgresRepository) RaiseTokenAlert(alert models.TokenExpiryAlert) (models.TokenExpiryAlert, bool, error) {
	if alert.ID == "" {
		alert.ID = newID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO token_expiry_alerts (id, tenant_id, platform, alert_type, token_expires_at, notified, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (tenant_id, platform, alert_type) WHERE NOT acknowledged DO NOTHING`,
		alert.ID, alert.TenantID, alert.Platform, alert.AlertType, alert.TokenExpiresAt, alert.Notified, alert.CreatedAt)
	if err != nil {
		return models.TokenExpiryAlert{}, false, fmt.Errorf("raise token alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existing models.TokenExpiryAlert
		err := r.pool.QueryRow(ctx, `
			SELECT id, tenant_id, platform, alert_type, token_expires_at, notified, acknowledged, created_at
			FROM token_expiry_alerts
			WHERE tenant_id = $1 AND platform = $2 AND alert_type = $3 AND NOT acknowledged`,
			alert.TenantID, alert.Platform, alert.AlertType).
			Scan(&existing.ID, &existing.TenantID, &existing.Platform, &existing.AlertType,
				&existing.TokenExpiresAt, &existing.Notified, &existing.Acknowledged, &existing.CreatedAt)
		if err != nil {
			return models.TokenExpiryAlert{}, false, fmt.Errorf("load existing alert: %w", err)
		}
		return existing, false, nil
	}
	return alert, true, nil
}

func (r *PostgresRepository) AcknowledgeTokenAlert(id string) error {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE token_expiry_alerts SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("acknowledge token alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token alert %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) ListTokenAlerts(tenantID string, includeAcknowledged bool) []models.TokenExpiryAlert {
	ctx, cancel := qctx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, platform, alert_type, token_expires_at, notified, acknowledged, created_at
		FROM token_expiry_alerts
		WHERE tenant_id = $1 AND (acknowledged = FALSE OR $2)
		ORDER BY created_at DESC`, tenantID, includeAcknowledged)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.TokenExpiryAlert
	for rows.Next() {
		var a models.TokenExpiryAlert
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Platform, &a.AlertType, &a.TokenExpiresAt,
			&a.Notified, &a.Acknowledged, &a.CreatedAt); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func (r *PostgresRepository) PutOAuthSession(session models.OAuthSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := qctx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_sessions (state, tenant_id, platform, code_verifier, expires_at, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.State, session.TenantID, session.Platform, session.CodeVerifier,
		session.ExpiresAt, session.IPAddress, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("put oauth session: %w", err)
	}
	return nil
}

// ConsumeOAuthSession marks the state used in a single guarded UPDATE, so a
// replayed callback can never win the race.
func (r *PostgresRepository) ConsumeOAuthSession(state string, now time.Time) (models.OAuthSession, error) {
	ctx, cancel := qctx()
	defer cancel()
	var session models.OAuthSession
	err := r.pool.QueryRow(ctx, `
		UPDATE oauth_sessions SET used_at = $2
		WHERE state = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING state, tenant_id, platform, code_verifier, expires_at, used_at, ip_address, created_at`,
		state, now.UTC()).
		Scan(&session.State, &session.TenantID, &session.Platform, &session.CodeVerifier,
			&session.ExpiresAt, &session.UsedAt, &session.IPAddress, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OAuthSession{}, ErrOAuthStateInvalid
		}
		return models.OAuthSession{}, fmt.Errorf("consume oauth session: %w", err)
	}
	return session, nil
}

func (r *PostgresRepository) PurgeExpiredOAuthSessions(now time.Time) int {
	ctx, cancel := qctx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM oauth_sessions WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0
	}
	return int(tag.RowsAffected())
}
