package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"botforge/internal/models"
)

func (s *Storage) CreateGiveaway(params CreateGiveawayParams) (models.Giveaway, error) {
	keyword := strings.TrimSpace(params.Keyword)
	if params.TenantID == "" || params.Title == "" || keyword == "" {
		return models.Giveaway{}, fmt.Errorf("%w: tenant, title, and keyword are required", models.ErrValidation)
	}
	maxWinners := params.MaxWinners
	if maxWinners <= 0 {
		maxWinners = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.giveaways {
		if existing.TenantID == params.TenantID && existing.Status == models.GiveawayActive {
			return models.Giveaway{}, fmt.Errorf("tenant already has an active giveaway: %w", models.ErrConflict)
		}
	}
	giveaway := models.Giveaway{
		ID:                   newID(),
		TenantID:             params.TenantID,
		Title:                strings.TrimSpace(params.Title),
		Keyword:              keyword,
		RequiresSubscription: params.RequiresSubscription,
		MaxWinners:           maxWinners,
		Status:               models.GiveawayActive,
		StartedAt:            s.now(),
	}
	s.giveaways[giveaway.ID] = giveaway
	return giveaway, nil
}

func (s *Storage) ActiveGiveaway(tenantID string) (models.Giveaway, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, giveaway := range s.giveaways {
		if giveaway.TenantID == tenantID && giveaway.Status == models.GiveawayActive {
			return giveaway, true
		}
	}
	return models.Giveaway{}, false
}

func (s *Storage) AddGiveawayEntry(entry models.GiveawayEntry) (models.GiveawayEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.giveaways[entry.GiveawayID]; !ok {
		return models.GiveawayEntry{}, fmt.Errorf("giveaway %s: %w", entry.GiveawayID, models.ErrNotFound)
	}
	for _, existing := range s.entries {
		if existing.GiveawayID == entry.GiveawayID &&
			strings.EqualFold(existing.Username, entry.Username) &&
			existing.Platform == entry.Platform {
			return models.GiveawayEntry{}, ErrDuplicateEntry
		}
	}
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.EnteredAt.IsZero() {
		entry.EnteredAt = s.now()
	}
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *Storage) ListGiveawayEntries(giveawayID string) []models.GiveawayEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.GiveawayEntry
	for _, entry := range s.entries {
		if entry.GiveawayID == giveawayID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out
}

func (s *Storage) CloseGiveaway(id string, status models.GiveawayStatus) (models.Giveaway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	giveaway, ok := s.giveaways[id]
	if !ok {
		return models.Giveaway{}, fmt.Errorf("giveaway %s: %w", id, models.ErrNotFound)
	}
	now := s.now()
	giveaway.Status = status
	giveaway.EndedAt = &now
	s.giveaways[id] = giveaway
	return giveaway, nil
}

func (s *Storage) PutGameState(state models.GameState) error {
	if state.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: game state requires an expiry", models.ErrValidation)
	}
	s.mu.Lock()
	s.gameStates[gameKey(state.TenantID, state.Username, state.Platform)] = state
	s.mu.Unlock()
	return nil
}

func (s *Storage) GetGameState(tenantID, username string, platform models.Platform) (models.GameState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.gameStates[gameKey(tenantID, username, platform)]
	if !ok || s.now().After(state.ExpiresAt) {
		return models.GameState{}, false
	}
	return state, true
}

func (s *Storage) DeleteGameState(tenantID, username string, platform models.Platform) error {
	s.mu.Lock()
	delete(s.gameStates, gameKey(tenantID, username, platform))
	s.mu.Unlock()
	return nil
}

func (s *Storage) GetCurrencySettings(tenantID string) (models.CurrencySettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.currency[tenantID]
	return settings, ok
}

func (s *Storage) SaveCurrencySettings(settings models.CurrencySettings) error {
	s.mu.Lock()
	s.currency[settings.TenantID] = settings
	s.mu.Unlock()
	return nil
}

// ApplyTransaction appends a ledger row and moves the balance by its delta
// in one critical section, preserving balance == sum(deltas).
func (s *Storage) ApplyTransaction(tx models.CurrencyTransaction) (models.UserBalance, error) {
	if tx.TenantID == "" || tx.Username == "" {
		return models.UserBalance{}, fmt.Errorf("%w: tenant and username are required", models.ErrValidation)
	}
	if tx.ID == "" {
		tx.ID = newID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	key := gameKey(tx.TenantID, tx.Username, tx.Platform)
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[key]
	if !ok {
		balance = models.UserBalance{TenantID: tx.TenantID, Username: tx.Username, Platform: tx.Platform}
	}
	if balance.Balance+tx.Delta < 0 {
		return models.UserBalance{}, fmt.Errorf("%w: insufficient balance", models.ErrValidation)
	}
	balance.Balance += tx.Delta
	balance.UpdatedAt = tx.CreatedAt
	s.balances[key] = balance
	s.ledger = append(s.ledger, tx)
	return balance, nil
}

func (s *Storage) GetBalance(tenantID, username string, platform models.Platform) (models.UserBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.balances[gameKey(tenantID, username, platform)]
	return balance, ok
}

func (s *Storage) TopBalances(tenantID string, limit int) []models.UserBalance {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UserBalance
	for _, balance := range s.balances {
		if balance.TenantID == tenantID {
			out = append(out, balance)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance == out[j].Balance {
			return out[i].Username < out[j].Username
		}
		return out[i].Balance > out[j].Balance
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Storage) ListTransactions(tenantID, username string, platform models.Platform) []models.CurrencyTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CurrencyTransaction
	for _, tx := range s.ledger {
		if tx.TenantID == tenantID && strings.EqualFold(tx.Username, username) && tx.Platform == platform {
			out = append(out, tx)
		}
	}
	return out
}

func (s *Storage) GetShoutoutSettings(tenantID string) (models.ShoutoutSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.shoutouts[tenantID]
	return settings, ok
}

func (s *Storage) SaveShoutoutSettings(settings models.ShoutoutSettings) error {
	s.mu.Lock()
	s.shoutouts[settings.TenantID] = settings
	s.mu.Unlock()
	return nil
}

func (s *Storage) GetGameSettings(tenantID string) (models.GameSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.gameCfg[tenantID]
	return settings, ok
}

func (s *Storage) SaveGameSettings(settings models.GameSettings) error {
	s.mu.Lock()
	s.gameCfg[settings.TenantID] = settings
	s.mu.Unlock()
	return nil
}

func (s *Storage) GetAlertSettings(tenantID string) (models.AlertSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.alertCfg[tenantID]
	return settings, ok
}

func (s *Storage) SaveAlertSettings(settings models.AlertSettings) error {
	s.mu.Lock()
	s.alertCfg[settings.TenantID] = settings
	s.mu.Unlock()
	return nil
}

// CreateStreamSession opens a new session for (tenant, platform), first
// ending any session still marked open so at most one remains open.
func (s *Storage) CreateStreamSession(tenantID string, platform models.Platform) (models.StreamSession, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if session.TenantID == tenantID && session.Platform == platform && session.EndedAt == nil {
			ended := now
			session.EndedAt = &ended
			s.sessions[id] = session
		}
	}
	session := models.StreamSession{
		ID:        newID(),
		TenantID:  tenantID,
		Platform:  platform,
		StartedAt: now,
	}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *Storage) EndStreamSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	if session.EndedAt != nil {
		return nil
	}
	now := s.now()
	session.EndedAt = &now
	s.sessions[id] = session
	return nil
}

func (s *Storage) OpenStreamSession(tenantID string, platform models.Platform) (models.StreamSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.TenantID == tenantID && session.Platform == platform && session.EndedAt == nil {
			return session, true
		}
	}
	return models.StreamSession{}, false
}

func (s *Storage) GetStreamSession(id string) (models.StreamSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// ListStreamSessions returns a tenant's sessions newest first.
func (s *Storage) ListStreamSessions(tenantID string, limit int) []models.StreamSession {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StreamSession
	for _, session := range s.sessions {
		if session.TenantID == tenantID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Storage) AddViewerSnapshot(sessionID string, viewerCount int, at time.Time) (models.ViewerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.ViewerSnapshot{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	snapshot := models.ViewerSnapshot{ID: newID(), SessionID: sessionID, ViewerCount: viewerCount, Timestamp: at.UTC()}
	s.snapshots[sessionID] = append(s.snapshots[sessionID], snapshot)
	if viewerCount > session.PeakViewers {
		session.PeakViewers = viewerCount
		s.sessions[sessionID] = session
	}
	return snapshot, nil
}

func (s *Storage) AddChatActivity(sessionID, username string, at time.Time) (models.ChatActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.ChatActivity{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	row := models.ChatActivity{ID: newID(), SessionID: sessionID, Username: username, Timestamp: at.UTC()}
	s.activity[sessionID] = append(s.activity[sessionID], row)
	if s.chatters[sessionID] == nil {
		s.chatters[sessionID] = make(map[string]struct{})
	}
	s.chatters[sessionID][strings.ToLower(username)] = struct{}{}
	session.TotalMessages = len(s.activity[sessionID])
	session.UniqueChatters = len(s.chatters[sessionID])
	s.sessions[sessionID] = session
	return row, nil
}

func (s *Storage) ListViewerSnapshots(sessionID string) []models.ViewerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ViewerSnapshot(nil), s.snapshots[sessionID]...)
}

func (s *Storage) GetPlatformHealth(platform models.Platform) (models.PlatformHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	health, ok := s.health[platform]
	return health, ok
}

func (s *Storage) SavePlatformHealth(health models.PlatformHealth) error {
	s.mu.Lock()
	s.health[health.Platform] = health
	s.mu.Unlock()
	return nil
}

func (s *Storage) EnqueueMessage(item models.MessageQueueItem) (models.MessageQueueItem, error) {
	if item.Content == "" {
		return models.MessageQueueItem{}, fmt.Errorf("%w: content is required", models.ErrValidation)
	}
	now := s.now()
	if item.ID == "" {
		item.ID = newID()
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
	s.mu.Lock()
	s.queue[item.ID] = item
	s.mu.Unlock()
	return item, nil
}

// ClaimMessages returns due pending or retryable items ordered by priority
// descending then scheduledFor ascending, marking each as processing.
func (s *Storage) ClaimMessages(platform models.Platform, limit int, now time.Time) ([]models.MessageQueueItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.MessageQueueItem
	for _, item := range s.queue {
		if item.Platform != platform {
			continue
		}
		if item.Status != models.QueuePending && item.Status != models.QueueFailed {
			continue
		}
		if item.Status == models.QueueFailed && item.RetryCount >= item.MaxRetries {
			continue
		}
		if item.ScheduledFor.After(now) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i, item := range due {
		item.Status = models.QueueProcessing
		s.queue[item.ID] = item
		due[i] = item
	}
	return due, nil
}

func (s *Storage) CompleteMessage(id string, success bool, errMessage string, now time.Time) (models.MessageQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[id]
	if !ok {
		return models.MessageQueueItem{}, fmt.Errorf("queue item %s: %w", id, models.ErrNotFound)
	}
	now = now.UTC()
	if success {
		item.Status = models.QueueCompleted
		item.ProcessedAt = &now
	} else {
		item.RetryCount++
		item.LastError = errMessage
		if item.RetryCount >= item.MaxRetries {
			item.Status = models.QueueFailed
		} else {
			backoff := time.Duration(1<<uint(item.RetryCount)) * time.Second
			item.Status = models.QueuePending
			item.ScheduledFor = now.Add(backoff)
		}
	}
	s.queue[id] = item
	return item, nil
}

// ReleaseMessage returns a claimed item to pending without consuming a
// retry, deferring delivery until scheduledFor.
func (s *Storage) ReleaseMessage(id string, scheduledFor time.Time) (models.MessageQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[id]
	if !ok {
		return models.MessageQueueItem{}, fmt.Errorf("queue item %s: %w", id, models.ErrNotFound)
	}
	item.Status = models.QueuePending
	item.ScheduledFor = scheduledFor.UTC()
	s.queue[id] = item
	return item, nil
}

func (s *Storage) GetQueueItem(id string) (models.MessageQueueItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.queue[id]
	return item, ok
}

func (s *Storage) AppendTokenRotation(rotation models.TokenRotation) (models.TokenRotation, error) {
	if rotation.ID == "" {
		rotation.ID = newID()
	}
	if rotation.RotatedAt.IsZero() {
		rotation.RotatedAt = s.now()
	}
	s.mu.Lock()
	s.rotations = append(s.rotations, rotation)
	s.mu.Unlock()
	return rotation, nil
}

func (s *Storage) ListTokenRotations(tenantID string, platform models.Platform, limit int) []models.TokenRotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TokenRotation
	for i := len(s.rotations) - 1; i >= 0; i-- {
		rotation := s.rotations[i]
		if rotation.TenantID == tenantID && rotation.Platform == platform {
			out = append(out, rotation)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// RaiseTokenAlert inserts the alert unless a non-acknowledged row with the
// same (tenant, platform, type) already exists. The boolean reports whether
// a new alert was raised.
func (s *Storage) RaiseTokenAlert(alert models.TokenExpiryAlert) (models.TokenExpiryAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.TenantID == alert.TenantID && existing.Platform == alert.Platform &&
			existing.AlertType == alert.AlertType && !existing.Acknowledged {
			return existing, false, nil
		}
	}
	if alert.ID == "" {
		alert.ID = newID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	s.alerts[alert.ID] = alert
	return alert, true, nil
}

func (s *Storage) AcknowledgeTokenAlert(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	alert.Acknowledged = true
	s.alerts[id] = alert
	return nil
}

func (s *Storage) ListTokenAlerts(tenantID string, includeAcknowledged bool) []models.TokenExpiryAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TokenExpiryAlert
	for _, alert := range s.alerts {
		if alert.TenantID != tenantID {
			continue
		}
		if alert.Acknowledged && !includeAcknowledged {
			continue
		}
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Storage) PutOAuthSession(session models.OAuthSession) error {
	if session.State == "" {
		return fmt.Errorf("%w: state is required", models.ErrValidation)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	s.mu.Lock()
	s.oauth[session.State] = session
	s.mu.Unlock()
	return nil
}

// ConsumeOAuthSession is the memory analogue of
// UPDATE ... SET used_at = now WHERE state = $1 AND used_at IS NULL AND
// expires_at > now RETURNING *; the mutex makes the check-and-set atomic.
func (s *Storage) ConsumeOAuthSession(state string, now time.Time) (models.OAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.oauth[state]
	if !ok || session.UsedAt != nil || !session.ExpiresAt.After(now) {
		return models.OAuthSession{}, ErrOAuthStateInvalid
	}
	used := now.UTC()
	session.UsedAt = &used
	s.oauth[state] = session
	return session, nil
}

func (s *Storage) PurgeExpiredOAuthSessions(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for state, session := range s.oauth {
		if !session.ExpiresAt.After(now) {
			delete(s.oauth, state)
			purged++
		}
	}
	return purged
}
