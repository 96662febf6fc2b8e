package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"botforge/internal/ai"
	"botforge/internal/bus"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/storage"
)

const (
	// floodWindow is the sliding window for per-user flood detection.
	floodWindow = 30 * time.Second
	// keywordCooldown spaces out AI keyword responses per keyword.
	keywordCooldown = 5 * time.Minute
	// triviaTTL is how long a trivia question stays answerable.
	triviaTTL = 2 * time.Minute
	// duelTTL is how long a duel challenge stays open.
	duelTTL = 2 * time.Minute
	// toxicCacheTTL is how long a moderation API verdict is reused for
	// identical text.
	toxicCacheTTL = time.Hour
	// bannedWordTimeout is the default timeout for a banned-word hit.
	bannedWordTimeout = 300
)

// Moderator classifies chat text for the toxic rule. The AI client
// implements it; a nil Moderator disables the rule.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ai.Moderation, error)
}

// Pipeline runs every inbound message through the moderation and feature
// stages in a fixed order. One pipeline serves one tenant and is driven by
// a single goroutine; its per-user bookkeeping needs no locking beyond the
// rng guard.
type Pipeline struct {
	tenantID  string
	repo      storage.Repository
	logger    *slog.Logger
	events    *bus.Bus
	ai        ai.Generator
	moderator Moderator
	spotify   *platform.SpotifyClient
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// reply enqueues an outbound chat message on the message's platform.
	reply func(msg platform.ChatMessage, text string)
	// moderate applies a moderation action against the message's author.
	moderate func(msg platform.ChatMessage, action models.RuleAction, timeoutSeconds int, reason string)
	// sessionID resolves the open stream session for a platform, if any.
	sessionID func(p models.Platform) (string, bool)
	// uptime reports how long the current session has run.
	uptime func(p models.Platform) time.Duration

	recentLines   map[string][]floodEntry
	keywordFired  map[string]time.Time
	gameCooldowns map[string]time.Time
	toxicCache    map[string]toxicEntry
}

type floodEntry struct {
	at   time.Time
	text string
}

type toxicEntry struct {
	result ai.Moderation
	at     time.Time
}

// PipelineConfig wires a pipeline's collaborators.
type PipelineConfig struct {
	TenantID  string
	Repo      storage.Repository
	Logger    *slog.Logger
	Events    *bus.Bus
	AI        ai.Generator
	Moderator Moderator
	Spotify   *platform.SpotifyClient
	Now       func() time.Time
	Rand      *rand.Rand
	Reply     func(msg platform.ChatMessage, text string)
	Moderate  func(msg platform.ChatMessage, action models.RuleAction, timeoutSeconds int, reason string)
	SessionID func(p models.Platform) (string, bool)
	Uptime    func(p models.Platform) time.Duration
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &Pipeline{
		tenantID:      cfg.TenantID,
		repo:          cfg.Repo,
		logger:        logger.With("component", "pipeline", "tenant", cfg.TenantID),
		events:        cfg.Events,
		ai:            cfg.AI,
		moderator:     cfg.Moderator,
		spotify:       cfg.Spotify,
		now:           now,
		rng:           rng,
		reply:         cfg.Reply,
		moderate:      cfg.Moderate,
		sessionID:     cfg.SessionID,
		uptime:        cfg.Uptime,
		recentLines:   make(map[string][]floodEntry),
		keywordFired:  make(map[string]time.Time),
		gameCooldowns: make(map[string]time.Time),
		toxicCache:    make(map[string]toxicEntry),
	}
	if p.reply == nil {
		p.reply = func(platform.ChatMessage, string) {}
	}
	if p.moderate == nil {
		p.moderate = func(platform.ChatMessage, models.RuleAction, int, string) {}
	}
	if p.sessionID == nil {
		p.sessionID = func(models.Platform) (string, bool) { return "", false }
	}
	if p.uptime == nil {
		p.uptime = func(models.Platform) time.Duration { return 0 }
	}
	return p
}

// Process runs one message through the stages. Stage order is load-bearing:
// activity and currency always run, moderation can stop everything after
// them, and feature stages run only for clean messages.
func (p *Pipeline) Process(ctx context.Context, msg platform.ChatMessage) {
	p.publish(bus.Event{
		Type:     bus.TypeChatMessage,
		TenantID: p.tenantID,
		Platform: msg.Platform,
		Payload:  map[string]string{"user": msg.Username, "text": msg.Text},
	})
	p.recordActivity(msg)
	p.awardCurrency(msg)
	if p.enforceBannedWords(msg) {
		return
	}
	if p.enforceModeration(ctx, msg) {
		return
	}
	if p.resolveTrivia(msg) {
		return
	}
	if IsCommand(msg.Text) {
		if p.runCommand(ctx, msg) {
			return
		}
	}
	if p.enterGiveaway(msg) {
		return
	}
	p.keywordTrigger(ctx, msg)
}

// IsCommand reports whether a chat line invokes a command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "!")
}

func (p *Pipeline) recordActivity(msg platform.ChatMessage) {
	sessionID, ok := p.sessionID(msg.Platform)
	if !ok {
		return
	}
	if _, err := p.repo.AddChatActivity(sessionID, msg.Username, msg.At); err != nil {
		p.logger.Error("record chat activity", "error", err)
	}
}

// awardCurrency credits the per-message earn rate. Every message earns;
// rate shaping belongs to the tenant's EarnPerMessage setting.
func (p *Pipeline) awardCurrency(msg platform.ChatMessage) {
	settings, ok := p.repo.GetCurrencySettings(p.tenantID)
	if !ok || !settings.Enabled || settings.EarnPerMessage <= 0 {
		return
	}
	if _, err := p.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: p.tenantID,
		Username: msg.Username,
		Platform: msg.Platform,
		Delta:    int64(settings.EarnPerMessage),
		Reason:   "chat activity",
		Kind:     models.TxEarn,
	}); err != nil {
		p.logger.Error("award chat currency", "user", msg.Username, "error", err)
	}
}

func (p *Pipeline) enforceBannedWords(msg platform.ChatMessage) bool {
	cfg, ok := p.repo.GetBotConfig(p.tenantID)
	if !ok || len(cfg.BannedWords) == 0 {
		return false
	}
	if msg.Tags.IsBroadcaster || msg.Tags.IsModerator {
		return false
	}
	word, hit := containsBannedWord(msg.Text, cfg.BannedWords)
	if !hit {
		return false
	}
	p.logger.Info("banned word hit", "user", msg.Username, "word", word)
	p.applyModeration(msg, models.ActionTimeout, bannedWordTimeout, "Auto-moderation", "banned_words")
	return true
}

func (p *Pipeline) enforceModeration(ctx context.Context, msg platform.ChatMessage) bool {
	flood := p.trackFlood(msg)
	if msg.Tags.IsBroadcaster || msg.Tags.IsModerator {
		return false
	}
	rules := p.repo.ListModerationRules(p.tenantID)
	if len(rules) == 0 {
		return false
	}
	var whitelist []models.LinkWhitelistEntry

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		var v verdict
		switch rule.RuleType {
		case models.RuleToxic:
			v = p.scanToxic(ctx, msg.Text)
		case models.RuleSpam:
			v = scanSpam(msg.Text, flood)
		case models.RuleLinks:
			if whitelist == nil {
				whitelist = p.repo.ListLinkWhitelist(p.tenantID)
			}
			v = scanLinks(msg.Text, whitelist)
		case models.RuleCaps:
			v = scanCaps(msg.Text)
		case models.RuleSymbols:
			v = scanSymbols(msg.Text)
		}
		if !v.triggered || !v.severity.AtLeast(rule.SeverityThreshold) {
			continue
		}
		if rule.Action == models.ActionAllow {
			continue
		}
		p.applyModeration(msg, rule.Action, rule.TimeoutSeconds, v.reason, string(rule.RuleType))
		return true
	}
	return false
}

// trackFlood records the message in the user's sliding window and reports
// how many messages, and how many distinct texts, the window now holds.
func (p *Pipeline) trackFlood(msg platform.ChatMessage) floodStats {
	key := string(msg.Platform) + "|" + strings.ToLower(msg.Username)
	now := p.now()
	entries := append(p.recentLines[key], floodEntry{at: now, text: msg.Text})
	kept := entries[:0]
	for _, e := range entries {
		if now.Sub(e.at) <= floodWindow {
			kept = append(kept, e)
		}
	}
	p.recentLines[key] = kept

	distinct := make(map[string]struct{}, len(kept))
	for _, e := range kept {
		distinct[e.text] = struct{}{}
	}
	return floodStats{count: len(kept), distinct: len(distinct)}
}

// scanToxic asks the moderation backend for a verdict, caching the decision
// for identical lowercased text. A backend error skips the rule rather than
// punishing the viewer.
func (p *Pipeline) scanToxic(ctx context.Context, text string) verdict {
	if p.moderator == nil {
		return verdict{}
	}
	key := strings.ToLower(text)
	now := p.now()
	entry, cached := p.toxicCache[key]
	if !cached || now.Sub(entry.at) >= toxicCacheTTL {
		result, err := p.moderator.Moderate(ctx, text)
		if err != nil {
			p.logger.Warn("toxicity check failed", "error", err)
			return verdict{}
		}
		if len(p.toxicCache) >= 4096 {
			for k, e := range p.toxicCache {
				if now.Sub(e.at) >= toxicCacheTTL {
					delete(p.toxicCache, k)
				}
			}
		}
		entry = toxicEntry{result: result, at: now}
		p.toxicCache[key] = entry
	}
	if !entry.result.Flagged {
		return verdict{}
	}
	severity := models.SeverityLow
	switch {
	case entry.result.Score > 0.8:
		severity = models.SeverityHigh
	case entry.result.Score > 0.5:
		severity = models.SeverityMedium
	}
	return verdict{triggered: true, severity: severity, reason: "toxic language"}
}

func (p *Pipeline) applyModeration(msg platform.ChatMessage, action models.RuleAction, timeoutSeconds int, reason, ruleTriggered string) {
	if action == models.ActionTimeout && timeoutSeconds <= 0 {
		timeoutSeconds = bannedWordTimeout
	}
	p.moderate(msg, action, timeoutSeconds, reason)
	if action == models.ActionWarn {
		p.reply(msg, fmt.Sprintf("@%s please keep chat clean (%s)", msg.DisplayName, reason))
	}
	p.publish(bus.Event{
		Type:     bus.TypeModeration,
		TenantID: p.tenantID,
		Platform: msg.Platform,
		Payload: map[string]string{
			"user":          msg.Username,
			"action":        string(action),
			"reason":        reason,
			"ruleTriggered": ruleTriggered,
		},
	})
	p.logger.Info("moderation action", "user", msg.Username, "action", action, "rule", ruleTriggered)
}

// gameOnCooldown enforces the per-user per-game cooldown from the tenant's
// game settings. A zero cooldown disables the check.
func (p *Pipeline) gameOnCooldown(msg platform.ChatMessage, game string) bool {
	settings, ok := p.repo.GetGameSettings(p.tenantID)
	if !ok || settings.CooldownMinutes <= 0 {
		return false
	}
	key := string(msg.Platform) + "|" + strings.ToLower(msg.Username) + "|" + game
	now := p.now()
	if last, seen := p.gameCooldowns[key]; seen && now.Sub(last) < time.Duration(settings.CooldownMinutes)*time.Minute {
		return true
	}
	p.gameCooldowns[key] = now
	return false
}

func (p *Pipeline) resolveTrivia(msg platform.ChatMessage) bool {
	state, ok := p.repo.GetGameState(p.tenantID, msg.Username, msg.Platform)
	if !ok || state.Game != "trivia" {
		return false
	}
	if !answersMatch(msg.Text, state.Answer) {
		return false
	}
	if err := p.repo.DeleteGameState(p.tenantID, msg.Username, msg.Platform); err != nil {
		p.logger.Error("clear trivia state", "error", err)
	}
	if _, err := p.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: p.tenantID,
		Username: msg.Username,
		Platform: msg.Platform,
		Delta:    int64(state.Points),
		Reason:   "trivia win",
		Kind:     models.TxAward,
	}); err != nil {
		p.logger.Error("award trivia points", "error", err)
	}
	p.reply(msg, fmt.Sprintf("@%s got it! +%d points", msg.DisplayName, state.Points))
	return true
}

func (p *Pipeline) enterGiveaway(msg platform.ChatMessage) bool {
	giveaway, ok := p.repo.ActiveGiveaway(p.tenantID)
	if !ok {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(msg.Text), giveaway.Keyword) {
		return false
	}
	if giveaway.RequiresSubscription && !msg.Tags.IsSubscriber {
		return true
	}
	entry, err := p.repo.AddGiveawayEntry(models.GiveawayEntry{
		GiveawayID:   giveaway.ID,
		Username:     msg.Username,
		Platform:     msg.Platform,
		IsSubscriber: msg.Tags.IsSubscriber,
		EnteredAt:    msg.At,
	})
	if err != nil {
		if !errors.Is(err, storage.ErrDuplicateEntry) {
			p.logger.Error("giveaway entry", "user", msg.Username, "error", err)
		}
		return true
	}
	p.publish(bus.Event{
		Type:     bus.TypeGiveawayEntry,
		TenantID: p.tenantID,
		Platform: msg.Platform,
		Payload: map[string]string{
			"giveawayId": giveaway.ID,
			"entryId":    entry.ID,
			"user":       entry.Username,
		},
	})
	return true
}

func (p *Pipeline) keywordTrigger(ctx context.Context, msg platform.ChatMessage) {
	if p.ai == nil {
		return
	}
	cfg, ok := p.repo.GetBotConfig(p.tenantID)
	if !ok || len(cfg.ChatKeywords) == 0 {
		return
	}
	folded := foldCase(msg.Text)
	now := p.now()
	for _, keyword := range cfg.ChatKeywords {
		keyword = foldCase(strings.TrimSpace(keyword))
		if keyword == "" || !strings.Contains(folded, keyword) {
			continue
		}
		if fired, seen := p.keywordFired[keyword]; seen && now.Sub(fired) < keywordCooldown {
			return
		}
		p.keywordFired[keyword] = now

		prompt := fmt.Sprintf("A viewer named %s mentioned %q in chat: %q. Respond in the stream's voice.",
			msg.DisplayName, keyword, msg.Text)
		if cfg.AIPromptTemplate != "" {
			prompt = cfg.AIPromptTemplate + "\n\n" + prompt
		}
		text, err := p.ai.Generate(ctx, ai.Request{
			Model:       cfg.AIModel,
			Prompt:      prompt,
			Temperature: cfg.AITemperature,
		})
		if err != nil {
			p.logger.Warn("keyword response generation failed", "keyword", keyword, "error", err)
			return
		}
		p.reply(msg, text)
		return
	}
}

func (p *Pipeline) publish(event bus.Event) {
	if p.events != nil {
		p.events.Publish(event)
	}
}

func (p *Pipeline) intn(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(n)
}

func (p *Pipeline) withRNG(fn func(rng *rand.Rand)) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	fn(p.rng)
}
