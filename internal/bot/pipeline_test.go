package bot

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"botforge/internal/ai"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/storage"
)

type modAction struct {
	user    string
	action  models.RuleAction
	timeout int
	reason  string
}

type pipelineHarness struct {
	t       *testing.T
	repo    *storage.Storage
	tenant  models.Tenant
	p       *Pipeline
	clock   time.Time
	replies []string
	actions []modAction
}

func newPipelineHarness(t *testing.T, gen ai.Generator) *pipelineHarness {
	return newModeratedHarness(t, gen, nil)
}

func newModeratedHarness(t *testing.T, gen ai.Generator, mod Moderator) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		t:     t,
		clock: time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC),
	}
	h.repo = storage.NewStorage(storage.WithClock(func() time.Time { return h.clock }))
	tenant, err := h.repo.CreateTenant(storage.CreateTenantParams{DisplayName: "Streamer", Email: "s@example.com"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	h.tenant = tenant
	h.p = NewPipeline(PipelineConfig{
		TenantID:  tenant.ID,
		Repo:      h.repo,
		AI:        gen,
		Moderator: mod,
		Now:       func() time.Time { return h.clock },
		Rand:      rand.New(rand.NewSource(42)),
		Reply: func(_ platform.ChatMessage, text string) {
			h.replies = append(h.replies, text)
		},
		Moderate: func(msg platform.ChatMessage, action models.RuleAction, timeoutSeconds int, reason string) {
			h.actions = append(h.actions, modAction{user: msg.Username, action: action, timeout: timeoutSeconds, reason: reason})
		},
	})
	return h
}

func (h *pipelineHarness) say(user, text string, tags models.ChatTags) {
	h.t.Helper()
	h.p.Process(context.Background(), platform.ChatMessage{
		Platform:    models.PlatformTwitch,
		Channel:     "streamer",
		Username:    user,
		DisplayName: user,
		Text:        text,
		Tags:        tags,
		At:          h.clock,
	})
}

func (h *pipelineHarness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *pipelineHarness) balance(user string) int64 {
	bal, _ := h.repo.GetBalance(h.tenant.ID, user, models.PlatformTwitch)
	return bal.Balance
}

func (h *pipelineHarness) award(user string, amount int64) {
	h.t.Helper()
	if _, err := h.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: h.tenant.ID,
		Username: user,
		Platform: models.PlatformTwitch,
		Delta:    amount,
		Reason:   "seed",
		Kind:     models.TxAward,
	}); err != nil {
		h.t.Fatalf("seed balance: %v", err)
	}
}

func (h *pipelineHarness) lastReply() string {
	if len(h.replies) == 0 {
		return ""
	}
	return h.replies[len(h.replies)-1]
}

func TestBannedWordTimesOutViewer(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveBotConfig(models.BotConfig{
		TenantID:     h.tenant.ID,
		IntervalMode: models.IntervalManual,
		BannedWords:  []string{"pineapple"},
		IsActive:     true,
	}))

	h.say("troll", "pineapple pizza is best", models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(h.actions))
	}
	got := h.actions[0]
	if got.action != models.ActionTimeout || got.timeout != 300 {
		t.Fatalf("got %s/%ds, want timeout/300s", got.action, got.timeout)
	}
	if got.reason != "Auto-moderation" {
		t.Fatalf("reason %q, want Auto-moderation", got.reason)
	}
}

func TestBannedWordMatchesWholeWordsOnly(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveBotConfig(models.BotConfig{
		TenantID:     h.tenant.ID,
		IntervalMode: models.IntervalManual,
		BannedWords:  []string{"ass"},
		IsActive:     true,
	}))

	h.say("student", "my class starts at nine", models.ChatTags{})
	if len(h.actions) != 0 {
		t.Fatalf("substring inside a clean word was actioned: %+v", h.actions)
	}

	h.say("troll", "you total ASS.", models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("whole-word hit missed, actions=%+v", h.actions)
	}
}

func TestBannedWordExemptsModerators(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveBotConfig(models.BotConfig{
		TenantID:     h.tenant.ID,
		IntervalMode: models.IntervalManual,
		BannedWords:  []string{"pineapple"},
		IsActive:     true,
	}))

	h.say("mod", "pineapple is fine actually", models.ChatTags{IsModerator: true})
	h.say("streamer", "pineapple forever", models.ChatTags{IsBroadcaster: true})
	if len(h.actions) != 0 {
		t.Fatalf("moderator or broadcaster was actioned: %+v", h.actions)
	}
}

func TestBannedWordBlocksCommandExecution(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveBotConfig(models.BotConfig{
		TenantID:     h.tenant.ID,
		IntervalMode: models.IntervalManual,
		BannedWords:  []string{"pineapple"},
		IsActive:     true,
	}))

	h.say("troll", "!8ball is pineapple good", models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(h.actions))
	}
	if len(h.replies) != 0 {
		t.Fatalf("command ran despite banned word: %q", h.replies)
	}
}

func TestCapsRuleHonoursSeverityThreshold(t *testing.T) {
	h := newPipelineHarness(t, nil)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleCaps,
		Enabled:           true,
		Action:            models.ActionTimeout,
		SeverityThreshold: models.SeverityHigh,
		TimeoutSeconds:    60,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	h.say("shouty", "THIS IS EXTREMELY LOUD CHATTING", models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("all-caps line not actioned, actions=%+v", h.actions)
	}
	if h.actions[0].timeout != 60 {
		t.Fatalf("timeout %d, want the rule's 60", h.actions[0].timeout)
	}

	h.actions = nil
	h.say("normal", "this message is perfectly calm", models.ChatTags{})
	if len(h.actions) != 0 {
		t.Fatalf("calm line actioned: %+v", h.actions)
	}
}

func TestLinkRuleRespectsWhitelist(t *testing.T) {
	h := newPipelineHarness(t, nil)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleLinks,
		Enabled:           true,
		Action:            models.ActionTimeout,
		SeverityThreshold: models.SeverityLow,
		TimeoutSeconds:    120,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	if _, err := h.repo.AddLinkWhitelist(h.tenant.ID, "twitch.tv"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}

	h.say("clipper", "look at this https://clips.twitch.tv/abc", models.ChatTags{})
	if len(h.actions) != 0 {
		t.Fatalf("whitelisted link actioned: %+v", h.actions)
	}

	h.say("spammer", "free stuff at https://totally.legit.example.com", models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("unlisted link not actioned, actions=%+v", h.actions)
	}
}

func TestWarnActionReplies(t *testing.T) {
	h := newPipelineHarness(t, nil)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleCaps,
		Enabled:           true,
		Action:            models.ActionWarn,
		SeverityThreshold: models.SeverityMedium,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	h.say("shouty", "WHY IS EVERYONE SO QUIET HERE", models.ChatTags{})
	if len(h.replies) != 1 || !strings.Contains(h.replies[0], "shouty") {
		t.Fatalf("warn reply missing, replies=%q", h.replies)
	}
}

func TestCurrencyEarnsPerMessage(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveCurrencySettings(models.CurrencySettings{
		TenantID:       h.tenant.ID,
		Enabled:        true,
		EarnPerMessage: 5,
	}))

	h.say("chatter", "hello", models.ChatTags{})
	h.say("chatter", "hello again", models.ChatTags{})
	h.say("chatter", "three", models.ChatTags{})
	if got := h.balance("chatter"); got != 15 {
		t.Fatalf("balance %d after three messages, want 15", got)
	}

	mustSave(t, h.repo.SaveCurrencySettings(models.CurrencySettings{
		TenantID: h.tenant.ID,
		Enabled:  false,
	}))
	h.say("chatter", "no more earning", models.ChatTags{})
	if got := h.balance("chatter"); got != 15 {
		t.Fatalf("balance %d with earning disabled, want 15", got)
	}
}

type scriptedModerator struct {
	calls    int
	verdicts map[string]ai.Moderation
	err      error
}

func (m *scriptedModerator) Moderate(_ context.Context, text string) (ai.Moderation, error) {
	m.calls++
	if m.err != nil {
		return ai.Moderation{}, m.err
	}
	return m.verdicts[strings.ToLower(text)], nil
}

func TestToxicRuleUsesModerationBackend(t *testing.T) {
	mod := &scriptedModerator{verdicts: map[string]ai.Moderation{
		"you are garbage": {Flagged: true, Score: 0.91},
	}}
	h := newModeratedHarness(t, nil, mod)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleToxic,
		Enabled:           true,
		Action:            models.ActionTimeout,
		SeverityThreshold: models.SeverityHigh,
		TimeoutSeconds:    600,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	h.say("hater", "you are garbage", models.ChatTags{})
	if len(h.actions) != 1 || h.actions[0].timeout != 600 {
		t.Fatalf("toxic line not actioned, actions=%+v", h.actions)
	}
	if !strings.Contains(h.actions[0].reason, "toxic") {
		t.Fatalf("reason %q", h.actions[0].reason)
	}

	h.actions = nil
	h.say("calm", "what a lovely stream", models.ChatTags{})
	if len(h.actions) != 0 {
		t.Fatalf("clean line actioned: %+v", h.actions)
	}
}

func TestToxicVerdictCachedByText(t *testing.T) {
	mod := &scriptedModerator{verdicts: map[string]ai.Moderation{
		"awful take": {Flagged: true, Score: 0.6},
	}}
	h := newModeratedHarness(t, nil, mod)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleToxic,
		Enabled:           true,
		Action:            models.ActionWarn,
		SeverityThreshold: models.SeverityMedium,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	h.say("a", "awful take", models.ChatTags{})
	h.say("b", "AWFUL TAKE", models.ChatTags{})
	if mod.calls != 1 {
		t.Fatalf("backend called %d times for identical text, want 1", mod.calls)
	}
	if len(h.actions) != 2 {
		t.Fatalf("cached verdict not applied, actions=%+v", h.actions)
	}

	// The cached verdict expires after an hour.
	h.advance(61 * time.Minute)
	h.say("c", "awful take", models.ChatTags{})
	if mod.calls != 2 {
		t.Fatalf("expired cache entry not refreshed, calls=%d", mod.calls)
	}
}

func TestToxicBackendErrorSkipsRule(t *testing.T) {
	mod := &scriptedModerator{err: fmt.Errorf("backend down")}
	h := newModeratedHarness(t, nil, mod)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleToxic,
		Enabled:           true,
		Action:            models.ActionBan,
		SeverityThreshold: models.SeverityLow,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	h.say("viewer", "anything at all", models.ChatTags{})
	if len(h.actions) != 0 {
		t.Fatalf("backend failure punished a viewer: %+v", h.actions)
	}
}

func TestSpamRuleFlagsFloodAndEmoji(t *testing.T) {
	h := newPipelineHarness(t, nil)
	if _, err := h.repo.SaveModerationRule(models.ModerationRule{
		TenantID:          h.tenant.ID,
		RuleType:          models.RuleSpam,
		Enabled:           true,
		Action:            models.ActionTimeout,
		SeverityThreshold: models.SeverityMedium,
		TimeoutSeconds:    120,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	// Five near-identical messages inside the window trip the flood check.
	for i := 0; i < 4; i++ {
		h.say("flooder", "buy my merch", models.ChatTags{})
		h.advance(2 * time.Second)
	}
	if len(h.actions) != 0 {
		t.Fatalf("flood fired early: %+v", h.actions)
	}
	h.say("flooder", "buy my merch", models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("flood not actioned, actions=%+v", h.actions)
	}

	h.actions = nil
	h.say("emoji", strings.Repeat("🔥", 11), models.ChatTags{})
	if len(h.actions) != 1 {
		t.Fatalf("emoji wall not actioned, actions=%+v", h.actions)
	}

	h.actions = nil
	h.advance(time.Minute)
	h.say("chatty", "a normal message", models.ChatTags{})
	if len(h.actions) != 0 {
		t.Fatalf("normal message actioned: %+v", h.actions)
	}
}

func TestGameCooldownSuppressesRepeatPlays(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveGameSettings(models.GameSettings{
		TenantID:        h.tenant.ID,
		Enabled:         true,
		CooldownMinutes: 5,
	}))
	h.award("gambler", 100)

	h.say("gambler", "!slots 10", models.ChatTags{})
	if len(h.replies) != 1 {
		t.Fatalf("first spin produced %d replies", len(h.replies))
	}
	afterFirst := h.balance("gambler")

	h.advance(time.Minute)
	h.say("gambler", "!slots 10", models.ChatTags{})
	if len(h.replies) != 1 {
		t.Fatalf("spin inside cooldown replied: %q", h.replies)
	}
	if got := h.balance("gambler"); got != afterFirst {
		t.Fatalf("cooldown spin moved the balance %d -> %d", afterFirst, got)
	}

	h.advance(5 * time.Minute)
	h.say("gambler", "!slots 10", models.ChatTags{})
	if len(h.replies) != 2 {
		t.Fatalf("spin after cooldown suppressed: %q", h.replies)
	}
}

func TestTriviaQuestionAndAnswerFlow(t *testing.T) {
	h := newPipelineHarness(t, nil)
	mustSave(t, h.repo.SaveGameSettings(models.GameSettings{
		TenantID:     h.tenant.ID,
		Enabled:      true,
		TriviaPoints: 25,
	}))

	h.say("brainiac", "!trivia", models.ChatTags{})
	if len(h.replies) != 1 || !strings.Contains(h.replies[0], "25 points") {
		t.Fatalf("trivia question reply missing, replies=%q", h.replies)
	}
	state, ok := h.repo.GetGameState(h.tenant.ID, "brainiac", models.PlatformTwitch)
	if !ok || state.Game != "trivia" {
		t.Fatalf("trivia state not stored: %+v", state)
	}

	h.say("brainiac", strings.ToUpper(state.Answer)+"!", models.ChatTags{})
	if got := h.balance("brainiac"); got != 25 {
		t.Fatalf("balance %d after correct answer, want 25", got)
	}
	if _, still := h.repo.GetGameState(h.tenant.ID, "brainiac", models.PlatformTwitch); still {
		t.Fatal("trivia state survived a correct answer")
	}
	if !strings.Contains(h.lastReply(), "got it") {
		t.Fatalf("win reply missing, got %q", h.lastReply())
	}
}

func TestTriviaWrongAnswerKeepsState(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.say("brainiac", "!trivia", models.ChatTags{})
	state, _ := h.repo.GetGameState(h.tenant.ID, "brainiac", models.PlatformTwitch)

	h.say("brainiac", "definitely not "+state.Answer+" extra words", models.ChatTags{})
	if _, still := h.repo.GetGameState(h.tenant.ID, "brainiac", models.PlatformTwitch); !still {
		t.Fatal("wrong answer cleared the trivia state")
	}
	if got := h.balance("brainiac"); got != 0 {
		t.Fatalf("balance %d after wrong answer, want 0", got)
	}
}

func TestGiveawayEntryOncePerUser(t *testing.T) {
	h := newPipelineHarness(t, nil)
	g, err := h.repo.CreateGiveaway(storage.CreateGiveawayParams{
		TenantID: h.tenant.ID,
		Title:    "Key drop",
		Keyword:  "enter",
	})
	if err != nil {
		t.Fatalf("create giveaway: %v", err)
	}

	h.say("hopeful", "enter", models.ChatTags{})
	h.say("hopeful", "ENTER", models.ChatTags{})
	h.say("other", "  enter  ", models.ChatTags{})

	entries := h.repo.ListGiveawayEntries(g.ID)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (one per user)", len(entries))
	}
}

func TestGiveawaySubscriberGate(t *testing.T) {
	h := newPipelineHarness(t, nil)
	g, err := h.repo.CreateGiveaway(storage.CreateGiveawayParams{
		TenantID:             h.tenant.ID,
		Title:                "Subs only",
		Keyword:              "enter",
		RequiresSubscription: true,
	})
	if err != nil {
		t.Fatalf("create giveaway: %v", err)
	}

	h.say("pleb", "enter", models.ChatTags{})
	h.say("sub", "enter", models.ChatTags{IsSubscriber: true})

	entries := h.repo.ListGiveawayEntries(g.ID)
	if len(entries) != 1 || entries[0].Username != "sub" {
		t.Fatalf("entries %+v, want only the subscriber", entries)
	}
	if len(h.replies) != 0 {
		t.Fatalf("gate produced chat output: %q", h.replies)
	}
}

func TestCustomCommandCooldownAndCounter(t *testing.T) {
	h := newPipelineHarness(t, nil)
	if _, err := h.repo.SaveCommand(models.CustomCommand{
		TenantID:        h.tenant.ID,
		Name:            "!hype",
		Response:        "hype #{count} by {user}",
		CooldownSeconds: 30,
		IsActive:        true,
		PermissionLevel: models.PermissionEveryone,
	}); err != nil {
		t.Fatalf("save command: %v", err)
	}

	h.say("fan", "!hype", models.ChatTags{})
	if h.lastReply() != "hype #1 by fan" {
		t.Fatalf("first use replied %q", h.lastReply())
	}

	h.advance(5 * time.Second)
	h.say("fan", "!hype", models.ChatTags{})
	if len(h.replies) != 1 {
		t.Fatalf("cooldown did not suppress reuse: %q", h.replies)
	}

	h.advance(31 * time.Second)
	h.say("fan2", "!hype", models.ChatTags{})
	if h.lastReply() != "hype #2 by fan2" {
		t.Fatalf("post-cooldown use replied %q", h.lastReply())
	}
}

func TestCustomCommandPermissionGate(t *testing.T) {
	h := newPipelineHarness(t, nil)
	if _, err := h.repo.SaveCommand(models.CustomCommand{
		TenantID:        h.tenant.ID,
		Name:            "!secret",
		Response:        "mods only",
		IsActive:        true,
		PermissionLevel: models.PermissionModerator,
	}); err != nil {
		t.Fatalf("save command: %v", err)
	}

	h.say("pleb", "!secret", models.ChatTags{})
	if len(h.replies) != 0 {
		t.Fatalf("permission gate leaked: %q", h.replies)
	}
	h.say("mod", "!secret", models.ChatTags{IsModerator: true})
	if h.lastReply() != "mods only" {
		t.Fatalf("moderator use replied %q", h.lastReply())
	}
}

func TestDuelTransfersThePot(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.award("alice", 100)
	h.award("bob", 100)

	h.say("alice", "!duel @bob 50", models.ChatTags{})
	if !strings.Contains(h.lastReply(), "challenges") {
		t.Fatalf("challenge reply missing, got %q", h.lastReply())
	}
	h.say("bob", "!accept", models.ChatTags{})

	aliceBal, bobBal := h.balance("alice"), h.balance("bob")
	if aliceBal+bobBal != 200 {
		t.Fatalf("pot leaked: alice=%d bob=%d", aliceBal, bobBal)
	}
	if aliceBal != 150 && aliceBal != 50 {
		t.Fatalf("alice=%d, want 150 or 50", aliceBal)
	}
	if _, still := h.repo.GetGameState(h.tenant.ID, "bob", models.PlatformTwitch); still {
		t.Fatal("duel state survived the accept")
	}
}

func TestDuelRequiresStake(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.say("broke", "!duel @bob 50", models.ChatTags{})
	if !strings.Contains(h.lastReply(), "enough") {
		t.Fatalf("broke challenger reply %q", h.lastReply())
	}
	if _, pending := h.repo.GetGameState(h.tenant.ID, "bob", models.PlatformTwitch); pending {
		t.Fatal("duel state stored without a stake")
	}
}

func TestGambleRejectsInsufficientBalance(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.say("broke", "!gamble 50", models.ChatTags{})
	if !strings.Contains(h.lastReply(), "enough") {
		t.Fatalf("got %q, want an insufficient-balance reply", h.lastReply())
	}
	if got := h.balance("broke"); got != 0 {
		t.Fatalf("balance %d, want 0", got)
	}
}

func TestGambleConservesOrDoublesWager(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.award("gambler", 100)
	h.say("gambler", "!gamble 40", models.ChatTags{})
	got := h.balance("gambler")
	if got != 60 && got != 140 {
		t.Fatalf("balance %d, want 60 (loss) or 140 (win)", got)
	}
}

func TestLeaderboardListsTopFive(t *testing.T) {
	h := newPipelineHarness(t, nil)
	for i := 1; i <= 7; i++ {
		h.award(fmt.Sprintf("user%d", i), int64(i*10))
	}
	h.say("viewer", "!leaderboard", models.ChatTags{})
	reply := h.lastReply()
	if !strings.Contains(reply, "user7 (70)") {
		t.Fatalf("top earner missing from %q", reply)
	}
	if strings.Contains(reply, "user2") || strings.Contains(reply, "user1 (") {
		t.Fatalf("leaderboard leaked past the top five: %q", reply)
	}
}

func TestKeywordTriggerCoolsDown(t *testing.T) {
	gen := &ai.Static{Lines: []string{"what a game!", "still a great game!"}}
	h := newPipelineHarness(t, gen)
	mustSave(t, h.repo.SaveBotConfig(models.BotConfig{
		TenantID:     h.tenant.ID,
		IntervalMode: models.IntervalManual,
		ChatKeywords: []string{"game"},
		IsActive:     true,
	}))

	h.say("fan", "this game is awesome", models.ChatTags{})
	if len(h.replies) != 1 {
		t.Fatalf("keyword did not fire, replies=%q", h.replies)
	}

	h.advance(time.Minute)
	h.say("fan2", "the game rules", models.ChatTags{})
	if len(h.replies) != 1 {
		t.Fatalf("keyword fired inside cooldown, replies=%q", h.replies)
	}

	h.advance(5 * time.Minute)
	h.say("fan3", "game of the year", models.ChatTags{})
	if len(h.replies) != 2 {
		t.Fatalf("keyword did not fire after cooldown, replies=%q", h.replies)
	}
}

func TestShoutoutModeratorOnly(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.say("pleb", "!so friendo", models.ChatTags{})
	if len(h.replies) != 0 {
		t.Fatalf("non-moderator shoutout leaked: %q", h.replies)
	}
	h.say("mod", "!so @friendo", models.ChatTags{IsModerator: true})
	if !strings.Contains(h.lastReply(), "friendo") {
		t.Fatalf("shoutout reply %q", h.lastReply())
	}
}

func mustSave(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
}
