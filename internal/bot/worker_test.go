package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"botforge/internal/ai"
	"botforge/internal/breaker"
	"botforge/internal/bus"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/queue"
	"botforge/internal/quota"
	"botforge/internal/storage"
)

type captureEnqueuer struct {
	mu    sync.Mutex
	items []models.MessageQueueItem
}

func (e *captureEnqueuer) Enqueue(item models.MessageQueueItem) (models.MessageQueueItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, item)
	return item, nil
}

func (e *captureEnqueuer) all() []models.MessageQueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.MessageQueueItem(nil), e.items...)
}

func (e *captureEnqueuer) find(messageType string) (models.MessageQueueItem, bool) {
	for _, item := range e.all() {
		if item.MessageType == messageType {
			return item, true
		}
	}
	return models.MessageQueueItem{}, false
}

type staticTokens struct {
	mu        sync.Mutex
	refreshed []models.Platform
}

func (s *staticTokens) AccessToken(context.Context, string, models.Platform) (string, error) {
	return "live-access-token", nil
}

func (s *staticTokens) RefreshOnAuthError(_ context.Context, _ string, p models.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, p)
	return nil
}

func (s *staticTokens) refreshes() []models.Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Platform(nil), s.refreshed...)
}

type workerHarness struct {
	t        *testing.T
	repo     *storage.Storage
	tenant   models.Tenant
	adapter  *platform.FakeAdapter
	out      *captureEnqueuer
	tokens   *staticTokens
	quota    *quota.Tracker
	circuits *breaker.Breaker
	events   *bus.Bus
	worker   *Worker
}

func newWorkerHarness(t *testing.T, gen ai.Generator) *workerHarness {
	t.Helper()
	repo := storage.NewStorage()
	tenant, err := repo.CreateTenant(storage.CreateTenantParams{DisplayName: "Streamer", Email: "s@example.com"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := repo.UpsertConnection(storage.UpsertConnectionParams{
		TenantID:         tenant.ID,
		Platform:         models.PlatformTwitch,
		PlatformUsername: "streamer",
	}); err != nil {
		t.Fatalf("connect twitch: %v", err)
	}
	if err := repo.SaveBotConfig(models.BotConfig{
		TenantID:        tenant.ID,
		IntervalMode:    models.IntervalManual,
		ActivePlatforms: []models.Platform{models.PlatformTwitch},
		IsActive:        true,
	}); err != nil {
		t.Fatalf("save config: %v", err)
	}

	adapter := platform.NewFakeAdapter(models.PlatformTwitch)
	out := &captureEnqueuer{}
	tokens := &staticTokens{}
	tracker := quota.NewTracker(quota.NewMemoryStore(), nil)
	circuits := breaker.New(nil)
	events := bus.New(nil)
	worker := NewWorker(Config{
		TenantID: tenant.ID,
		Repo:     repo,
		Events:   events,
		Adapters: map[models.Platform]platform.Adapter{models.PlatformTwitch: adapter},
		Tokens:   tokens,
		Quota:    tracker,
		Breaker:  circuits,
		Outbound: out,
		AI:       gen,
	})
	return &workerHarness{
		t: t, repo: repo, tenant: tenant, adapter: adapter, out: out,
		tokens: tokens, quota: tracker, circuits: circuits, events: events, worker: worker,
	}
}

func (h *workerHarness) start() {
	h.t.Helper()
	if err := h.worker.Start(context.Background()); err != nil {
		h.t.Fatalf("start worker: %v", err)
	}
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.worker.Stop(ctx)
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorkerStartStopLifecycle(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	if state, _ := h.worker.State(); state != StateRunning {
		t.Fatalf("state %s, want running", state)
	}
	stream, open := h.repo.OpenStreamSession(h.tenant.ID, models.PlatformTwitch)
	if !open {
		t.Fatal("no open stream session after start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.worker.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state, _ := h.worker.State(); state != StateStopped {
		t.Fatalf("state %s after stop, want stopped", state)
	}
	if !h.adapter.Session().Closed() {
		t.Fatal("platform session left open")
	}
	ended, _ := h.repo.GetStreamSession(stream.ID)
	if ended.EndedAt == nil {
		t.Fatal("stream session not ended")
	}
}

func TestWorkerStartTwiceConflicts(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()
	err := h.worker.Start(context.Background())
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second start error %v, want conflict", err)
	}
}

func TestWorkerStartWithoutConnectionsFails(t *testing.T) {
	h := newWorkerHarness(t, nil)
	if err := h.repo.SetConnectionState(h.tenant.ID, models.PlatformTwitch, false); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := h.worker.Start(context.Background()); err == nil {
		t.Fatal("start succeeded with no connected platforms")
	}
	if state, reason := h.worker.State(); state != StateStopped || reason == "" {
		t.Fatalf("state %s/%q, want stopped with a reason", state, reason)
	}
}

func TestWorkerStartConnectFailureTearsDown(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.adapter.FailNextConnect(errors.New("irc handshake refused"))
	if err := h.worker.Start(context.Background()); err == nil {
		t.Fatal("start succeeded despite connect failure")
	}
	if _, open := h.repo.OpenStreamSession(h.tenant.ID, models.PlatformTwitch); open {
		t.Fatal("stream session left open after failed start")
	}
}

func TestWorkerProcessesInboundCommand(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	h.adapter.Session().InjectMessage(platform.ChatMessage{
		Channel:     "streamer",
		Username:    "fan",
		DisplayName: "fan",
		Text:        "!balance",
		At:          time.Now(),
	})

	waitFor(t, func() bool {
		item, ok := h.out.find(MessageTypeChat)
		return ok && strings.Contains(item.Content, "fan") && strings.Contains(item.Content, "points")
	}, "balance reply never enqueued")
}

func TestWorkerDeliverSendsOverSession(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
		TenantID:    h.tenant.ID,
		Platform:    models.PlatformTwitch,
		MessageType: MessageTypeChat,
		Content:     "hello chat",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sent := h.adapter.Session().Sent()
	if len(sent) != 1 || sent[0] != "hello chat" {
		t.Fatalf("session sent %q", sent)
	}
}

func TestWorkerDeliverReportsSendFailure(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()
	h.adapter.Session().FailSends(errors.New("wire dropped"))

	err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
		TenantID: h.tenant.ID,
		Platform: models.PlatformTwitch,
		Content:  "doomed",
	})
	if err == nil {
		t.Fatal("deliver succeeded despite send failure")
	}
}

func TestWorkerDeliverWithoutSessionFails(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
		TenantID: h.tenant.ID,
		Platform: models.PlatformYouTube,
		Content:  "nowhere to go",
	})
	if err == nil {
		t.Fatal("deliver succeeded without a session")
	}
}

func TestWorkerDeliverAIPostRecordsTimestamp(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	if err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
		TenantID:    h.tenant.ID,
		Platform:    models.PlatformTwitch,
		MessageType: MessageTypeAIPost,
		Content:     "scheduled hype",
	}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	cfg, _ := h.repo.GetBotConfig(h.tenant.ID)
	if cfg.LastPostedAt == nil {
		t.Fatal("ai post delivery did not record last posted time")
	}
}

func TestRaidTriggersAutoShoutout(t *testing.T) {
	h := newWorkerHarness(t, nil)
	if err := h.repo.SaveShoutoutSettings(models.ShoutoutSettings{
		TenantID:    h.tenant.ID,
		Enabled:     true,
		AutoOnRaid:  true,
		Template:    "Welcome raiders from {user}!",
		MinRaidSize: 5,
	}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	h.start()

	h.adapter.Session().InjectRaid(platform.RaidEvent{FromChannel: "bigstreamer", Viewers: 12})
	item, ok := h.out.find(MessageTypeChat)
	if !ok || item.Content != "Welcome raiders from bigstreamer!" {
		t.Fatalf("shoutout item %+v", item)
	}
	if item.Priority != 7 {
		t.Fatalf("shoutout priority %d, want 7", item.Priority)
	}

	before := len(h.out.all())
	h.adapter.Session().InjectRaid(platform.RaidEvent{FromChannel: "tiny", Viewers: 2})
	if len(h.out.all()) != before {
		t.Fatal("raid below minimum size produced a shoutout")
	}
}

func TestWorkerPostNowEnqueuesAIPost(t *testing.T) {
	h := newWorkerHarness(t, &ai.Static{Lines: []string{"manual hype line"}})
	h.start()

	if err := h.worker.PostNow(context.Background(), nil, ""); err != nil {
		t.Fatalf("post now: %v", err)
	}
	item, ok := h.out.find(MessageTypeAIPost)
	if !ok || item.Content != "manual hype line" {
		t.Fatalf("ai post item %+v", item)
	}
	if item.Platform != models.PlatformTwitch {
		t.Fatalf("ai post platform %s, want twitch", item.Platform)
	}

	if err := h.worker.PostNow(context.Background(), nil, "prewritten fact"); err != nil {
		t.Fatalf("post fact: %v", err)
	}
	found := false
	for _, queued := range h.out.all() {
		if queued.Content == "prewritten fact" {
			found = true
		}
	}
	if !found {
		t.Fatal("prewritten fact was not enqueued")
	}

	if err := h.worker.PostNow(context.Background(), []models.Platform{models.PlatformYouTube}, "x"); err == nil {
		t.Fatal("post to platform without live session succeeded")
	}
}

func TestWorkerDisconnectDropsSession(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	h.adapter.Session().Drop(errors.New("remote hangup"))

	waitFor(t, func() bool {
		err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
			TenantID: h.tenant.ID,
			Platform: models.PlatformTwitch,
			Content:  "after drop",
		})
		return err != nil
	}, "deliver kept succeeding after disconnect")

	if state, _ := h.worker.State(); state != StateRunning {
		t.Fatalf("state %s after disconnect, want still running", state)
	}
}

func TestDeliverQuotaExhaustionDefersWithoutRetry(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()
	ctx := context.Background()

	// Kick's budget is 100/minute with refusals starting at 95 used.
	for i := 0; i < 95; i++ {
		if _, err := h.quota.Allow(ctx, models.PlatformKick); err != nil {
			t.Fatalf("fill quota: %v", err)
		}
	}
	err := h.worker.Deliver(ctx, models.MessageQueueItem{
		TenantID: h.tenant.ID,
		Platform: models.PlatformKick,
		Content:  "over budget",
	})
	var later *queue.RetryLater
	if !errors.As(err, &later) {
		t.Fatalf("deliver error %v, want deferral", err)
	}
	if !errors.Is(err, quota.ErrExceeded) {
		t.Fatalf("deferral cause %v, want quota exceeded", later.Err)
	}
	if later.After <= 0 {
		t.Fatalf("deferral delay %s, want positive", later.After)
	}
}

func TestDeliverOpenCircuitDefersWithoutRetry(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	for i := 0; i < 5; i++ {
		h.circuits.RecordFailure(models.PlatformTwitch)
	}
	err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
		TenantID: h.tenant.ID,
		Platform: models.PlatformTwitch,
		Content:  "circuit is open",
	})
	var later *queue.RetryLater
	if !errors.As(err, &later) {
		t.Fatalf("deliver error %v, want deferral", err)
	}
	if later.After <= 0 {
		t.Fatalf("deferral delay %s, want positive", later.After)
	}
	if sent := h.adapter.Session().Sent(); len(sent) != 0 {
		t.Fatalf("message sent through an open circuit: %q", sent)
	}
}

func TestDeliverAuthRejectionRefreshesTokenOnce(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()
	h.adapter.Session().FailSends(fmt.Errorf("twitch send: %w", platform.ErrAuthRejected))

	err := h.worker.Deliver(context.Background(), models.MessageQueueItem{
		TenantID: h.tenant.ID,
		Platform: models.PlatformTwitch,
		Content:  "stale token",
	})
	if err == nil {
		t.Fatal("deliver succeeded despite credential rejection")
	}
	refreshed := h.tokens.refreshes()
	if len(refreshed) != 1 || refreshed[0] != models.PlatformTwitch {
		t.Fatalf("refresh calls %v, want one for twitch", refreshed)
	}
	if sent := h.adapter.Session().Sent(); len(sent) != 0 {
		t.Fatalf("rejected send was retried: %q", sent)
	}
}

func TestAuthRejectedDisconnectTriggersRefresh(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	h.adapter.Session().Drop(fmt.Errorf("twitch login: %w", platform.ErrAuthRejected))

	waitFor(t, func() bool {
		refreshed := h.tokens.refreshes()
		return len(refreshed) == 1 && refreshed[0] == models.PlatformTwitch
	}, "disconnect with rejected credentials never refreshed the token")
}

func TestBannedWordModeratesThroughSession(t *testing.T) {
	h := newWorkerHarness(t, nil)
	cfg, _ := h.repo.GetBotConfig(h.tenant.ID)
	cfg.BannedWords = []string{"spoilers"}
	if err := h.repo.SaveBotConfig(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	h.start()

	eventsCh, cancel := h.events.Subscribe(h.tenant.ID)
	defer cancel()

	h.adapter.Session().InjectMessage(platform.ChatMessage{
		Channel:     "streamer",
		Username:    "alice",
		DisplayName: "alice",
		Text:        "huge SPOILERS incoming",
		At:          time.Now(),
	})

	waitFor(t, func() bool {
		return len(h.adapter.Session().Moderations()) > 0
	}, "banned word never produced a session moderation call")
	calls := h.adapter.Session().Moderations()
	want := platform.ModerationCall{Action: "timeout", Username: "alice", Seconds: 300, Reason: "Auto-moderation"}
	if calls[0] != want {
		t.Fatalf("moderation call %+v, want %+v", calls[0], want)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-eventsCh:
			if event.Type != bus.TypeModeration {
				continue
			}
			if event.Payload["ruleTriggered"] != "banned_words" {
				t.Fatalf("ruleTriggered %q, want banned_words", event.Payload["ruleTriggered"])
			}
			if event.Payload["user"] != "alice" || event.Payload["action"] != string(models.ActionTimeout) {
				t.Fatalf("moderation event payload %v", event.Payload)
			}
			return
		case <-deadline:
			t.Fatal("moderation event never published")
		}
	}
}

func TestWorkerRestartBringsFreshSessions(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()
	first := h.adapter.Session()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.worker.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if state, _ := h.worker.State(); state != StateRunning {
		t.Fatalf("state %s after restart, want running", state)
	}
	if !first.Closed() {
		t.Fatal("restart left the old session open")
	}
	if h.adapter.Session() == first {
		t.Fatal("restart did not open a fresh session")
	}
}

func TestWorkerStopDrainsBufferedMessages(t *testing.T) {
	h := newWorkerHarness(t, nil)
	h.start()

	session := h.adapter.Session()
	for i := 0; i < 5; i++ {
		session.InjectMessage(platform.ChatMessage{
			Username:    "fan",
			DisplayName: "fan",
			Text:        "!balance",
			At:          time.Now(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.worker.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := len(h.out.all()); got != 5 {
		t.Fatalf("drained %d replies, want 5", got)
	}
}
