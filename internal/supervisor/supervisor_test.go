package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"botforge/internal/bot"
	"botforge/internal/breaker"
	"botforge/internal/bus"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/quota"
	"botforge/internal/storage"
)

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context, string, models.Platform) (string, error) {
	return "token", nil
}

func (staticTokens) RefreshOnAuthError(context.Context, string, models.Platform) error {
	return nil
}

type harness struct {
	t       *testing.T
	repo    *storage.Storage
	tenant  models.Tenant
	adapter *platform.FakeAdapter
	sup     *Supervisor
}

func newHarness(t *testing.T) *harness {
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
		t.Fatalf("connect: %v", err)
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
	sup := New(Config{
		Repo:     repo,
		Events:   bus.New(nil),
		Adapters: map[models.Platform]platform.Adapter{models.PlatformTwitch: adapter},
		Tokens:   staticTokens{},
		Quota:    quota.NewTracker(quota.NewMemoryStore(), nil),
		Breaker:  breaker.New(nil),
		Rand:     rand.New(rand.NewSource(1)),
	})
	h := &harness{t: t, repo: repo, tenant: tenant, adapter: adapter, sup: sup}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.StopBot(ctx, tenant.ID)
	})
	return h
}

func TestStartStopStatusRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := h.sup.Status(h.tenant.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != bot.StateStopped {
		t.Fatalf("initial state %s, want stopped", status.State)
	}

	if err := h.sup.StartBot(ctx, h.tenant.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, _ = h.sup.Status(h.tenant.ID)
	if status.State != bot.StateRunning || len(status.Sessions) != 1 {
		t.Fatalf("running status %+v", status)
	}

	if err := h.sup.StartBot(ctx, h.tenant.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("double start error %v, want conflict", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.sup.StopBot(stopCtx, h.tenant.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	status, _ = h.sup.Status(h.tenant.ID)
	if status.State != bot.StateStopped || len(status.Sessions) != 0 {
		t.Fatalf("stopped status %+v", status)
	}
}

func TestUnknownTenantRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.sup.StartBot(context.Background(), "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("start unknown tenant error %v, want not found", err)
	}
	if _, err := h.sup.Status("ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("status unknown tenant error %v, want not found", err)
	}
}

func TestPostNowRequiresRunningWorker(t *testing.T) {
	h := newHarness(t)
	if err := h.sup.PostNow(context.Background(), h.tenant.ID, nil, ""); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("post-now on stopped bot error %v, want conflict", err)
	}
}

func TestDeliverRoutesToRunningWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := models.MessageQueueItem{
		TenantID: h.tenant.ID,
		Platform: models.PlatformTwitch,
		Content:  "hello",
	}
	if err := h.sup.deliver(ctx, item); err == nil {
		t.Fatal("deliver succeeded with no worker")
	}

	if err := h.sup.StartBot(ctx, h.tenant.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.sup.deliver(ctx, item); err != nil {
		t.Fatalf("deliver to running worker: %v", err)
	}
	sent := h.adapter.Session().Sent()
	if len(sent) != 1 || sent[0] != "hello" {
		t.Fatalf("session sent %q", sent)
	}
}

func TestDrawGiveawayPicksWinnersAndAnnounces(t *testing.T) {
	h := newHarness(t)
	giveaway, err := h.repo.CreateGiveaway(storage.CreateGiveawayParams{
		TenantID:   h.tenant.ID,
		Title:      "Key drop",
		Keyword:    "enter",
		MaxWinners: 2,
	})
	if err != nil {
		t.Fatalf("create giveaway: %v", err)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := h.repo.AddGiveawayEntry(models.GiveawayEntry{
			GiveawayID: giveaway.ID,
			Username:   name,
			Platform:   models.PlatformTwitch,
		}); err != nil {
			t.Fatalf("entry %s: %v", name, err)
		}
	}

	winners, err := h.sup.DrawGiveaway(h.tenant.ID, giveaway.ID)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if len(winners) != 2 {
		t.Fatalf("got %d winners, want 2", len(winners))
	}
	if winners[0].Username == winners[1].Username {
		t.Fatal("duplicate winner drawn")
	}

	if _, active := h.repo.ActiveGiveaway(h.tenant.ID); active {
		t.Fatal("giveaway still active after draw")
	}

	items, err := h.repo.ClaimMessages(models.PlatformTwitch, 10, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(items) != 1 || !strings.Contains(items[0].Content, "winners") {
		t.Fatalf("announcement items %+v", items)
	}

	if _, err := h.sup.DrawGiveaway(h.tenant.ID, giveaway.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second draw error %v, want not found", err)
	}
}

func TestDrawGiveawayWithoutEntriesCancels(t *testing.T) {
	h := newHarness(t)
	giveaway, err := h.repo.CreateGiveaway(storage.CreateGiveawayParams{
		TenantID: h.tenant.ID,
		Title:    "Empty",
		Keyword:  "enter",
	})
	if err != nil {
		t.Fatalf("create giveaway: %v", err)
	}
	winners, err := h.sup.DrawGiveaway(h.tenant.ID, giveaway.ID)
	if err != nil || winners != nil {
		t.Fatalf("empty draw got (%v, %v)", winners, err)
	}
	if _, active := h.repo.ActiveGiveaway(h.tenant.ID); active {
		t.Fatal("empty giveaway left active")
	}
}

func TestRestartBringsWorkerBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sup.StartBot(ctx, h.tenant.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	restartCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.sup.RestartBot(restartCtx, h.tenant.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	status, _ := h.sup.Status(h.tenant.ID)
	if status.State != bot.StateRunning {
		t.Fatalf("state %s after restart, want running", status.State)
	}
}
