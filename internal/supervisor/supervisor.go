// Package supervisor owns the per-tenant workers. It is the only place
// workers are created, and the routing point between the durable outbound
// queue and whichever worker holds the live sessions.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"botforge/internal/ai"
	"botforge/internal/bot"
	"botforge/internal/breaker"
	"botforge/internal/bus"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/queue"
	"botforge/internal/quota"
	"botforge/internal/storage"
)

// Config wires the supervisor's shared collaborators. Everything here is
// process-wide; the supervisor hands tenant-scoped views to each worker.
type Config struct {
	Repo      storage.Repository
	Logger    *slog.Logger
	Events    *bus.Bus
	Adapters  map[models.Platform]platform.Adapter
	Tokens    bot.TokenSource
	Quota     *quota.Tracker
	Breaker   *breaker.Breaker
	AI        ai.Generator
	Moderator bot.Moderator
	Spotify   *platform.SpotifyClient
	Rand      *rand.Rand
	Now       func() time.Time
}

// Status is a worker's externally visible state.
type Status struct {
	TenantID  string                  `json:"tenantId"`
	State     bot.State               `json:"state"`
	LastError string                  `json:"lastError,omitempty"`
	Sessions  []SessionStatus         `json:"sessions,omitempty"`
	Health    []models.PlatformHealth `json:"health,omitempty"`
}

type SessionStatus struct {
	Platform  models.Platform `json:"platform"`
	SessionID string          `json:"sessionId"`
	StartedAt time.Time       `json:"startedAt"`
}

type Supervisor struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *queue.Dispatcher

	mu      sync.Mutex
	workers map[string]*bot.Worker
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		workers: make(map[string]*bot.Worker),
	}
	s.dispatcher = queue.NewDispatcher(cfg.Repo, logger, s.deliver)
	return s
}

// Dispatcher exposes the outbound queue dispatcher for enqueue access.
func (s *Supervisor) Dispatcher() *queue.Dispatcher { return s.dispatcher }

// Run drives the outbound dispatcher until the context is cancelled, then
// drains every running worker.
func (s *Supervisor) Run(ctx context.Context) {
	s.dispatcher.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.mu.Lock()
	workers := make([]*bot.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		if err := w.Stop(shutdownCtx); err != nil {
			s.logger.Warn("worker shutdown", "error", err)
		}
	}
}

// worker returns the tenant's worker, creating it on first use.
func (s *Supervisor) worker(tenantID string) *bot.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[tenantID]; ok {
		return w
	}
	spotify := s.cfg.Spotify
	if spotify != nil && s.cfg.Tokens != nil {
		tokens := s.cfg.Tokens
		spotify = spotify.WithToken(func(ctx context.Context) (string, error) {
			return tokens.AccessToken(ctx, tenantID, models.PlatformSpotify)
		})
	}
	w := bot.NewWorker(bot.Config{
		TenantID:  tenantID,
		Repo:      s.cfg.Repo,
		Logger:    s.logger,
		Events:    s.cfg.Events,
		Adapters:  s.cfg.Adapters,
		Tokens:    s.cfg.Tokens,
		Quota:     s.cfg.Quota,
		Breaker:   s.cfg.Breaker,
		Outbound:  s.dispatcher,
		AI:        s.cfg.AI,
		Moderator: s.cfg.Moderator,
		Spotify:   spotify,
		Rand:      s.cfg.Rand,
		Now:       s.cfg.Now,
	})
	s.workers[tenantID] = w
	return w
}

func (s *Supervisor) requireTenant(tenantID string) error {
	tenant, ok := s.cfg.Repo.GetTenant(tenantID)
	if !ok || tenant.DeletedAt != nil {
		return fmt.Errorf("tenant %s: %w", tenantID, models.ErrNotFound)
	}
	return nil
}

// StartBot brings a tenant's worker up. Starting a running worker returns
// models.ErrConflict.
func (s *Supervisor) StartBot(ctx context.Context, tenantID string) error {
	if err := s.requireTenant(tenantID); err != nil {
		return err
	}
	return s.worker(tenantID).Start(ctx)
}

// StopBot drains and stops a tenant's worker. Stopping an already stopped
// worker is a no-op.
func (s *Supervisor) StopBot(ctx context.Context, tenantID string) error {
	if err := s.requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	w, ok := s.workers[tenantID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Stop(ctx)
}

// RestartBot drains and restarts the worker as one operation, surfacing
// whichever step fails. Concurrent lifecycle calls cannot slip between the
// stop and the start.
func (s *Supervisor) RestartBot(ctx context.Context, tenantID string) error {
	if err := s.requireTenant(tenantID); err != nil {
		return err
	}
	return s.worker(tenantID).Restart(ctx)
}

// ReloadBot signals a running worker to re-read its configuration.
func (s *Supervisor) ReloadBot(tenantID string) {
	s.mu.Lock()
	w, ok := s.workers[tenantID]
	s.mu.Unlock()
	if ok {
		w.Reload()
	}
}

// PostNow triggers one manual post on a running worker. An empty platform
// list targets every live session; an empty fact generates one.
func (s *Supervisor) PostNow(ctx context.Context, tenantID string, platforms []models.Platform, fact string) error {
	if err := s.requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	w, ok := s.workers[tenantID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("bot is not running: %w", models.ErrConflict)
	}
	if state, _ := w.State(); state != bot.StateRunning {
		return fmt.Errorf("bot is %s: %w", state, models.ErrConflict)
	}
	return w.PostNow(ctx, platforms, fact)
}

// Status reports a tenant's worker state plus the shared platform health.
func (s *Supervisor) Status(tenantID string) (Status, error) {
	if err := s.requireTenant(tenantID); err != nil {
		return Status{}, err
	}
	status := Status{TenantID: tenantID, State: bot.StateStopped}
	s.mu.Lock()
	w, ok := s.workers[tenantID]
	s.mu.Unlock()
	if ok {
		status.State, status.LastError = w.State()
	}
	for _, pf := range models.ChatPlatforms() {
		if session, open := s.cfg.Repo.OpenStreamSession(tenantID, pf); open {
			status.Sessions = append(status.Sessions, SessionStatus{
				Platform:  pf,
				SessionID: session.ID,
				StartedAt: session.StartedAt,
			})
		}
		if health, found := s.cfg.Repo.GetPlatformHealth(pf); found {
			status.Health = append(status.Health, health)
		}
	}
	return status, nil
}

// DrawGiveaway closes a giveaway, picks up to maxWinners distinct entries
// at random, and announces them through the tenant's outbound queue.
func (s *Supervisor) DrawGiveaway(tenantID, giveawayID string) ([]models.GiveawayEntry, error) {
	if err := s.requireTenant(tenantID); err != nil {
		return nil, err
	}
	giveaway, ok := s.cfg.Repo.ActiveGiveaway(tenantID)
	if !ok || giveaway.ID != giveawayID {
		return nil, fmt.Errorf("giveaway %s is not active: %w", giveawayID, models.ErrNotFound)
	}
	entries := s.cfg.Repo.ListGiveawayEntries(giveawayID)
	if len(entries) == 0 {
		if _, err := s.cfg.Repo.CloseGiveaway(giveawayID, models.GiveawayCancelled); err != nil {
			return nil, err
		}
		return nil, nil
	}

	rng := s.cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
	count := giveaway.MaxWinners
	if count > len(entries) {
		count = len(entries)
	}
	winners := entries[:count]

	if _, err := s.cfg.Repo.CloseGiveaway(giveawayID, models.GiveawayDrawn); err != nil {
		return nil, err
	}
	s.announceWinners(giveaway, winners)
	return winners, nil
}

func (s *Supervisor) announceWinners(giveaway models.Giveaway, winners []models.GiveawayEntry) {
	byPlatform := make(map[models.Platform][]string)
	for _, w := range winners {
		byPlatform[w.Platform] = append(byPlatform[w.Platform], "@"+w.Username)
	}
	for pf, names := range byPlatform {
		text := fmt.Sprintf("🎉 %s winners: %s", giveaway.Title, strings.Join(names, " "))
		if _, err := s.dispatcher.Enqueue(models.MessageQueueItem{
			TenantID:    giveaway.TenantID,
			Platform:    pf,
			MessageType: bot.MessageTypeChat,
			Content:     text,
			Priority:    7,
		}); err != nil {
			s.logger.Error("announce giveaway winners", "platform", pf, "error", err)
		}
	}
	if s.cfg.Events != nil {
		payload := map[string]string{"giveawayId": giveaway.ID, "title": giveaway.Title}
		for i, w := range winners {
			payload[fmt.Sprintf("winner%d", i+1)] = w.Username
		}
		s.cfg.Events.Publish(bus.Event{
			Type:     bus.TypeGiveawayEntry,
			TenantID: giveaway.TenantID,
			Payload:  payload,
		})
	}
}

// deliver routes a claimed queue item to the worker holding the sessions.
// A missing or stopped worker is a retryable failure: the item returns to
// the queue with backoff.
func (s *Supervisor) deliver(ctx context.Context, item models.MessageQueueItem) error {
	s.mu.Lock()
	w, ok := s.workers[item.TenantID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worker for tenant %s", item.TenantID)
	}
	if state, _ := w.State(); state != bot.StateRunning {
		return fmt.Errorf("worker is %s", state)
	}
	return w.Deliver(ctx, item)
}
