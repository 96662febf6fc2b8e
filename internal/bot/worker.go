package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"botforge/internal/ai"
	"botforge/internal/breaker"
	"botforge/internal/bus"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/quota"
	"botforge/internal/storage"

	"golang.org/x/sync/errgroup"
)

// State is the worker lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Message types carried on the outbound queue.
const (
	MessageTypeChat       = "chat"
	MessageTypeAIPost     = "ai_post"
	MessageTypeModeration = "moderation"
)

const (
	heartbeatInterval = 30 * time.Second
	snapshotInterval  = 5 * time.Minute
	reconnectBase     = 2 * time.Second
	reconnectMax      = 2 * time.Minute
)

// TokenSource hands out live access tokens. Satisfied by the token manager.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID string, p models.Platform) (string, error)
	// RefreshOnAuthError rotates the platform's token after the platform
	// rejected it. Called at most once per rejection; the rejected call is
	// not retried.
	RefreshOnAuthError(ctx context.Context, tenantID string, p models.Platform) error
}

// Enqueuer stores outbound messages durably. Satisfied by the queue
// dispatcher.
type Enqueuer interface {
	Enqueue(item models.MessageQueueItem) (models.MessageQueueItem, error)
}

// Config wires one tenant's worker.
type Config struct {
	TenantID  string
	Repo      storage.Repository
	Logger    *slog.Logger
	Events    *bus.Bus
	Adapters  map[models.Platform]platform.Adapter
	Tokens    TokenSource
	Quota     *quota.Tracker
	Breaker   *breaker.Breaker
	Outbound  Enqueuer
	AI        ai.Generator
	Moderator Moderator
	Spotify   *platform.SpotifyClient
	Rand      *rand.Rand
	Now       func() time.Time
}

// Worker runs one tenant's bot: it holds the platform sessions, drives the
// pipeline, schedules AI posts, and executes deliveries handed back by the
// queue dispatcher.
type Worker struct {
	cfg      Config
	logger   *slog.Logger
	pipeline *Pipeline
	inbound  *inboundQueue
	now      func() time.Time

	// lifecycleMu serializes Start, Stop, and Restart so a restart's
	// stop-start pair cannot interleave with another lifecycle call.
	lifecycleMu sync.Mutex

	mu        sync.Mutex
	state     State
	lastError string
	cancel    context.CancelFunc
	group     *errgroup.Group
	sessions  map[models.Platform]*workerSession
	reload    chan struct{}
	drained   chan struct{}
}

type workerSession struct {
	session   platform.Session
	sessionID string
	startedAt time.Time
	channel   string
}

func NewWorker(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	w := &Worker{
		cfg:      cfg,
		logger:   logger.With("component", "worker", "tenant", cfg.TenantID),
		inbound:  newInboundQueue(),
		now:      now,
		state:    StateStopped,
		sessions: make(map[models.Platform]*workerSession),
		reload:   make(chan struct{}, 1),
	}
	w.pipeline = NewPipeline(PipelineConfig{
		TenantID:  cfg.TenantID,
		Repo:      cfg.Repo,
		Logger:    logger,
		Events:    cfg.Events,
		AI:        cfg.AI,
		Moderator: cfg.Moderator,
		Spotify:   cfg.Spotify,
		Now:       now,
		Rand:      cfg.Rand,
		Reply:     w.replyTo,
		Moderate:  w.applyModeration,
		SessionID: w.openSessionID,
		Uptime:    w.sessionUptime,
	})
	return w
}

// State reports the lifecycle state and the last crash error, if any.
func (w *Worker) State() (State, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.lastError
}

// Start brings the worker up. Returns models.ErrConflict when not stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.start(ctx)
}

func (w *Worker) start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker is %s: %w", w.state, models.ErrConflict)
	}
	w.state = StateStarting
	w.lastError = ""
	w.mu.Unlock()

	cfg, ok := w.cfg.Repo.GetBotConfig(w.cfg.TenantID)
	if !ok {
		w.fail("no bot configuration")
		return fmt.Errorf("tenant %s has no bot config: %w", w.cfg.TenantID, models.ErrNotFound)
	}
	if err := cfg.Validate(); err != nil {
		w.fail(err.Error())
		return err
	}

	if err := w.connectAll(ctx, cfg); err != nil {
		w.fail(err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	w.mu.Lock()
	w.cancel = cancel
	w.group = group
	w.state = StateRunning
	w.inbound = newInboundQueue()
	w.drained = make(chan struct{})
	w.mu.Unlock()

	group.Go(func() error { return w.pipelineLoop(groupCtx) })
	group.Go(func() error { return w.schedulerLoop(groupCtx) })
	group.Go(func() error { return w.heartbeatLoop(groupCtx) })

	go w.watch(group)

	w.publish(bus.TypeWorkerStarted, nil)
	w.logger.Info("worker started", "platforms", len(w.sessions))
	return nil
}

// watch waits for the run group and records a crash if it exited with an
// error while still running.
func (w *Worker) watch(group *errgroup.Group) {
	err := group.Wait()
	w.mu.Lock()
	wasRunning := w.state == StateRunning
	if wasRunning {
		w.state = StateStopped
		if err != nil {
			w.lastError = err.Error()
		}
	}
	w.mu.Unlock()
	if wasRunning {
		w.teardownSessions()
		if err != nil {
			w.logger.Error("worker crashed", "error", err)
			w.publish(bus.TypeWorkerCrashed, map[string]string{"error": err.Error()})
			return
		}
		w.publish(bus.TypeWorkerStopped, nil)
	}
}

// Stop drains the worker: inbound intake closes, the pipeline finishes the
// buffered messages, sessions close, and stream sessions end.
func (w *Worker) Stop(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.stop(ctx)
}

// Restart drains the worker and brings it back up as one operation. No other
// lifecycle call runs between the drain and the fresh start.
func (w *Worker) Restart(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if err := w.stop(ctx); err != nil {
		return err
	}
	return w.start(ctx)
}

func (w *Worker) stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRunning {
		state := w.state
		w.mu.Unlock()
		if state == StateStopped {
			return nil
		}
		return fmt.Errorf("worker is %s: %w", state, models.ErrConflict)
	}
	w.state = StateDraining
	cancel := w.cancel
	group := w.group
	drained := w.drained
	w.mu.Unlock()

	w.inbound.close()

	// Wait for the pipeline to finish the buffered messages, then cancel
	// the scheduler and heartbeat loops.
	select {
	case <-drained:
	case <-ctx.Done():
	}
	cancel()
	err := group.Wait()
	w.teardownSessions()

	w.mu.Lock()
	w.state = StateStopped
	if err != nil && !errors.Is(err, context.Canceled) {
		w.lastError = err.Error()
	}
	w.mu.Unlock()

	w.publish(bus.TypeWorkerStopped, nil)
	w.logger.Info("worker stopped")
	return nil
}

// Reload signals the scheduler to re-read the bot configuration. The next
// scheduled post uses the new interval; a validation failure keeps the old
// schedule.
func (w *Worker) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *Worker) fail(reason string) {
	w.mu.Lock()
	w.state = StateStopped
	w.lastError = reason
	w.mu.Unlock()
	w.teardownSessions()
}

// connectAll opens a session for every connected chat platform the config
// activates, and starts a stream session for each.
func (w *Worker) connectAll(ctx context.Context, cfg models.BotConfig) error {
	for _, pf := range cfg.ActivePlatforms {
		adapter, ok := w.cfg.Adapters[pf]
		if !ok {
			continue
		}
		conn, connected := w.cfg.Repo.GetConnection(w.cfg.TenantID, pf)
		if !connected || !conn.Connected {
			continue
		}
		session, err := w.connectOne(ctx, adapter, conn)
		if err != nil {
			w.teardownSessions()
			return fmt.Errorf("connect %s: %w", pf, err)
		}
		w.mu.Lock()
		w.sessions[pf] = session
		w.mu.Unlock()
	}
	w.mu.Lock()
	count := len(w.sessions)
	w.mu.Unlock()
	if count == 0 {
		return errors.New("no connected platforms to join")
	}
	return nil
}

func (w *Worker) connectOne(ctx context.Context, adapter platform.Adapter, conn models.PlatformConnection) (*workerSession, error) {
	pf := adapter.Platform()
	channel := firstNonEmptyString(conn.PlatformUsername, conn.ConnectionData["channel"])
	params := platform.ConnectParams{
		TenantID:    w.cfg.TenantID,
		Channel:     channel,
		ChannelID:   conn.ConnectionData["chatroomId"],
		BotUsername: firstNonEmptyString(conn.ConnectionData["botUsername"], channel),
		Token: func(ctx context.Context) (string, error) {
			return w.cfg.Tokens.AccessToken(ctx, w.cfg.TenantID, pf)
		},
		Handler: platform.Handler{
			OnMessage:    w.onMessage,
			OnRaid:       w.onRaid,
			OnDisconnect: func(err error) { w.onDisconnect(pf, err) },
		},
	}
	session, err := adapter.Connect(ctx, params)
	if err != nil {
		return nil, err
	}
	stream, err := w.cfg.Repo.CreateStreamSession(w.cfg.TenantID, pf)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open stream session: %w", err)
	}
	w.publish(bus.TypeSessionStarted, map[string]string{"sessionId": stream.ID, "platform": string(pf)})
	return &workerSession{
		session:   session,
		sessionID: stream.ID,
		startedAt: w.now(),
		channel:   channel,
	}, nil
}

func (w *Worker) teardownSessions() {
	w.mu.Lock()
	sessions := w.sessions
	w.sessions = make(map[models.Platform]*workerSession)
	w.mu.Unlock()
	for pf, ws := range sessions {
		if err := ws.session.Close(); err != nil {
			w.logger.Debug("session close", "platform", pf, "error", err)
		}
		if err := w.cfg.Repo.EndStreamSession(ws.sessionID); err != nil {
			w.logger.Error("end stream session", "platform", pf, "error", err)
		}
		w.publish(bus.TypeSessionEnded, map[string]string{"sessionId": ws.sessionID, "platform": string(pf)})
	}
}

func (w *Worker) onMessage(msg platform.ChatMessage) {
	if w.inbound.push(msg) {
		w.logger.Warn("inbound buffer full, dropped oldest passive message", "platform", msg.Platform)
	}
}

func (w *Worker) onRaid(raid platform.RaidEvent) {
	w.publish(bus.TypeRaid, map[string]string{
		"from":    raid.FromChannel,
		"viewers": strconv.Itoa(raid.Viewers),
	})
	settings, ok := w.cfg.Repo.GetShoutoutSettings(w.cfg.TenantID)
	if !ok || !settings.Enabled || !settings.AutoOnRaid {
		return
	}
	if raid.Viewers < settings.MinRaidSize {
		return
	}
	template := settings.Template
	if template == "" {
		template = "Huge thanks to {user} for the raid!"
	}
	text := RenderTemplate(template, TemplateVars{User: raid.FromChannel, Now: w.now()}, nil)
	w.enqueueChat(raid.Platform, text, MessageTypeChat, 7)
}

func (w *Worker) onDisconnect(pf models.Platform, err error) {
	w.logger.Warn("platform session dropped", "platform", pf, "error", err)
	w.cfg.Breaker.RecordFailure(pf)
	if errors.Is(err, platform.ErrAuthRejected) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.refreshOnAuthError(ctx, pf)
		cancel()
	}
	// The heartbeat loop notices the dead session and reconnects with
	// backoff; nothing to do here beyond recording the failure.
	w.mu.Lock()
	if ws, ok := w.sessions[pf]; ok {
		ws.session.Close()
	}
	delete(w.sessions, pf)
	w.mu.Unlock()
}

// pipelineLoop is the single goroutine that runs messages through the
// pipeline in arrival order.
func (w *Worker) pipelineLoop(ctx context.Context) error {
	defer close(w.drained)
	for {
		msg, ok := w.inbound.pop(ctx.Done())
		if !ok {
			return nil
		}
		w.pipeline.Process(ctx, msg)
	}
}

// replyTo enqueues a response on the platform the message arrived from.
func (w *Worker) replyTo(msg platform.ChatMessage, text string) {
	w.enqueueChat(msg.Platform, text, MessageTypeChat, 5)
}

func (w *Worker) enqueueChat(pf models.Platform, text, messageType string, priority int) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := w.cfg.Outbound.Enqueue(models.MessageQueueItem{
		TenantID:    w.cfg.TenantID,
		Platform:    pf,
		MessageType: messageType,
		Content:     text,
		Priority:    priority,
	}); err != nil {
		w.logger.Error("enqueue outbound", "platform", pf, "error", err)
	}
}

// applyModeration turns a pipeline verdict into platform action through the
// session's moderation endpoints.
func (w *Worker) applyModeration(msg platform.ChatMessage, action models.RuleAction, timeoutSeconds int, reason string) {
	if action != models.ActionTimeout && action != models.ActionBan {
		return
	}
	w.mu.Lock()
	ws, ok := w.sessions[msg.Platform]
	w.mu.Unlock()
	if !ok {
		w.logger.Warn("moderation skipped, no live session", "platform", msg.Platform, "user", msg.Username)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch action {
	case models.ActionTimeout:
		err = ws.session.Timeout(ctx, msg.Username, timeoutSeconds, reason)
	case models.ActionBan:
		err = ws.session.Ban(ctx, msg.Username, reason)
	}
	if err != nil {
		if errors.Is(err, platform.ErrAuthRejected) {
			w.refreshOnAuthError(ctx, msg.Platform)
		}
		w.logger.Error("moderation action failed",
			"platform", msg.Platform, "user", msg.Username, "action", action, "error", err)
	}
}

// refreshOnAuthError rotates the platform's token once after a credential
// rejection. The rejected call itself is never retried here.
func (w *Worker) refreshOnAuthError(ctx context.Context, pf models.Platform) {
	if err := w.cfg.Tokens.RefreshOnAuthError(ctx, w.cfg.TenantID, pf); err != nil {
		w.logger.Error("token refresh after auth rejection failed", "platform", pf, "error", err)
		return
	}
	w.logger.Info("token refreshed after auth rejection", "platform", pf)
}

func (w *Worker) openSessionID(pf models.Platform) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.sessions[pf]
	if !ok {
		return "", false
	}
	return ws.sessionID, true
}

func (w *Worker) sessionUptime(pf models.Platform) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.sessions[pf]
	if !ok {
		return 0
	}
	return w.now().Sub(ws.startedAt)
}

func (w *Worker) publish(eventType string, payload map[string]string) {
	if w.cfg.Events == nil {
		return
	}
	w.cfg.Events.Publish(bus.Event{Type: eventType, TenantID: w.cfg.TenantID, Payload: payload})
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
