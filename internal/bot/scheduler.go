package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botforge/internal/ai"
	"botforge/internal/bus"
	"botforge/internal/models"
	"botforge/internal/platform"
	"botforge/internal/queue"
	"botforge/internal/quota"

	"github.com/robfig/cron/v3"
)

// schedulerLoop drives automatic AI posting. Fixed mode posts every N
// minutes, random mode draws a fresh interval from [min, max] after every
// post, manual mode only posts on PostNow. Reload re-reads the config and
// re-arms the timer. Viewer snapshots ride a cron schedule alongside.
func (w *Worker) schedulerLoop(ctx context.Context) error {
	runner := cron.New()
	if _, err := runner.AddFunc("@every 5m", func() { w.captureSnapshots(ctx) }); err != nil {
		return fmt.Errorf("schedule snapshots: %w", err)
	}
	runner.Start()
	defer runner.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	w.armTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.reload:
			w.logger.Info("configuration reloaded, rescheduling")
			w.armTimer(timer)
		case <-timer.C:
			w.postScheduled(ctx)
			w.armTimer(timer)
		}
	}
}

// armTimer sets the timer for the next automatic post, or parks it for
// manual mode.
func (w *Worker) armTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	interval, ok := w.nextInterval()
	if !ok {
		// Manual mode: park the timer far out; Reload re-arms it.
		timer.Reset(24 * time.Hour)
		return
	}
	timer.Reset(interval)
	w.logger.Debug("next automatic post scheduled", "in", interval)
}

func (w *Worker) nextInterval() (time.Duration, bool) {
	cfg, ok := w.cfg.Repo.GetBotConfig(w.cfg.TenantID)
	if !ok || !cfg.IsActive {
		return 0, false
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("invalid interval config, keeping previous schedule", "error", err)
		return 0, false
	}
	switch cfg.IntervalMode {
	case models.IntervalFixed:
		return time.Duration(cfg.FixedIntervalMinutes) * time.Minute, true
	case models.IntervalRandom:
		span := cfg.RandomMaxMinutes - cfg.RandomMinMinutes
		minutes := cfg.RandomMinMinutes
		if span > 0 {
			minutes += w.pipeline.intn(span + 1)
		}
		return time.Duration(minutes) * time.Minute, true
	default:
		return 0, false
	}
}

// PostNow generates and enqueues one AI post immediately, regardless of
// interval mode. A non-empty platforms list restricts the post to those
// platforms; a non-empty fact skips generation and posts the given text.
func (w *Worker) PostNow(ctx context.Context, platforms []models.Platform, fact string) error {
	return w.generatePost(ctx, platforms, fact)
}

func (w *Worker) postScheduled(ctx context.Context) {
	if err := w.generatePost(ctx, nil, ""); err != nil {
		w.logger.Warn("scheduled post skipped", "error", err)
	}
}

func (w *Worker) generatePost(ctx context.Context, platforms []models.Platform, fact string) error {
	text := fact
	if text == "" {
		if w.cfg.AI == nil {
			return errors.New("no ai generator configured")
		}
		cfg, ok := w.cfg.Repo.GetBotConfig(w.cfg.TenantID)
		if !ok {
			return fmt.Errorf("bot config: %w", models.ErrNotFound)
		}
		prompt := cfg.AIPromptTemplate
		if prompt == "" {
			prompt = "Write a short, engaging message for the live stream chat."
		}
		generated, err := w.cfg.AI.Generate(ctx, ai.Request{
			Model:       cfg.AIModel,
			Prompt:      prompt,
			Temperature: cfg.AITemperature,
		})
		if err != nil {
			return fmt.Errorf("generate post: %w", err)
		}
		text = generated
	}

	w.mu.Lock()
	live := make([]models.Platform, 0, len(w.sessions))
	for pf := range w.sessions {
		live = append(live, pf)
	}
	w.mu.Unlock()

	targets := live
	if len(platforms) > 0 {
		targets = make([]models.Platform, 0, len(live))
		for _, pf := range live {
			for _, wanted := range platforms {
				if pf == wanted {
					targets = append(targets, pf)
					break
				}
			}
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no live session to post to: %w", models.ErrConflict)
	}
	for _, pf := range targets {
		w.enqueueChat(pf, text, MessageTypeAIPost, 5)
	}
	return nil
}

// heartbeatLoop checks session liveness every 30 seconds and reconnects
// dropped platforms with exponential backoff.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	backoff := make(map[models.Platform]time.Duration)
	nextTry := make(map[models.Platform]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cfg, ok := w.cfg.Repo.GetBotConfig(w.cfg.TenantID)
		if !ok {
			continue
		}
		for _, pf := range cfg.ActivePlatforms {
			w.mu.Lock()
			_, alive := w.sessions[pf]
			w.mu.Unlock()
			if alive {
				delete(backoff, pf)
				delete(nextTry, pf)
				continue
			}
			now := w.now()
			if until, waiting := nextTry[pf]; waiting && now.Before(until) {
				continue
			}
			w.reconnect(ctx, pf, backoff, nextTry)
		}
	}
}

func (w *Worker) reconnect(ctx context.Context, pf models.Platform, backoff map[models.Platform]time.Duration, nextTry map[models.Platform]time.Time) {
	adapter, ok := w.cfg.Adapters[pf]
	if !ok {
		return
	}
	conn, connected := w.cfg.Repo.GetConnection(w.cfg.TenantID, pf)
	if !connected || !conn.Connected {
		return
	}
	session, err := w.connectOne(ctx, adapter, conn)
	if err != nil {
		delay := backoff[pf]
		if delay == 0 {
			delay = reconnectBase
		} else if delay *= 2; delay > reconnectMax {
			delay = reconnectMax
		}
		backoff[pf] = delay
		nextTry[pf] = w.now().Add(delay)
		w.logger.Warn("reconnect failed", "platform", pf, "retryIn", delay, "error", err)
		return
	}
	delete(backoff, pf)
	delete(nextTry, pf)
	w.mu.Lock()
	w.sessions[pf] = session
	w.mu.Unlock()
	w.logger.Info("platform reconnected", "platform", pf)
}

// captureSnapshots records viewer counts for every live session.
func (w *Worker) captureSnapshots(ctx context.Context) {
	w.mu.Lock()
	sessions := make(map[models.Platform]*workerSession, len(w.sessions))
	for pf, ws := range w.sessions {
		sessions[pf] = ws
	}
	w.mu.Unlock()

	for pf, ws := range sessions {
		viewers, err := ws.session.ViewerCount(ctx)
		if err != nil {
			w.logger.Debug("viewer count unavailable", "platform", pf, "error", err)
			continue
		}
		if _, err := w.cfg.Repo.AddViewerSnapshot(ws.sessionID, viewers, w.now()); err != nil {
			w.logger.Error("record viewer snapshot", "platform", pf, "error", err)
		}
	}
}

// Deliver is the queue dispatcher's delivery callback: quota admission,
// circuit check, send, health bookkeeping. Quota and breaker refusals come
// back as queue.RetryLater so the item is deferred without burning a retry.
func (w *Worker) Deliver(ctx context.Context, item models.MessageQueueItem) error {
	decision, err := w.cfg.Quota.Allow(ctx, item.Platform)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		return &queue.RetryLater{
			Err:   fmt.Errorf("%s used %d of %d: %w", item.Platform, decision.Used, decision.Limit, quota.ErrExceeded),
			After: decision.ResetTime.Sub(w.now()),
		}
	}
	if err := w.cfg.Breaker.Allow(item.Platform); err != nil {
		return &queue.RetryLater{Err: err, After: w.cfg.Breaker.RetryAfter(item.Platform)}
	}

	w.mu.Lock()
	ws, ok := w.sessions[item.Platform]
	w.mu.Unlock()
	if !ok {
		w.cfg.Breaker.RecordFailure(item.Platform)
		return fmt.Errorf("no live session for %s", item.Platform)
	}

	started := w.now()
	err = ws.session.Send(ctx, item.Content)
	latency := w.now().Sub(started)
	if err != nil {
		var throttle *platform.ThrottleError
		switch {
		case errors.As(err, &throttle):
			w.cfg.Breaker.RecordThrottle(item.Platform, throttle.RetryAfter)
		case errors.Is(err, platform.ErrAuthRejected):
			w.cfg.Breaker.RecordFailure(item.Platform)
			w.refreshOnAuthError(ctx, item.Platform)
		default:
			w.cfg.Breaker.RecordFailure(item.Platform)
		}
		return fmt.Errorf("send via %s: %w", item.Platform, err)
	}
	w.cfg.Breaker.RecordSuccess(item.Platform, latency)

	if item.MessageType == MessageTypeAIPost {
		if err := w.cfg.Repo.SetLastPostedAt(w.cfg.TenantID, w.now()); err != nil {
			w.logger.Error("record last posted", "error", err)
		}
	}
	w.publish(bus.TypeMessagePosted, map[string]string{
		"platform": string(item.Platform),
		"type":     item.MessageType,
	})
	return nil
}
