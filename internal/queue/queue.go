// Package queue dispatches the durable outbound message queue. Every
// bot-authored message is enqueued first and delivered by the dispatcher,
// so a crash between decision and delivery loses nothing.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"botforge/internal/models"
	"botforge/internal/storage"
)

const (
	defaultPollInterval = time.Second
	claimBatchSize      = 100
)

// DeliverFunc attempts one delivery. A nil error completes the item; a
// RetryLater defers it without consuming a retry; any other error schedules
// a retry with exponential backoff until retries run out.
type DeliverFunc func(ctx context.Context, item models.MessageQueueItem) error

// RetryLater reports a delivery refused by admission control (quota window
// full, circuit open, platform throttled). The item is re-queued to run
// After from now with its retry budget intact.
type RetryLater struct {
	Err   error
	After time.Duration
}

func (r *RetryLater) Error() string {
	return fmt.Sprintf("retry in %s: %v", r.After, r.Err)
}

func (r *RetryLater) Unwrap() error { return r.Err }

// Dispatcher drains the message queue for the chat platforms.
type Dispatcher struct {
	repo     storage.Repository
	logger   *slog.Logger
	deliver  DeliverFunc
	interval time.Duration
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.interval = interval }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(repo storage.Repository, logger *slog.Logger, deliver DeliverFunc, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		repo:     repo,
		logger:   logger.With("component", "queue"),
		deliver:  deliver,
		interval: defaultPollInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue validates and stores one outbound message.
func (d *Dispatcher) Enqueue(item models.MessageQueueItem) (models.MessageQueueItem, error) {
	stored, err := d.repo.EnqueueMessage(item)
	if err != nil {
		return models.MessageQueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	return stored, nil
}

// Run polls each chat platform until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, platform := range models.ChatPlatforms() {
				d.drainPlatform(ctx, platform)
			}
		}
	}
}

// drainPlatform claims one due batch and attempts delivery item by item.
// Order inside the batch follows the claim contract: priority first, then
// schedule time.
func (d *Dispatcher) drainPlatform(ctx context.Context, platform models.Platform) {
	items, err := d.repo.ClaimMessages(platform, claimBatchSize, d.now())
	if err != nil {
		d.logger.Error("claim batch", "platform", platform, "error", err)
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			// Shutdown mid-batch: hand the item back untouched for the
			// next run.
			if _, err := d.repo.ReleaseMessage(item.ID, d.now()); err != nil {
				d.logger.Error("release claimed item", "id", item.ID, "error", err)
			}
			continue
		}
		d.dispatch(ctx, item)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item models.MessageQueueItem) {
	err := d.deliver(ctx, item)
	if err == nil {
		if _, cerr := d.repo.CompleteMessage(item.ID, true, "", d.now()); cerr != nil {
			d.logger.Error("complete message", "id", item.ID, "error", cerr)
		}
		return
	}
	var later *RetryLater
	if errors.As(err, &later) {
		deferredTo := d.now().Add(later.After)
		if _, rerr := d.repo.ReleaseMessage(item.ID, deferredTo); rerr != nil {
			d.logger.Error("defer message", "id", item.ID, "error", rerr)
			return
		}
		d.logger.Info("message delivery deferred",
			"id", item.ID, "platform", item.Platform, "until", deferredTo, "cause", later.Err)
		return
	}
	updated, cerr := d.repo.CompleteMessage(item.ID, false, err.Error(), d.now())
	if cerr != nil {
		d.logger.Error("fail message", "id", item.ID, "error", cerr)
		return
	}
	if updated.Status == models.QueueFailed {
		d.logger.Warn("message dropped after max retries",
			"id", item.ID, "tenant", item.TenantID, "platform", item.Platform, "error", err)
		return
	}
	d.logger.Info("message delivery retry scheduled",
		"id", item.ID, "platform", item.Platform, "attempt", updated.RetryCount, "nextAt", updated.ScheduledFor)
}
