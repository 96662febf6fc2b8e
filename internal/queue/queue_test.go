package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"botforge/internal/models"
	"botforge/internal/storage"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchCompletesOnSuccess(t *testing.T) {
	store := storage.NewStorage()
	var delivered []string
	d := NewDispatcher(store, silentLogger(), func(_ context.Context, item models.MessageQueueItem) error {
		delivered = append(delivered, item.Content)
		return nil
	})

	item, err := d.Enqueue(models.MessageQueueItem{TenantID: "t", Platform: models.PlatformTwitch, Content: "hello"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d.drainPlatform(context.Background(), models.PlatformTwitch)

	if len(delivered) != 1 || delivered[0] != "hello" {
		t.Fatalf("delivered %v", delivered)
	}
	got, _ := store.GetQueueItem(item.ID)
	if got.Status != models.QueueCompleted || got.ProcessedAt == nil {
		t.Fatalf("item not completed: %+v", got)
	}
}

func TestDispatchRetriesThenDrops(t *testing.T) {
	store := storage.NewStorage()
	now := time.Now().UTC()
	attempts := 0
	d := NewDispatcher(store, silentLogger(), func(context.Context, models.MessageQueueItem) error {
		attempts++
		return errors.New("send failed")
	}, WithClock(func() time.Time { return now }))

	item, _ := d.Enqueue(models.MessageQueueItem{TenantID: "t", Platform: models.PlatformKick, Content: "x"})

	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		d.drainPlatform(context.Background(), models.PlatformKick)
	}
	if attempts != 3 {
		t.Fatalf("attempts %d, want 3", attempts)
	}
	got, _ := store.GetQueueItem(item.ID)
	if got.Status != models.QueueFailed {
		t.Fatalf("expected terminal failure, got %s", got.Status)
	}
	if got.LastError != "send failed" {
		t.Fatalf("last error %q", got.LastError)
	}

	now = now.Add(time.Hour)
	d.drainPlatform(context.Background(), models.PlatformKick)
	if attempts != 3 {
		t.Fatalf("terminal item must not redeliver, attempts %d", attempts)
	}
}

func TestRetryLaterDefersWithoutConsumingRetry(t *testing.T) {
	now := time.Now().UTC()
	store := storage.NewStorage(storage.WithClock(func() time.Time { return now }))
	attempts := 0
	d := NewDispatcher(store, silentLogger(), func(context.Context, models.MessageQueueItem) error {
		attempts++
		if attempts == 1 {
			return &RetryLater{Err: errors.New("window full"), After: 30 * time.Second}
		}
		return nil
	}, WithClock(func() time.Time { return now }))

	item, _ := d.Enqueue(models.MessageQueueItem{TenantID: "t", Platform: models.PlatformTwitch, Content: "x"})
	d.drainPlatform(context.Background(), models.PlatformTwitch)

	got, _ := store.GetQueueItem(item.ID)
	if got.Status != models.QueuePending {
		t.Fatalf("deferred item status %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("deferral consumed a retry: %d", got.RetryCount)
	}
	if got.LastError != "" {
		t.Fatalf("deferral recorded an error: %q", got.LastError)
	}

	// Not due again until the deferral elapses.
	now = now.Add(10 * time.Second)
	d.drainPlatform(context.Background(), models.PlatformTwitch)
	if attempts != 1 {
		t.Fatalf("redelivered before the deferral elapsed, attempts %d", attempts)
	}

	now = now.Add(30 * time.Second)
	d.drainPlatform(context.Background(), models.PlatformTwitch)
	if attempts != 2 {
		t.Fatalf("deferred item never redelivered, attempts %d", attempts)
	}
	got, _ = store.GetQueueItem(item.ID)
	if got.Status != models.QueueCompleted {
		t.Fatalf("item status %s after redelivery, want completed", got.Status)
	}
}

func TestShutdownReleasesClaimedItems(t *testing.T) {
	now := time.Now().UTC()
	store := storage.NewStorage(storage.WithClock(func() time.Time { return now }))
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	d := NewDispatcher(store, silentLogger(), func(context.Context, models.MessageQueueItem) error {
		attempts++
		// Shutdown arrives while the batch is mid-flight.
		cancel()
		return nil
	}, WithClock(func() time.Time { return now }))

	d.Enqueue(models.MessageQueueItem{TenantID: "t", Platform: models.PlatformTwitch, Content: "first"})
	second, _ := d.Enqueue(models.MessageQueueItem{TenantID: "t", Platform: models.PlatformTwitch, Content: "second"})
	d.drainPlatform(ctx, models.PlatformTwitch)

	if attempts != 1 {
		t.Fatalf("attempts %d, want delivery stopped after cancellation", attempts)
	}
	got, _ := store.GetQueueItem(second.ID)
	if got.Status != models.QueuePending {
		t.Fatalf("undelivered item status %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("shutdown consumed a retry: %d", got.RetryCount)
	}

	// A fresh dispatcher picks the released item straight up.
	redelivered := 0
	d2 := NewDispatcher(store, silentLogger(), func(context.Context, models.MessageQueueItem) error {
		redelivered++
		return nil
	}, WithClock(func() time.Time { return now }))
	d2.drainPlatform(context.Background(), models.PlatformTwitch)
	if redelivered != 1 {
		t.Fatalf("released item not redelivered, got %d", redelivered)
	}
}

func TestBackoffDefersRedelivery(t *testing.T) {
	now := time.Now().UTC()
	store := storage.NewStorage(storage.WithClock(func() time.Time { return now }))
	attempts := 0
	d := NewDispatcher(store, silentLogger(), func(context.Context, models.MessageQueueItem) error {
		attempts++
		return errors.New("flaky")
	}, WithClock(func() time.Time { return now }))

	d.Enqueue(models.MessageQueueItem{TenantID: "t", Platform: models.PlatformTwitch, Content: "x"})
	d.drainPlatform(context.Background(), models.PlatformTwitch)
	if attempts != 1 {
		t.Fatalf("first attempt missing")
	}

	// Backoff after one failure is 2s; a drain 1s later must not retry.
	now = now.Add(time.Second)
	d.drainPlatform(context.Background(), models.PlatformTwitch)
	if attempts != 1 {
		t.Fatalf("retried before backoff elapsed")
	}

	now = now.Add(2 * time.Second)
	d.drainPlatform(context.Background(), models.PlatformTwitch)
	if attempts != 2 {
		t.Fatalf("retry after backoff missing, attempts %d", attempts)
	}
}
