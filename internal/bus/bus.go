// Package bus is the in-process event fan-out between workers, the
// supervisor, and the control plane's SSE feed. Giveaway entries are
// additionally mirrored to a Redis stream so an entry survives a crash
// between receipt and draw.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"botforge/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types emitted by the runtime.
const (
	TypeWorkerStarted  = "worker_started"
	TypeWorkerStopped  = "worker_stopped"
	TypeWorkerCrashed  = "worker_crashed"
	TypeChatMessage    = "chat_message"
	TypeMessagePosted  = "message_posted"
	TypeModeration     = "moderation_action"
	TypeGiveawayEntry  = "giveaway_entry"
	TypeRaid           = "raid"
	TypeCircuitChange  = "circuit_change"
	TypeSessionStarted = "session_started"
	TypeSessionEnded   = "session_ended"
	TypeTokenAlert     = "token_alert"
)

// Event is one runtime occurrence.
type Event struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	TenantID string            `json:"tenantId,omitempty"`
	Platform models.Platform   `json:"platform,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
	At       time.Time         `json:"at"`
}

// DurableSink receives events that must outlive the process.
type DurableSink interface {
	Append(ctx context.Context, event Event) error
}

// Bus fans events out to subscribers. Each subscriber gets its own buffered
// FIFO; a slow subscriber loses its oldest events rather than blocking
// publishers.
type Bus struct {
	logger  *slog.Logger
	durable DurableSink

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch     chan Event
	tenant string
}

const subscriberBuffer = 256

type Option func(*Bus)

// WithDurableSink mirrors giveaway entries to the sink.
func WithDurableSink(sink DurableSink) Option {
	return func(b *Bus) { b.durable = sink }
}

func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every matching subscriber. Never blocks.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	if event.Type == TypeGiveawayEntry && b.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.durable.Append(ctx, event); err != nil {
			b.logger.Error("durable event append failed", "type", event.Type, "error", err)
		}
		cancel()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.tenant != "" && sub.tenant != event.TenantID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Full buffer: drop the oldest so recent events get through.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Subscribe registers a subscriber. An empty tenantID receives everything.
// The returned cancel func must be called to release the subscription.
func (b *Bus) Subscribe(tenantID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), tenant: tenantID}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Close tears down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// RedisStream appends events to a Redis stream with XADD, capped so the
// stream cannot grow without bound.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: 100000}
}

func (r *RedisStream) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"event": payload},
	}).Err()
}

// Replay reads back every event in the stream, oldest first. Used on boot
// to reconcile giveaway entries after a crash.
func (r *RedisStream) Replay(ctx context.Context, handle func(Event) error) error {
	lastID := "0"
	for {
		entries, err := r.client.XRange(ctx, r.stream, "("+lastID, "+").Result()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			raw, ok := entry.Values["event"].(string)
			if !ok {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				continue
			}
			if err := handle(event); err != nil {
				return err
			}
			lastID = entry.ID
		}
	}
}
