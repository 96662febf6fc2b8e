// Package quota tracks outbound API usage per platform against each
// network's published rate limits and refuses sends that would cross them.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botforge/internal/models"
)

// ErrExceeded marks a refused outbound call. Callers translate it to a
// retry-later response.
var ErrExceeded = errors.New("platform quota exceeded")

// Limit is a platform's send budget over a sliding window.
type Limit struct {
	Max    int
	Window time.Duration
}

// LimitFor returns the budget for a platform. Unknown platforms get a
// conservative default.
func LimitFor(platform models.Platform) Limit {
	switch platform {
	case models.PlatformTwitch:
		return Limit{Max: 800, Window: time.Minute}
	case models.PlatformYouTube:
		return Limit{Max: 10000, Window: 24 * time.Hour}
	case models.PlatformKick:
		return Limit{Max: 100, Window: time.Minute}
	default:
		return Limit{Max: 60, Window: time.Minute}
	}
}

// Utilisation thresholds at which the tracker logs a warning.
var warnThresholds = []float64{0.70, 0.85, 0.95}

const warnInterval = 5 * time.Minute

// CounterStore counts events in a sliding window. Implementations are safe
// for concurrent use.
type CounterStore interface {
	// Record adds one event at now and returns the count of events still
	// inside the window, the new event included.
	Record(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
	// Count returns the events inside the window without recording.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
}

// denyThreshold refuses sends once the window reaches 95% utilisation,
// keeping headroom for retries and operator actions.
const denyThreshold = 0.95

// Decision reports the outcome of an admission check. ResetTime is when the
// oldest events will have left the window and budget frees up.
type Decision struct {
	Allowed     bool
	Used        int64
	Limit       int
	Utilisation float64
	ResetTime   time.Time
}

// Tracker performs quota admission for every outbound platform call.
type Tracker struct {
	store  CounterStore
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastWarn map[string]time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store CounterStore, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:    store,
		logger:   logger,
		now:      time.Now,
		lastWarn: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allow admits or refuses one outbound call for the platform. Admitted calls
// are recorded; refused calls consume nothing.
func (t *Tracker) Allow(ctx context.Context, platform models.Platform) (Decision, error) {
	limit := LimitFor(platform)
	now := t.now()
	key := "quota:" + string(platform)

	used, err := t.store.Count(ctx, key, limit.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("count quota %s: %w", platform, err)
	}
	if float64(used) >= denyThreshold*float64(limit.Max) {
		decision := Decision{
			Allowed:     false,
			Used:        used,
			Limit:       limit.Max,
			Utilisation: float64(used) / float64(limit.Max),
			ResetTime:   now.Add(limit.Window),
		}
		t.warn(platform, decision, now)
		return decision, nil
	}

	used, err = t.store.Record(ctx, key, limit.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("record quota %s: %w", platform, err)
	}
	decision := Decision{
		Allowed:     true,
		Used:        used,
		Limit:       limit.Max,
		Utilisation: float64(used) / float64(limit.Max),
		ResetTime:   now.Add(limit.Window),
	}
	t.warn(platform, decision, now)
	return decision, nil
}

// Usage reports current utilisation without consuming quota.
func (t *Tracker) Usage(ctx context.Context, platform models.Platform) (Decision, error) {
	limit := LimitFor(platform)
	now := t.now()
	used, err := t.store.Count(ctx, "quota:"+string(platform), limit.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("count quota %s: %w", platform, err)
	}
	return Decision{
		Allowed:     float64(used) < denyThreshold*float64(limit.Max),
		Used:        used,
		Limit:       limit.Max,
		Utilisation: float64(used) / float64(limit.Max),
		ResetTime:   now.Add(limit.Window),
	}, nil
}

func (t *Tracker) warn(platform models.Platform, decision Decision, now time.Time) {
	var crossed float64
	for _, threshold := range warnThresholds {
		if decision.Utilisation >= threshold {
			crossed = threshold
		}
	}
	if crossed == 0 {
		return
	}
	key := fmt.Sprintf("%s:%.2f", platform, crossed)
	t.mu.Lock()
	last, seen := t.lastWarn[key]
	if seen && now.Sub(last) < warnInterval {
		t.mu.Unlock()
		return
	}
	t.lastWarn[key] = now
	t.mu.Unlock()

	t.logger.Warn("platform quota utilisation high",
		"platform", platform,
		"used", decision.Used,
		"limit", decision.Limit,
		"utilisation", fmt.Sprintf("%.0f%%", decision.Utilisation*100))
}
