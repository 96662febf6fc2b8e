// Package breaker guards outbound platform calls with a per-platform
// circuit breaker, throttle tracking, and a response time EWMA.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botforge/internal/models"
)

var (
	// ErrOpen is returned while a platform's circuit refuses traffic.
	ErrOpen = errors.New("circuit open")
	// ErrThrottled is returned while a platform's Retry-After is in effect.
	ErrThrottled = errors.New("platform throttled")
)

// Tuning holds a platform's breaker parameters.
type Tuning struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// TuningFor returns the breaker parameters for a platform. YouTube trips
// faster and cools longer because its quota penalties are costlier.
func TuningFor(platform models.Platform) Tuning {
	switch platform {
	case models.PlatformTwitch:
		return Tuning{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: 30 * time.Second}
	case models.PlatformYouTube:
		return Tuning{FailureThreshold: 3, SuccessThreshold: 3, Cooldown: 60 * time.Second}
	case models.PlatformKick:
		return Tuning{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: 45 * time.Second}
	default:
		return Tuning{FailureThreshold: 3, SuccessThreshold: 3, Cooldown: 30 * time.Second}
	}
}

// EWMA weighting for the average response time.
const (
	ewmaOld = 0.9
	ewmaNew = 0.1
)

// Hooks let other components observe breaker activity without the breaker
// importing them.
type Hooks struct {
	// OnStateChange fires after a circuit transition, outside the lock.
	OnStateChange func(platform models.Platform, from, to models.CircuitState)
	// Persist receives a health snapshot after every state-affecting event.
	Persist func(health models.PlatformHealth)
}

type platformState struct {
	state          models.CircuitState
	failures       int
	successes      int
	openedAt       time.Time
	throttledUntil time.Time
	avgResponseMs  float64
	requestsToday  int
	errorsToday    int
	day            time.Time
	lastSuccessAt  time.Time
	lastFailureAt  time.Time
}

// Breaker tracks circuit state for every platform. Safe for concurrent use.
type Breaker struct {
	logger *slog.Logger
	hooks  Hooks
	now    func() time.Time

	mu        sync.Mutex
	platforms map[models.Platform]*platformState
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithHooks(hooks Hooks) Option {
	return func(b *Breaker) { b.hooks = hooks }
}

func New(logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		logger:    logger,
		now:       time.Now,
		platforms: make(map[models.Platform]*platformState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Restore seeds a platform's state from a persisted snapshot, so circuits
// survive a process restart.
func (b *Breaker) Restore(health models.PlatformHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.stateLocked(health.Platform)
	if health.CircuitState != "" {
		state.state = health.CircuitState
	}
	// A restored open circuit restarts its cooldown from boot.
	if state.state == models.CircuitOpen {
		state.openedAt = b.now()
	}
	state.failures = health.FailureCount
	state.successes = health.SuccessCount
	state.avgResponseMs = health.AvgResponseTimeMs
	state.requestsToday = health.RequestsToday
	state.errorsToday = health.ErrorsToday
	if health.ThrottledUntil != nil {
		state.throttledUntil = *health.ThrottledUntil
	}
	if health.LastSuccessAt != nil {
		state.lastSuccessAt = *health.LastSuccessAt
	}
	if health.LastFailureAt != nil {
		state.lastFailureAt = *health.LastFailureAt
	}
}

// Allow reports whether a call to the platform may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(platform models.Platform) error {
	now := b.now()
	tuning := TuningFor(platform)

	b.mu.Lock()
	state := b.stateLocked(platform)
	b.rollDayLocked(state, now)

	if now.Before(state.throttledUntil) {
		until := state.throttledUntil
		b.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrThrottled, until.Format(time.RFC3339))
	}

	var transition func()
	switch state.state {
	case models.CircuitOpen:
		if now.Sub(state.openedAt) < tuning.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		transition = b.transitionLocked(platform, state, models.CircuitHalfOpen)
	}
	state.requestsToday++
	snapshot := b.snapshotLocked(platform, state)
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	b.persist(snapshot)
	return nil
}

// RecordSuccess feeds one successful call into the breaker.
func (b *Breaker) RecordSuccess(platform models.Platform, latency time.Duration) {
	now := b.now()
	tuning := TuningFor(platform)

	b.mu.Lock()
	state := b.stateLocked(platform)
	b.rollDayLocked(state, now)
	state.lastSuccessAt = now
	ms := float64(latency.Milliseconds())
	if state.avgResponseMs == 0 {
		state.avgResponseMs = ms
	} else {
		state.avgResponseMs = state.avgResponseMs*ewmaOld + ms*ewmaNew
	}

	var transition func()
	switch state.state {
	case models.CircuitHalfOpen:
		state.successes++
		if state.successes >= tuning.SuccessThreshold {
			state.failures = 0
			state.successes = 0
			transition = b.transitionLocked(platform, state, models.CircuitClosed)
		}
	case models.CircuitClosed:
		state.failures = 0
	}
	snapshot := b.snapshotLocked(platform, state)
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	b.persist(snapshot)
}

// RecordFailure feeds one failed call into the breaker. A failure during
// half-open reopens immediately.
func (b *Breaker) RecordFailure(platform models.Platform) {
	now := b.now()
	tuning := TuningFor(platform)

	b.mu.Lock()
	state := b.stateLocked(platform)
	b.rollDayLocked(state, now)
	state.lastFailureAt = now
	state.errorsToday++

	var transition func()
	switch state.state {
	case models.CircuitHalfOpen:
		state.openedAt = now
		state.successes = 0
		transition = b.transitionLocked(platform, state, models.CircuitOpen)
	case models.CircuitClosed:
		state.failures++
		if state.failures >= tuning.FailureThreshold {
			state.openedAt = now
			transition = b.transitionLocked(platform, state, models.CircuitOpen)
		}
	}
	snapshot := b.snapshotLocked(platform, state)
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	b.persist(snapshot)
}

// RecordThrottle applies a platform Retry-After. Throttling is not a
// circuit failure; the circuit holds its state while sends pause.
func (b *Breaker) RecordThrottle(platform models.Platform, retryAfter time.Duration) {
	now := b.now()
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}

	b.mu.Lock()
	state := b.stateLocked(platform)
	b.rollDayLocked(state, now)
	state.throttledUntil = now.Add(retryAfter)
	snapshot := b.snapshotLocked(platform, state)
	b.mu.Unlock()

	b.logger.Warn("platform throttled", "platform", platform, "retryAfter", retryAfter)
	b.persist(snapshot)
}

// RetryAfter reports how long callers should wait before the platform will
// admit traffic again: the rest of an active throttle, or the rest of an
// open circuit's cooldown. Zero means sends may proceed now.
func (b *Breaker) RetryAfter(platform models.Platform) time.Duration {
	now := b.now()
	tuning := TuningFor(platform)

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.stateLocked(platform)

	wait := time.Duration(0)
	if now.Before(state.throttledUntil) {
		wait = state.throttledUntil.Sub(now)
	}
	if state.state == models.CircuitOpen {
		if remaining := tuning.Cooldown - now.Sub(state.openedAt); remaining > wait {
			wait = remaining
		}
	}
	return wait
}

// Health returns the current snapshot for a platform.
func (b *Breaker) Health(platform models.Platform) models.PlatformHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.stateLocked(platform)
	b.rollDayLocked(state, b.now())
	return b.snapshotLocked(platform, state)
}

func (b *Breaker) stateLocked(platform models.Platform) *platformState {
	state, ok := b.platforms[platform]
	if !ok {
		state = &platformState{state: models.CircuitClosed, day: b.now().UTC().Truncate(24 * time.Hour)}
		b.platforms[platform] = state
	}
	return state
}

func (b *Breaker) rollDayLocked(state *platformState, now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(state.day) {
		state.day = day
		state.requestsToday = 0
		state.errorsToday = 0
	}
}

func (b *Breaker) transitionLocked(platform models.Platform, state *platformState, to models.CircuitState) func() {
	from := state.state
	state.state = to
	hook := b.hooks.OnStateChange
	logger := b.logger
	return func() {
		logger.Info("circuit transition", "platform", platform, "from", from, "to", to)
		if hook != nil {
			hook(platform, from, to)
		}
	}
}

func (b *Breaker) snapshotLocked(platform models.Platform, state *platformState) models.PlatformHealth {
	health := models.PlatformHealth{
		Platform:          platform,
		CircuitState:      state.state,
		FailureCount:      state.failures,
		SuccessCount:      state.successes,
		IsThrottled:       b.now().Before(state.throttledUntil),
		AvgResponseTimeMs: state.avgResponseMs,
		RequestsToday:     state.requestsToday,
		ErrorsToday:       state.errorsToday,
	}
	if !state.throttledUntil.IsZero() {
		until := state.throttledUntil
		health.ThrottledUntil = &until
	}
	if !state.lastSuccessAt.IsZero() {
		at := state.lastSuccessAt
		health.LastSuccessAt = &at
	}
	if !state.lastFailureAt.IsZero() {
		at := state.lastFailureAt
		health.LastFailureAt = &at
	}
	return health
}

func (b *Breaker) persist(health models.PlatformHealth) {
	if b.hooks.Persist != nil {
		b.hooks.Persist(health)
	}
}
