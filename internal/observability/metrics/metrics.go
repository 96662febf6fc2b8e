package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type circuitLabel struct {
	platform string
	state    string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, chat
// throughput, moderation outcomes, outbound delivery, circuit breaker state,
// and worker lifecycle. It coordinates concurrent writers via a RWMutex while
// exposing atomic gauges for worker and session tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	chatMessages      map[string]uint64
	postedMessages    map[string]uint64
	moderationActions map[string]uint64
	botEvents         map[string]uint64
	circuitEvents     map[circuitLabel]uint64
	circuitState      map[string]float64
	activeWorkers     atomic.Int64
	activeSessions    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		chatMessages:      make(map[string]uint64),
		postedMessages:    make(map[string]uint64),
		moderationActions: make(map[string]uint64),
		botEvents:         make(map[string]uint64),
		circuitEvents:     make(map[circuitLabel]uint64),
		circuitState:      make(map[string]float64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Intended for test setups
// that need an isolated default.
func SetDefault(recorder *Recorder) {
	if recorder != nil {
		defaultRecorder = recorder
	}
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChatMessage records one inbound chat message keyed by platform.
func (r *Recorder) ObserveChatMessage(platform string) {
	p := normalizeName(platform)
	r.mu.Lock()
	r.chatMessages[p]++
	r.mu.Unlock()
}

// ObservePostedMessage records one outbound message delivered to a platform.
func (r *Recorder) ObservePostedMessage(platform string) {
	p := normalizeName(platform)
	r.mu.Lock()
	r.postedMessages[p]++
	r.mu.Unlock()
}

// ObserveModerationAction records an enforcement outcome keyed by action
// (warn, delete, timeout, ban).
func (r *Recorder) ObserveModerationAction(action string) {
	a := normalizeName(action)
	r.mu.Lock()
	r.moderationActions[a]++
	r.mu.Unlock()
}

// ObserveBotEvent records a runtime event keyed by type (raid,
// giveaway_entry, token_alert, worker_crashed, ...).
func (r *Recorder) ObserveBotEvent(event string) {
	e := normalizeName(event)
	r.mu.Lock()
	r.botEvents[e]++
	r.mu.Unlock()
}

// ObserveCircuitChange records a breaker transition and updates the per
// platform state gauge (1=closed, 0.5=half-open, 0=open).
func (r *Recorder) ObserveCircuitChange(platform, state string) {
	label := circuitLabel{platform: normalizeName(platform), state: normalizeName(state)}
	value := 0.0
	switch label.state {
	case "closed":
		value = 1
	case "half_open", "half-open":
		value = 0.5
	}
	r.mu.Lock()
	r.circuitEvents[label]++
	r.circuitState[label.platform] = value
	r.mu.Unlock()
}

// WorkerStarted increments the active worker gauge and records the event.
func (r *Recorder) WorkerStarted() {
	r.ObserveBotEvent("worker_started")
	r.activeWorkers.Add(1)
}

// WorkerStopped records a stop event and decrements the active worker gauge,
// guarding against negative counts when concurrent updates race.
func (r *Recorder) WorkerStopped() {
	r.ObserveBotEvent("worker_stopped")
	r.decrementGauge(&r.activeWorkers)
}

// WorkerCrashed records a crash event and decrements the active worker gauge.
func (r *Recorder) WorkerCrashed() {
	r.ObserveBotEvent("worker_crashed")
	r.decrementGauge(&r.activeWorkers)
}

// SessionStarted increments the active chat session gauge.
func (r *Recorder) SessionStarted() {
	r.ObserveBotEvent("session_started")
	r.activeSessions.Add(1)
}

// SessionEnded decrements the active chat session gauge.
func (r *Recorder) SessionEnded() {
	r.ObserveBotEvent("session_ended")
	r.decrementGauge(&r.activeSessions)
}

// ActiveWorkers exposes the current gauge of running bot workers.
func (r *Recorder) ActiveWorkers() int64 {
	return r.activeWorkers.Load()
}

// ActiveSessions exposes the current gauge of open chat sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chatMessages = make(map[string]uint64)
	r.postedMessages = make(map[string]uint64)
	r.moderationActions = make(map[string]uint64)
	r.botEvents = make(map[string]uint64)
	r.circuitEvents = make(map[circuitLabel]uint64)
	r.circuitState = make(map[string]float64)
	r.activeWorkers.Store(0)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chatPlatforms := sortedKeys(r.chatMessages)
	postedPlatforms := sortedKeys(r.postedMessages)
	actions := sortedKeys(r.moderationActions)
	events := sortedKeys(r.botEvents)
	circuitLabels := r.sortedCircuitLabels()
	circuitPlatforms := make([]string, 0, len(r.circuitState))
	for platform := range r.circuitState {
		circuitPlatforms = append(circuitPlatforms, platform)
	}
	sort.Strings(circuitPlatforms)

	fmt.Fprintln(w, "# HELP botforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE botforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "botforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP botforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE botforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "botforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP botforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE botforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "botforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP botforge_chat_messages_total Inbound chat messages by platform")
	fmt.Fprintln(w, "# TYPE botforge_chat_messages_total counter")
	for _, platform := range chatPlatforms {
		fmt.Fprintf(w, "botforge_chat_messages_total{platform=\"%s\"} %d\n", platform, r.chatMessages[platform])
	}

	fmt.Fprintln(w, "# HELP botforge_posted_messages_total Outbound messages delivered by platform")
	fmt.Fprintln(w, "# TYPE botforge_posted_messages_total counter")
	for _, platform := range postedPlatforms {
		fmt.Fprintf(w, "botforge_posted_messages_total{platform=\"%s\"} %d\n", platform, r.postedMessages[platform])
	}

	fmt.Fprintln(w, "# HELP botforge_moderation_actions_total Moderation enforcement outcomes by action")
	fmt.Fprintln(w, "# TYPE botforge_moderation_actions_total counter")
	for _, action := range actions {
		fmt.Fprintf(w, "botforge_moderation_actions_total{action=\"%s\"} %d\n", action, r.moderationActions[action])
	}

	fmt.Fprintln(w, "# HELP botforge_bot_events_total Runtime events by type")
	fmt.Fprintln(w, "# TYPE botforge_bot_events_total counter")
	for _, event := range events {
		fmt.Fprintf(w, "botforge_bot_events_total{event=\"%s\"} %d\n", event, r.botEvents[event])
	}

	fmt.Fprintln(w, "# HELP botforge_circuit_transitions_total Circuit breaker transitions by platform and state")
	fmt.Fprintln(w, "# TYPE botforge_circuit_transitions_total counter")
	for _, label := range circuitLabels {
		fmt.Fprintf(w, "botforge_circuit_transitions_total{platform=\"%s\",state=\"%s\"} %d\n", label.platform, label.state, r.circuitEvents[label])
	}

	fmt.Fprintln(w, "# HELP botforge_circuit_state Current circuit breaker state by platform (1=closed,0.5=half-open,0=open)")
	fmt.Fprintln(w, "# TYPE botforge_circuit_state gauge")
	for _, platform := range circuitPlatforms {
		fmt.Fprintf(w, "botforge_circuit_state{platform=\"%s\"} %f\n", platform, r.circuitState[platform])
	}

	fmt.Fprintln(w, "# HELP botforge_active_workers Current number of running bot workers")
	fmt.Fprintln(w, "# TYPE botforge_active_workers gauge")
	fmt.Fprintf(w, "botforge_active_workers %d\n", r.activeWorkers.Load())

	fmt.Fprintln(w, "# HELP botforge_active_sessions Current number of open chat sessions")
	fmt.Fprintln(w, "# TYPE botforge_active_sessions gauge")
	fmt.Fprintf(w, "botforge_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedCircuitLabels() []circuitLabel {
	labels := make([]circuitLabel, 0, len(r.circuitEvents))
	for label := range r.circuitEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].platform != labels[j].platform {
			return labels[i].platform < labels[j].platform
		}
		return labels[i].state < labels[j].state
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
