package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"botforge/internal/bus"
	"botforge/internal/models"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/tenants/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and uuid",
			method:   "POST",
			path:     "/tenants/8a1f90ce-77aa-4be3-9e54-0f2b8f2f61f4/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "sessions/abc123/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestWorkerGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	stops := 150

	wg.Add(starts + stops)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.WorkerStarted()
		}()
	}
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.WorkerStopped()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveWorkers(); active != 0 {
		t.Fatalf("active workers should not go negative; got %d", active)
	}

	if count := recorder.botEvents["worker_started"]; count != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", count, starts)
	}
	if count := recorder.botEvents["worker_stopped"]; count != uint64(stops) {
		t.Fatalf("unexpected stop events: got %d want %d", count, stops)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/tenants/8a1f90ce-77aa-4be3-9e54-0f2b8f2f61f4", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/tenants/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/tenants", 201, time.Second)

	recorder.WorkerStarted()
	recorder.WorkerStarted()
	recorder.WorkerStopped()

	recorder.ObserveChatMessage("twitch")
	recorder.ObserveChatMessage("twitch")
	recorder.ObserveChatMessage("kick")

	recorder.ObservePostedMessage("twitch")
	recorder.ObserveModerationAction("Timeout")
	recorder.ObserveCircuitChange("twitch", "open")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP botforge_http_requests_total Total number of HTTP requests processed by the API
# TYPE botforge_http_requests_total counter
botforge_http_requests_total{method="GET",path="/tenants/:id",status="200"} 2
botforge_http_requests_total{method="POST",path="/tenants",status="201"} 1
# HELP botforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE botforge_http_request_duration_seconds_sum counter
botforge_http_request_duration_seconds_sum{method="GET",path="/tenants/:id",status="200"} 0.200000
botforge_http_request_duration_seconds_sum{method="POST",path="/tenants",status="201"} 1.000000
# HELP botforge_http_request_duration_seconds_count Total number of observations for request durations
# TYPE botforge_http_request_duration_seconds_count counter
botforge_http_request_duration_seconds_count{method="GET",path="/tenants/:id",status="200"} 2
botforge_http_request_duration_seconds_count{method="POST",path="/tenants",status="201"} 1
# HELP botforge_chat_messages_total Inbound chat messages by platform
# TYPE botforge_chat_messages_total counter
botforge_chat_messages_total{platform="kick"} 1
botforge_chat_messages_total{platform="twitch"} 2
# HELP botforge_posted_messages_total Outbound messages delivered by platform
# TYPE botforge_posted_messages_total counter
botforge_posted_messages_total{platform="twitch"} 1
# HELP botforge_moderation_actions_total Moderation enforcement outcomes by action
# TYPE botforge_moderation_actions_total counter
botforge_moderation_actions_total{action="timeout"} 1
# HELP botforge_bot_events_total Runtime events by type
# TYPE botforge_bot_events_total counter
botforge_bot_events_total{event="worker_started"} 2
botforge_bot_events_total{event="worker_stopped"} 1
# HELP botforge_circuit_transitions_total Circuit breaker transitions by platform and state
# TYPE botforge_circuit_transitions_total counter
botforge_circuit_transitions_total{platform="twitch",state="open"} 1
# HELP botforge_circuit_state Current circuit breaker state by platform (1=closed,0.5=half-open,0=open)
# TYPE botforge_circuit_state gauge
botforge_circuit_state{platform="twitch"} 0.000000
# HELP botforge_active_workers Current number of running bot workers
# TYPE botforge_active_workers gauge
botforge_active_workers 1
# HELP botforge_active_sessions Current number of open chat sessions
# TYPE botforge_active_sessions gauge
botforge_active_sessions 0`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestObserveEventMapsBusTypes(t *testing.T) {
	recorder := New()

	recorder.ObserveEvent(bus.Event{Type: bus.TypeWorkerStarted})
	recorder.ObserveEvent(bus.Event{Type: bus.TypeSessionStarted, Platform: models.PlatformTwitch})
	recorder.ObserveEvent(bus.Event{Type: bus.TypeChatMessage, Platform: models.PlatformTwitch})
	recorder.ObserveEvent(bus.Event{
		Type:    bus.TypeMessagePosted,
		Payload: map[string]string{"platform": "youtube", "type": "chat"},
	})
	recorder.ObserveEvent(bus.Event{
		Type:     bus.TypeModeration,
		Platform: models.PlatformTwitch,
		Payload:  map[string]string{"action": "ban"},
	})
	recorder.ObserveEvent(bus.Event{
		Type:     bus.TypeCircuitChange,
		Platform: models.PlatformKick,
		Payload:  map[string]string{"state": "half_open"},
	})
	recorder.ObserveEvent(bus.Event{Type: bus.TypeRaid})
	recorder.ObserveEvent(bus.Event{Type: bus.TypeSessionEnded, Platform: models.PlatformTwitch})
	recorder.ObserveEvent(bus.Event{Type: bus.TypeWorkerCrashed})

	if recorder.ActiveWorkers() != 0 {
		t.Fatalf("active workers %d after start and crash", recorder.ActiveWorkers())
	}
	if recorder.ActiveSessions() != 0 {
		t.Fatalf("active sessions %d after start and end", recorder.ActiveSessions())
	}
	if recorder.chatMessages["twitch"] != 1 {
		t.Fatalf("chat messages %v", recorder.chatMessages)
	}
	if recorder.postedMessages["youtube"] != 1 {
		t.Fatalf("posted messages %v", recorder.postedMessages)
	}
	if recorder.moderationActions["ban"] != 1 {
		t.Fatalf("moderation actions %v", recorder.moderationActions)
	}
	if recorder.circuitEvents[circuitLabel{platform: "kick", state: "half_open"}] != 1 {
		t.Fatalf("circuit events %v", recorder.circuitEvents)
	}
	if recorder.circuitState["kick"] != 0.5 {
		t.Fatalf("circuit state %v", recorder.circuitState)
	}
	if recorder.botEvents["raid"] != 1 {
		t.Fatalf("bot events %v", recorder.botEvents)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
