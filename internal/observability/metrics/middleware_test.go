package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/giveaways/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `botforge_http_requests_total{method="GET",path="/giveaways/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestStatusWriterDefaultsAndFlush(t *testing.T) {
	rr := httptest.NewRecorder()
	sw := NewStatusWriter(rr)

	if sw.Status() != http.StatusOK {
		t.Fatalf("default status %d, want 200", sw.Status())
	}

	sw.Flush()
	if !rr.Flushed {
		t.Fatal("flush not forwarded to the underlying writer")
	}

	sw.WriteHeader(http.StatusBadGateway)
	if sw.Status() != http.StatusBadGateway {
		t.Fatalf("recorded status %d, want 502", sw.Status())
	}
	if sw.Unwrap() != rr {
		t.Fatal("unwrap did not return the underlying writer")
	}
}

func TestDefaultRecorderHelpers(t *testing.T) {
	original := Default()
	t.Cleanup(func() {
		SetDefault(original)
	})

	isolated := New()
	SetDefault(isolated)

	ObserveRequest("POST", "/bots/123", http.StatusCreated, 150*time.Millisecond)

	var buf bytes.Buffer
	isolated.Write(&buf)
	body := buf.String()

	expected := `botforge_http_requests_total{method="POST",path="/bots/:id",status="201"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected default recorder metrics to include %q, got %q", expected, body)
	}
}
