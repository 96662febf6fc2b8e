package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	return payload
}

func TestNewWritesToStdoutByDefault(t *testing.T) {
	originalStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	t.Cleanup(func() {
		os.Stdout = originalStdout
		_ = w.Close()
		_ = r.Close()
	})

	New(Config{}).Info("boot")

	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("nothing written to stdout")
	}
}

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf}).Info("custom writer")
	if buf.Len() == 0 {
		t.Fatal("custom writer received no output")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"warning":  slog.LevelWarn,
		"warn":     slog.LevelWarn,
		"error":    slog.LevelError,
		"info":     slog.LevelInfo,
		"":         slog.LevelInfo,
		" DeBuG ":  slog.LevelDebug,
		"gibberis": slog.LevelInfo,
	}
	for input, want := range cases {
		leveler := parseLevel(input)
		if leveler == nil {
			t.Fatalf("parseLevel(%q) returned nil", input)
		}
		if got := leveler.Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestWithComponentAnnotates(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(logger, "supervisor").Info("tick")

	payload := decodeLine(t, &buf)
	if payload["component"] != "supervisor" {
		t.Fatalf("component = %v, want supervisor", payload["component"])
	}

	if got := WithComponent(nil, "anything"); got != nil {
		t.Fatalf("nil logger should stay nil, got %v", got)
	}
}

func TestContextCarriesRequestAndTenantIDs(t *testing.T) {
	ctx := ContextWithTenantID(ContextWithRequestID(context.Background(), "req-123"), "tenant-42")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-123" {
		t.Fatalf("request id %q/%v", id, ok)
	}
	if id, ok := TenantIDFromContext(ctx); !ok || id != "tenant-42" {
		t.Fatalf("tenant id %q/%v", id, ok)
	}

	// Blank values are dropped rather than stored.
	if _, ok := TenantIDFromContext(ContextWithTenantID(context.Background(), "   ")); ok {
		t.Fatal("blank tenant id stored")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithTenantID(ContextWithRequestID(context.Background(), "req-1"), "tenant-1")

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	payload := decodeLine(t, &buf)
	if payload["request_id"] != "req-1" {
		t.Fatalf("request_id = %v", payload["request_id"])
	}
	if payload["tenant_id"] != "tenant-1" {
		t.Fatalf("tenant_id = %v", payload["tenant_id"])
	}
}

func TestInitReplacesDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatal("Init did not install the default logger")
	}

	slog.Info("hello world")

	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("text output missing message: %q", buf.String())
	}
}

func TestRequestLoggerEmitsRequestMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

	req := httptest.NewRequest(http.MethodPost, "/api/commands", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeLine(t, &buf)
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("status = %v, want %d", payload["status"], http.StatusAccepted)
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("remote_addr = %v", payload["remote_addr"])
	}
	if payload["path"] != "/api/commands" {
		t.Fatalf("path = %v", payload["path"])
	}
}
