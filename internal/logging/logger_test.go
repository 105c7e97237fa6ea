package logging

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tableside/notify/internal/config"
)

func newFileLogger(t *testing.T, level string) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.log")
	logger, err := New(config.LoggingConfig{
		Level:      level,
		Path:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	if err != nil {
		t.Fatalf("logger setup: %v", err)
	}
	return logger, path
}

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()
	var entries []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("parse log line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	logger, path := newFileLogger(t, "warn")
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["message"] != "warn message" || entries[0]["level"] != "warn" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestLoggerCarriesFields(t *testing.T) {
	logger, path := newFileLogger(t, "info")
	derived := logger.With(String("channel", "orders"))
	derived.Info("connected", Uint64("conn_id", 7))
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["service"] != "notify" || entry["channel"] != "orders" {
		t.Fatalf("inherited fields missing: %+v", entry)
	}
	if entry["conn_id"] != float64(7) {
		t.Fatalf("call fields missing: %+v", entry)
	}
}

func TestLoggerSerialisesErrors(t *testing.T) {
	logger, path := newFileLogger(t, "info")
	logger.Error("boom", Error(os.ErrNotExist))
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0]["error"] != os.ErrNotExist.Error() {
		t.Fatalf("error field not serialised: %+v", entries)
	}
}

func TestHTTPTraceMiddlewarePropagatesTraceID(t *testing.T) {
	logger, _ := newFileLogger(t, "info")
	var seen string
	handler := HTTPTraceMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/livez", nil)
	request.Header.Set(TraceIDHeader, "trace-123")
	handler.ServeHTTP(recorder, request)

	if seen != "trace-123" {
		t.Fatalf("incoming trace id not propagated, got %q", seen)
	}
	if recorder.Header().Get(TraceIDHeader) != "trace-123" {
		t.Fatalf("trace id missing from response headers")
	}

	// Without an incoming header a fresh id is generated.
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if recorder.Header().Get(TraceIDHeader) == "" {
		t.Fatalf("generated trace id missing from response headers")
	}
}
