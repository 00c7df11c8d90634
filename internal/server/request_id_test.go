package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"vodmark/internal/observability/logging"
)

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("expected response header to carry the request id, got %q", got)
	}
}

func TestRequestIDMiddlewareGeneratesWhenMissing(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated-id" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("expected a generated request id, got %q", got)
	}
}

func TestLoggingMiddlewareEmitsRequestMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := requestIDMiddlewareWithGenerator(logger, func() string { return "req-42" }, loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/watermark/status/abc", nil)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (raw %q)", err, buf.String())
	}
	if entry["msg"] != "request completed" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["request_id"] != "req-42" {
		t.Fatalf("request_id = %v", entry["request_id"])
	}
	if entry["path"] != "/watermark/status/abc" {
		t.Fatalf("path = %v", entry["path"])
	}
	if status, ok := entry["status"].(float64); !ok || int(status) != http.StatusNoContent {
		t.Fatalf("status = %v", entry["status"])
	}
}
