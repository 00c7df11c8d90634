package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodmark/internal/admission"
	"vodmark/internal/api"
	"vodmark/internal/hub"
	"vodmark/internal/job"
	"vodmark/internal/observability/metrics"
	"vodmark/internal/watermark"
	"vodmark/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
out=""
for arg in "$@"; do out="$arg"; done
if [ "$out" = "pipe:1" ]; then
  printf 'FAKEVIDEO'
else
  printf 'FAKEVIDEO' > "$out"
fi
`
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	mgr, err := workspace.NewManager(workspace.Config{Root: t.TempDir(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	source, err := watermark.NewSource(watermark.SourceConfig{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	h := &api.Handler{
		Gate:       admission.New(admission.Config{MaxConcurrency: 1, QueueMax: 2}),
		Hub:        hub.New(hub.Config{Logger: discardLogger(), Metrics: metrics.New()}),
		Workspaces: mgr,
		Source:     source,
		Invoker:    watermark.NewInvoker(watermark.Config{FFmpegPath: fakeFFmpeg(t), Logger: discardLogger()}),
		Logger:     discardLogger(),
		Metrics:    metrics.New(),
	}
	reg, err := job.NewRegistry(job.RegistryConfig{
		Gate:    h.Gate,
		Run:     h.RunJob,
		Logger:  discardLogger(),
		Metrics: h.Metrics,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	h.Jobs = reg
	return h
}

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(newTestHandler(t), cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		srv.rateLimiter.Close()
	})
	return srv.httpServer.Handler
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsMalformedCORSOrigin(t *testing.T) {
	t.Parallel()

	_, err := New(newTestHandler(t), Config{
		Logger: discardLogger(),
		CORS:   CORSConfig{AllowedOrigins: []string{"missing-scheme"}},
	})
	if err == nil {
		t.Fatalf("expected a configuration error")
	}
}

func TestHealthRouteServesThroughChain(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestMetricsRouteExposed(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vodmark") {
		t.Fatalf("expected vodmark metric families, got: %.200s", rec.Body.String())
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/no-such-route", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSecurityHeadersAppliedToResponses(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	headers := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	}
	for name, want := range headers {
		if got := rec.Header().Get(name); got != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestSecurityHeadersCanBeOverridden(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{
		Security: SecurityConfig{FrameOptions: "SAMEORIGIN", ReferrerPolicy: "strict-origin-when-cross-origin"},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got != "strict-origin-when-cross-origin" {
		t.Fatalf("Referrer-Policy = %q", got)
	}
}

func TestRequestIDFlowsThroughChain(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "trace-me")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "trace-me" {
		t.Fatalf("X-Request-Id = %q, want trace-me", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a generated request id header")
	}
}

func TestGlobalRateLimitReturns429(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should pass the global limiter")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once the burst is spent", rec.Code)
	}
}

func TestSubmitRateLimitAppliesPerClient(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{
		RateLimit: RateLimitConfig{SubmitLimit: 1, SubmitWindow: time.Hour},
	})

	submit := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/watermark", strings.NewReader("{}"))
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := submit("203.0.113.5:1000"); rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first submission should not be rate limited")
	}
	rec := submit("203.0.113.5:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 for the second submission", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After hint")
	}

	if rec := submit("198.51.100.9:1000"); rec.Code == http.StatusTooManyRequests {
		t.Fatalf("a different client must not share the window")
	}

	// Reads are never submit-limited.
	req := httptest.NewRequest(http.MethodGet, "/watermark/status/unknown", nil)
	req.RemoteAddr = "203.0.113.5:1002"
	statusRec := httptest.NewRecorder()
	handler.ServeHTTP(statusRec, req)
	if statusRec.Code == http.StatusTooManyRequests {
		t.Fatalf("status polling must bypass the submit limiter")
	}
}

func TestWebSocketRouteRequiresStreamID(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a streamId", rec.Code)
	}
}
