package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newRequestWithRemote(t *testing.T, remoteAddr string, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req
}

func TestTokenBucketEnforcesBurstAndRefills(t *testing.T) {
	t.Parallel()

	bucket := newTokenBucket(50, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatalf("expected the burst capacity to be available immediately")
	}
	if bucket.Allow() {
		t.Fatalf("expected the bucket to be empty after the burst")
	}

	time.Sleep(60 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatalf("expected a token to refill at 50 per second")
	}
}

func TestAllowRequestUnlimitedWithoutGlobalRate(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatalf("request %d denied with no global rate configured", i+1)
		}
	}
}

func TestAllowSubmitCapsPerKey(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{SubmitLimit: 2, SubmitWindow: time.Hour})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowSubmit("203.0.113.9")
		if err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("submit %d should be admitted", i+1)
		}
	}

	allowed, retryAfter, err := rl.AllowSubmit("203.0.113.9")
	if err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if allowed {
		t.Fatalf("expected the third submission to be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %v, want a positive hint", retryAfter)
	}

	allowed, _, err = rl.AllowSubmit("203.0.113.10")
	if err != nil {
		t.Fatalf("other client: %v", err)
	}
	if !allowed {
		t.Fatalf("a different client must get its own window")
	}
}

func TestAllowSubmitUnlimitedWhenDisabled(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 20; i++ {
		allowed, _, err := rl.AllowSubmit("203.0.113.9")
		if err != nil || !allowed {
			t.Fatalf("submit %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
}

func TestAllowSubmitEvictsIdleClients(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(RateLimitConfig{SubmitLimit: 1, SubmitWindow: 10 * time.Millisecond})
	if allowed, _, _ := rl.AllowSubmit("192.0.2.1"); !allowed {
		t.Fatalf("first submission should be admitted")
	}

	time.Sleep(30 * time.Millisecond)
	if allowed, _, _ := rl.AllowSubmit("192.0.2.2"); !allowed {
		t.Fatalf("second client should be admitted")
	}

	rl.submitMu.Lock()
	_, stale := rl.submitBuckets["192.0.2.1"]
	rl.submitMu.Unlock()
	if stale {
		t.Fatalf("expected the idle client bucket to be evicted")
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote addr host", remoteAddr: "203.0.113.4:51234", want: "203.0.113.4"},
		{name: "forwarded for first hop", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1"}, want: "198.51.100.2"},
		{name: "real ip", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Real-IP": "198.51.100.3"}, want: "198.51.100.3"},
		{name: "bare host", remoteAddr: "203.0.113.4", want: "203.0.113.4"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := newRequestWithRemote(t, tc.remoteAddr, tc.headers)
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("extractClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
