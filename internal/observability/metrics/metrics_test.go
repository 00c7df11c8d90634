package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveRequestExposesCounter(t *testing.T) {
	r := New()
	r.ObserveRequest(http.MethodPost, "/watermark", http.StatusOK, 120*time.Millisecond)

	body := scrape(t, r)
	if !strings.Contains(body, `vodmark_http_requests_total{method="POST",path="/watermark",status="200"} 1`) {
		t.Fatalf("request counter missing:\n%s", body)
	}
	if !strings.Contains(body, "vodmark_http_request_duration_seconds_count") {
		t.Fatalf("latency histogram missing")
	}
}

func TestJobAndHubFamilies(t *testing.T) {
	r := New()
	r.ObserveJob("completed")
	r.ObserveJob("completed")
	r.ObserveJob("failed")
	r.ObserveTransform("sync", 3*time.Second)
	r.SetAdmission(1, 4)
	r.SetRooms(2, 5)
	r.ObserveHubMessage("broadcast")

	body := scrape(t, r)
	for _, want := range []string{
		`vodmark_jobs_total{status="completed"} 2`,
		`vodmark_jobs_total{status="failed"} 1`,
		`vodmark_transform_duration_seconds_count{mode="sync"} 1`,
		"vodmark_admission_active 1",
		"vodmark_admission_queued 4",
		"vodmark_rooms_active 2",
		"vodmark_room_participants 5",
		`vodmark_hub_messages_total{kind="broadcast"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in scrape:\n%s", want, body)
		}
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.ObserveJob("completed")

	if strings.Contains(scrape(t, b), `vodmark_jobs_total{status="completed"}`) {
		t.Fatalf("recorders must not share a registry")
	}
}
