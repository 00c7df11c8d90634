// Package metrics exposes Prometheus instrumentation for the HTTP surface,
// the job registry, the admission controller, and the room hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the metric families for one service instance. Each Recorder
// carries its own registry so tests can instantiate recorders freely without
// duplicate-registration panics.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	jobsTotal         *prometheus.CounterVec
	transformDuration *prometheus.HistogramVec

	admissionActive prometheus.Gauge
	admissionQueued prometheus.Gauge

	roomsActive        prometheus.Gauge
	participantsActive prometheus.Gauge
	hubMessagesTotal   *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with all metric families registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodmark_http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vodmark_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodmark_jobs_total",
			Help: "Job lifecycle transitions by resulting status.",
		}, []string{"status"}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vodmark_transform_duration_seconds",
			Help:    "Duration of ffmpeg transform runs by mode.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		admissionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vodmark_admission_active",
			Help: "Transforms currently holding an admission slot.",
		}),
		admissionQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vodmark_admission_queued",
			Help: "Submissions waiting for an admission slot.",
		}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vodmark_rooms_active",
			Help: "Rooms with at least one connected participant.",
		}),
		participantsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vodmark_room_participants",
			Help: "Participants connected across all rooms.",
		}),
		hubMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vodmark_hub_messages_total",
			Help: "Messages handled by the room hub by kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.jobsTotal,
		r.transformDuration,
		r.admissionActive,
		r.admissionQueued,
		r.roomsActive,
		r.participantsActive,
		r.hubMessagesTotal,
	)
	return r
}

// Default returns the shared Recorder used when callers do not inject one.
func Default() *Recorder {
	return defaultRecorder
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest accumulates request count and latency.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveJob counts a job lifecycle transition.
func (r *Recorder) ObserveJob(status string) {
	r.jobsTotal.WithLabelValues(status).Inc()
}

// ObserveTransform records how long an ffmpeg run took.
func (r *Recorder) ObserveTransform(mode string, duration time.Duration) {
	r.transformDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetAdmission updates the slot and queue gauges.
func (r *Recorder) SetAdmission(active, queued int) {
	r.admissionActive.Set(float64(active))
	r.admissionQueued.Set(float64(queued))
}

// SetRooms updates the room and participant gauges.
func (r *Recorder) SetRooms(rooms, participants int) {
	r.roomsActive.Set(float64(rooms))
	r.participantsActive.Set(float64(participants))
}

// ObserveHubMessage counts a handled hub message by kind (broadcast, ping,
// discarded).
func (r *Recorder) ObserveHubMessage(kind string) {
	r.hubMessagesTotal.WithLabelValues(kind).Inc()
}
