package api

import (
	"log/slog"
	"net/http"

	"vodmark/internal/admission"
	"vodmark/internal/hub"
	"vodmark/internal/job"
	"vodmark/internal/observability/metrics"
	"vodmark/internal/watermark"
	"vodmark/internal/workspace"
)

const (
	defaultMaxUploadBytes = 2 << 30 // 2 GiB
	defaultOutputFilename = "watermarked.mp4"
)

// Handler exposes the watermarking HTTP surface. Collaborators are injected
// as fields so tests can substitute any of them.
type Handler struct {
	Jobs       *job.Registry
	Gate       *admission.Controller
	Hub        *hub.Hub
	Workspaces *workspace.Manager
	Source     *watermark.Source
	Invoker    *watermark.Invoker
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	HTTPClient *http.Client
	// MaxUploadBytes caps the inbound multipart request body and the size
	// of a remote source fetched through videoUrl.
	MaxUploadBytes int64
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) httpClient() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return http.DefaultClient
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}
