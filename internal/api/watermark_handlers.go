package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"vodmark/internal/admission"
	"vodmark/internal/job"
	"vodmark/internal/watermark"
	"vodmark/internal/workspace"
)

// Watermark handles POST /watermark: the transform runs inside the request
// and the result is streamed back as it is encoded.
func (h *Handler) Watermark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	ws, err := h.Workspaces.Acquire()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer ws.Release()

	params, err := h.parseTransformRequest(w, r, ws)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if params.SourceURL != "" {
		params.Input, err = h.downloadVideo(r.Context(), params.SourceURL, ws)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	sink := &attachmentWriter{w: w, filename: params.Filename}
	start := time.Now()
	err = h.Gate.Do(r.Context(), func() error {
		return h.transform(r.Context(), params, ws, sink, "")
	})
	if err != nil {
		if sink.started {
			// The status line is gone; all we can do is drop the connection.
			h.logger().Error("transform failed mid-stream", "error", err)
			return
		}
		h.writeTransformError(w, err)
		return
	}
	h.recorder().ObserveTransform("sync", time.Since(start))
}

// RunJob executes one queued job's transform. It is installed as the job
// registry's run function. A remote source is fetched here, not at submission
// time, so an unreachable URL fails the job instead of the submit request.
func (h *Handler) RunJob(ctx context.Context, params job.Params, ws *workspace.Workspace, outputPath string) error {
	if params.Input == "" {
		input, err := h.downloadVideo(ctx, params.SourceURL, ws)
		if err != nil {
			return err
		}
		params.Input = input
	}
	return h.transform(ctx, params, ws, nil, outputPath)
}

func (h *Handler) transform(ctx context.Context, params job.Params, ws *workspace.Workspace, sink io.Writer, outputPath string) error {
	wmPath, err := h.Source.Resolve(ctx, ws)
	if err != nil {
		return err
	}
	return h.Invoker.Run(ctx, watermark.Request{
		Input:         params.Input,
		WatermarkPath: wmPath,
		Position:      params.Position,
		Margin:        params.Margin,
		ScaleWidth:    params.ScaleWidth,
		Sink:          sink,
		OutputPath:    outputPath,
	})
}

func (h *Handler) writeTransformError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to report.
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// parseTransformRequest reads the multipart form into the workspace and
// validates every parameter. Exactly one of the video file field and the
// videoUrl field must be present.
func (h *Handler) parseTransformRequest(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) (job.Params, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())
	reader, err := r.MultipartReader()
	if err != nil {
		return job.Params{}, fmt.Errorf("invalid multipart payload: %w", err)
	}

	params := job.Params{Position: watermark.PositionBottomRight, Margin: watermark.DefaultMargin}
	var videoURL string
	fields := map[string]string{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return job.Params{}, fmt.Errorf("read multipart data: %w", err)
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "video" {
			if params.Input != "" {
				_ = part.Close()
				return job.Params{}, fmt.Errorf("only one video file may be supplied")
			}
			saved, saveErr := saveVideoPart(part, ws)
			if saveErr != nil {
				return job.Params{}, saveErr
			}
			params.Input = saved
			continue
		}
		payload, readErr := io.ReadAll(part)
		_ = part.Close()
		if readErr != nil {
			return job.Params{}, fmt.Errorf("read form field %s: %w", name, readErr)
		}
		fields[name] = strings.TrimSpace(string(payload))
	}

	videoURL = fields["videoUrl"]
	switch {
	case params.Input != "" && videoURL != "":
		return job.Params{}, fmt.Errorf("provide either a video file or videoUrl, not both")
	case params.Input == "" && videoURL == "":
		return job.Params{}, fmt.Errorf("a video file or videoUrl is required")
	}
	if videoURL != "" {
		// Only the shape is checked here; fetching is the caller's
		// business so job submissions can answer before the download.
		parsed, parseErr := url.Parse(videoURL)
		if parseErr != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return job.Params{}, fmt.Errorf("videoUrl must be an absolute http or https URL")
		}
		params.SourceURL = videoURL
	}

	position, err := watermark.ParsePosition(fields["position"])
	if err != nil {
		return job.Params{}, err
	}
	params.Position = position

	if raw := fields["margin"]; raw != "" {
		margin, parseErr := strconv.Atoi(raw)
		if parseErr != nil || margin < 0 {
			return job.Params{}, fmt.Errorf("margin must be a non-negative integer")
		}
		params.Margin = margin
	}
	if raw := fields["wmWidth"]; raw != "" {
		width, parseErr := strconv.Atoi(raw)
		if parseErr != nil || width <= 0 {
			return job.Params{}, fmt.Errorf("wmWidth must be a positive integer")
		}
		params.ScaleWidth = width
	}
	params.Filename = sanitizeFilename(fields["filename"])
	return params, nil
}

func saveVideoPart(part io.ReadCloser, ws *workspace.Workspace) (string, error) {
	defer part.Close()
	dest := ws.File("input.mp4")
	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, part); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return dest, nil
}

func (h *Handler) downloadVideo(ctx context.Context, rawURL string, ws *workspace.Workspace) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch video: %w", err)
	}
	resp, err := h.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch video: unexpected status %s", resp.Status)
	}
	dest := ws.File("input.mp4")
	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("fetch video: %w", err)
	}
	defer file.Close()
	limit := h.maxUploadBytes()
	written, err := io.Copy(file, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("fetch video: %w", err)
	}
	if written > limit {
		return "", fmt.Errorf("fetch video: source exceeds the %d byte limit", limit)
	}
	return dest, nil
}

// sanitizeFilename keeps a conservative character set and always ends the
// name with .mp4.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == "/" {
		return defaultOutputFilename
	}
	ext := strings.ToLower(path.Ext(name))
	base := strings.TrimSuffix(name, path.Ext(name))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return defaultOutputFilename
	}
	if ext != ".mp4" {
		ext = ".mp4"
	}
	return b.String() + ext
}

// attachmentWriter defers the response headers until the first encoded bytes
// arrive, so pre-stream failures can still produce a JSON error.
type attachmentWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (a *attachmentWriter) Write(p []byte) (int, error) {
	if !a.started {
		a.started = true
		a.w.Header().Set("Content-Type", "video/mp4")
		a.w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.filename}))
		a.w.WriteHeader(http.StatusOK)
	}
	n, err := a.w.Write(p)
	if err == nil {
		if f, ok := a.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return n, err
}
