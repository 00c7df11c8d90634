package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"vodmark/internal/job"
)

type jobAcceptedResponse struct {
	OK        bool   `json:"ok"`
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
	ResultURL string `json:"resultUrl"`
}

type jobStatusResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Ready     bool   `json:"ready"`
	Error     string `json:"error,omitempty"`
	Filename  string `json:"filename"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func newJobStatusResponse(snap job.Snapshot) jobStatusResponse {
	return jobStatusResponse{
		JobID:     snap.ID,
		Status:    string(snap.Status),
		Progress:  snap.Progress,
		Ready:     snap.Ready,
		Error:     snap.Error,
		Filename:  snap.Filename,
		CreatedAt: snap.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: snap.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// WatermarkJobs handles POST /watermark/jobs: the form is parsed inside the
// request, then the transform runs in the background.
func (h *Handler) WatermarkJobs(w http.ResponseWriter, r *http.Request) {
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
	params, err := h.parseTransformRequest(w, r, ws)
	if err != nil {
		ws.Release()
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The registry owns the workspace from here on.
	snap, err := h.Jobs.Create(params, ws)
	if err != nil {
		ws.Release()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("job accepted", "job_id", snap.ID)
	writeJSON(w, http.StatusAccepted, jobAcceptedResponse{
		OK:        true,
		JobID:     snap.ID,
		StatusURL: "/watermark/status/" + snap.ID,
		ResultURL: "/watermark/result/" + snap.ID,
	})
}

// JobStatus handles GET /watermark/status/{id}.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/watermark/status/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	snap, ok := h.Jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, newJobStatusResponse(snap))
}

// JobResult handles GET /watermark/result/{id}: the finished file streams out
// exactly once, then the job and its files are gone.
func (h *Handler) JobResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/watermark/result/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	stream, snap, err := h.Jobs.Claim(id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	case errors.Is(err, job.ErrNotReady):
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s is not ready", id))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": snap.Filename}))
	if _, err := io.Copy(w, stream); err != nil {
		h.logger().Warn("result stream interrupted", "job_id", id, "error", err)
	}
}
