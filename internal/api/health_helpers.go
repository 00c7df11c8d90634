package api

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type admissionStatus struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
	Admission  admissionStatus   `json:"admission"`
	Rooms      map[string]int    `json:"rooms,omitempty"`
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, statusCode := h.componentHealth()

	active, queued := h.Gate.Stats()

	payload := healthResponse{
		Status:     overall,
		Components: components,
		Admission:  admissionStatus{Active: active, Queued: queued},
	}
	if h.Hub != nil {
		payload.Rooms = h.Hub.Rooms()
	}
	writeJSON(w, statusCode, payload)
}

func (h *Handler) componentHealth() ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)

	ffmpegErr := func() error {
		if _, err := exec.LookPath(h.Invoker.FFmpegPath()); err != nil {
			return fmt.Errorf("ffmpeg not found: %w", err)
		}
		return nil
	}()
	components = append(components, recordComponent("ffmpeg", ffmpegErr))

	workspaceErr := func() error {
		info, err := os.Stat(h.Workspaces.Root())
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", h.Workspaces.Root())
		}
		return nil
	}()
	components = append(components, recordComponent("workspace", workspaceErr))

	return components, overallStatus, statusCode
}
