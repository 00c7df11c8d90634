// Package job tracks asynchronous watermark work. A Job's lifetime is
// decoupled from the HTTP connection that created it: the registry owns the
// job's workspace and output file and guarantees both disappear exactly once,
// on claim, on failure, or when the retention TTL elapses.
package job

import (
	"time"

	"vodmark/internal/watermark"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Params carries the transform parameters captured at submission time.
type Params struct {
	// Input is the path of the source video inside the job's workspace.
	// Empty until SourceURL has been fetched.
	Input string
	// SourceURL is a remote source that still needs downloading. For
	// asynchronous jobs the fetch happens inside the worker, after the
	// submission response, so fetch failures land in the job status
	// rather than the submit response.
	SourceURL  string
	Position   watermark.Position
	Margin     int
	ScaleWidth int
	// Filename is the sanitised download name for the finished file.
	Filename string
}

// Snapshot is the caller-visible view of a Job.
type Snapshot struct {
	ID        string
	Status    Status
	Progress  int
	Ready     bool
	Error     string
	Filename  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func progressFor(status Status) int {
	switch status {
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}
