// Package watermark builds and runs the external ffmpeg invocation that
// composites a watermark image onto a video. The pixel work is entirely the
// subprocess's job; this package owns argument construction, the process
// lifecycle, and structured failure reporting.
package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ProcessError reports a subprocess that failed to spawn or exited non-zero.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("ffmpeg failed to run: %v", e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Request describes one composite invocation. Exactly one of OutputPath and
// Sink must be set.
type Request struct {
	// Input is a local file path or a remote URL; ffmpeg reads both.
	Input string
	// WatermarkPath is the resolved overlay image on local disk.
	WatermarkPath string
	Position      Position
	// Margin is the pixel inset from the anchored frame edges.
	Margin int
	// ScaleWidth scales the watermark to this pixel width preserving aspect
	// ratio before compositing; zero keeps the native size.
	ScaleWidth int
	// OutputPath writes the result to a file.
	OutputPath string
	// Sink streams a fragmented MP4 as it is produced. When the sink stops
	// accepting bytes the subprocess is terminated rather than run to
	// completion.
	Sink io.Writer
}

// Config tunes the Invoker.
type Config struct {
	// FFmpegPath overrides the binary name, defaulting to "ffmpeg" on PATH.
	FFmpegPath string
	// Preset is the encoder quality/speed trade-off (ffmpeg -preset).
	Preset string
	// Threads bounds encoder threads; zero lets ffmpeg decide.
	Threads int
	Logger  *slog.Logger
}

// Invoker runs watermark composites as ffmpeg subprocesses.
type Invoker struct {
	ffmpegPath string
	preset     string
	threads    int
	logger     *slog.Logger
}

// NewInvoker constructs an Invoker from the provided configuration.
func NewInvoker(cfg Config) *Invoker {
	path := strings.TrimSpace(cfg.FFmpegPath)
	if path == "" {
		path = "ffmpeg"
	}
	preset := strings.TrimSpace(cfg.Preset)
	if preset == "" {
		preset = "veryfast"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{ffmpegPath: path, preset: preset, threads: cfg.Threads, logger: logger}
}

// FFmpegPath reports the binary the invoker launches.
func (inv *Invoker) FFmpegPath() string {
	return inv.ffmpegPath
}

// Run executes the composite and blocks until the subprocess exits. The
// subprocess is killed when ctx is cancelled or, in streaming mode, when the
// sink rejects a write.
func (inv *Invoker) Run(ctx context.Context, req Request) error {
	args, err := inv.buildArgs(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, inv.ffmpegPath, args...)
	stderr := newTailBuffer(8 * 1024)
	cmd.Stderr = stderr

	if req.Sink == nil {
		if err := cmd.Run(); err != nil {
			return processError(err, stderr)
		}
		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &ProcessError{ExitCode: -1, Err: err}
	}

	_, copyErr := io.Copy(req.Sink, stdout)
	if copyErr != nil {
		// The sink went away (client disconnect): kill the subprocess
		// instead of letting it finish into a dead pipe.
		cancel()
	}
	waitErr := cmd.Wait()

	if copyErr != nil {
		inv.logger.Info("stream aborted by sink", "error", copyErr)
		return fmt.Errorf("stream output: %w", copyErr)
	}
	if waitErr != nil {
		return processError(waitErr, stderr)
	}
	return nil
}

func (inv *Invoker) buildArgs(req Request) ([]string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, errors.New("input source is required")
	}
	if strings.TrimSpace(req.WatermarkPath) == "" {
		return nil, errors.New("watermark path is required")
	}
	if (req.OutputPath == "") == (req.Sink == nil) {
		return nil, errors.New("exactly one of output path and sink must be set")
	}

	overlay := OverlayExpr(req.Position, req.Margin)
	var filter string
	if req.ScaleWidth > 0 {
		filter = fmt.Sprintf("[1:v]scale=%d:-1[wm];[0:v][wm]overlay=%s", req.ScaleWidth, overlay)
	} else {
		filter = fmt.Sprintf("[0:v][1:v]overlay=%s", overlay)
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", req.Input,
		"-i", req.WatermarkPath,
		"-filter_complex", filter,
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", inv.preset,
	}
	if inv.threads > 0 {
		args = append(args, "-threads", strconv.Itoa(inv.threads))
	}
	if req.Sink != nil {
		args = append(args, "-movflags", "frag_keyframe+empty_moov", "-f", "mp4", "pipe:1")
	} else {
		args = append(args, "-movflags", "+faststart", req.OutputPath)
	}
	return args, nil
}

func processError(err error, stderr *tailBuffer) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ProcessError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String(), Err: err}
	}
	return &ProcessError{ExitCode: -1, Stderr: stderr.String(), Err: err}
}

// tailBuffer retains the last max bytes written to it, so a noisy ffmpeg run
// still yields a useful error message.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > t.max {
		data := t.buf.Bytes()
		trimmed := make([]byte, t.max)
		copy(trimmed, data[len(data)-t.max:])
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
