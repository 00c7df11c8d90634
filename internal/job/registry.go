package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodmark/internal/admission"
	"vodmark/internal/observability/metrics"
	"vodmark/internal/workspace"
)

// ErrNotFound is returned for unknown, already-claimed, or expired job IDs,
// and for failed jobs on the claim path (a failed job has no result).
var ErrNotFound = errors.New("job not found")

// ErrNotReady is returned when a result is claimed before the job completes.
var ErrNotReady = errors.New("job result is not ready")

// RunFunc performs the transform for one job, writing the result to
// outputPath. The workspace is the job's scratch directory; anything the run
// creates there is removed with the job.
type RunFunc func(ctx context.Context, params Params, ws *workspace.Workspace, outputPath string) error

const (
	defaultTTL           = time.Hour
	defaultTimeout       = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	// Gate bounds concurrent transform executions. Jobs wait for a slot
	// with patience: a created job is never rejected for queue pressure.
	Gate *admission.Controller
	Run  RunFunc
	// TTL is how long an unclaimed terminal job is retained (default 1h).
	TTL time.Duration
	// Timeout bounds a single transform execution (default 30m).
	Timeout       time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

type record struct {
	id         string
	status     Status
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time
	ws         *workspace.Workspace
	outputPath string
	errMsg     string
	params     Params
}

// Registry holds all live jobs in memory. Jobs do not survive a process
// restart; their workspaces live under the OS temporary directory and are
// reaped with the process.
type Registry struct {
	gate          *admission.Controller
	run           RunFunc
	ttl           time.Duration
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*record
}

// NewRegistry constructs a Registry from the provided configuration.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Gate == nil {
		return nil, errors.New("admission controller is required")
	}
	if cfg.Run == nil {
		return nil, errors.New("run function is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		gate:          cfg.Gate,
		run:           cfg.Run,
		ttl:           ttl,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		logger:        logger,
		metrics:       recorder,
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(map[string]*record),
	}, nil
}

// Create registers a new queued job and starts its execution in the
// background. Ownership of the workspace transfers to the registry.
func (r *Registry) Create(params Params, ws *workspace.Workspace) (Snapshot, error) {
	if ws == nil {
		return Snapshot{}, errors.New("workspace is required")
	}
	now := time.Now().UTC()
	rec := &record{
		id:         uuid.NewString(),
		status:     StatusQueued,
		createdAt:  now,
		updatedAt:  now,
		ws:         ws,
		outputPath: ws.File("output.mp4"),
		params:     params,
	}
	r.mu.Lock()
	r.jobs[rec.id] = rec
	r.mu.Unlock()
	r.metrics.ObserveJob(string(StatusQueued))

	r.wg.Add(1)
	go r.execute(rec.id)

	return rec.snapshot(), nil
}

// Get returns the current view of a job.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// Len reports the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Claim hands the completed result to the caller exactly once. The entry is
// removed before the stream starts, so a concurrent expiry sweep can never
// observe the same job; closing the stream deletes the backing files.
func (r *Registry) Claim(id string) (io.ReadCloser, Snapshot, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, Snapshot{}, ErrNotFound
	}
	switch rec.status {
	case StatusQueued, StatusProcessing:
		snap := rec.snapshot()
		r.mu.Unlock()
		return nil, snap, ErrNotReady
	case StatusFailed:
		r.mu.Unlock()
		return nil, Snapshot{}, ErrNotFound
	}
	delete(r.jobs, id)
	r.mu.Unlock()

	file, err := os.Open(rec.outputPath)
	if err != nil {
		rec.ws.Release()
		return nil, Snapshot{}, fmt.Errorf("open result: %w", err)
	}
	r.metrics.ObserveJob("claimed")
	return &claimedResult{file: file, ws: rec.ws}, rec.snapshot(), nil
}

// Run drives the expiry sweeper until ctx is cancelled, then stops all
// in-flight work and releases every remaining workspace.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		case <-ctx.Done():
			r.shutdown()
			return nil
		}
	}
}

func (r *Registry) shutdown() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	remaining := make([]*record, 0, len(r.jobs))
	for id, rec := range r.jobs {
		remaining = append(remaining, rec)
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	for _, rec := range remaining {
		rec.ws.Release()
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	expired := make([]*record, 0)
	for id, rec := range r.jobs {
		if rec.status != StatusCompleted && rec.status != StatusFailed {
			continue
		}
		if now.Sub(rec.finishedAt) < r.ttl {
			continue
		}
		expired = append(expired, rec)
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	for _, rec := range expired {
		rec.ws.Release()
		r.metrics.ObserveJob("expired")
		r.logger.Info("job expired", "job_id", rec.id, "status", string(rec.status))
	}
}

func (r *Registry) execute(id string) {
	defer r.wg.Done()
	err := r.gate.Wait(r.ctx, func() error {
		rec := r.markProcessing(id)
		if rec == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		start := time.Now()
		runErr := r.run(ctx, rec.params, rec.ws, rec.outputPath)
		r.metrics.ObserveTransform("job", time.Since(start))
		return runErr
	})
	if err != nil {
		r.fail(id, err)
		return
	}
	r.complete(id)
}

func (r *Registry) markProcessing(id string) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.status != StatusQueued {
		return nil
	}
	rec.status = StatusProcessing
	rec.updatedAt = time.Now().UTC()
	r.metrics.ObserveJob(string(StatusProcessing))
	return rec
}

func (r *Registry) complete(id string) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok || rec.status != StatusProcessing {
		r.mu.Unlock()
		return
	}
	if _, err := os.Stat(rec.outputPath); err != nil {
		r.mu.Unlock()
		r.fail(id, fmt.Errorf("transform produced no output: %w", err))
		return
	}
	now := time.Now().UTC()
	rec.status = StatusCompleted
	rec.updatedAt = now
	rec.finishedAt = now
	r.mu.Unlock()
	r.metrics.ObserveJob(string(StatusCompleted))
	r.logger.Info("job completed", "job_id", id)
}

func (r *Registry) fail(id string, cause error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok || rec.status == StatusCompleted || rec.status == StatusFailed {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.status = StatusFailed
	rec.updatedAt = now
	rec.finishedAt = now
	rec.errMsg = cause.Error()
	rec.outputPath = ""
	ws := rec.ws
	r.mu.Unlock()

	// Failed jobs keep their registry entry for status polling but lose
	// their files immediately.
	ws.Release()
	r.metrics.ObserveJob(string(StatusFailed))
	r.logger.Error("job failed", "job_id", id, "error", cause)
}

func (rec *record) snapshot() Snapshot {
	return Snapshot{
		ID:        rec.id,
		Status:    rec.status,
		Progress:  progressFor(rec.status),
		Ready:     rec.status == StatusCompleted,
		Error:     rec.errMsg,
		Filename:  rec.params.Filename,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
}

type claimedResult struct {
	file *os.File
	ws   *workspace.Workspace
	once sync.Once
}

func (c *claimedResult) Read(p []byte) (int, error) {
	return c.file.Read(p)
}

// Close closes the stream and deletes the job's backing files.
func (c *claimedResult) Close() error {
	var err error
	c.once.Do(func() {
		err = c.file.Close()
		c.ws.Release()
	})
	return err
}
