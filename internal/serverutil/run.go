// Package serverutil runs a server until its context is cancelled and then
// shuts it down gracefully.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Runner is a blocking server. Start returns http.ErrServerClosed (or nil)
// after a graceful Shutdown.
type Runner interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Config controls the run loop.
type Config struct {
	Runner          Runner
	ShutdownTimeout time.Duration
	// Ready is closed once Start has been invoked.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the runner and blocks until it stops. When the context is
// cancelled, Run attempts a graceful shutdown bounded by ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Runner == nil {
		return fmt.Errorf("runner is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Runner.Start()
	}()

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Runner.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}
