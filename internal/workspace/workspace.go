// Package workspace provides per-request scratch directories whose whole
// lifetime is bound to a single transform. A Workspace is acquired before any
// subprocess work starts and released on every exit path; releases are
// best-effort and never surface as errors to the caller.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager hands out uniquely named scratch directories under a shared root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// Config configures a workspace Manager.
type Config struct {
	// Root is the directory new workspaces are created under. Empty means
	// the operating system temporary directory.
	Root   string
	Logger *slog.Logger
}

// NewManager prepares the root directory and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		root = filepath.Join(os.TempDir(), "vodmark")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare workspace root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: absRoot, logger: logger}, nil
}

// Root reports the directory workspaces are allocated under.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh empty directory and wraps it in a Workspace.
func (m *Manager) Acquire() (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, "work-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{path: dir, logger: m.logger}, nil
}

// Workspace is a scoped temporary directory. Callers defer Release as soon as
// they hold one.
type Workspace struct {
	path   string
	logger *slog.Logger

	once sync.Once
}

// Path returns the directory backing the workspace.
func (w *Workspace) Path() string {
	return w.path
}

// File returns the path of a named file inside the workspace. The file is not
// created.
func (w *Workspace) File(name string) string {
	return filepath.Join(w.path, filepath.Base(name))
}

// Release removes the directory and everything inside it. It is idempotent
// and never returns an error: a failed removal is logged and must not mask
// the outcome of the work that used the directory.
func (w *Workspace) Release() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.path); err != nil && w.logger != nil {
			w.logger.Warn("workspace cleanup failed", "path", w.path, "error", err)
		}
	})
}
