package watermark

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"vodmark/internal/workspace"
)

//go:embed assets/default.png
var bundledAssets embed.FS

const bundledAssetName = "assets/default.png"

// ErrWatermarkNotFound is returned when no watermark source resolves to a
// usable image.
var ErrWatermarkNotFound = errors.New("watermark image not found")

// SourceConfig selects where the watermark image comes from. Resolution
// precedence is RemoteURL, then LocalPath, then the bundled default asset.
type SourceConfig struct {
	// RemoteURL, when set, is fetched fresh on every invocation. Results
	// are written into the request workspace and removed with it; there is
	// deliberately no cross-request cache.
	RemoteURL string
	// LocalPath, when set, must point at an existing image file.
	LocalPath string
	// HTTPClient overrides the client used for remote fetches.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Source resolves the watermark image for a single invocation.
type Source struct {
	remoteURL string
	localPath string
	client    *http.Client
	logger    *slog.Logger
}

// NewSource validates the configuration and returns a Source.
func NewSource(cfg SourceConfig) (*Source, error) {
	remote := strings.TrimSpace(cfg.RemoteURL)
	if remote != "" {
		parsed, err := url.Parse(remote)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("watermark url %q is not absolute", cfg.RemoteURL)
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		remoteURL: remote,
		localPath: strings.TrimSpace(cfg.LocalPath),
		client:    client,
		logger:    logger,
	}, nil
}

// Resolve materialises the watermark image and returns its path. Files it
// creates live inside the provided workspace and disappear with it.
func (s *Source) Resolve(ctx context.Context, ws *workspace.Workspace) (string, error) {
	if s.remoteURL != "" {
		return s.fetchRemote(ctx, ws)
	}
	if s.localPath != "" {
		if _, err := os.Stat(s.localPath); err != nil {
			return "", fmt.Errorf("%w: configured path %s: %v", ErrWatermarkNotFound, s.localPath, err)
		}
		return s.localPath, nil
	}
	return s.writeBundled(ws)
}

func (s *Source) fetchRemote(ctx context.Context, ws *workspace.Workspace) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch watermark: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch watermark: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch returned status %d", ErrWatermarkNotFound, resp.StatusCode)
	}

	dest := ws.File("watermark" + remoteExtension(s.remoteURL))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("store watermark: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return "", fmt.Errorf("store watermark: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("store watermark: %w", err)
	}
	return dest, nil
}

func (s *Source) writeBundled(ws *workspace.Workspace) (string, error) {
	data, err := bundledAssets.ReadFile(bundledAssetName)
	if err != nil {
		return "", fmt.Errorf("%w: bundled asset unavailable: %v", ErrWatermarkNotFound, err)
	}
	dest := ws.File("watermark.png")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: materialise bundled asset: %v", ErrWatermarkNotFound, err)
	}
	return dest, nil
}

func remoteExtension(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ".png"
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return ext
	default:
		return ".png"
	}
}
