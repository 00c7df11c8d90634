// Command server starts the vodmark watermarking HTTP service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"vodmark/internal/admission"
	"vodmark/internal/api"
	"vodmark/internal/hub"
	"vodmark/internal/job"
	"vodmark/internal/observability/logging"
	"vodmark/internal/observability/metrics"
	"vodmark/internal/server"
	"vodmark/internal/serverutil"
	"vodmark/internal/watermark"
	"vodmark/internal/workspace"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	envFile := flag.String("env-file", "", "path to an env file loaded before flags are resolved")
	workspaceRoot := flag.String("workspace-root", "", "directory for per-request scratch workspaces")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffmpegPreset := flag.String("ffmpeg-preset", "", "x264 preset passed to ffmpeg")
	ffmpegThreads := flag.Int("ffmpeg-threads", 0, "thread cap for each ffmpeg run (0 lets ffmpeg decide)")
	watermarkURL := flag.String("watermark-url", "", "URL of the watermark image, fetched per request")
	watermarkPath := flag.String("watermark-path", "", "local path of the watermark image")
	maxConcurrency := flag.Int("max-concurrency", 0, "transforms allowed to run at the same time")
	queueMax := flag.Int("queue-max", 0, "synchronous requests allowed to wait for a transform slot")
	jobTTL := flag.Duration("job-ttl", 0, "retention for finished jobs and their results")
	jobTimeout := flag.Duration("job-timeout", 0, "wall clock bound for a single job transform")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum accepted request body size in bytes")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log encoding (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	submitLimit := flag.Int("rate-submit-limit", 0, "maximum transform submissions per window for a single IP")
	submitWindow := flag.Duration("rate-submit-window", 0, "window for counting transform submissions")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed submission throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed submission throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	wsOrigins := flag.String("ws-origins", "", "comma separated origins allowed to join broadcast rooms")
	wsHeartbeat := flag.Duration("ws-heartbeat", 0, "interval between WebSocket liveness probes")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for draining connections on shutdown")
	flag.Parse()

	if path := strings.TrimSpace(firstNonEmpty(*envFile, os.Getenv("VODMARK_ENV_FILE"))); path != "" {
		if err := godotenv.Load(path); err != nil {
			logging.New(logging.Config{}).Error("failed to load env file", "path", path, "error", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODMARK_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODMARK_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	workspaces, err := workspace.NewManager(workspace.Config{
		Root:   firstNonEmpty(*workspaceRoot, os.Getenv("VODMARK_WORKSPACE_ROOT")),
		Logger: logging.WithComponent(logger, "workspace"),
	})
	if err != nil {
		logger.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	source, err := watermark.NewSource(watermark.SourceConfig{
		RemoteURL: firstNonEmpty(*watermarkURL, os.Getenv("VODMARK_WATERMARK_URL")),
		LocalPath: firstNonEmpty(*watermarkPath, os.Getenv("VODMARK_WATERMARK_PATH")),
		Logger:    logging.WithComponent(logger, "watermark"),
	})
	if err != nil {
		logger.Error("invalid watermark source", "error", err)
		os.Exit(1)
	}

	invoker := watermark.NewInvoker(watermark.Config{
		FFmpegPath: firstNonEmpty(*ffmpegPath, os.Getenv("VODMARK_FFMPEG")),
		Preset:     firstNonEmpty(*ffmpegPreset, os.Getenv("VODMARK_FFMPEG_PRESET")),
		Threads:    resolveInt(*ffmpegThreads, "VODMARK_FFMPEG_THREADS"),
		Logger:     logging.WithComponent(logger, "ffmpeg"),
	})

	gate := admission.New(admission.Config{
		MaxConcurrency: resolveInt(*maxConcurrency, "VODMARK_MAX_CONCURRENCY"),
		QueueMax:       resolveInt(*queueMax, "VODMARK_QUEUE_MAX"),
		OnStats:        recorder.SetAdmission,
	})

	rooms := hub.New(hub.Config{
		AllowedOrigins:    splitAndTrim(firstNonEmpty(*wsOrigins, os.Getenv("VODMARK_WS_ORIGINS"))),
		HeartbeatInterval: resolveDuration(*wsHeartbeat, "VODMARK_WS_HEARTBEAT", 0),
		Logger:            logging.WithComponent(logger, "hub"),
		Metrics:           recorder,
	})

	handler := &api.Handler{
		Gate:           gate,
		Hub:            rooms,
		Workspaces:     workspaces,
		Source:         source,
		Invoker:        invoker,
		Logger:         logging.WithComponent(logger, "api"),
		Metrics:        recorder,
		MaxUploadBytes: resolveInt64(*maxUploadBytes, "VODMARK_MAX_UPLOAD_BYTES"),
	}

	registry, err := job.NewRegistry(job.RegistryConfig{
		Gate:    gate,
		Run:     handler.RunJob,
		TTL:     resolveDuration(*jobTTL, "VODMARK_JOB_TTL", 0),
		Timeout: resolveDuration(*jobTimeout, "VODMARK_JOB_TIMEOUT", 0),
		Logger:  logging.WithComponent(logger, "jobs"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise job registry", "error", err)
		os.Exit(1)
	}
	handler.Jobs = registry

	listenAddr := resolveListenAddr(*addr, os.Getenv("VODMARK_ADDR"))
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODMARK_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODMARK_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VODMARK_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VODMARK_RATE_GLOBAL_BURST"),
			SubmitLimit:   resolveInt(*submitLimit, "VODMARK_RATE_SUBMIT_LIMIT"),
			SubmitWindow:  resolveDuration(*submitWindow, "VODMARK_RATE_SUBMIT_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("VODMARK_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("VODMARK_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*redisTimeout, "VODMARK_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS:    server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("VODMARK_CORS_ORIGINS")))},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return registry.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("vodmark API listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		return serverutil.Run(groupCtx, serverutil.Config{
			Runner:          srv,
			ShutdownTimeout: resolveDuration(*shutdownTimeout, "VODMARK_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		})
	})

	err = group.Wait()
	rooms.Close()
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, envValue string) string {
	if addr := firstNonEmpty(flagValue, envValue); addr != "" {
		return addr
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
