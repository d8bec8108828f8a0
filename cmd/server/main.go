package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stemstudio/internal/acquire"
	"stemstudio/internal/bundle"
	"stemstudio/internal/config"
	"stemstudio/internal/endpoints"
	"stemstudio/internal/job"
	"stemstudio/internal/media"
	"stemstudio/internal/mix"
	"stemstudio/internal/pipeline"
	"stemstudio/internal/ratelimit"
	"stemstudio/internal/separate"
	"stemstudio/internal/server"
	"stemstudio/internal/store"
)

func main() {
	// Initialize structured logging
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cfg := config.Load()
	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("Failed to prepare artifact directories", "error", err)
		os.Exit(1)
	}

	st := store.NewDiskStore(cfg.ResultsDir, cfg.UploadsDir)

	// External tools are required; refuse to start without them.
	toolchain, err := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	if err != nil {
		slog.Error("ffmpeg toolchain unavailable", "error", err)
		os.Exit(1)
	}
	youtube, err := acquire.NewYouTube(cfg.YtdlpPath, cfg.MaxVideoDuration, cfg.DownloadTimeout())
	if err != nil {
		slog.Error("yt-dlp unavailable", "error", err)
		os.Exit(1)
	}
	separator, err := separate.NewDemucs(cfg.SeparatorPath, cfg.SeparatorModel, cfg.SeparationTimeout())
	if err != nil {
		slog.Error("separator unavailable", "error", err)
		os.Exit(1)
	}
	upload := acquire.NewUpload(toolchain)

	registry := job.NewRegistry(cfg.MaxConcurrentJobs)
	pipe := pipeline.New(registry, st, toolchain, separator, youtube, upload, cfg.MaxConcurrentJobs)
	engine := mix.NewEngine(st, toolchain)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe.Start(ctx, cfg.MaxConcurrentJobs)

	deps := endpoints.Deps{
		Config:   cfg,
		Registry: registry,
		Store:    st,
		Pipeline: pipe,
		YouTube:  youtube,
		Mixer:    engine,
		Exporter: bundle.NewExporter(st),
		Importer: bundle.NewImporter(registry, st),
		Limiter:  buildLimiter(ctx, cfg),
	}

	srv := server.NewServer(cfg, deps)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("Stem Studio started", "port", cfg.Port, "version", cfg.Version,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown: stop accepting requests, then drain the pipeline and
	// any in-flight remix renders.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	cancel()
	pipe.Stop()
	engine.Close()
	slog.Info("Server exited gracefully")
}

// buildLimiter prefers redis so quota is shared across processes, and falls
// back to the in-memory window when redis is absent or unreachable.
func buildLimiter(ctx context.Context, cfg *config.Config) ratelimit.Limiter {
	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedis(ctx, cfg.RedisAddr, cfg.RateLimitRequests, window)
		if err == nil {
			slog.Info("Rate limiting via redis", "addr", cfg.RedisAddr)
			return limiter
		}
		slog.Warn("Redis unreachable, using in-memory rate limiting",
			"addr", cfg.RedisAddr, "error", err)
	}
	return ratelimit.NewMemory(cfg.RateLimitRequests, window)
}
