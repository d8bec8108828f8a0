package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Values come from the environment with
// sensible defaults so a bare `go run ./cmd/server` works on a dev machine.
type Config struct {
	Port string

	// Artifact locations
	ResultsDir string
	UploadsDir string

	// Pipeline limits
	MaxConcurrentJobs int
	MaxVideoDuration  int // seconds
	MaxFileSizeMB     int

	// Wall-clock bounds on the long-running external tools; a hung
	// subprocess must never pin a worker slot.
	DownloadTimeoutSeconds   int
	SeparationTimeoutSeconds int

	// Rate limiting
	RateLimitRequests      int
	RateLimitWindowSeconds int
	RedisAddr              string // empty selects the in-memory limiter

	// External tools
	FFmpegPath     string
	FFprobePath    string
	YtdlpPath      string
	SeparatorPath  string
	SeparatorModel string

	CORSOrigin string
	Version    string
}

// Load reads the environment and returns a populated Config.
func Load() *Config {
	return &Config{
		Port: getEnvWithDefault("PORT", "8000"),

		ResultsDir: getEnvWithDefault("RESULTS_DIR", "./results"),
		UploadsDir: getEnvWithDefault("UPLOADS_DIR", "./uploads"),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 2),
		MaxVideoDuration:  getEnvInt("MAX_VIDEO_DURATION", 600),
		MaxFileSizeMB:     getEnvInt("MAX_FILE_SIZE_MB", 500),

		DownloadTimeoutSeconds:   getEnvInt("DOWNLOAD_TIMEOUT_SECONDS", 300),
		SeparationTimeoutSeconds: getEnvInt("SEPARATION_TIMEOUT_SECONDS", 1800),

		RateLimitRequests:      getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindowSeconds: getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisAddr:              os.Getenv("REDIS_ADDR"),

		FFmpegPath:     getEnvWithDefault("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:    getEnvWithDefault("FFPROBE_PATH", "ffprobe"),
		YtdlpPath:      getEnvWithDefault("YTDLP_PATH", "yt-dlp"),
		SeparatorPath:  getEnvWithDefault("SEPARATOR_PATH", "demucs"),
		SeparatorModel: getEnvWithDefault("SEPARATOR_MODEL", "htdemucs"),

		CORSOrigin: getEnvWithDefault("CORS_ORIGIN", "*"),
		Version:    getEnvWithDefault("APP_VERSION", "2.0.0"),
	}
}

// EnsureDirs creates the artifact directories if they do not exist yet.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.ResultsDir, c.UploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// MaxFileSizeBytes returns the upload cap in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// DownloadTimeout returns the yt-dlp wall-clock bound.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// SeparationTimeout returns the separator wall-clock bound.
func (c *Config) SeparationTimeout() time.Duration {
	return time.Duration(c.SeparationTimeoutSeconds) * time.Second
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
