package acquire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
)

// infoTimeout bounds the metadata-only probe, which never downloads media.
const infoTimeout = 30 * time.Second

var (
	youtubeURLPattern = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)[a-zA-Z0-9_-]{11}`)
	downloadProgress  = regexp.MustCompile(`\[download\]\s+([0-9.]+)%`)
)

// YouTube fetches video from YouTube via the yt-dlp CLI.
type YouTube struct {
	binPath     string
	maxDuration int           // seconds, 0 disables the gate
	timeout     time.Duration // wall-clock bound on a full download, 0 disables
}

// NewYouTube resolves the yt-dlp binary and returns the acquirer.
func NewYouTube(binPath string, maxDurationSec int, timeout time.Duration) (*YouTube, error) {
	resolved, err := exec.LookPath(binPath)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp not found at %q: %w", binPath, err)
	}
	return &YouTube{binPath: resolved, maxDuration: maxDurationSec, timeout: timeout}, nil
}

// IsValidURL reports whether url matches the accepted YouTube URL shapes.
func (y *YouTube) IsValidURL(url string) bool {
	return youtubeURLPattern.MatchString(url)
}

type ytdlpInfo struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
}

// Info probes the video without downloading and enforces the duration cap,
// so over-long inputs are rejected before any byte lands on disk.
func (y *YouTube) Info(ctx context.Context, url string) (Metadata, error) {
	if !y.IsValidURL(url) {
		return Metadata{}, apperr.New(apperr.CodeInvalidURL, "invalid YouTube URL")
	}

	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, y.binPath,
		"--dump-json",
		"--no-download",
		"--no-playlist",
		url,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Metadata{}, apperr.Wrap(apperr.CodeToolTimeout, "video info probe timed out", err)
		}
		return Metadata{}, apperr.Wrap(apperr.CodeAcquisitionFailed,
			"failed to fetch video info: "+firstLine(stderr.String()), err)
	}

	var info ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return Metadata{}, apperr.Wrap(apperr.CodeAcquisitionFailed, "failed to decode video info", err)
	}
	if info.Title == "" {
		info.Title = "Unknown"
	}

	meta := Metadata{Title: info.Title, Duration: info.Duration, Thumbnail: info.Thumbnail}
	if y.maxDuration > 0 && info.Duration > float64(y.maxDuration) {
		return meta, apperr.New(apperr.CodeDurationExceeded,
			fmt.Sprintf("video duration %.0fs exceeds the %ds limit", info.Duration, y.maxDuration))
	}
	return meta, nil
}

// Acquire downloads the best progressive format into destDir, reporting
// download percentages parsed from yt-dlp's own progress lines. The whole
// acquisition runs under the configured wall-clock timeout so a wedged
// yt-dlp cannot pin a worker slot.
func (y *YouTube) Acquire(ctx context.Context, j *job.Job, destDir string, progress Progress) (Result, error) {
	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}

	meta, err := y.Info(ctx, j.SourceURL)
	if err != nil {
		return Result{}, err
	}

	outTemplate := filepath.Join(destDir, "video.%(ext)s")
	cmd := exec.CommandContext(ctx, y.binPath,
		"--newline",
		"--no-playlist",
		"-f", "best[ext=mp4]/best",
		"-o", outTemplate,
		j.SourceURL,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open yt-dlp stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, apperr.Wrap(apperr.CodeAcquisitionFailed, "failed to start yt-dlp", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if m := downloadProgress.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil && progress != nil {
				progress(int(pct), "Downloading video")
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, apperr.Wrap(apperr.CodeToolTimeout, "download timed out", err)
		}
		slog.Error("yt-dlp failed", "job_id", j.ID, "error", err, "stderr", firstLine(stderr.String()))
		return Result{}, apperr.Wrap(apperr.CodeAcquisitionFailed,
			"download failed: "+firstLine(stderr.String()), err)
	}

	filePath, err := findDownloaded(destDir)
	if err != nil {
		return Result{}, err
	}
	if progress != nil {
		progress(100, "Download complete")
	}
	return Result{FilePath: filePath, Meta: meta}, nil
}

// findDownloaded resolves the produced file, whatever extension yt-dlp chose.
func findDownloaded(destDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(destDir, "video.*"))
	if err != nil || len(matches) == 0 {
		return "", apperr.New(apperr.CodeAcquisitionFailed, "downloaded file not found")
	}
	return matches[0], nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
