// Package media wraps the external ffmpeg/ffprobe binaries behind a narrow
// interface. Every invocation runs as a subprocess with a hard wall-clock
// timeout; failures carry a truncated slice of stderr.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"

	"stemstudio/internal/apperr"
)

const (
	probeTimeout   = 30 * time.Second
	extractTimeout = 5 * time.Minute
	remuxTimeout   = 10 * time.Minute
	encodeTimeout  = 10 * time.Minute
	pitchTimeout   = 5 * time.Minute

	stderrLimit = 200
)

// ProbeResult describes a media container.
type ProbeResult struct {
	Duration float64
	HasVideo bool
	HasAudio bool
}

// Toolchain is the transcoder surface consumed by the pipeline and the remix
// engine.
type Toolchain interface {
	// Probe reads container metadata.
	Probe(ctx context.Context, path string) (ProbeResult, error)
	// ExtractAudio produces a 44.1 kHz stereo 16-bit PCM WAV from any input.
	ExtractAudio(ctx context.Context, videoPath, outPath string) error
	// Remux copies the video stream verbatim and replaces the audio track
	// with audioPath encoded as AAC 192k, truncated to the shorter input.
	Remux(ctx context.Context, videoPath, audioPath, outPath string) error
	// EncodeAudio transcodes a WAV into the requested audio container
	// (mp3, m4a, or wav).
	EncodeAudio(ctx context.Context, audioPath, outPath, format string) error
	// PitchShift resamples audio by 2^(semitones/12) and compensates tempo,
	// shifting pitch with duration preserved.
	PitchShift(ctx context.Context, inPath, outPath string, semitones, sampleRate int) error
}

// FFmpeg implements Toolchain over the ffmpeg and ffprobe CLIs.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg resolves the binaries and returns a ready toolchain.
func NewFFmpeg(ffmpegPath, ffprobePath string) (*FFmpeg, error) {
	resolvedFFmpeg, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found at %q: %w", ffmpegPath, err)
	}
	resolvedFFprobe, err := exec.LookPath(ffprobePath)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found at %q: %w", ffprobePath, err)
	}
	return &FFmpeg{ffmpegPath: resolvedFFmpeg, ffprobePath: resolvedFFprobe}, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return ProbeResult{}, toolError(ctx, "ffprobe failed", stderr.Bytes(), err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return ProbeResult{}, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	result := ProbeResult{}
	if parsed.Format.Duration != "" {
		if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
			result.Duration = d
		}
	}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			result.HasVideo = true
		case "audio":
			result.HasAudio = true
		}
	}
	return result, nil
}

func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath, outPath string) error {
	args := extractArgs(videoPath, outPath)
	return f.runFFmpeg(ctx, extractTimeout, "audio extraction failed", outPath, args)
}

func (f *FFmpeg) Remux(ctx context.Context, videoPath, audioPath, outPath string) error {
	args := remuxArgs(videoPath, audioPath, outPath)
	return f.runFFmpeg(ctx, remuxTimeout, "remux failed", outPath, args)
}

func (f *FFmpeg) EncodeAudio(ctx context.Context, audioPath, outPath, format string) error {
	args, err := encodeArgs(audioPath, outPath, format)
	if err != nil {
		return err
	}
	return f.runFFmpeg(ctx, encodeTimeout, "audio encode failed", outPath, args)
}

func (f *FFmpeg) PitchShift(ctx context.Context, inPath, outPath string, semitones, sampleRate int) error {
	args := pitchArgs(inPath, outPath, semitones, sampleRate)
	return f.runFFmpeg(ctx, pitchTimeout, "pitch shift failed", outPath, args)
}

// runFFmpeg executes ffmpeg with the given args, removing any partial output
// on failure.
func (f *FFmpeg) runFFmpeg(ctx context.Context, timeout time.Duration, msg, outPath string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Debug("running ffmpeg", "args", args)

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return toolError(ctx, msg, stderr.Bytes(), err)
	}
	return nil
}

func extractArgs(videoPath, outPath string) []string {
	return []string{
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "44100",
		"-ac", "2",
		"-y",
		outPath,
	}
}

func remuxArgs(videoPath, audioPath, outPath string) []string {
	return []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		"-y",
		outPath,
	}
}

func encodeArgs(audioPath, outPath, format string) ([]string, error) {
	var codec []string
	switch format {
	case "mp3":
		codec = []string{"-codec:a", "libmp3lame", "-b:a", "192k"}
	case "m4a":
		codec = []string{"-codec:a", "aac", "-b:a", "192k"}
	case "wav":
		codec = []string{"-codec:a", "pcm_s16le"}
	default:
		return nil, apperr.New(apperr.CodeInvalidFormat, fmt.Sprintf("unsupported audio format: %s", format))
	}
	args := []string{"-i", audioPath}
	args = append(args, codec...)
	args = append(args, "-y", outPath)
	return args, nil
}

func pitchArgs(inPath, outPath string, semitones, sampleRate int) []string {
	factor := math.Pow(2, float64(semitones)/12.0)
	shifted := int(math.Round(float64(sampleRate) * factor))
	filter := fmt.Sprintf("asetrate=%d,aresample=%d,atempo=%.6f", shifted, sampleRate, 1.0/factor)
	return []string{
		"-i", inPath,
		"-af", filter,
		"-y",
		outPath,
	}
}

// toolError classifies a subprocess failure as a timeout or an external tool
// error carrying truncated stderr.
func toolError(ctx context.Context, msg string, stderr []byte, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeToolTimeout, msg+": timed out", err)
	}
	detail := truncate(string(stderr), stderrLimit)
	if detail != "" {
		msg = msg + ": " + detail
	}
	return apperr.Wrap(apperr.CodeExternalTool, msg, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
