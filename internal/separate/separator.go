// Package separate adapts the external stem-separation model. The model is
// opaque: it receives a WAV file and a work directory and must leave exactly
// four named stems behind.
package separate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"stemstudio/internal/apperr"
)

// StemNames lists the files every separation must produce.
var StemNames = []string{"drums", "bass", "other", "vocals"}

// Progress receives percent (non-decreasing) and a short stage label.
type Progress func(percent int, stage string)

// Result carries the produced stem paths and their sample rate.
type Result struct {
	Tracks     map[string]string
	SampleRate int
}

// Separator splits a waveform into four stems.
type Separator interface {
	Separate(ctx context.Context, inputWav, outDir string, progress Progress) (Result, error)
}

var percentPattern = regexp.MustCompile(`(\d+)%`)

// Demucs runs the demucs CLI. The process loads its model on first use and
// keeps it resident, so repeated separations only pay the inference cost.
type Demucs struct {
	binPath string
	model   string
	timeout time.Duration // wall-clock bound on one separation, 0 disables
}

// NewDemucs resolves the separator binary.
func NewDemucs(binPath, model string, timeout time.Duration) (*Demucs, error) {
	resolved, err := exec.LookPath(binPath)
	if err != nil {
		return nil, fmt.Errorf("separator not found at %q: %w", binPath, err)
	}
	return &Demucs{binPath: resolved, model: model, timeout: timeout}, nil
}

func (d *Demucs) Separate(ctx context.Context, inputWav, outDir string, progress Progress) (Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create separation directory: %w", err)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	report(progress, 0, "Loading separation model")

	cmd := exec.CommandContext(ctx, d.binPath,
		"-n", d.model,
		"-o", outDir,
		inputWav,
	)
	var tail bytes.Buffer
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open separator stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, apperr.Wrap(apperr.CodeSeparationError, "failed to start separator", err)
	}

	// Demucs writes tqdm-style progress bars to stderr. Percentages may
	// restart between passes, so only forward increases.
	last := 0
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Reset()
		tail.WriteString(line)
		if m := percentPattern.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				scaled := 10 + pct*80/100
				if scaled > last {
					last = scaled
					report(progress, scaled, "Separating stems")
				}
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, apperr.Wrap(apperr.CodeToolTimeout, "separation timed out", err)
		}
		slog.Error("separator failed", "error", err, "stderr", truncate(tail.String(), 200))
		return Result{}, apperr.Wrap(apperr.CodeSeparationError,
			"separation failed: "+truncate(tail.String(), 200), err)
	}

	tracks, err := d.collectStems(inputWav, outDir)
	if err != nil {
		return Result{}, err
	}

	rate, err := wavSampleRate(tracks["drums"])
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeSeparationError, "failed to read stem sample rate", err)
	}

	report(progress, 100, "Stems ready")
	return Result{Tracks: tracks, SampleRate: rate}, nil
}

// collectStems moves the model's nested output files up into outDir and
// verifies all four stems exist.
func (d *Demucs) collectStems(inputWav, outDir string) (map[string]string, error) {
	base := strings.TrimSuffix(filepath.Base(inputWav), filepath.Ext(inputWav))
	nested := filepath.Join(outDir, d.model, base)

	tracks := make(map[string]string, len(StemNames))
	for _, stem := range StemNames {
		src := filepath.Join(nested, stem+".wav")
		dst := filepath.Join(outDir, stem+".wav")
		if _, err := os.Stat(src); err != nil {
			// Some separator builds write directly into outDir.
			if _, flatErr := os.Stat(dst); flatErr == nil {
				tracks[stem] = dst
				continue
			}
			return nil, apperr.New(apperr.CodeSeparationError,
				fmt.Sprintf("separator did not produce %s.wav", stem))
		}
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("failed to move %s stem: %w", stem, err)
		}
		tracks[stem] = dst
	}
	return tracks, nil
}

// wavSampleRate reads the sample rate from a WAV header.
func wavSampleRate(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if dec.Err() != nil {
		return 0, dec.Err()
	}
	if dec.SampleRate == 0 {
		return 0, fmt.Errorf("no sample rate in %s", path)
	}
	return int(dec.SampleRate), nil
}

func report(p Progress, percent int, stage string) {
	if p != nil {
		p(percent, stage)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
