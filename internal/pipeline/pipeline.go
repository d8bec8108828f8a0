// Package pipeline drives submitted jobs through acquisition, audio
// extraction, stem separation, and the final re-mux. A fixed pool of workers
// consumes a job channel; admission control in the registry guarantees the
// pool is never oversubscribed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stemstudio/internal/acquire"
	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/media"
	"stemstudio/internal/mix"
	"stemstudio/internal/separate"
	"stemstudio/internal/store"
)

// errAborted signals that the job's registry entry disappeared mid-run,
// which happens when a caller deletes a non-terminal job.
var errAborted = errors.New("job aborted")

// Pipeline owns the worker pool and the per-job state machine.
type Pipeline struct {
	registry  *job.Registry
	store     store.Store
	toolchain media.Toolchain
	separator separate.Separator
	youtube   acquire.Acquirer
	upload    acquire.Acquirer

	jobs chan *job.Job
	wg   sync.WaitGroup
}

// New wires a pipeline. workers should equal the registry's admission cap.
func New(
	registry *job.Registry,
	st store.Store,
	toolchain media.Toolchain,
	separator separate.Separator,
	youtube acquire.Acquirer,
	upload acquire.Acquirer,
	workers int,
) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		registry:  registry,
		store:     st,
		toolchain: toolchain,
		separator: separator,
		youtube:   youtube,
		upload:    upload,
		jobs:      make(chan *job.Job, workers),
	}
}

// Start launches the worker pool. Workers exit when Stop closes the channel.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				select {
				case <-ctx.Done():
					p.registry.Fail(j.ID, "server shutting down")
					continue
				default:
				}
				p.process(ctx, j)
			}
		}()
	}
}

// Submit hands an admitted job to the pool. The registry's admission cap
// bounds non-terminal jobs to the pool size, so the buffered send cannot
// block.
func (p *Pipeline) Submit(j *job.Job) {
	p.jobs <- j
}

// Stop closes the intake and waits for in-flight jobs to finish. External
// tool timeouts bound the wait.
func (p *Pipeline) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pipeline) process(ctx context.Context, j *job.Job) {
	p.registry.IncrementRunning()
	defer p.registry.DecrementRunning()

	start := time.Now()
	slog.Info("processing job", "job_id", j.ID, "source_type", j.SourceType)

	err := p.run(ctx, j)
	switch {
	case errors.Is(err, errAborted):
		slog.Info("job deleted during processing", "job_id", j.ID)
		// The registry entry is gone; remove whatever we wrote for it.
		if err := p.store.DeleteJob(j.ID); err != nil {
			slog.Warn("failed to clean up aborted job", "job_id", j.ID, "error", err)
		}
	case err != nil:
		slog.Error("job failed", "job_id", j.ID, "error", err)
		p.registry.Fail(j.ID, apperr.MessageOf(err))
	default:
		slog.Info("job completed", "job_id", j.ID, "elapsed", time.Since(start).Round(time.Second))
	}
}

// run executes the stage machine for one job. Each stage owns a progress
// span; inner percentages scale into it so overall progress never moves
// backwards.
func (p *Pipeline) run(ctx context.Context, j *job.Job) error {
	tempDir, err := os.MkdirTemp("", "stemstudio_job_")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	isURL := j.SourceType == job.SourceYouTube

	// Stage 1: acquire. URL downloads own 0-20; uploads are already local.
	if !p.registry.UpdateProgress(j.ID, 0, "Fetching source", job.StatusDownloading) {
		return errAborted
	}
	acquirer := p.upload
	acquireScale := 0.1
	if isURL {
		acquirer = p.youtube
		acquireScale = 0.2
	}
	res, err := acquirer.Acquire(ctx, j, tempDir, func(pct int, stage string) {
		p.registry.UpdateProgress(j.ID, int(float64(pct)*acquireScale), stage)
	})
	if err != nil {
		return err
	}
	p.registry.SetMetadata(j.ID, res.Meta.Title, res.Meta.Thumbnail, int(res.Meta.Duration))

	// Stage 2: extract the audio track as PCM for the separator.
	extractBase := 10
	if isURL {
		extractBase = 20
	}
	if !p.registry.UpdateProgress(j.ID, extractBase, "Extracting audio", job.StatusSeparating) {
		return errAborted
	}
	audioPath := filepath.Join(tempDir, "audio.wav")
	if err := p.toolchain.ExtractAudio(ctx, res.FilePath, audioPath); err != nil {
		return stageError(apperr.CodeExtractError, err)
	}

	// Stage 3: separate. URL jobs enter at 30, uploads at 20.
	sepBase, sepScale := 20, 0.5
	if isURL {
		sepBase, sepScale = 30, 0.4
	}
	if !p.registry.UpdateProgress(j.ID, sepBase, "Separating stems", job.StatusSeparating) {
		return errAborted
	}
	sepDir := filepath.Join(tempDir, "separated")
	sepRes, err := p.separator.Separate(ctx, audioPath, sepDir, func(pct int, stage string) {
		p.registry.UpdateProgress(j.ID, sepBase+int(float64(pct)*sepScale), stage)
	})
	if err != nil {
		return stageError(apperr.CodeSeparationError, err)
	}

	// Persist stems and the original media under the job's result dir.
	if _, err := p.store.EnsureJobDir(j.ID); err != nil {
		return err
	}
	var tracks job.TrackPaths
	for _, stem := range job.StemNames {
		src, ok := sepRes.Tracks[stem]
		if !ok {
			return apperr.New(apperr.CodeSeparationError, fmt.Sprintf("separator did not produce %s stem", stem))
		}
		dst := p.store.ResultPath(j.ID, stem+".wav")
		if err := p.store.CopyFile(src, dst); err != nil {
			return err
		}
		tracks.Set(stem, dst)
	}
	originalPath := p.store.ResultPath(j.ID, "original.mp4")
	if err := p.store.CopyFile(res.FilePath, originalPath); err != nil {
		return err
	}
	if !p.registry.SetTracks(j.ID, tracks, sepRes.SampleRate, originalPath) {
		return errAborted
	}

	// Stage 4: render the instrumental and re-mux it under the video.
	if !p.registry.UpdateProgress(j.ID, 70, "Rendering instrumental", job.StatusMerging) {
		return errAborted
	}
	instrumental := filepath.Join(tempDir, "instrumental.wav")
	gains := mix.DefaultSettings().Gains()
	if _, err := mix.Mixdown(sepRes.Tracks, gains, instrumental, func(pct int) {
		p.registry.UpdateProgress(j.ID, 70+int(float64(pct)*0.125), "Rendering instrumental")
	}); err != nil {
		return stageError(apperr.CodeMergeError, err)
	}

	if !p.registry.UpdateProgress(j.ID, 83, "Muxing video", job.StatusMerging) {
		return errAborted
	}
	resultPath := p.store.ResultPath(j.ID, "output.mp4")
	if err := p.toolchain.Remux(ctx, res.FilePath, instrumental, resultPath); err != nil {
		return stageError(apperr.CodeMergeError, err)
	}
	p.registry.UpdateProgress(j.ID, 95, "Finishing")

	// The input has been persisted as original.mp4; staged uploads are no
	// longer needed.
	if j.SourceType == job.SourceUpload {
		if err := p.store.DeleteUpload(j.ID); err != nil {
			slog.Warn("failed to remove upload staging", "job_id", j.ID, "error", err)
		}
	}

	if !p.registry.Complete(j.ID, resultPath) {
		return errAborted
	}
	return nil
}

// stageError retags an error with the failing stage's kind. Timeouts keep
// their own kind since it is more specific.
func stageError(code apperr.Code, err error) error {
	if apperr.CodeOf(err) == apperr.CodeToolTimeout {
		return err
	}
	return apperr.Wrap(code, apperr.MessageOf(err), err)
}
