package mix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/media"
	"stemstudio/internal/store"
)

// TaskStatus is the lifecycle of one remix computation.
type TaskStatus string

const (
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Task is a snapshot of a remix request's state.
type Task struct {
	MixID    string
	Status   TaskStatus
	Progress int
	Error    string
	// Cached is set when the output already existed on disk.
	Cached bool
}

// Engine renders remixes in the background. The on-disk file is the
// authoritative cache; the task map is advisory state for polling, and the
// singleflight group guarantees one computation per key even when entries
// race.
type Engine struct {
	store     store.Store
	toolchain media.Toolchain

	mu    sync.Mutex
	tasks map[string]*Task
	group singleflight.Group
	wg    sync.WaitGroup
}

// NewEngine creates a remix engine over the given store and toolchain.
func NewEngine(st store.Store, tc media.Toolchain) *Engine {
	return &Engine{
		store:     st,
		toolchain: tc,
		tasks:     make(map[string]*Task),
	}
}

// Request starts a remix for the job, or joins one already running, or
// reports an existing cached output. The returned task reflects the state at
// call time; callers poll Status for completion.
func (e *Engine) Request(j *job.Job, s Settings) (Task, error) {
	if err := s.Validate(); err != nil {
		return Task{}, err
	}

	mixID := CacheKey(j.ID, s)
	outPath := e.store.ResultPath(j.ID, OutputName(mixID, s.OutputFormat))
	if e.store.Exists(outPath) {
		return Task{MixID: mixID, Status: StatusCompleted, Progress: 100, Cached: true}, nil
	}

	key := taskKey(j.ID, mixID)
	e.mu.Lock()
	if t, ok := e.tasks[key]; ok && t.Status == StatusProcessing {
		snapshot := *t
		e.mu.Unlock()
		return snapshot, nil
	}
	t := &Task{MixID: mixID, Status: StatusProcessing}
	e.tasks[key] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(j, s, key, mixID, outPath)

	return Task{MixID: mixID, Status: StatusProcessing}, nil
}

// Status reports the state of a remix. The disk wins over the task map: any
// container already rendered for this key counts as completed.
func (e *Engine) Status(jobID, mixID string) (Task, bool) {
	if _, _, ok := e.FindOutput(jobID, mixID); ok {
		return Task{MixID: mixID, Status: StatusCompleted, Progress: 100, Cached: true}, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskKey(jobID, mixID)]; ok {
		return *t, true
	}
	return Task{}, false
}

// FindOutput locates the rendered file for a mix key, probing every
// container extension.
func (e *Engine) FindOutput(jobID, mixID string) (string, OutputFormat, bool) {
	for _, f := range Formats {
		path := e.store.ResultPath(jobID, OutputName(mixID, f))
		if e.store.Exists(path) {
			return path, f, true
		}
	}
	return "", "", false
}

// Close waits for in-flight remixes to settle.
func (e *Engine) Close() {
	e.wg.Wait()
}

func (e *Engine) run(j *job.Job, s Settings, key, mixID, outPath string) {
	defer e.wg.Done()

	_, err, _ := e.group.Do(key, func() (interface{}, error) {
		return nil, e.render(j, s, key, outPath)
	})

	e.mu.Lock()
	t, ok := e.tasks[key]
	if !ok {
		t = &Task{MixID: mixID}
		e.tasks[key] = t
	}
	if err != nil {
		t.Status = StatusFailed
		t.Error = apperr.MessageOf(err)
	} else {
		t.Status = StatusCompleted
		t.Progress = 100
	}
	e.mu.Unlock()

	if err != nil {
		os.Remove(outPath)
		slog.Error("remix failed", "job_id", j.ID, "mix_id", mixID, "error", err)
		return
	}
	slog.Info("remix completed", "job_id", j.ID, "mix_id", mixID, "output", outPath)
}

// render produces the output file for one mix key.
func (e *Engine) render(j *job.Job, s Settings, key, outPath string) error {
	if j.Tracks == nil {
		return apperr.New(apperr.CodeNoTracks, "job has no separated tracks")
	}
	stems := map[string]string{
		"drums":  j.Tracks.Drums,
		"bass":   j.Tracks.Bass,
		"other":  j.Tracks.Other,
		"vocals": j.Tracks.Vocals,
	}
	for name, path := range stems {
		if path == "" || !e.store.Exists(path) {
			return apperr.New(apperr.CodeTrackNotFound, fmt.Sprintf("missing %s stem", name))
		}
	}

	ctx := context.Background()
	tmpDir, err := os.MkdirTemp("", "stemstudio_mix_")
	if err != nil {
		return fmt.Errorf("failed to create mix temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	mixedPath := filepath.Join(tmpDir, "mixed.wav")
	rate, err := Mixdown(stems, s.Gains(), mixedPath, func(p int) {
		e.setProgress(key, p*60/100)
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeMergeError, "failed to mix stems", err)
	}

	finalWav := mixedPath
	if s.PitchShift != 0 {
		pitched := filepath.Join(tmpDir, "pitched.wav")
		if err := e.toolchain.PitchShift(ctx, mixedPath, pitched, s.PitchShift, rate); err != nil {
			return err
		}
		finalWav = pitched
		e.setProgress(key, 75)
	}

	if _, err := e.store.EnsureJobDir(j.ID); err != nil {
		return err
	}

	switch s.OutputFormat {
	case FormatMP4:
		videoPath := j.OriginalVideoPath
		if videoPath == "" || !e.store.Exists(videoPath) {
			videoPath = j.ResultPath
		}
		if videoPath == "" || !e.store.Exists(videoPath) {
			return apperr.New(apperr.CodeNoResult, "no video available for mp4 mix")
		}
		e.setProgress(key, 80)
		if err := e.toolchain.Remux(ctx, videoPath, finalWav, outPath); err != nil {
			return err
		}
	case FormatWAV:
		e.setProgress(key, 80)
		if err := e.store.CopyFile(finalWav, outPath); err != nil {
			return err
		}
	default:
		e.setProgress(key, 80)
		if err := e.toolchain.EncodeAudio(ctx, finalWav, outPath, s.OutputFormat.Extension()); err != nil {
			return err
		}
	}
	return nil
}

// setProgress bumps a processing task's progress, never backwards.
func (e *Engine) setProgress(key string, p int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[key]; ok && t.Status == StatusProcessing && p > t.Progress {
		t.Progress = p
	}
}

func taskKey(jobID, mixID string) string {
	return jobID + ":" + mixID
}
