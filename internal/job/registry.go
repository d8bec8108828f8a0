package job

import (
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory job catalog. A single mutex guards the map;
// critical sections stay short and never touch the filesystem.
type Registry struct {
	mu            sync.Mutex
	jobs          map[string]*Job
	running       int
	maxConcurrent int
}

// NewRegistry creates a registry admitting at most maxConcurrent jobs in
// non-terminal status.
func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		jobs:          make(map[string]*Job),
		maxConcurrent: maxConcurrent,
	}
}

// CanAccept reports whether a new submission would be admitted right now.
// The authoritative check happens in Create; this exists so handlers can
// reject cheaply before validating input.
func (r *Registry) CanAccept() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked() < r.maxConcurrent
}

// Create admits the job if capacity allows and inserts it. Returns false
// when the registry is at its non-terminal cap; the job is not inserted.
func (r *Registry) Create(j *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeLocked() >= r.maxConcurrent {
		return false
	}
	r.jobs[j.ID] = j.clone()
	return true
}

// AddImported inserts a job that already completed elsewhere. It bypasses
// admission because imported jobs are terminal on arrival.
func (r *Registry) AddImported(j *Job) {
	now := time.Now().UTC()
	c := j.clone()
	c.Status = StatusCompleted
	c.Progress = 100
	c.UpdatedAt = now
	if c.CompletedAt == nil {
		c.CompletedAt = &now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[c.ID] = c
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// Delete removes the job entry. Deleting a non-terminal job is allowed; the
// worker notices the missing entry on its next update and winds down.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// UpdateProgress records progress and stage, optionally moving status.
// Progress never decreases. Updates on terminal jobs are dropped. Returns
// false when the job no longer exists, which tells the pipeline to abort.
func (r *Registry) UpdateProgress(id string, percent int, stage string, status ...Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	if j.Status.Terminal() {
		return true
	}
	if percent > j.Progress {
		j.Progress = percent
	}
	j.CurrentStage = stage
	if len(status) > 0 {
		j.Status = status[0]
	}
	j.UpdatedAt = time.Now().UTC()
	return true
}

// SetMetadata records acquisition metadata on the job.
func (r *Registry) SetMetadata(id, title, thumbnail string, durationSec int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	if title != "" {
		j.SourceTitle = title
	}
	if thumbnail != "" {
		j.Thumbnail = thumbnail
	}
	if durationSec > 0 {
		j.OriginalDuration = durationSec
	}
	j.UpdatedAt = time.Now().UTC()
	return true
}

// SetTracks records the separated stem paths, sample rate, and the stored
// original media path.
func (r *Registry) SetTracks(id string, tracks TrackPaths, sampleRate int, originalVideoPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	t := tracks
	j.Tracks = &t
	j.SampleRate = sampleRate
	if originalVideoPath != "" {
		j.OriginalVideoPath = originalVideoPath
	}
	j.UpdatedAt = time.Now().UTC()
	return true
}

// Complete marks the job finished with its final output path.
func (r *Registry) Complete(id, resultPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Progress = 100
	j.CurrentStage = "done"
	j.ResultPath = resultPath
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true
}

// Fail marks the job failed with a caller-facing message.
func (r *Registry) Fail(id, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.UpdatedAt = time.Now().UTC()
	return true
}

// ListAll partitions jobs into (completed, active), each sorted newest
// first. Failed jobs appear in neither list; they stay reachable by ID.
func (r *Registry) ListAll() (completed, active []*Job) {
	r.mu.Lock()
	snapshot := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		snapshot = append(snapshot, j.clone())
	}
	r.mu.Unlock()

	for _, j := range snapshot {
		switch {
		case j.Status == StatusCompleted:
			completed = append(completed, j)
		case j.Status != StatusFailed:
			active = append(active, j)
		}
	}
	sort.Slice(completed, func(a, b int) bool {
		return completed[a].CreatedAt.After(completed[b].CreatedAt)
	})
	sort.Slice(active, func(a, b int) bool {
		return active[a].CreatedAt.After(active[b].CreatedAt)
	})
	return completed, active
}

// FindByTitle returns a snapshot of the first job whose source title equals
// title. Used by the importer for collision detection.
func (r *Registry) FindByTitle(title string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.SourceTitle == title {
			return j.clone(), true
		}
	}
	return nil, false
}

// IncrementRunning brackets the start of a pipeline worker run.
func (r *Registry) IncrementRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running++
}

// DecrementRunning brackets the end of a pipeline worker run.
func (r *Registry) DecrementRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running > 0 {
		r.running--
	}
}

// RunningCount reports how many pipeline workers are mid-job.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// activeLocked counts non-terminal jobs. Callers hold r.mu.
func (r *Registry) activeLocked() int {
	n := 0
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			n++
		}
	}
	return n
}
