// Package job defines the job model and the in-memory registry that tracks
// every submission for the process lifetime.
package job

import (
	"time"

	"github.com/google/uuid"
)

// SourceType tells how a job's input media was obtained.
type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceUpload  SourceType = "upload"
)

// Status is a job's position in the processing lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusSeparating  Status = "separating"
	StatusMerging     Status = "merging"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StemNames lists the four separated tracks in their canonical order.
var StemNames = []string{"drums", "bass", "other", "vocals"}

// TrackPaths holds the on-disk locations of the separated stems.
type TrackPaths struct {
	Drums  string
	Bass   string
	Other  string
	Vocals string
}

// Get returns the path for a stem by name.
func (t TrackPaths) Get(name string) (string, bool) {
	switch name {
	case "drums":
		return t.Drums, t.Drums != ""
	case "bass":
		return t.Bass, t.Bass != ""
	case "other":
		return t.Other, t.Other != ""
	case "vocals":
		return t.Vocals, t.Vocals != ""
	}
	return "", false
}

// Set stores the path for a stem by name.
func (t *TrackPaths) Set(name, path string) {
	switch name {
	case "drums":
		t.Drums = path
	case "bass":
		t.Bass = path
	case "other":
		t.Other = path
	case "vocals":
		t.Vocals = path
	}
}

// Job is one processing request and its accumulated results. Instances are
// owned by the Registry; callers only ever see copies.
type Job struct {
	ID             string
	SourceType     SourceType
	SourceURL      string
	SourceFilename string
	SourceTitle    string
	Thumbnail      string

	Status       Status
	Progress     int
	CurrentStage string
	ErrorMessage string

	ClientIP string

	OriginalDuration  int // seconds
	SampleRate        int
	Tracks            *TrackPaths
	OriginalVideoPath string
	ResultPath        string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// New creates a pending job with a fresh ID.
func New(sourceType SourceType, clientIP string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New().String(),
		SourceType: sourceType,
		Status:     StatusPending,
		ClientIP:   clientIP,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// clone returns a deep copy safe to hand outside the registry lock.
func (j *Job) clone() *Job {
	c := *j
	if j.Tracks != nil {
		tracks := *j.Tracks
		c.Tracks = &tracks
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
