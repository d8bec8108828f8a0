// Package acquire obtains input media for the pipeline, either by fetching a
// URL through yt-dlp or by adopting a file the HTTP layer already staged in
// the uploads directory.
package acquire

import (
	"context"

	"stemstudio/internal/job"
)

// Metadata describes an input before or after acquisition.
type Metadata struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// Result is a locally materialized input file plus its metadata.
type Result struct {
	FilePath string
	Meta     Metadata
}

// Progress receives percent (0-100, non-decreasing per backend) and a short
// stage label.
type Progress func(percent int, stage string)

// Acquirer materializes a job's input media under destDir.
type Acquirer interface {
	Acquire(ctx context.Context, j *job.Job, destDir string, progress Progress) (Result, error)
}
