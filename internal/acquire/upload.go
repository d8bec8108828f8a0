package acquire

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/media"
)

// AllowedUploadExtensions is the upload whitelist, checked by the HTTP layer
// before any bytes are stored.
var AllowedUploadExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// ValidUploadExtension reports whether filename carries a whitelisted media
// extension.
func ValidUploadExtension(filename string) bool {
	return AllowedUploadExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Upload adopts a file the HTTP layer already wrote into the uploads
// directory. Duration comes from a container probe since uploads carry no
// source metadata.
type Upload struct {
	toolchain media.Toolchain
}

// NewUpload returns the upload-backed acquirer.
func NewUpload(toolchain media.Toolchain) *Upload {
	return &Upload{toolchain: toolchain}
}

// Acquire validates the staged file and probes its duration. The job's
// SourceURL holds the staged path; destDir is unused because the file is
// already local.
func (u *Upload) Acquire(ctx context.Context, j *job.Job, destDir string, progress Progress) (Result, error) {
	if progress != nil {
		progress(0, "Preparing file")
	}

	path := j.SourceURL
	if _, err := os.Stat(path); err != nil {
		return Result{}, apperr.Wrap(apperr.CodeAcquisitionFailed, "uploaded file not found", err)
	}

	probe, err := u.toolchain.Probe(ctx, path)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeAcquisitionFailed, "failed to probe uploaded file", err)
	}

	title := j.SourceTitle
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return Result{
		FilePath: path,
		Meta:     Metadata{Title: title, Duration: probe.Duration},
	}, nil
}
