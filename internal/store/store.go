// Package store owns the on-disk artifact layout: per-job result directories,
// upload staging, and export bundles. All paths are derived from job IDs and
// artifact names; callers never hand the store an absolute path.
package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Store is the artifact persistence surface consumed by the pipeline, the
// remix engine, and the bundle importer/exporter.
type Store interface {
	JobDir(jobID string) string
	ResultPath(jobID, name string) string
	UploadPath(jobID, name string) string
	ExportPath(exportID, name string) string

	EnsureJobDir(jobID string) (string, error)
	EnsureUploadDir(jobID string) (string, error)
	EnsureExportDir(exportID string) (string, error)

	Exists(path string) bool
	Size(path string) (int64, error)

	SaveUpload(jobID, name string, r io.Reader) (string, error)
	CopyFile(src, dst string) error

	DeleteJob(jobID string) error
	DeleteUpload(jobID string) error

	// FindExport locates the single zip under an export directory.
	FindExport(exportID string) (string, bool)
}

// DiskStore implements Store on the local filesystem.
type DiskStore struct {
	resultsDir string
	uploadsDir string
}

// NewDiskStore creates a DiskStore rooted at the given directories.
func NewDiskStore(resultsDir, uploadsDir string) *DiskStore {
	return &DiskStore{resultsDir: resultsDir, uploadsDir: uploadsDir}
}

func (s *DiskStore) JobDir(jobID string) string {
	return filepath.Join(s.resultsDir, cleanName(jobID))
}

func (s *DiskStore) ResultPath(jobID, name string) string {
	return filepath.Join(s.JobDir(jobID), cleanName(name))
}

func (s *DiskStore) UploadPath(jobID, name string) string {
	return filepath.Join(s.uploadsDir, cleanName(jobID), cleanName(name))
}

func (s *DiskStore) ExportPath(exportID, name string) string {
	return filepath.Join(s.resultsDir, "exports", cleanName(exportID), cleanName(name))
}

func (s *DiskStore) EnsureJobDir(jobID string) (string, error) {
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

func (s *DiskStore) EnsureUploadDir(jobID string) (string, error) {
	dir := filepath.Join(s.uploadsDir, cleanName(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	return dir, nil
}

func (s *DiskStore) EnsureExportDir(exportID string) (string, error) {
	dir := filepath.Join(s.resultsDir, "exports", cleanName(exportID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	return dir, nil
}

func (s *DiskStore) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (s *DiskStore) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// SaveUpload streams an uploaded file into the upload staging area and
// returns its path.
func (s *DiskStore) SaveUpload(jobID, name string, r io.Reader) (string, error) {
	if _, err := s.EnsureUploadDir(jobID); err != nil {
		return "", err
	}
	path := s.UploadPath(jobID, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	return path, nil
}

// CopyFile copies src to dst, creating parent directories as needed.
func (s *DiskStore) CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// DeleteJob removes the job directory and everything under it.
func (s *DiskStore) DeleteJob(jobID string) error {
	dir := s.JobDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete job files: %w", err)
	}
	slog.Info("deleted job files", "job_id", jobID, "dir", dir)
	return nil
}

// DeleteUpload removes a job's upload staging directory.
func (s *DiskStore) DeleteUpload(jobID string) error {
	dir := filepath.Join(s.uploadsDir, cleanName(jobID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete upload files: %w", err)
	}
	return nil
}

func (s *DiskStore) FindExport(exportID string) (string, bool) {
	dir := filepath.Join(s.resultsDir, "exports", cleanName(exportID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".zip") {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename turns a user-supplied title into a safe filename
// component: reserved characters become underscores, surrounding whitespace
// is trimmed, and the result is capped at 100 code points. Empty results fall
// back to "untitled".
func SanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	safe = strings.TrimSpace(safe)
	if runes := []rune(safe); len(runes) > 100 {
		safe = string(runes[:100])
	}
	if safe == "" {
		return "untitled"
	}
	return safe
}

// cleanName strips any path separators from a single path component so
// derived paths cannot escape the store roots.
func cleanName(name string) string {
	return filepath.Base(filepath.Clean(name))
}
