package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/store"
)

// Conflict describes an imported song whose title collides with an existing
// job. The song's bytes stay staged until the caller resolves it.
type Conflict struct {
	ConflictID    string `json:"conflict_id"`
	SourceTitle   string `json:"source_title"`
	ExistingJobID string `json:"existing_job_id"`
}

// ImportResult aggregates one import batch. A failed song lands in Errors
// without aborting the rest of the batch.
type ImportResult struct {
	Imported  []*job.Job
	Conflicts []Conflict
	Errors    []string
}

const (
	actionOverwrite = "overwrite"
	actionRename    = "rename"
)

// Resolution is the caller's decision for a staged conflict. Values are
// built through Overwrite or Rename, so an action without its required title
// cannot be represented.
type Resolution struct {
	action   string
	newTitle string
}

// Overwrite replaces the colliding job with the staged import.
func Overwrite() Resolution {
	return Resolution{action: actionOverwrite}
}

// Rename imports the staged song under a different title.
func Rename(newTitle string) (Resolution, error) {
	if strings.TrimSpace(newTitle) == "" {
		return Resolution{}, apperr.New(apperr.CodeMissingTitle, "rename requires a new title")
	}
	return Resolution{action: actionRename, newTitle: newTitle}, nil
}

// ParseResolution builds a Resolution from raw request fields.
func ParseResolution(action, newTitle string) (Resolution, error) {
	switch action {
	case actionOverwrite:
		return Overwrite(), nil
	case actionRename:
		return Rename(newTitle)
	}
	return Resolution{}, apperr.New(apperr.CodeInvalidAction,
		fmt.Sprintf("action must be %q or %q", actionOverwrite, actionRename))
}

type pendingImport struct {
	files         map[string][]byte
	meta          Metadata
	existingJobID string
}

// Importer unpacks bundles, materializes their jobs, and stages title
// collisions for later resolution.
type Importer struct {
	registry *job.Registry
	store    store.Store

	mu      sync.Mutex
	pending map[string]*pendingImport
}

// NewImporter creates an importer feeding the given registry and store.
func NewImporter(reg *job.Registry, st store.Store) *Importer {
	return &Importer{
		registry: reg,
		store:    st,
		pending:  make(map[string]*pendingImport),
	}
}

// Import unpacks the bundle at zipPath. The form is probed from the entries:
// nested .zip entries mean a multi-job bundle, a top-level metadata.json a
// single-job one. An archive matching neither form fails whole; per-song
// failures inside a valid bundle accumulate in the result instead.
func (i *Importer) Import(zipPath string) (ImportResult, error) {
	var result ImportResult

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return result, apperr.Wrap(apperr.CodeBadBundle, "invalid zip file", err)
	}
	defer zr.Close()

	var innerZips []*zip.File
	hasMetadata := false
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".zip") {
			innerZips = append(innerZips, f)
		}
		if f.Name == "metadata.json" {
			hasMetadata = true
		}
	}

	switch {
	case len(innerZips) > 0:
		for _, entry := range innerZips {
			if err := i.importInner(entry, &result); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to import %s: %v", entry.Name, err))
			}
		}
	case hasMetadata:
		files, err := readAllEntries(&zr.Reader)
		if err != nil {
			return result, apperr.Wrap(apperr.CodeBadBundle, "failed to read bundle", err)
		}
		i.importSong(files, &result)
	default:
		return result, apperr.New(apperr.CodeBadBundle,
			"bundle has no metadata.json and no nested song zips")
	}

	slog.Info("import finished",
		"imported", len(result.Imported), "conflicts", len(result.Conflicts), "errors", len(result.Errors))
	return result, nil
}

// importInner reads a nested song zip into memory and imports it.
func (i *Importer) importInner(entry *zip.File, result *ImportResult) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}

	inner, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("not a valid zip: %w", err)
	}
	files, err := readAllEntries(inner)
	if err != nil {
		return err
	}
	i.importSong(files, result)
	return nil
}

// importSong materializes one song, or stages it when its title collides
// with an existing job.
func (i *Importer) importSong(files map[string][]byte, result *ImportResult) {
	metaBytes, ok := files["metadata.json"]
	if !ok {
		result.Errors = append(result.Errors, "invalid bundle: missing metadata.json")
		return
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		result.Errors = append(result.Errors, "malformed metadata.json")
		return
	}
	if meta.SourceTitle == "" {
		meta.SourceTitle = "Untitled"
	}

	if existing, found := i.registry.FindByTitle(meta.SourceTitle); found {
		conflictID := uuid.New().String()
		i.mu.Lock()
		i.pending[conflictID] = &pendingImport{files: files, meta: meta, existingJobID: existing.ID}
		i.mu.Unlock()

		result.Conflicts = append(result.Conflicts, Conflict{
			ConflictID:    conflictID,
			SourceTitle:   meta.SourceTitle,
			ExistingJobID: existing.ID,
		})
		return
	}

	j, err := i.materialize(files, meta, "")
	if err != nil {
		result.Errors = append(result.Errors,
			fmt.Sprintf("failed to import %q: %v", meta.SourceTitle, err))
		return
	}
	result.Imported = append(result.Imported, j)
}

// Resolve applies the caller's decision to a staged conflict. The returned
// error is caller-facing; the staged entry is removed only on success.
func (i *Importer) Resolve(conflictID string, res Resolution) (*job.Job, error) {
	i.mu.Lock()
	pending, ok := i.pending[conflictID]
	i.mu.Unlock()
	if !ok {
		return nil, errors.New("conflict not found")
	}

	var (
		j   *job.Job
		err error
	)
	switch res.action {
	case actionOverwrite:
		if err := i.store.DeleteJob(pending.existingJobID); err != nil {
			return nil, err
		}
		i.registry.Delete(pending.existingJobID)
		j, err = i.materialize(pending.files, pending.meta, "")
	case actionRename:
		if _, exists := i.registry.FindByTitle(res.newTitle); exists {
			return nil, fmt.Errorf("title %q already exists", res.newTitle)
		}
		j, err = i.materialize(pending.files, pending.meta, res.newTitle)
	default:
		return nil, errors.New("invalid action")
	}
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	delete(i.pending, conflictID)
	i.mu.Unlock()
	return j, nil
}

// PendingCount reports how many conflicts await resolution.
func (i *Importer) PendingCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// materialize writes the staged files into a fresh job directory and inserts
// a completed job into the registry. The directory is removed again if any
// write fails.
func (i *Importer) materialize(files map[string][]byte, meta Metadata, titleOverride string) (*job.Job, error) {
	jobID := uuid.New().String()
	if _, err := i.store.EnsureJobDir(jobID); err != nil {
		return nil, err
	}

	write := func(name string, data []byte) (string, error) {
		path := i.store.ResultPath(jobID, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
		return path, nil
	}

	var tracks job.TrackPaths
	var originalPath string
	for _, stem := range job.StemNames {
		data, ok := files[stem+".wav"]
		if !ok {
			continue
		}
		path, err := write(stem+".wav", data)
		if err != nil {
			i.store.DeleteJob(jobID)
			return nil, err
		}
		tracks.Set(stem, path)
	}
	if data, ok := files["video.mp4"]; ok {
		path, err := write("original.mp4", data)
		if err != nil {
			i.store.DeleteJob(jobID)
			return nil, err
		}
		originalPath = path
	}

	title := meta.SourceTitle
	if titleOverride != "" {
		title = titleOverride
	}
	sourceType := job.SourceType(meta.SourceType)
	if sourceType != job.SourceYouTube && sourceType != job.SourceUpload {
		sourceType = job.SourceUpload
	}
	sampleRate := meta.SampleRate
	if sampleRate == 0 {
		sampleRate = 44100
	}

	i.registry.AddImported(&job.Job{
		ID:                jobID,
		SourceType:        sourceType,
		SourceURL:         meta.SourceURL,
		SourceTitle:       title,
		OriginalDuration:  meta.OriginalDuration,
		SampleRate:        sampleRate,
		Tracks:            &tracks,
		OriginalVideoPath: originalPath,
		ClientIP:          "imported",
		CreatedAt:         time.Now().UTC(),
	})

	stored, ok := i.registry.Get(jobID)
	if !ok {
		return nil, errors.New("imported job vanished from registry")
	}
	return stored, nil
}

// readAllEntries loads every regular entry of a zip into memory.
func readAllEntries(zr *zip.Reader) (map[string][]byte, error) {
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", f.Name, err)
		}
		files[f.Name] = data
	}
	return files, nil
}
