// Package bundle packs completed jobs into zip archives for offline transfer
// and unpacks such archives on another instance. A single-job bundle holds
// the stems, the original video, and a metadata manifest; a multi-job bundle
// nests one single-job zip per song.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"stemstudio/internal/job"
	"stemstudio/internal/store"
)

const metadataVersion = "1.0"

// Metadata is the manifest stored as metadata.json inside every song zip.
type Metadata struct {
	Version          string    `json:"version"`
	SourceTitle      string    `json:"source_title"`
	SourceType       string    `json:"source_type"`
	SourceURL        string    `json:"source_url,omitempty"`
	OriginalDuration int       `json:"original_duration"`
	CreatedAt        time.Time `json:"created_at"`
	SampleRate       int       `json:"sample_rate"`
}

func metadataFor(j *job.Job) Metadata {
	sampleRate := j.SampleRate
	if sampleRate == 0 {
		sampleRate = 44100
	}
	return Metadata{
		Version:          metadataVersion,
		SourceTitle:      j.SourceTitle,
		SourceType:       string(j.SourceType),
		SourceURL:        j.SourceURL,
		OriginalDuration: j.OriginalDuration,
		CreatedAt:        j.CreatedAt,
		SampleRate:       sampleRate,
	}
}

// Exporter builds export bundles under the store's exports directory.
type Exporter struct {
	store store.Store
}

// NewExporter creates an exporter over the given store.
func NewExporter(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// Export packs the jobs into a zip under a fresh export ID and returns the
// ID. One job yields the single-song form; several yield an outer zip of
// nested song zips, one per job.
func (e *Exporter) Export(jobs []*job.Job) (string, error) {
	if len(jobs) == 0 {
		return "", fmt.Errorf("no jobs to export")
	}

	exportID := uuid.New().String()
	if _, err := e.store.EnsureExportDir(exportID); err != nil {
		return "", err
	}

	var name string
	if len(jobs) == 1 {
		name = store.SanitizeFilename(jobs[0].SourceTitle) + ".zip"
	} else {
		name = "export_" + time.Now().Format("20060102_150405") + ".zip"
	}
	zipPath := e.store.ExportPath(exportID, name)

	out, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to create export zip: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	if len(jobs) == 1 {
		err = e.writeSong(zw, jobs[0])
	} else {
		err = e.writeNested(zw, jobs)
	}
	if err != nil {
		zw.Close()
		os.Remove(zipPath)
		return "", err
	}
	if err := zw.Close(); err != nil {
		os.Remove(zipPath)
		return "", fmt.Errorf("failed to finalize export zip: %w", err)
	}

	slog.Info("export bundle created", "export_id", exportID, "jobs", len(jobs), "path", zipPath)
	return exportID, nil
}

// writeSong adds one job's stems, original video, and manifest to a zip.
func (e *Exporter) writeSong(zw *zip.Writer, j *job.Job) error {
	if j.Tracks == nil {
		return fmt.Errorf("job %s has no tracks to export", j.ID)
	}

	for _, stem := range job.StemNames {
		path, ok := j.Tracks.Get(stem)
		if !ok || !e.store.Exists(path) {
			continue
		}
		if err := e.copyIntoZip(zw, stem+".wav", path); err != nil {
			return err
		}
	}

	if j.OriginalVideoPath != "" && e.store.Exists(j.OriginalVideoPath) {
		if err := e.copyIntoZip(zw, "video.mp4", j.OriginalVideoPath); err != nil {
			return err
		}
	}

	meta, err := json.MarshalIndent(metadataFor(j), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	w, err := zw.Create("metadata.json")
	if err != nil {
		return fmt.Errorf("failed to add metadata entry: %w", err)
	}
	if _, err := w.Write(meta); err != nil {
		return fmt.Errorf("failed to write metadata entry: %w", err)
	}
	return nil
}

// writeNested builds each song zip in memory and adds it as an entry of the
// outer zip.
func (e *Exporter) writeNested(zw *zip.Writer, jobs []*job.Job) error {
	for _, j := range jobs {
		if j.Tracks == nil {
			continue
		}
		title := j.SourceTitle
		if title == "" {
			title = "song_" + shortID(j.ID)
		}

		var buf bytes.Buffer
		inner := zip.NewWriter(&buf)
		if err := e.writeSong(inner, j); err != nil {
			inner.Close()
			return err
		}
		if err := inner.Close(); err != nil {
			return fmt.Errorf("failed to finalize inner zip for %s: %w", j.ID, err)
		}

		w, err := zw.Create(store.SanitizeFilename(title) + ".zip")
		if err != nil {
			return fmt.Errorf("failed to add inner zip entry: %w", err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("failed to write inner zip entry: %w", err)
		}
	}
	return nil
}

func (e *Exporter) copyIntoZip(zw *zip.Writer, entryName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	w, err := zw.Create(entryName)
	if err != nil {
		return fmt.Errorf("failed to add %s entry: %w", entryName, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write %s entry: %w", entryName, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
