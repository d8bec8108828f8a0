package endpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stemstudio/internal/apperr"
	"stemstudio/internal/bundle"
	"stemstudio/internal/job"
)

func postJSON(td *testDeps, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	td.router().ServeHTTP(w, req)
	return w
}

func TestHandleExport(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("NoJobsSelected", func(t *testing.T) {
		td := newTestDeps(t)

		w := postJSON(td, "/api/v1/jobs/export", `{"job_ids":[]}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "NO_JOBS_SELECTED")
	})

	t.Run("JobNotFound", func(t *testing.T) {
		td := newTestDeps(t)

		w := postJSON(td, "/api/v1/jobs/export", `{"job_ids":["ghost"]}`)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "JOB_NOT_FOUND")
	})

	t.Run("JobNotCompleted", func(t *testing.T) {
		td := newTestDeps(t)
		j := job.New(job.SourceYouTube, "test")
		require.True(t, td.registry.Create(j))

		w := postJSON(td, "/api/v1/jobs/export", `{"job_ids":["`+j.ID+`"]}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "JOB_NOT_COMPLETED")
	})

	t.Run("ExporterFailure", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Exportable", 64)

		td.exporter.On("Export", mock.Anything).Return("", errors.New("disk full"))

		w := postJSON(td, "/api/v1/jobs/export", `{"job_ids":["`+seeded.ID+`"]}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "EXPORT_FAILED")
	})

	t.Run("Success", func(t *testing.T) {
		td := newTestDeps(t)
		first := td.seedCompletedJob(t, "First", 64)
		second := td.seedCompletedJob(t, "Second", 64)

		td.exporter.On("Export", mock.MatchedBy(func(jobs []*job.Job) bool {
			return len(jobs) == 2
		})).Return("export_xyz", nil)

		w := postJSON(td, "/api/v1/jobs/export",
			`{"job_ids":["`+first.ID+`","`+second.ID+`"]}`)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp ExportResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "/api/v1/jobs/export/download/export_xyz", resp.DownloadURL)
		td.exporter.AssertExpectations(t)
	})
}

func TestHandleExportDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("NotFound", func(t *testing.T) {
		td := newTestDeps(t)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/export/download/ghost", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "EXPORT_NOT_FOUND")
	})

	t.Run("ServesZip", func(t *testing.T) {
		td := newTestDeps(t)

		path := td.store.ExportPath("export_xyz", "stems_export.zip")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("zip bytes"), 0o644))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/export/download/export_xyz", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "stems_export.zip")
		assert.Equal(t, "zip bytes", w.Body.String())
	})
}

func importRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest("POST", "/api/v1/jobs/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleImport(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("MissingFile", func(t *testing.T) {
		td := newTestDeps(t)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/api/v1/jobs/import", bytes.NewBufferString("--x--"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "MISSING_FILE")
	})

	t.Run("NotAZip", func(t *testing.T) {
		td := newTestDeps(t)

		w := httptest.NewRecorder()
		td.router().ServeHTTP(w, importRequest(t, "bundle.txt", []byte("nope")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_FILE")
	})

	t.Run("ReportsImportsConflictsAndErrors", func(t *testing.T) {
		td := newTestDeps(t)

		imported := job.New(job.SourceUpload, "import")
		imported.SourceTitle = "Fresh Song"
		imported.Status = job.StatusCompleted

		td.importer.On("Import", mock.MatchedBy(func(path string) bool {
			// The handler stages the upload to a temp file before importing.
			b, err := os.ReadFile(path)
			return err == nil && string(b) == "zip bytes"
		})).Return(bundle.ImportResult{
			Imported: []*job.Job{imported},
			Conflicts: []bundle.Conflict{{
				ConflictID:    "c1",
				SourceTitle:   "Taken Song",
				ExistingJobID: "existing",
			}},
			Errors: []string{"Broken Song: missing stems"},
		}, nil)

		w := httptest.NewRecorder()
		td.router().ServeHTTP(w, importRequest(t, "bundle.zip", []byte("zip bytes")))

		assert.Equal(t, http.StatusOK, w.Code)

		var resp ImportResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Imported, 1)
		assert.Equal(t, "Fresh Song", resp.Imported[0].SourceTitle)
		require.Len(t, resp.Conflicts, 1)
		assert.Equal(t, "c1", resp.Conflicts[0].ConflictID)
		assert.Equal(t, []string{"Broken Song: missing stems"}, resp.Errors)
		td.importer.AssertExpectations(t)
	})

	t.Run("UnusableBundle", func(t *testing.T) {
		td := newTestDeps(t)

		td.importer.On("Import", mock.Anything).Return(bundle.ImportResult{},
			apperr.New(apperr.CodeBadBundle, "bundle has no metadata.json and no nested song zips"))

		w := httptest.NewRecorder()
		td.router().ServeHTTP(w, importRequest(t, "bundle.zip", []byte("zip bytes")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "BAD_BUNDLE")
	})

	t.Run("EmptyResultRendersEmptyArrays", func(t *testing.T) {
		td := newTestDeps(t)

		td.importer.On("Import", mock.Anything).Return(bundle.ImportResult{}, nil)

		w := httptest.NewRecorder()
		td.router().ServeHTTP(w, importRequest(t, "bundle.zip", []byte("zip bytes")))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"imported":[],"conflicts":[],"errors":[]}`, w.Body.String())
	})
}

func TestHandleResolveConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("MalformedBody", func(t *testing.T) {
		td := newTestDeps(t)

		w := postJSON(td, "/api/v1/jobs/import/resolve/c1", "not json")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_ACTION")
	})

	t.Run("UnknownAction", func(t *testing.T) {
		td := newTestDeps(t)

		w := postJSON(td, "/api/v1/jobs/import/resolve/c1", `{"action":"merge"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_ACTION")
	})

	t.Run("RenameWithoutTitle", func(t *testing.T) {
		td := newTestDeps(t)

		w := postJSON(td, "/api/v1/jobs/import/resolve/c1", `{"action":"rename"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "MISSING_TITLE")
	})

	t.Run("ResolveFailureIsReportedInBody", func(t *testing.T) {
		td := newTestDeps(t)

		td.importer.On("Resolve", "c1", bundle.Overwrite()).
			Return(nil, errors.New("conflict not found"))

		w := postJSON(td, "/api/v1/jobs/import/resolve/c1", `{"action":"overwrite"}`)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp ResolveResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Nil(t, resp.Job)
		assert.Equal(t, "conflict not found", resp.Error)
	})

	t.Run("OverwriteSuccess", func(t *testing.T) {
		td := newTestDeps(t)

		resolved := job.New(job.SourceUpload, "import")
		resolved.SourceTitle = "Taken Song"
		resolved.Status = job.StatusCompleted

		td.importer.On("Resolve", "c1", bundle.Overwrite()).Return(resolved, nil)

		w := postJSON(td, "/api/v1/jobs/import/resolve/c1", `{"action":"overwrite"}`)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp ResolveResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Job)
		assert.Equal(t, "Taken Song", resp.Job.SourceTitle)
		assert.Empty(t, resp.Error)
	})

	t.Run("RenameSuccess", func(t *testing.T) {
		td := newTestDeps(t)

		renamed, err := bundle.Rename("Taken Song (2)")
		require.NoError(t, err)

		resolved := job.New(job.SourceUpload, "import")
		resolved.SourceTitle = "Taken Song (2)"
		resolved.Status = job.StatusCompleted

		td.importer.On("Resolve", "c1", renamed).Return(resolved, nil)

		w := postJSON(td, "/api/v1/jobs/import/resolve/c1",
			`{"action":"rename","new_title":"Taken Song (2)"}`)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp ResolveResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Job)
		assert.Equal(t, "Taken Song (2)", resp.Job.SourceTitle)
		td.importer.AssertExpectations(t)
	})
}
