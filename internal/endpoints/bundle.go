package endpoints

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"stemstudio/internal/apperr"
	"stemstudio/internal/bundle"
	"stemstudio/internal/job"
)

// ExportRequest selects the jobs to bundle.
type ExportRequest struct {
	JobIDs []string `json:"job_ids"`
}

// ExportResponse points at the finished bundle.
type ExportResponse struct {
	DownloadURL string `json:"download_url"`
}

// HandleExport bundles the selected completed jobs into a zip and returns its
// download handle.
func HandleExport(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.JobIDs) == 0 {
			renderCode(c, apperr.CodeNoJobsSelected, "no jobs selected for export")
			return
		}

		jobs := make([]*job.Job, 0, len(req.JobIDs))
		for _, id := range req.JobIDs {
			j, ok := deps.Registry.Get(id)
			if !ok {
				renderCode(c, apperr.CodeJobNotFound, fmt.Sprintf("job %s not found", id))
				return
			}
			if j.Status != job.StatusCompleted {
				renderCode(c, apperr.CodeJobNotCompleted, fmt.Sprintf("job %s is not completed", id))
				return
			}
			jobs = append(jobs, j)
		}

		exportID, err := deps.Exporter.Export(jobs)
		if err != nil {
			slog.Error("export failed", "job_count", len(jobs), "error", err)
			renderCode(c, apperr.CodeExportFailed, "failed to build export bundle")
			return
		}

		slog.Info("export built", "export_id", exportID, "job_count", len(jobs))
		c.JSON(http.StatusOK, ExportResponse{
			DownloadURL: fmt.Sprintf("/api/v1/jobs/export/download/%s", exportID),
		})
	}
}

// HandleExportDownload serves a built bundle by its opaque export handle.
func HandleExportDownload(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		path, found := deps.Store.FindExport(c.Param("export_id"))
		if !found {
			renderCode(c, apperr.CodeExportNotFound, "export not found")
			return
		}
		serveFile(c, path, "application/zip", filepath.Base(path))
	}
}

// ImportResponse reports what an uploaded bundle produced.
type ImportResponse struct {
	Imported  []JobResponse     `json:"imported"`
	Conflicts []bundle.Conflict `json:"conflicts"`
	Errors    []string          `json:"errors"`
}

// HandleImport ingests an uploaded bundle zip. Jobs whose titles collide with
// existing ones come back as conflicts for the client to resolve.
func HandleImport(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			renderCode(c, apperr.CodeMissingFile, "no file provided")
			return
		}
		defer file.Close()

		if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
			renderCode(c, apperr.CodeInvalidFile, "import bundle must be a .zip file")
			return
		}

		tmp, err := os.CreateTemp("", "import_*.zip")
		if err != nil {
			slog.Error("failed to stage import", "error", err)
			renderCode(c, apperr.CodeInternal, "failed to stage import file")
			return
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, file); err != nil {
			tmp.Close()
			slog.Error("failed to stage import", "error", err)
			renderCode(c, apperr.CodeInternal, "failed to stage import file")
			return
		}
		tmp.Close()

		result, err := deps.Importer.Import(tmp.Name())
		if err != nil {
			renderError(c, err)
			return
		}

		resp := ImportResponse{
			Imported:  make([]JobResponse, 0, len(result.Imported)),
			Conflicts: result.Conflicts,
			Errors:    result.Errors,
		}
		for _, j := range result.Imported {
			resp.Imported = append(resp.Imported, jobView(j))
		}
		if resp.Conflicts == nil {
			resp.Conflicts = []bundle.Conflict{}
		}
		if resp.Errors == nil {
			resp.Errors = []string{}
		}

		slog.Info("import processed", "filename", header.Filename,
			"imported", len(resp.Imported), "conflicts", len(resp.Conflicts), "errors", len(resp.Errors))
		c.JSON(http.StatusOK, resp)
	}
}

// ResolveRequest carries the caller's conflict decision.
type ResolveRequest struct {
	Action   string `json:"action"`
	NewTitle string `json:"new_title"`
}

// ResolveResponse reports the materialized job or a resolution failure.
type ResolveResponse struct {
	Job   *JobResponse `json:"job,omitempty"`
	Error string       `json:"error,omitempty"`
}

// HandleResolveConflict applies an overwrite or rename decision to a staged
// import conflict. Malformed decisions are client errors; failures while
// applying a valid decision come back in the response body.
func HandleResolveConflict(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderCode(c, apperr.CodeInvalidAction, "invalid request body")
			return
		}

		res, err := bundle.ParseResolution(req.Action, req.NewTitle)
		if err != nil {
			renderError(c, err)
			return
		}

		imported, err := deps.Importer.Resolve(c.Param("conflict_id"), res)
		if err != nil {
			c.JSON(http.StatusOK, ResolveResponse{Error: err.Error()})
			return
		}

		view := jobView(imported)
		slog.Info("conflict resolved", "conflict_id", c.Param("conflict_id"),
			"action", req.Action, "job_id", imported.ID)
		c.JSON(http.StatusOK, ResolveResponse{Job: &view})
	}
}
