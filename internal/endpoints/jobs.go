package endpoints

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stemstudio/internal/acquire"
	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
)

// SubmitJobRequest is the body for URL submissions.
type SubmitJobRequest struct {
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url"`
}

// JobResponse is the wire form of a job.
type JobResponse struct {
	ID           string     `json:"id"`
	SourceType   string     `json:"source_type"`
	SourceURL    string     `json:"source_url,omitempty"`
	SourceTitle  string     `json:"source_title,omitempty"`
	Thumbnail    string     `json:"thumbnail,omitempty"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStage string     `json:"current_stage,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}

// JobResult is the artifacts block attached to completed jobs.
type JobResult struct {
	OriginalDuration int    `json:"original_duration"`
	SampleRate       int    `json:"sample_rate,omitempty"`
	OutputSize       int64  `json:"output_size,omitempty"`
	DownloadURL      string `json:"download_url"`
}

// JobListResponse partitions jobs for the listing endpoint.
type JobListResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	Processing []JobResponse `json:"processing"`
}

func jobView(j *job.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		SourceType:   string(j.SourceType),
		SourceURL:    j.SourceURL,
		SourceTitle:  j.SourceTitle,
		Thumbnail:    j.Thumbnail,
		Status:       string(j.Status),
		Progress:     j.Progress,
		CurrentStage: j.CurrentStage,
		Error:        j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// HandleSubmitJob accepts a URL job and hands it to the pipeline.
func HandleSubmitJob(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !deps.Registry.CanAccept() {
			renderCode(c, apperr.CodeServiceBusy, "maximum concurrent jobs reached, try again later")
			return
		}

		var req SubmitJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderCode(c, apperr.CodeInvalidSourceType, "invalid request body")
			return
		}
		if req.SourceType != string(job.SourceYouTube) {
			renderCode(c, apperr.CodeInvalidSourceType,
				fmt.Sprintf("unsupported source type: %q", req.SourceType))
			return
		}

		url := strings.TrimSpace(req.SourceURL)
		if url == "" {
			renderCode(c, apperr.CodeMissingURL, "source_url is required")
			return
		}
		if !deps.YouTube.IsValidURL(url) {
			renderCode(c, apperr.CodeInvalidURL, "not a recognized YouTube URL")
			return
		}

		j := job.New(job.SourceYouTube, c.ClientIP())
		j.SourceURL = url
		if !deps.Registry.Create(j) {
			renderCode(c, apperr.CodeServiceBusy, "maximum concurrent jobs reached, try again later")
			return
		}
		deps.Pipeline.Submit(j)

		slog.Info("job submitted", "job_id", j.ID, "source_type", j.SourceType, "client_ip", j.ClientIP)
		c.JSON(http.StatusCreated, jobView(j))
	}
}

// HandleUploadJob accepts a multipart media upload and hands it to the
// pipeline. The staged file lives under the uploads directory until the
// pipeline copies it into the job's result directory.
func HandleUploadJob(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !deps.Registry.CanAccept() {
			renderCode(c, apperr.CodeServiceBusy, "maximum concurrent jobs reached, try again later")
			return
		}

		// Cap the body before multipart parsing buffers anything.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, deps.Config.MaxFileSizeBytes())

		file, header, err := c.Request.FormFile("file")
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				renderCode(c, apperr.CodeFileTooLarge,
					fmt.Sprintf("file exceeds the %d MB limit", deps.Config.MaxFileSizeMB))
				return
			}
			renderCode(c, apperr.CodeMissingFile, "no file provided")
			return
		}
		defer file.Close()

		if !acquire.ValidUploadExtension(header.Filename) {
			renderCode(c, apperr.CodeInvalidFileType,
				fmt.Sprintf("unsupported file type: %s", filepath.Ext(header.Filename)))
			return
		}
		if header.Size > deps.Config.MaxFileSizeBytes() {
			renderCode(c, apperr.CodeFileTooLarge,
				fmt.Sprintf("file exceeds the %d MB limit", deps.Config.MaxFileSizeMB))
			return
		}

		j := job.New(job.SourceUpload, c.ClientIP())
		j.SourceFilename = header.Filename
		j.SourceTitle = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))

		ext := strings.ToLower(filepath.Ext(header.Filename))
		path, err := deps.Store.SaveUpload(j.ID, "input"+ext, file)
		if err != nil {
			slog.Error("failed to store upload", "job_id", j.ID, "error", err)
			renderCode(c, apperr.CodeInternal, "failed to store uploaded file")
			return
		}
		j.SourceURL = path

		if !deps.Registry.Create(j) {
			// Capacity filled while the upload streamed in.
			if err := deps.Store.DeleteUpload(j.ID); err != nil {
				slog.Warn("failed to clean up rejected upload", "job_id", j.ID, "error", err)
			}
			renderCode(c, apperr.CodeServiceBusy, "maximum concurrent jobs reached, try again later")
			return
		}
		deps.Pipeline.Submit(j)

		slog.Info("job submitted", "job_id", j.ID, "source_type", j.SourceType,
			"filename", header.Filename, "size", header.Size, "client_ip", j.ClientIP)
		c.JSON(http.StatusCreated, jobView(j))
	}
}

// HandleListJobs returns completed and in-flight jobs, newest first.
func HandleListJobs(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		completed, active := deps.Registry.ListAll()

		resp := JobListResponse{
			Jobs:       make([]JobResponse, 0, len(completed)),
			Processing: make([]JobResponse, 0, len(active)),
		}
		for _, j := range completed {
			resp.Jobs = append(resp.Jobs, jobView(j))
		}
		for _, j := range active {
			resp.Processing = append(resp.Processing, jobView(j))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleGetJob returns one job, with the result block once completed.
func HandleGetJob(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, ok := deps.Registry.Get(c.Param("id"))
		if !ok {
			renderCode(c, apperr.CodeJobNotFound, "job not found")
			return
		}

		resp := jobView(j)
		if j.Status == job.StatusCompleted {
			result := &JobResult{
				OriginalDuration: j.OriginalDuration,
				SampleRate:       j.SampleRate,
				DownloadURL:      fmt.Sprintf("/api/v1/jobs/%s/download", j.ID),
			}
			if path := artifactPath(deps, j); path != "" {
				if size, err := deps.Store.Size(path); err == nil {
					result.OutputSize = size
				}
			}
			resp.Result = result
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleDeleteJob removes a job's registry entry and every artifact. The
// registry entry goes first: a running worker sees it missing on its next
// progress update, aborts, and cleans up anything it wrote after the file
// sweep below.
func HandleDeleteJob(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := deps.Registry.Get(id); !ok {
			renderCode(c, apperr.CodeJobNotFound, "job not found")
			return
		}

		deps.Registry.Delete(id)
		if err := deps.Store.DeleteJob(id); err != nil {
			slog.Error("failed to delete job files", "job_id", id, "error", err)
		}
		if err := deps.Store.DeleteUpload(id); err != nil {
			slog.Warn("failed to delete upload files", "job_id", id, "error", err)
		}

		slog.Info("job deleted", "job_id", id)
		c.Status(http.StatusNoContent)
	}
}

// HandleYouTubeInfo probes a URL before submission so clients can surface
// title and duration up front. The duration cap is enforced here too.
func HandleYouTubeInfo(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		url := strings.TrimSpace(c.Query("url"))
		if url == "" {
			renderCode(c, apperr.CodeMissingURL, "url query parameter is required")
			return
		}

		meta, err := deps.YouTube.Info(c.Request.Context(), url)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, meta)
	}
}
