// Package endpoints holds the gin handlers for the API. Handlers are thin:
// they validate input, call into the domain packages, and render JSON. All
// error bodies are `{code, message}`.
package endpoints

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"stemstudio/internal/acquire"
	"stemstudio/internal/bundle"
	"stemstudio/internal/config"
	"stemstudio/internal/job"
	"stemstudio/internal/mix"
	"stemstudio/internal/ratelimit"
	"stemstudio/internal/store"
)

// Submitter hands admitted jobs to the processing pipeline.
type Submitter interface {
	Submit(j *job.Job)
}

// VideoSource validates and probes URL submissions.
type VideoSource interface {
	IsValidURL(url string) bool
	Info(ctx context.Context, url string) (acquire.Metadata, error)
}

// MixService renders and tracks custom stem mixes.
type MixService interface {
	Request(j *job.Job, s mix.Settings) (mix.Task, error)
	Status(jobID, mixID string) (mix.Task, bool)
	FindOutput(jobID, mixID string) (string, mix.OutputFormat, bool)
}

// BundleExporter builds downloadable job bundles.
type BundleExporter interface {
	Export(jobs []*job.Job) (string, error)
}

// BundleImporter restores jobs from bundles and resolves title conflicts.
type BundleImporter interface {
	Import(zipPath string) (bundle.ImportResult, error)
	Resolve(conflictID string, res bundle.Resolution) (*job.Job, error)
}

// Deps bundles everything the handlers need. Wired once in main.
type Deps struct {
	Config   *config.Config
	Registry *job.Registry
	Store    store.Store
	Pipeline Submitter
	YouTube  VideoSource
	Mixer    MixService
	Exporter BundleExporter
	Importer BundleImporter
	Limiter  ratelimit.Limiter
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, deps Deps) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"version": deps.Config.Version,
				"features": gin.H{
					"youtube": true,
					"upload":  true,
					"mix":     true,
					"export":  true,
				},
			})
		})

		api.GET("/youtube/info", HandleYouTubeInfo(deps))

		jobs := api.Group("/jobs")
		{
			// Submission-class POSTs share the per-IP rate limit.
			limited := jobs.Group("")
			limited.Use(RateLimitMiddleware(deps.Limiter))
			{
				limited.POST("", HandleSubmitJob(deps))
				limited.POST("/upload", HandleUploadJob(deps))
				limited.POST("/export", HandleExport(deps))
				limited.POST("/import", HandleImport(deps))
				limited.POST("/import/resolve/:conflict_id", HandleResolveConflict(deps))
				limited.POST("/:id/mix", HandleRequestMix(deps))
			}

			jobs.GET("", HandleListJobs(deps))
			jobs.GET("/export/download/:export_id", HandleExportDownload(deps))
			jobs.GET("/:id", HandleGetJob(deps))
			jobs.DELETE("/:id", HandleDeleteJob(deps))

			jobs.GET("/:id/download", HandleDownload(deps))
			jobs.GET("/:id/stream", HandleStream(deps))
			jobs.HEAD("/:id/stream", HandleStream(deps))
			jobs.GET("/:id/tracks", HandleListTracks(deps))
			jobs.GET("/:id/tracks/:name", HandleStreamTrack(deps))
			jobs.HEAD("/:id/tracks/:name", HandleStreamTrack(deps))

			jobs.GET("/:id/mix/:mix_id", HandleMixStatus(deps))
			jobs.GET("/:id/mix/:mix_id/download", HandleMixDownload(deps))
		}
	}
}
