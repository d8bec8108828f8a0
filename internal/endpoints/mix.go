package endpoints

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"stemstudio/internal/apperr"
	"stemstudio/internal/mix"
	"stemstudio/internal/store"
)

// MixResponse reports the state of one remix request.
type MixResponse struct {
	MixID       string `json:"mix_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Cached      bool   `json:"cached,omitempty"`
	Error       string `json:"error,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

func mixView(jobID string, t mix.Task) MixResponse {
	resp := MixResponse{
		MixID:    t.MixID,
		Status:   string(t.Status),
		Progress: t.Progress,
		Cached:   t.Cached,
		Error:    t.Error,
	}
	if t.Status == mix.StatusCompleted {
		resp.DownloadURL = fmt.Sprintf("/api/v1/jobs/%s/mix/%s/download", jobID, t.MixID)
	}
	return resp
}

// HandleRequestMix starts a remix render, or reports the cached or in-flight
// one for the same settings. Always 202; callers poll for completion.
func HandleRequestMix(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j := completedJob(c, deps)
		if j == nil {
			return
		}

		// Absent fields keep their defaults, so an empty body renders the
		// instrumental.
		settings := mix.DefaultSettings()
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&settings); err != nil {
				renderCode(c, apperr.CodeInvalidFormat, "invalid mix settings")
				return
			}
		}

		task, err := deps.Mixer.Request(j, settings)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, mixView(j.ID, task))
	}
}

// HandleMixStatus reports the progress of a remix. A file already on disk
// counts as completed regardless of task-map state.
func HandleMixStatus(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if _, ok := deps.Registry.Get(jobID); !ok {
			renderCode(c, apperr.CodeJobNotFound, "job not found")
			return
		}

		task, ok := deps.Mixer.Status(jobID, c.Param("mix_id"))
		if !ok {
			renderCode(c, apperr.CodeMixNotFound, "mix not found")
			return
		}
		c.JSON(http.StatusOK, mixView(jobID, task))
	}
}

// HandleMixDownload serves a rendered remix as an attachment, with the
// content type following the container.
func HandleMixDownload(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		j, ok := deps.Registry.Get(jobID)
		if !ok {
			renderCode(c, apperr.CodeJobNotFound, "job not found")
			return
		}

		mixID := c.Param("mix_id")
		path, format, found := deps.Mixer.FindOutput(jobID, mixID)
		if !found {
			renderCode(c, apperr.CodeMixNotFound, "mix not found")
			return
		}

		name := fmt.Sprintf("custom_mix_%s.%s", mixID, format.Extension())
		if j.SourceTitle != "" {
			name = fmt.Sprintf("%s_custom_mix.%s", store.SanitizeFilename(j.SourceTitle), format.Extension())
		}
		serveFile(c, path, format.MIME(), name)
	}
}
