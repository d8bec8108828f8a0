package endpoints

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/mix"
)

func postMix(td *testDeps, jobID, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest("POST", "/api/v1/jobs/"+jobID+"/mix", nil)
	} else {
		req, _ = http.NewRequest("POST", "/api/v1/jobs/"+jobID+"/mix", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	td.router().ServeHTTP(w, req)
	return w
}

func TestHandleRequestMix(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("StartsRender", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		want := mix.DefaultSettings()
		want.VocalsVolume = 0.5
		want.PitchShift = 2
		td.mixer.On("Request", mock.Anything, want).
			Return(mix.Task{MixID: "abc123", Status: mix.StatusProcessing}, nil)

		w := postMix(td, seeded.ID, `{"vocals_volume":0.5,"pitch_shift":2}`)

		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp MixResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "abc123", resp.MixID)
		assert.Equal(t, "processing", resp.Status)
		assert.Empty(t, resp.DownloadURL)
		td.mixer.AssertExpectations(t)
	})

	t.Run("EmptyBodyUsesDefaults", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("Request", mock.Anything, mix.DefaultSettings()).
			Return(mix.Task{MixID: "abc123", Status: mix.StatusProcessing}, nil)

		w := postMix(td, seeded.ID, "")

		assert.Equal(t, http.StatusAccepted, w.Code)
		td.mixer.AssertExpectations(t)
	})

	t.Run("CachedMixReportsCompleted", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("Request", mock.Anything, mock.Anything).
			Return(mix.Task{MixID: "abc123", Status: mix.StatusCompleted, Progress: 100, Cached: true}, nil)

		w := postMix(td, seeded.ID, "")

		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp MixResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Cached)
		assert.Equal(t, 100, resp.Progress)
		assert.Equal(t, "/api/v1/jobs/"+seeded.ID+"/mix/abc123/download", resp.DownloadURL)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		w := postMix(td, seeded.ID, `{"drums_volume":"loud"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_FORMAT")
		td.mixer.AssertNotCalled(t, "Request", mock.Anything, mock.Anything)
	})

	t.Run("SettingsRejected", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("Request", mock.Anything, mock.Anything).
			Return(mix.Task{}, apperr.New(apperr.CodeInvalidFormat, "drums volume 3.00 out of range [0, 2]"))

		w := postMix(td, seeded.ID, `{"drums_volume":3.0}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "out of range")
	})

	t.Run("JobNotCompleted", func(t *testing.T) {
		td := newTestDeps(t)
		j := job.New(job.SourceYouTube, "test")
		require.True(t, td.registry.Create(j))

		w := postMix(td, j.ID, "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "JOB_NOT_COMPLETED")
	})

	t.Run("JobNotFound", func(t *testing.T) {
		td := newTestDeps(t)
		w := postMix(td, "ghost", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleMixStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("JobNotFound", func(t *testing.T) {
		td := newTestDeps(t)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/ghost/mix/abc123", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "JOB_NOT_FOUND")
		td.mixer.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
	})

	t.Run("MixNotFound", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("Status", seeded.ID, "abc123").Return(mix.Task{}, false)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/"+seeded.ID+"/mix/abc123", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "MIX_NOT_FOUND")
	})

	t.Run("ReportsProgress", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("Status", seeded.ID, "abc123").
			Return(mix.Task{MixID: "abc123", Status: mix.StatusProcessing, Progress: 55}, true)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/"+seeded.ID+"/mix/abc123", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp MixResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 55, resp.Progress)
		assert.Equal(t, "processing", resp.Status)
		assert.Empty(t, resp.DownloadURL)
	})

	t.Run("CompletedHasDownloadURL", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("Status", seeded.ID, "abc123").
			Return(mix.Task{MixID: "abc123", Status: mix.StatusCompleted, Progress: 100}, true)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/"+seeded.ID+"/mix/abc123", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp MixResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "/api/v1/jobs/"+seeded.ID+"/mix/abc123/download", resp.DownloadURL)
	})
}

func TestHandleMixDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("JobNotFound", func(t *testing.T) {
		td := newTestDeps(t)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/ghost/mix/abc123/download", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "JOB_NOT_FOUND")
	})

	t.Run("MixNotFound", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Remixable", 64)

		td.mixer.On("FindOutput", seeded.ID, "abc123").Return("", mix.FormatMP4, false)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/"+seeded.ID+"/mix/abc123/download", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "MIX_NOT_FOUND")
	})

	t.Run("ServesRenderedMix", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "Mix Me", 64)

		path := td.store.ResultPath(seeded.ID, "custom_mix_abc123.mp3")
		require.NoError(t, os.WriteFile(path, []byte("mp3 bytes"), 0o644))
		td.mixer.On("FindOutput", seeded.ID, "abc123").Return(path, mix.FormatMP3, true)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/"+seeded.ID+"/mix/abc123/download", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
		assert.Equal(t, "attachment; filename*=UTF-8''Mix%20Me_custom_mix.mp3", w.Header().Get("Content-Disposition"))
		assert.Equal(t, "mp3 bytes", w.Body.String())
	})

	t.Run("FallbackNameWhenUntitled", func(t *testing.T) {
		td := newTestDeps(t)
		seeded := td.seedCompletedJob(t, "", 64)

		path := td.store.ResultPath(seeded.ID, "custom_mix_abc123.wav")
		require.NoError(t, os.WriteFile(path, []byte("wav bytes"), 0o644))
		td.mixer.On("FindOutput", seeded.ID, "abc123").Return(path, mix.FormatWAV, true)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/jobs/"+seeded.ID+"/mix/abc123/download", nil)
		td.router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "custom_mix_abc123.wav")
	})
}
