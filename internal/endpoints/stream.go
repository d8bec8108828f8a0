package endpoints

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/mix"
	"stemstudio/internal/store"
)

const streamChunkSize = 64 * 1024

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

// parseByteRange interprets a Range header against a known size. Only single
// ranges are supported; multipart ranges count as invalid and the caller
// serves the whole file.
func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}

	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToLower(value), "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, errInvalidRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	// Suffix form: bytes=-N means the final N bytes.
	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}
	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}

	if endStr == "" {
		return start, size - 1, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// attachmentDisposition builds a Content-Disposition header that survives
// non-ASCII titles.
func attachmentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(filename))
}

// serveFile streams an on-disk artifact with byte-range support. A malformed
// Range header degrades to the full file; an unsatisfiable one gets 416 with
// the size advertised. HEAD requests return headers only. attachmentName,
// when set, marks the response as a download.
func serveFile(c *gin.Context, path, contentType, attachmentName string) {
	f, err := os.Open(path)
	if err != nil {
		renderCode(c, apperr.CodeNoResult, "artifact not available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		renderCode(c, apperr.CodeInternal, "failed to stat artifact")
		return
	}
	size := info.Size()

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", contentType)
	if attachmentName != "" {
		c.Header("Content-Disposition", attachmentDisposition(attachmentName))
	}

	start, end := int64(0), size-1
	status := http.StatusOK

	if rangeHeader := c.GetHeader("Range"); rangeHeader != "" {
		s, e, err := parseByteRange(rangeHeader, size)
		switch {
		case errors.Is(err, errRangeNotSatisfiable):
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", size))
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		case err == nil:
			start, end = s, e
			status = http.StatusPartialContent
			c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		}
		// Malformed ranges fall through and serve the whole file.
	}

	length := end - start + 1
	c.Header("Content-Length", strconv.FormatInt(length, 10))
	c.Status(status)

	if c.Request.Method == http.MethodHead {
		return
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return
		}
	}
	buf := make([]byte, streamChunkSize)
	if _, err := io.CopyBuffer(c.Writer, io.LimitReader(f, length), buf); err != nil {
		slog.Debug("stream interrupted", "path", path, "error", err)
	}
}

// artifactPath picks the servable video for a job: the default mix when it
// exists, otherwise the original. Imported bundles may carry only the
// original.
func artifactPath(deps Deps, j *job.Job) string {
	if j.ResultPath != "" && deps.Store.Exists(j.ResultPath) {
		return j.ResultPath
	}
	if j.OriginalVideoPath != "" && deps.Store.Exists(j.OriginalVideoPath) {
		return j.OriginalVideoPath
	}
	return ""
}

// completedJob looks up a job and requires it to be completed. Renders the
// error itself and returns nil when the caller should stop.
func completedJob(c *gin.Context, deps Deps) *job.Job {
	j, ok := deps.Registry.Get(c.Param("id"))
	if !ok {
		renderCode(c, apperr.CodeJobNotFound, "job not found")
		return nil
	}
	if j.Status != job.StatusCompleted {
		renderCode(c, apperr.CodeJobNotCompleted, "job is not completed yet")
		return nil
	}
	return j
}

// downloadName derives the attachment filename from the job title.
func downloadName(j *job.Job) string {
	if j.SourceTitle != "" {
		return store.SanitizeFilename(j.SourceTitle) + ".mp4"
	}
	return fmt.Sprintf("video_%s.mp4", j.ID)
}

// HandleDownload serves the final mix as an attachment.
func HandleDownload(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j := completedJob(c, deps)
		if j == nil {
			return
		}
		path := artifactPath(deps, j)
		if path == "" {
			renderCode(c, apperr.CodeNoResult, "no output available for this job")
			return
		}
		serveFile(c, path, "video/mp4", downloadName(j))
	}
}

// HandleStream serves the final mix inline with range support, for players
// that seek.
func HandleStream(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j := completedJob(c, deps)
		if j == nil {
			return
		}
		path := artifactPath(deps, j)
		if path == "" {
			renderCode(c, apperr.CodeNoResult, "no output available for this job")
			return
		}
		serveFile(c, path, "video/mp4", "")
	}
}

// TrackInfo describes one stem in the track listing.
type TrackInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// TrackListResponse is the body for the track listing endpoint.
type TrackListResponse struct {
	Tracks     []TrackInfo `json:"tracks"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Duration   float64     `json:"duration,omitempty"`
}

// HandleListTracks lists the stems available for a completed job along with
// sample rate and stem duration.
func HandleListTracks(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j := completedJob(c, deps)
		if j == nil {
			return
		}
		if j.Tracks == nil {
			renderCode(c, apperr.CodeNoTracks, "job has no separated tracks")
			return
		}

		resp := TrackListResponse{
			Tracks:     make([]TrackInfo, 0, len(job.StemNames)),
			SampleRate: j.SampleRate,
			Duration:   float64(j.OriginalDuration),
		}
		for _, name := range job.StemNames {
			path, ok := j.Tracks.Get(name)
			if !ok || !deps.Store.Exists(path) {
				continue
			}
			info := TrackInfo{
				Name: name,
				URL:  fmt.Sprintf("/api/v1/jobs/%s/tracks/%s", j.ID, name),
			}
			if size, err := deps.Store.Size(path); err == nil {
				info.Size = size
			}
			// The first readable stem refines sample rate and duration.
			if len(resp.Tracks) == 0 {
				if rate, seconds, err := mix.WavInfo(path); err == nil {
					resp.SampleRate = rate
					resp.Duration = seconds
				}
			}
			resp.Tracks = append(resp.Tracks, info)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleStreamTrack serves one stem WAV with range support. The track name is
// validated before the job lookup so bad names read as client errors even for
// unknown jobs.
func HandleStreamTrack(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !validTrackName(name) {
			renderCode(c, apperr.CodeInvalidTrack,
				fmt.Sprintf("unknown track %q, expected one of %s", name, strings.Join(job.StemNames, ", ")))
			return
		}

		j := completedJob(c, deps)
		if j == nil {
			return
		}
		if j.Tracks == nil {
			renderCode(c, apperr.CodeTrackNotFound, "track not found")
			return
		}
		path, ok := j.Tracks.Get(name)
		if !ok || !deps.Store.Exists(path) {
			renderCode(c, apperr.CodeTrackNotFound, "track not found")
			return
		}
		serveFile(c, path, "audio/wav", "")
	}
}

func validTrackName(name string) bool {
	for _, stem := range job.StemNames {
		if name == stem {
			return true
		}
	}
	return false
}
