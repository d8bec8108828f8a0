package endpoints

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stemstudio/internal/acquire"
	"stemstudio/internal/bundle"
	"stemstudio/internal/config"
	"stemstudio/internal/job"
	"stemstudio/internal/mix"
	"stemstudio/internal/ratelimit"
	"stemstudio/internal/store"
)

// MockSubmitter is a mock implementation of Submitter
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(j *job.Job) {
	m.Called(j)
}

// MockVideoSource is a mock implementation of VideoSource
type MockVideoSource struct {
	mock.Mock
}

func (m *MockVideoSource) IsValidURL(url string) bool {
	args := m.Called(url)
	return args.Bool(0)
}

func (m *MockVideoSource) Info(ctx context.Context, url string) (acquire.Metadata, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(acquire.Metadata), args.Error(1)
}

// MockMixService is a mock implementation of MixService
type MockMixService struct {
	mock.Mock
}

func (m *MockMixService) Request(j *job.Job, s mix.Settings) (mix.Task, error) {
	args := m.Called(j, s)
	return args.Get(0).(mix.Task), args.Error(1)
}

func (m *MockMixService) Status(jobID, mixID string) (mix.Task, bool) {
	args := m.Called(jobID, mixID)
	return args.Get(0).(mix.Task), args.Bool(1)
}

func (m *MockMixService) FindOutput(jobID, mixID string) (string, mix.OutputFormat, bool) {
	args := m.Called(jobID, mixID)
	return args.String(0), args.Get(1).(mix.OutputFormat), args.Bool(2)
}

// MockBundleExporter is a mock implementation of BundleExporter
type MockBundleExporter struct {
	mock.Mock
}

func (m *MockBundleExporter) Export(jobs []*job.Job) (string, error) {
	args := m.Called(jobs)
	return args.String(0), args.Error(1)
}

// MockBundleImporter is a mock implementation of BundleImporter
type MockBundleImporter struct {
	mock.Mock
}

func (m *MockBundleImporter) Import(zipPath string) (bundle.ImportResult, error) {
	args := m.Called(zipPath)
	return args.Get(0).(bundle.ImportResult), args.Error(1)
}

func (m *MockBundleImporter) Resolve(conflictID string, res bundle.Resolution) (*job.Job, error) {
	args := m.Called(conflictID, res)
	if j := args.Get(0); j != nil {
		return j.(*job.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockLimiter is a mock implementation of ratelimit.Limiter
type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, clientIP string) (ratelimit.Result, error) {
	args := m.Called(ctx, clientIP)
	return args.Get(0).(ratelimit.Result), args.Error(1)
}

// testDeps wires handlers against a real registry and disk store with mocked
// collaborators.
type testDeps struct {
	deps     Deps
	registry *job.Registry
	store    *store.DiskStore
	pipeline *MockSubmitter
	youtube  *MockVideoSource
	mixer    *MockMixService
	exporter *MockBundleExporter
	importer *MockBundleImporter
}

func newTestDeps(t *testing.T) *testDeps {
	return newTestDepsWithCap(t, 4)
}

func newTestDepsWithCap(t *testing.T, maxConcurrent int) *testDeps {
	t.Helper()
	root := t.TempDir()

	td := &testDeps{
		registry: job.NewRegistry(maxConcurrent),
		store:    store.NewDiskStore(filepath.Join(root, "results"), filepath.Join(root, "uploads")),
		pipeline: new(MockSubmitter),
		youtube:  new(MockVideoSource),
		mixer:    new(MockMixService),
		exporter: new(MockBundleExporter),
		importer: new(MockBundleImporter),
	}
	td.deps = Deps{
		Config: &config.Config{
			MaxConcurrentJobs: maxConcurrent,
			MaxVideoDuration:  600,
			MaxFileSizeMB:     1,
			Version:           "test",
		},
		Registry: td.registry,
		Store:    td.store,
		Pipeline: td.pipeline,
		YouTube:  td.youtube,
		Mixer:    td.mixer,
		Exporter: td.exporter,
		Importer: td.importer,
		Limiter:  ratelimit.NewMemory(1000, time.Minute),
	}
	return td
}

func (td *testDeps) router() *gin.Engine {
	r := gin.New()
	SetupRoutes(r, td.deps)
	return r
}

// seedCompletedJob registers a completed job whose stems and output exist on
// disk. outputSize controls the output.mp4 byte count for range assertions.
func (td *testDeps) seedCompletedJob(t *testing.T, title string, outputSize int) *job.Job {
	t.Helper()

	j := job.New(job.SourceUpload, "test")
	j.SourceTitle = title
	j.OriginalDuration = 42
	j.SampleRate = 44100

	_, err := td.store.EnsureJobDir(j.ID)
	require.NoError(t, err)

	var tracks job.TrackPaths
	for _, stem := range job.StemNames {
		path := td.store.ResultPath(j.ID, stem+".wav")
		require.NoError(t, os.WriteFile(path, []byte("stem data "+stem), 0o644))
		tracks.Set(stem, path)
	}
	j.Tracks = &tracks

	j.ResultPath = td.store.ResultPath(j.ID, "output.mp4")
	body := make([]byte, outputSize)
	for i := range body {
		body[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(j.ResultPath, body, 0o644))

	td.registry.AddImported(j)
	stored, ok := td.registry.Get(j.ID)
	require.True(t, ok)
	return stored
}
