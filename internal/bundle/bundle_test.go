package bundle

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemstudio/internal/apperr"
	"stemstudio/internal/job"
	"stemstudio/internal/store"
)

type bundleEnv struct {
	registry *job.Registry
	store    *store.DiskStore
	exporter *Exporter
	importer *Importer
}

func newBundleEnv(t *testing.T) *bundleEnv {
	t.Helper()
	root := t.TempDir()
	st := store.NewDiskStore(filepath.Join(root, "results"), filepath.Join(root, "uploads"))
	reg := job.NewRegistry(4)
	return &bundleEnv{
		registry: reg,
		store:    st,
		exporter: NewExporter(st),
		importer: NewImporter(reg, st),
	}
}

// seedCompletedJob materializes a completed job with four stems and an
// original video on disk.
func (env *bundleEnv) seedCompletedJob(t *testing.T, title string) *job.Job {
	t.Helper()

	j := job.New(job.SourceUpload, "test")
	j.SourceTitle = title
	j.OriginalDuration = 42
	j.SampleRate = 44100

	_, err := env.store.EnsureJobDir(j.ID)
	require.NoError(t, err)

	var tracks job.TrackPaths
	for _, stem := range job.StemNames {
		path := env.store.ResultPath(j.ID, stem+".wav")
		require.NoError(t, os.WriteFile(path, []byte("stem data "+stem), 0o644))
		tracks.Set(stem, path)
	}
	j.Tracks = &tracks

	j.OriginalVideoPath = env.store.ResultPath(j.ID, "original.mp4")
	require.NoError(t, os.WriteFile(j.OriginalVideoPath, []byte("video data"), 0o644))

	env.registry.AddImported(j)
	stored, ok := env.registry.Get(j.ID)
	require.True(t, ok)
	return stored
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newBundleEnv(t)
	seeded := src.seedCompletedJob(t, "Test Song")

	exportID, err := src.exporter.Export([]*job.Job{seeded})
	require.NoError(t, err)

	zipPath, found := src.store.FindExport(exportID)
	require.True(t, found)

	// Import into a fresh instance.
	dst := newBundleEnv(t)
	result, err := dst.importer.Import(zipPath)
	require.NoError(t, err)

	require.Empty(t, result.Errors)
	require.Empty(t, result.Conflicts)
	require.Len(t, result.Imported, 1)

	imported := result.Imported[0]
	assert.Equal(t, "Test Song", imported.SourceTitle)
	assert.Equal(t, 42, imported.OriginalDuration)
	assert.Equal(t, 44100, imported.SampleRate)
	assert.Equal(t, job.StatusCompleted, imported.Status)
	assert.Equal(t, 100, imported.Progress)

	// Stems survive byte for byte.
	require.NotNil(t, imported.Tracks)
	for _, stem := range job.StemNames {
		path, ok := imported.Tracks.Get(stem)
		require.True(t, ok, "missing %s stem", stem)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("stem data "+stem), data)
	}

	require.NotEmpty(t, imported.OriginalVideoPath)
	video, err := os.ReadFile(imported.OriginalVideoPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("video data"), video)
}

func TestExportMultiJobBundle(t *testing.T) {
	src := newBundleEnv(t)
	jobA := src.seedCompletedJob(t, "Song A")
	jobB := src.seedCompletedJob(t, "Song B")

	exportID, err := src.exporter.Export([]*job.Job{jobA, jobB})
	require.NoError(t, err)

	zipPath, found := src.store.FindExport(exportID)
	require.True(t, found)

	dst := newBundleEnv(t)
	result, err := dst.importer.Import(zipPath)
	require.NoError(t, err)

	require.Empty(t, result.Errors)
	require.Len(t, result.Imported, 2)

	titles := []string{result.Imported[0].SourceTitle, result.Imported[1].SourceTitle}
	assert.ElementsMatch(t, []string{"Song A", "Song B"}, titles)
}

func TestImportDetectsTitleConflict(t *testing.T) {
	env := newBundleEnv(t)
	existing := env.seedCompletedJob(t, "Duplicate")

	exportID, err := env.exporter.Export([]*job.Job{existing})
	require.NoError(t, err)
	zipPath, _ := env.store.FindExport(exportID)

	result, err := env.importer.Import(zipPath)
	require.NoError(t, err)

	assert.Empty(t, result.Imported)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "Duplicate", result.Conflicts[0].SourceTitle)
	assert.Equal(t, existing.ID, result.Conflicts[0].ExistingJobID)
	assert.Equal(t, 1, env.importer.PendingCount())
}

func TestResolveConflictRename(t *testing.T) {
	env := newBundleEnv(t)
	existing := env.seedCompletedJob(t, "Duplicate")

	exportID, err := env.exporter.Export([]*job.Job{existing})
	require.NoError(t, err)
	zipPath, _ := env.store.FindExport(exportID)

	result, err := env.importer.Import(zipPath)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	conflictID := result.Conflicts[0].ConflictID

	t.Run("RenameToTakenTitleFails", func(t *testing.T) {
		res, err := Rename("Duplicate")
		require.NoError(t, err)
		_, err = env.importer.Resolve(conflictID, res)
		assert.Error(t, err)
		assert.Equal(t, 1, env.importer.PendingCount())
	})

	t.Run("RenameToFreeTitleSucceeds", func(t *testing.T) {
		res, err := Rename("Duplicate (copy)")
		require.NoError(t, err)
		imported, err := env.importer.Resolve(conflictID, res)
		require.NoError(t, err)
		assert.Equal(t, "Duplicate (copy)", imported.SourceTitle)
		assert.Equal(t, 0, env.importer.PendingCount())

		// Both jobs now live side by side.
		_, ok := env.registry.Get(existing.ID)
		assert.True(t, ok)
		_, ok = env.registry.Get(imported.ID)
		assert.True(t, ok)
	})
}

func TestResolveConflictOverwrite(t *testing.T) {
	env := newBundleEnv(t)
	existing := env.seedCompletedJob(t, "Duplicate")
	existingDir := env.store.JobDir(existing.ID)

	exportID, err := env.exporter.Export([]*job.Job{existing})
	require.NoError(t, err)
	zipPath, _ := env.store.FindExport(exportID)

	result, err := env.importer.Import(zipPath)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)

	imported, err := env.importer.Resolve(result.Conflicts[0].ConflictID, Overwrite())
	require.NoError(t, err)
	assert.Equal(t, "Duplicate", imported.SourceTitle)

	// The colliding job and its directory are gone.
	_, ok := env.registry.Get(existing.ID)
	assert.False(t, ok)
	_, err = os.Stat(existingDir)
	assert.True(t, os.IsNotExist(err))

	_, ok = env.registry.Get(imported.ID)
	assert.True(t, ok)
	assert.Equal(t, 0, env.importer.PendingCount())
}

func TestResolveUnknownConflict(t *testing.T) {
	env := newBundleEnv(t)
	_, err := env.importer.Resolve("no-such-conflict", Overwrite())
	assert.EqualError(t, err, "conflict not found")
}

func TestParseResolution(t *testing.T) {
	t.Run("Overwrite", func(t *testing.T) {
		res, err := ParseResolution("overwrite", "")
		require.NoError(t, err)
		assert.Equal(t, actionOverwrite, res.action)
	})

	t.Run("Rename", func(t *testing.T) {
		res, err := ParseResolution("rename", "New Title")
		require.NoError(t, err)
		assert.Equal(t, actionRename, res.action)
		assert.Equal(t, "New Title", res.newTitle)
	})

	t.Run("RenameWithoutTitle", func(t *testing.T) {
		_, err := ParseResolution("rename", "  ")
		require.Error(t, err)
		assert.Equal(t, apperr.CodeMissingTitle, apperr.CodeOf(err))
	})

	t.Run("UnknownAction", func(t *testing.T) {
		_, err := ParseResolution("merge", "")
		require.Error(t, err)
		assert.Equal(t, apperr.CodeInvalidAction, apperr.CodeOf(err))
	})
}

func TestImportRejectsGarbage(t *testing.T) {
	env := newBundleEnv(t)

	t.Run("NotAZip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.zip")
		require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))

		_, err := env.importer.Import(path)
		require.Error(t, err)
		assert.Equal(t, apperr.CodeBadBundle, apperr.CodeOf(err))
		assert.Contains(t, err.Error(), "invalid zip")
	})

	t.Run("NoRecognizableForm", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.zip")
		writeZip(t, path, map[string][]byte{"readme.txt": []byte("hello")})

		_, err := env.importer.Import(path)
		require.Error(t, err)
		assert.Equal(t, apperr.CodeBadBundle, apperr.CodeOf(err))
	})

	t.Run("MalformedMetadata", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "malformed.zip")
		writeZip(t, path, map[string][]byte{"metadata.json": []byte("{not json")})

		result, err := env.importer.Import(path)
		require.NoError(t, err)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "malformed metadata.json")
	})
}

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}
