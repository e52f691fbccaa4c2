package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/blobs"
	"github.com/bdougie/vision/internal/config"
	"github.com/bdougie/vision/internal/events"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/media/mediatest"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/storage"
	"github.com/bdougie/vision/internal/worker"
)

func newRunner(t *testing.T, rec *events.Recorder, store storage.Storage) *Runner {
	t.Helper()
	a := &mediatest.Adapter{}
	reg := models.NewRegistry(models.RegistryOptions{Fetcher: blobs.NewFetcher(t.TempDir())})
	return &Runner{
		Registry: reg,
		Adapter:  a,
		Worker:   worker.NewLocal(worker.NewHandler(a, models.RegistryOptions{Fetcher: blobs.NewFetcher(t.TempDir())})),
		Store:    store,
		Events:   rec,
	}
}

func files(names ...string) []media.File {
	out := make([]media.File, len(names))
	for i, n := range names {
		out[i] = media.File{Name: n, Data: []byte{1}}
	}
	return out
}

func eventTypes(rec *events.Recorder) []string {
	var types []string
	for _, e := range rec.Events() {
		types = append(types, e.Type)
	}
	return types
}

func TestRunPublishesLifecycle(t *testing.T) {
	rec := &events.Recorder{}
	store := storage.NewFileStore(t.TempDir(), nil)
	r := newRunner(t, rec, store)

	// flat test tensors are not images, so every item fails inside the model
	report, err := r.Run(context.Background(), Job{
		ModelName: "builtin.blob-detect",
		Files:     files("a.png", "b.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", report.Task.Status)
	assert.Equal(t, 2, report.Execution.TotalFiles)
	assert.Equal(t, 0, report.Execution.FilesProcessed)

	assert.Equal(t, []string{
		events.TaskStarted,
		events.TaskProgress,
		events.TaskProgress,
		events.TaskCompleted,
	}, eventTypes(rec))

	last := rec.Events()[3]
	assert.Equal(t, report.Task.ID, last.TaskID)
	assert.Equal(t, "builtin.blob-detect", last.Model)
	assert.Equal(t, 100, last.Percent)

	require.NoError(t, store.Flush())
	stored, err := store.Reports()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, report.Task.ID, stored[0].Task.ID)
}

func TestRunWorkerMode(t *testing.T) {
	rec := &events.Recorder{}
	r := newRunner(t, rec, nil)

	report, err := r.Run(context.Background(), Job{
		ModelName: "builtin.threshold-segment",
		RunMode:   analyzer.RunWorker,
		Files:     files("a.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.RunWorker, report.Execution.RunMode)
	assert.Equal(t, events.TaskCompleted, rec.Events()[len(rec.Events())-1].Type)
}

func TestRunPublishesFailure(t *testing.T) {
	rec := &events.Recorder{}
	r := newRunner(t, rec, nil)

	_, err := r.Run(context.Background(), Job{
		ModelName: "builtin.missing",
		Files:     files("a.png"),
	})
	require.ErrorIs(t, err, models.ErrModelNotFound)

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, events.TaskStarted, got[0].Type)
	assert.Equal(t, events.TaskFailed, got[1].Type)
	assert.Contains(t, got[1].Error, "missing")
}

func TestRunRejectsBadJob(t *testing.T) {
	r := newRunner(t, &events.Recorder{}, nil)

	_, err := r.Run(context.Background(), Job{ModelName: "builtin.blob-detect"})
	assert.ErrorIs(t, err, media.ErrConfiguration)
}

func TestFromConfigDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Models.CacheDir = t.TempDir()

	r, closeRunner, err := FromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, r.Worker)
	assert.IsType(t, &storage.FileStore{}, r.Store)
	assert.Nil(t, r.Events)
	assert.NoError(t, closeRunner())
}

func TestFromConfigRejectsMissingCatalog(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Models.Catalog = "/does/not/exist.yaml"

	_, _, err := FromConfig(context.Background(), cfg, nil)
	assert.Error(t, err)
}
