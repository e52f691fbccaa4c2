package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/embeddings"
	"github.com/bdougie/vision/internal/media"
)

func sampleReport(id string) *analyzer.Report {
	return &analyzer.Report{
		Task: analyzer.TaskInfo{ID: id, Name: "Segmentation of 1 file using builtin.threshold-segment", Status: "completed"},
		Files: []analyzer.FileReport{{
			Key:  "a.png",
			Type: media.KindImage,
			Outputs: []analyzer.Output{
				{Type: "mask", Name: "a_mask.png", Category: analyzer.CategoryDerivative, File: &media.Artifact{Name: "a_mask.png", MIMEType: "image/png", Data: []byte("mask")}},
				{Type: "overlay", Name: "a_overlay.png", Category: analyzer.CategoryVisualization, File: &media.Artifact{Name: "a_overlay.png", MIMEType: "image/png", Data: []byte("overlay")}},
			},
		}},
	}
}

func TestFileStoreWritesArtifactsAndFlushes(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, nil)

	require.NoError(t, s.AddReport(context.Background(), sampleReport("task-1")))

	data, err := os.ReadFile(filepath.Join(dir, "task-1", "a_overlay.png"))
	require.NoError(t, err)
	assert.Equal(t, "overlay", string(data))

	_, err = os.Stat(filepath.Join(dir, reportsFile))
	assert.True(t, os.IsNotExist(err), "summary is batched until Flush")

	require.NoError(t, s.Flush())
	reports, err := s.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "task-1", reports[0].Task.ID)
	assert.Nil(t, reports[0].Files[0].Outputs[0].File.Data)

	require.NoError(t, s.AddReport(context.Background(), sampleReport("task-2")))
	require.NoError(t, s.Flush())
	reports, err = s.Reports()
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestFileStoreFlushesFullBatch(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, nil)

	for i := 0; i < batchSize; i++ {
		require.NoError(t, s.AddReport(context.Background(), sampleReport(fmt.Sprintf("task-%d", i))))
	}
	reports, err := s.Reports()
	require.NoError(t, err)
	assert.Len(t, reports, batchSize)
	require.NoError(t, s.Flush())
}

func TestFileStoreRejectsCorruptReports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, reportsFile), []byte("{not json"), 0644))

	s := NewFileStore(dir, nil)
	require.NoError(t, s.AddReport(context.Background(), sampleReport("task-1")))
	assert.Error(t, s.Flush())
}

func TestPostgresConnString(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", User: "vision", Password: "p@ss", DBName: "vision"}
	assert.Equal(t, "postgres://vision:p%40ss@db:5432/vision", cfg.ConnString())
}

func TestPostgresStorage(t *testing.T) {
	if os.Getenv("VISION_TEST_POSTGRES") == "" {
		t.Skip("VISION_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	cfg := PostgresConfig{
		Host:     "localhost",
		Port:     "5432",
		User:     os.Getenv("PGUSER"),
		Password: os.Getenv("PGPASSWORD"),
		DBName:   os.Getenv("PGDATABASE"),
	}
	require.NoError(t, InitSchema(ctx, cfg))

	s, err := NewPostgresStorage(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddReport(ctx, sampleReport(fmt.Sprintf("task-%d", os.Getpid()))))
}

func TestEmbedFilesCoversLargeReports(t *testing.T) {
	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2))))

	report := &analyzer.Report{}
	for i := 0; i < 250; i++ {
		report.Files = append(report.Files, analyzer.FileReport{
			Key:   fmt.Sprintf("%d.png", i),
			Input: media.File{Name: fmt.Sprintf("%d.png", i), Data: img.Bytes()},
		})
	}
	report.Files = append(report.Files, analyzer.FileReport{
		Key:   "notes.txt",
		Input: media.File{Name: "notes.txt", Data: []byte("hello")},
	})

	embedder := embeddings.NewService(2)
	defer embedder.Close()
	var logs bytes.Buffer
	s := &PostgresStorage{
		embedder: embedder,
		logger:   slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	vectors := s.embedFiles(context.Background(), report)
	assert.Len(t, vectors, 250)
	assert.NotContains(t, vectors, "notes.txt")
	assert.NotContains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "notes.txt")
}
