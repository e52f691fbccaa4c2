package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/vision/internal/blobs"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/media/mediatest"
	"github.com/bdougie/vision/internal/tensor"
)

func newTestRegistry(t *testing.T) *Registry {
	return NewRegistry(RegistryOptions{Fetcher: blobs.NewFetcher(t.TempDir())})
}

func TestDefaultCatalog(t *testing.T) {
	r := newTestRegistry(t)

	d, err := r.Model("builtin.threshold-segment")
	require.NoError(t, err)
	assert.Equal(t, media.SegmentImage, d.Type)
	assert.Equal(t, "builtin.threshold-segment", d.Name)

	_, err = r.Model("builtin.nope")
	assert.ErrorIs(t, err, ErrModelNotFound)
	_, err = r.Model("noproject")
	assert.ErrorIs(t, err, ErrModelNotFound)

	names := []string{}
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"builtin.blob-detect", "builtin.threshold-segment", "ollama.llama-vision"}, names)
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	_, err := ParseCatalog([]byte(`
projects:
  p:
    models:
      m:
        type: classify
        backend: builtin
        model: x
`))
	assert.Error(t, err)
}

func TestModelOptions(t *testing.T) {
	r := newTestRegistry(t)
	opts, err := r.ModelOptions("builtin.threshold-segment", nil)
	require.NoError(t, err)
	assert.Equal(t, media.NormalizeUnit, opts.Normalize)
	assert.True(t, opts.AddBatchDim)

	opts, err = r.ModelOptions(CustomModelName, shaped{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 8, 3}, opts.InputShape)
}

type shaped struct{}

func (shaped) InputShape() []int { return []int{1, 8, 8, 3} }

func TestLoadModelCaches(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	a := &mediatest.Adapter{}

	h1, err := r.LoadModel(ctx, a, "", "builtin.blob-detect")
	require.NoError(t, err)
	h2, err := r.LoadModel(ctx, a, "", "builtin.blob-detect")
	require.NoError(t, err)
	assert.Same(t, h1.(*BlobDetector), h2.(*BlobDetector))
	assert.Equal(t, 1, r.Cache().Len())

	r.Cache().Clear()
	assert.Equal(t, 0, r.Cache().Len())
}

func TestLoadFilesManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := `
type: segment_image
backend: builtin
model: threshold-segmenter
params:
  level: 0.25
input:
  normalize: "0-1"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(manifest), 0o644))

	r := newTestRegistry(t)
	h, d, err := r.LoadFiles(context.Background(), &mediatest.Adapter{}, "file://"+dir, []string{"custom.yaml"})
	require.NoError(t, err)
	assert.Equal(t, CustomModelName, d.Name)
	assert.Equal(t, media.SegmentImage, d.Type)
	seg, ok := h.(*ThresholdSegmenter)
	require.True(t, ok)
	assert.Equal(t, float32(0.25), seg.Level)

	_, _, err = r.LoadFiles(context.Background(), nil, dir, nil)
	assert.ErrorIs(t, err, media.ErrConfiguration)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	// 3x3 RGB image, bright 2x2 block in the top-left
	px := func(v float32) []float32 { return []float32{v, v, v} }
	var data []float32
	for _, v := range []float32{1, 1, 0, 1, 1, 0, 0, 0, 0} {
		data = append(data, px(v)...)
	}
	img, err := tensor.FromFloat32([]int{1, 3, 3, 3}, data)
	require.NoError(t, err)

	p, err := Run(ctx, &BlobDetector{Level: 0.5, MinArea: 1, Class: "blob"}, img)
	require.NoError(t, err)
	require.Len(t, p.Detections, 1)
	assert.Equal(t, [4]float64{0, 0, 2, 2}, p.Detections[0].BBox)
	assert.Equal(t, 1.0, p.Detections[0].Score)

	p, err = Run(ctx, &ThresholdSegmenter{Level: 0.5}, img)
	require.NoError(t, err)
	require.NotNil(t, p.Tensor)
	assert.Equal(t, []int{1, 3, 3, 1}, p.Tensor.Shape())
	mask, err := p.Tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 0, 1, 1, 0, 0, 0, 0}, mask)

	_, err = Run(ctx, struct{}{}, img)
	assert.ErrorIs(t, err, ErrUnsupportedModelInterface)
}

func TestBlobDetectorMinArea(t *testing.T) {
	img, err := tensor.FromFloat32([]int{2, 2, 1}, []float32{1, 0, 0, 1})
	require.NoError(t, err)
	dets, err := (&BlobDetector{Level: 0.5, MinArea: 2}).Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestParseDetections(t *testing.T) {
	dets, err := ParseDetections("Here you go:\n```json\n[{\"class\":\"dog\",\"score\":0.8,\"bbox\":[1,2,3,4]},{\"class\":\"bad\",\"bbox\":[1]}]\n```")
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, media.Detection{BBox: [4]float64{1, 2, 3, 4}, Class: "dog", Score: 0.8}, dets[0])

	_, err = ParseDetections("no objects")
	assert.Error(t, err)
}

func TestManifestErrorsHideFileContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("db_pass=hunter2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.yaml"), []byte("title: only a title\n"), 0o644))

	r := newTestRegistry(t)
	for _, file := range []string{"secret.txt", "partial.yaml", "missing.yaml"} {
		t.Run(file, func(t *testing.T) {
			_, err := r.Manifest(context.Background(), "file://"+dir, []string{file})
			require.ErrorIs(t, err, ErrInvalidManifest)
			assert.NotContains(t, err.Error(), "hunter2")
			assert.NotContains(t, err.Error(), dir)
		})
	}
}
