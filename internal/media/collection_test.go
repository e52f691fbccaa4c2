package media_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/media/mediatest"
)

func TestNewCollectionRequiresAdapter(t *testing.T) {
	_, err := media.NewCollection(nil, nil, media.Options{})
	assert.ErrorIs(t, err, media.ErrConfiguration)
}

func TestLoad(t *testing.T) {
	files := []media.File{
		{Name: "a.png"},
		{Name: "clip.mp4", Data: []byte{1, 2, 3}},
		{Name: "notes.txt"},
	}
	c, err := media.NewCollection(&mediatest.Adapter{}, files, media.Options{FPS: 5})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"a.png", "clip.mp4", "notes.txt"}, c.Keys())

	clip, ok := c.Item("clip.mp4")
	require.True(t, ok)
	assert.Equal(t, media.KindVideo, clip.Kind)
	require.Len(t, clip.Inputs, 3)
	assert.Equal(t, "frame_0001.png", clip.Inputs[0].Name)
	assert.Equal(t, "frame_0003.png", clip.Inputs[2].Name)
	assert.Equal(t, 5.0, clip.Metadata["frame_rate"])
}

func TestLoadDisambiguatesKeys(t *testing.T) {
	files := []media.File{{Name: "cat.png"}, {Name: "cat.png"}, {Name: "cat.png"}}
	c, err := media.NewCollection(&mediatest.Adapter{}, files, media.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, []string{"cat.png", "cat (2).png", "cat (3).png"}, c.Keys())
}

func TestLoadIsAllOrNothing(t *testing.T) {
	files := []media.File{{Name: "a.png"}, {Name: "archive.zip"}}
	c, err := media.NewCollection(&mediatest.Adapter{}, files, media.Options{})
	require.NoError(t, err)

	err = c.Load(context.Background())
	assert.ErrorIs(t, err, media.ErrUnsupportedKind)
	assert.Equal(t, 0, c.Len())
}

func TestItemTensorIsCached(t *testing.T) {
	adapter := &mediatest.Adapter{}
	c, err := media.NewCollection(adapter, []media.File{{Name: "a.png"}}, media.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))

	ctx := context.Background()
	first, err := c.ItemTensor(ctx, "a.png", "m1", media.Options{})
	require.NoError(t, err)
	second, err := c.ItemTensor(ctx, "a.png", "m1", media.Options{})
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Same(t, first[0], second[0])
	assert.Equal(t, 1, adapter.DecodeCalls())

	// another model decodes separately
	_, err = c.ItemTensor(ctx, "a.png", "m2", media.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.DecodeCalls())

	c.InvalidateTensors("m1")
	assert.True(t, first[0].Released())
	third, err := c.ItemTensor(ctx, "a.png", "m1", media.Options{})
	require.NoError(t, err)
	assert.NotSame(t, first[0], third[0])
	assert.Equal(t, 3, adapter.DecodeCalls())
}

func TestCreateTensorsIsolatesFailures(t *testing.T) {
	adapter := &mediatest.Adapter{FailDecode: map[string]bool{"b.png": true}}
	files := []media.File{{Name: "a.png"}, {Name: "b.png"}, {Name: "c.png"}}
	c, err := media.NewCollection(adapter, files, media.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))

	failed, err := c.CreateTensors(context.Background(), "m", media.Options{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["b.png"], media.ErrDecode)

	tensors, err := c.ItemTensor(context.Background(), "c.png", "m", media.Options{})
	require.NoError(t, err)
	assert.Len(t, tensors, 1)
}

func TestCreateTensorsCancelled(t *testing.T) {
	c, err := media.NewCollection(&mediatest.Adapter{}, []media.File{{Name: "a.png"}}, media.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.CreateTensors(ctx, "m", media.Options{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResultsAndDerived(t *testing.T) {
	c, err := media.NewCollection(&mediatest.Adapter{}, []media.File{{Name: "a.png"}}, media.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Load(context.Background()))

	_, _, ok := c.Results("a.png", "m")
	assert.False(t, ok)

	require.NoError(t, c.AddResults("a.png", "m", media.ItemResult{Message: "first"}, time.Second))
	require.NoError(t, c.AddResults("a.png", "m", media.ItemResult{Message: "second"}, 2*time.Second))
	res, timing, ok := c.Results("a.png", "m")
	require.True(t, ok)
	assert.Equal(t, "second", res.Message)
	assert.Equal(t, 2*time.Second, timing)

	require.NoError(t, c.AddDerived("a.png", "m", "crop", media.Artifact{Name: "one"}))
	require.NoError(t, c.AddDerived("a.png", "m", "crop", media.Artifact{Name: "two"}))
	derived := c.Derived("a.png", "m", "crop")
	require.Len(t, derived, 2)
	assert.Equal(t, "one", derived[0].Name)
	assert.Equal(t, "two", derived[1].Name)
	assert.Empty(t, c.Derived("a.png", "other", "crop"))

	assert.Error(t, c.AddResults("missing", "m", media.ItemResult{}, 0))
}

func TestOptionsMerge(t *testing.T) {
	base := media.Options{FPS: 10, Normalize: media.NormalizeUnit, InputShape: []int{1, 8, 8, 3}}
	merged := base.Merge(media.Options{Normalize: media.NormalizeSymmetric, AddBatchDim: true})
	assert.Equal(t, 10.0, merged.FPS)
	assert.Equal(t, media.NormalizeSymmetric, merged.Normalize)
	assert.Equal(t, []int{1, 8, 8, 3}, merged.InputShape)
	assert.True(t, merged.AddBatchDim)

	assert.Equal(t, 0.5, media.Options{}.MaskThreshold())
	assert.Equal(t, uint8(128), media.Options{}.Overlay().A)
}
