package extractor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"format": {"duration": "2.500000"},
		"streams": [
			{"codec_type": "audio"},
			{"codec_type": "video", "width": 640, "height": 360, "avg_frame_rate": "30000/1001"}
		]
	}`)
	info, err := ParseProbe(data)
	require.NoError(t, err)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
	assert.InDelta(t, 2.5, info.Duration, 1e-9)

	_, err = ParseProbe([]byte(`{"streams": []}`))
	assert.Error(t, err)
}

func TestParseRate(t *testing.T) {
	assert.Equal(t, 25.0, parseRate("25/1"))
	assert.Equal(t, 10.0, parseRate("10"))
	assert.Equal(t, 0.0, parseRate("0/0"))
	assert.Equal(t, 0.0, parseRate(""))
}

func pngFrame(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.SetGray(0, 0, color.Gray{Y: 255 - shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncodeAndExtract(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	ff := New(nil)
	ctx := context.Background()

	video, err := ff.EncodeVideo(ctx, [][]byte{pngFrame(t, 0), pngFrame(t, 128), pngFrame(t, 255)}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, video)

	frames, err := ff.ExtractFrames(ctx, video, FrameOptions{FPS: 10, MaxFrames: 2})
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestEncodeVideoRejectsEmpty(t *testing.T) {
	_, err := New(nil).EncodeVideo(context.Background(), nil, 10)
	assert.Error(t, err)
}
