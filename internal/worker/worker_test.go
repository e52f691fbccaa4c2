package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/vision/internal/blobs"
	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/media/mediatest"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/tensor"
)

func newTestHandler(t *testing.T) *Handler {
	return NewHandler(&mediatest.Adapter{}, models.RegistryOptions{Fetcher: blobs.NewFetcher(t.TempDir())})
}

// imageTensor returns a [1, 2, 2, 3] image with one bright pixel
func imageTensor(t *testing.T) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromFloat32([]int{1, 2, 2, 3}, []float32{
		1, 1, 1, 0, 0, 0,
		0, 0, 0, 0, 0, 0,
	})
	require.NoError(t, err)
	return x
}

func buildRequest(t *testing.T, model string, items map[string][]*tensor.Tensor, keys []string) *Request {
	t.Helper()
	req := NewRequest(model)
	for _, k := range keys {
		item := WireItem{Kind: media.KindImage}
		for _, x := range items[k] {
			s, err := tensor.Serialize(x)
			require.NoError(t, err)
			item.Tensors = append(item.Tensors, s)
		}
		req.InputMap[k] = item
		req.Keys = append(req.Keys, k)
	}
	_, err := tensor.Transfer(req.Serialized())
	require.NoError(t, err)
	return req
}

func collect(t *testing.T, replies <-chan Response) []Response {
	t.Helper()
	var out []Response
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-replies:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("timed out waiting for worker replies")
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	req := buildRequest(t, "builtin.threshold-segment", map[string][]*tensor.Tensor{"a.png": {imageTensor(t)}}, []string{"a.png"})

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, req))
	assert.Equal(t, uint32(buf.Len()-4), uint32(buf.Bytes()[0])<<24|uint32(buf.Bytes()[1])<<16|uint32(buf.Bytes()[2])<<8|uint32(buf.Bytes()[3]))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	require.NoError(t, got.Validate())
	assert.Equal(t, []string{"a.png"}, got.Keys)

	x, err := tensor.Deserialize(got.InputMap["a.png"].Tensors[0])
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 3}, x.Shape())

	assert.Equal(t, io.EOF, ReadFrame(&buf, &got))
}

func TestRequestValidate(t *testing.T) {
	req := NewRequest("m")
	require.NoError(t, req.Validate())

	req.Version = 99
	assert.Error(t, req.Validate())

	req = NewRequest("m")
	req.Keys = []string{"missing"}
	assert.Error(t, req.Validate())

	req = NewRequest(models.CustomModelName)
	assert.Error(t, req.Validate())
}

func TestResponseValidate(t *testing.T) {
	assert.NoError(t, Progress(50).Validate())
	assert.Error(t, Progress(101).Validate())
	assert.Error(t, (&Response{Version: SchemaVersion, Type: TypeDone}).Validate())
	assert.Error(t, (&Response{Version: SchemaVersion, Type: TypeError}).Validate())
	assert.Error(t, (&Response{Version: SchemaVersion, Type: "bogus"}).Validate())
}

func TestLocalWorkerRunsInference(t *testing.T) {
	w := NewLocal(newTestHandler(t))
	defer w.Close()

	req := buildRequest(t, "builtin.threshold-segment", map[string][]*tensor.Tensor{
		"a.png": {imageTensor(t)},
		"b.png": {imageTensor(t), imageTensor(t)},
	}, []string{"a.png", "b.png"})

	replies, err := w.Post(context.Background(), req)
	require.NoError(t, err)
	msgs := collect(t, replies)

	require.Len(t, msgs, 3)
	assert.Equal(t, TypeProgress, msgs[0].Type)
	assert.Equal(t, 50, msgs[0].Percent)
	assert.Equal(t, 100, msgs[1].Percent)

	done := msgs[2]
	require.Equal(t, TypeDone, done.Type)
	require.Len(t, done.OutputMap, 2)
	assert.Len(t, done.OutputMap["b.png"].Predictions, 2)
	assert.Contains(t, done.TimingMap, "a.png")

	res, err := DecodeOutput(done.OutputMap["a.png"])
	require.NoError(t, err)
	require.Len(t, res.Predictions, 1)
	mask, err := res.Predictions[0].Tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, mask)
}

func TestLocalWorkerIsolatesItemFailures(t *testing.T) {
	w := NewLocal(newTestHandler(t))
	defer w.Close()

	flat, err := tensor.FromFloat32([]int{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	req := buildRequest(t, "builtin.blob-detect", map[string][]*tensor.Tensor{
		"good.png": {imageTensor(t)},
		"bad.png":  {flat},
	}, []string{"good.png", "bad.png"})

	replies, err := w.Post(context.Background(), req)
	require.NoError(t, err)
	msgs := collect(t, replies)
	done := msgs[len(msgs)-1]
	require.Equal(t, TypeDone, done.Type)

	assert.False(t, done.OutputMap["good.png"].Error)
	bad := done.OutputMap["bad.png"]
	assert.True(t, bad.Error)
	assert.Equal(t, "bad.png", bad.Key)
	assert.NotEmpty(t, bad.Message)
}

func TestLocalWorkerReportsModelFailure(t *testing.T) {
	w := NewLocal(newTestHandler(t))
	defer w.Close()

	replies, err := w.Post(context.Background(), NewRequest("builtin.missing"))
	require.NoError(t, err)
	msgs := collect(t, replies)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type)
	assert.Contains(t, msgs[0].Error, "model not found")
}

func TestServe(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), reqR, respW, newTestHandler(t))
		respW.Close()
	}()

	req := buildRequest(t, "builtin.blob-detect", map[string][]*tensor.Tensor{"a.png": {imageTensor(t)}}, []string{"a.png"})
	go func() {
		WriteFrame(reqW, req)
		reqW.Close()
	}()

	var types []MessageType
	var done Response
	for {
		var resp Response
		if err := ReadFrame(respR, &resp); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		require.NoError(t, resp.Validate())
		types = append(types, resp.Type)
		if resp.Type == TypeDone {
			done = resp
		}
	}
	require.NoError(t, <-served)
	assert.Equal(t, []MessageType{TypeProgress, TypeDone}, types)

	dets := done.OutputMap["a.png"].Predictions[0].Detections
	require.Len(t, dets, 0, "single bright pixel is below the minimum blob area")
}

func TestEmptyDoneSurvivesFraming(t *testing.T) {
	done := &Response{
		Version:   SchemaVersion,
		Type:      TypeDone,
		OutputMap: map[string]ItemOutput{},
		TimingMap: map[string]time.Duration{},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, done))
	var got Response
	require.NoError(t, ReadFrame(&buf, &got))
	assert.NoError(t, got.Validate())
	assert.NotNil(t, got.OutputMap)
}

func randomTensor(t *testing.T, rng *rand.Rand) *tensor.Tensor {
	t.Helper()
	shape := make([]int, 1+rng.Intn(4))
	for i := range shape {
		shape[i] = 1 + rng.Intn(5)
	}
	n := tensor.NumElements(shape)

	var (
		x   *tensor.Tensor
		err error
	)
	switch rng.Intn(3) {
	case 0:
		values := make([]float32, n)
		for i := range values {
			values[i] = rng.Float32()*512 - 256
		}
		x, err = tensor.FromFloat32(shape, values)
	case 1:
		values := make([]int32, n)
		for i := range values {
			values[i] = rng.Int31() - 1<<30
		}
		x, err = tensor.FromInt32(shape, values)
	default:
		values := make([]bool, n)
		for i := range values {
			values[i] = rng.Intn(2) == 1
		}
		x, err = tensor.FromBool(shape, values)
	}
	require.NoError(t, err)
	return x
}

func elements(t *testing.T, x *tensor.Tensor) any {
	t.Helper()
	var (
		v   any
		err error
	)
	switch x.DType() {
	case tensor.Int32:
		v, err = x.Int32s()
	case tensor.Bool:
		v, err = x.Bools()
	default:
		v, err = x.Float32s()
	}
	require.NoError(t, err)
	return v
}

func TestRandomTensorsSurviveFraming(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		items := make(map[string][]*tensor.Tensor)
		want := make(map[string][]*tensor.Tensor)
		var keys []string
		for i, n := 0, 1+rng.Intn(4); i < n; i++ {
			key := fmt.Sprintf("item-%d", i)
			for j, m := 0, 1+rng.Intn(3); j < m; j++ {
				items[key] = append(items[key], randomTensor(t, rng))
			}
			keys = append(keys, key)
		}
		// snapshot before the request takes the buffers
		for k, xs := range items {
			for _, x := range xs {
				data, err := x.Bytes()
				require.NoError(t, err)
				c, err := tensor.New(x.DType(), x.Shape(), tensor.NewBuffer(append([]byte(nil), data...)), 0)
				require.NoError(t, err)
				want[k] = append(want[k], c)
			}
		}

		req := buildRequest(t, "builtin.threshold-segment", items, keys)
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, req))
		var got Request
		require.NoError(t, ReadFrame(&buf, &got))
		require.NoError(t, got.Validate())
		require.Equal(t, keys, got.Keys)

		for _, k := range keys {
			wire := got.InputMap[k].Tensors
			require.Len(t, wire, len(want[k]), "round %d key %s", round, k)
			for i, w := range want[k] {
				x, err := tensor.Deserialize(wire[i])
				require.NoError(t, err)
				assert.Equal(t, w.DType(), x.DType())
				assert.Equal(t, w.Shape(), x.Shape(), "round %d key %s tensor %d", round, k, i)
				assert.Equal(t, elements(t, w), elements(t, x), "round %d key %s tensor %d", round, k, i)
			}
		}
	}
}
