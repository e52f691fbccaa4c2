package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/vision/internal/blobs"
	"github.com/bdougie/vision/internal/media/mediatest"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/tensor"
)

// helperModeEnv turns the test binary into a worker process
const helperModeEnv = "VISION_WORKER_HELPER_MODE"

func TestMain(m *testing.M) {
	switch os.Getenv(helperModeEnv) {
	case "serve":
		h := NewHandler(&mediatest.Adapter{}, models.RegistryOptions{Fetcher: blobs.NewFetcher(os.TempDir())})
		fmt.Fprintln(os.Stderr, "WRN helper worker ready")
		if err := Serve(context.Background(), os.Stdin, os.Stdout, h); err != nil {
			fmt.Fprintln(os.Stderr, "ERR", err)
			os.Exit(1)
		}
		os.Exit(0)
	case "hang":
		// never reads stdin, so closing it does not stop the process
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startHelper(t *testing.T, mode string) (*Process, *syncBuffer) {
	t.Helper()
	t.Setenv(helperModeEnv, mode)

	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p, err := StartProcess(os.Args[0], []string{"-test.run=^$"}, logger)
	require.NoError(t, err)
	return p, logs
}

func TestProcessRunsInference(t *testing.T) {
	p, logs := startHelper(t, "serve")

	req := buildRequest(t, "builtin.threshold-segment", map[string][]*tensor.Tensor{"a.png": {imageTensor(t)}}, []string{"a.png"})
	replies, err := p.Post(context.Background(), req)
	require.NoError(t, err)
	msgs := collect(t, replies)

	require.Len(t, msgs, 2)
	assert.Equal(t, TypeProgress, msgs[0].Type)
	assert.Equal(t, 100, msgs[0].Percent)
	require.Equal(t, TypeDone, msgs[1].Type)

	out := msgs[1].OutputMap["a.png"]
	require.False(t, out.Error, out.Message)
	require.Len(t, out.Predictions, 1)
	mask, err := tensor.Deserialize(*out.Predictions[0].Tensor)
	require.NoError(t, err)
	values, err := mask.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, values)

	// a second request on the same process starts on a frame boundary
	req = buildRequest(t, "builtin.missing", nil, nil)
	replies, err = p.Post(context.Background(), req)
	require.NoError(t, err)
	msgs = collect(t, replies)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type)
	assert.Contains(t, msgs[0].Error, "model not found")

	require.NoError(t, p.Close())
	assert.Contains(t, logs.String(), "worker process warning")
	assert.Contains(t, logs.String(), "helper worker ready")
}

func TestProcessEmptyBatch(t *testing.T) {
	p, _ := startHelper(t, "serve")
	defer p.Close()

	replies, err := p.Post(context.Background(), NewRequest("builtin.threshold-segment"))
	require.NoError(t, err)
	msgs := collect(t, replies)

	require.Len(t, msgs, 1)
	require.Equal(t, TypeDone, msgs[0].Type, msgs[0].Error)
	assert.NotNil(t, msgs[0].OutputMap)
	assert.Empty(t, msgs[0].OutputMap)
}

func TestProcessCloseKillsHungWorker(t *testing.T) {
	p, logs := startHelper(t, "hang")
	p.stopTimeout = 100 * time.Millisecond

	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, logs.String(), "did not exit, killing")

	_, err := p.Post(context.Background(), NewRequest("builtin.threshold-segment"))
	assert.Error(t, err)
}
