package blobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderFor(t *testing.T) {
	r, err := ReaderFor("gs://models-bucket/library/v1/")
	require.NoError(t, err)
	assert.Equal(t, &GCSBlobstore{Bucket: "models-bucket", Prefix: "library/v1"}, r)

	r, err = ReaderFor("https://models.example.com/lib")
	require.NoError(t, err)
	assert.IsType(t, &ModelServer{}, r)

	r, err = ReaderFor("file:///srv/models")
	require.NoError(t, err)
	assert.Equal(t, &LocalDir{Root: "/srv/models"}, r)

	r, err = ReaderFor("file://./models/")
	require.NoError(t, err)
	assert.Equal(t, &LocalDir{Root: "./models/"}, r)

	r, err = ReaderFor("models")
	require.NoError(t, err)
	assert.Equal(t, &LocalDir{Root: "models"}, r)

	_, err = ReaderFor("ftp://host/models")
	assert.Error(t, err)
}

func TestLocalDirDownload(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "seg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "seg", "model.yaml"), []byte("kind: x"), 0o644))

	dest := filepath.Join(t.TempDir(), "out.yaml")
	l := &LocalDir{Root: root}
	require.NoError(t, l.Download(context.Background(), BlobInfo{Key: "seg/model.yaml"}, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "kind: x", string(data))

	err = l.Download(context.Background(), BlobInfo{Key: "missing"}, dest)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	for _, key := range []string{"../secret.txt", "seg/../../secret.txt", "/etc/passwd"} {
		err = l.Download(context.Background(), BlobInfo{Key: key}, dest)
		assert.ErrorIs(t, err, os.ErrPermission, key)
	}
}

func TestModelServerDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lib/model.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("params: {}"))
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL + "/lib")
	require.NoError(t, err)
	m := &ModelServer{BlobserverURL: base}

	dest := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, m.Download(context.Background(), BlobInfo{Key: "model.yaml"}, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "params: {}", string(data))

	err = m.Download(context.Background(), BlobInfo{Key: "other.yaml"}, dest)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type flakyReader struct {
	failures int
	calls    int
}

func (f *flakyReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return os.WriteFile(destPath, []byte(info.Key), 0o644)
}

func TestFetcherRetriesAndCaches(t *testing.T) {
	reader := &flakyReader{failures: 2}
	f := NewFetcher(t.TempDir())
	f.RetryDelay = 0
	f.readerFor = func(string) (BlobReader, error) { return reader, nil }

	p, err := f.Fetch(context.Background(), "gs://b", "m/model.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, reader.calls)
	assert.True(t, strings.HasSuffix(p, "-model.yaml"))

	again, err := f.Fetch(context.Background(), "gs://b", "m/model.yaml")
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, 3, reader.calls)
}

func TestFetcherGivesUp(t *testing.T) {
	reader := &flakyReader{failures: 10}
	f := NewFetcher(t.TempDir())
	f.RetryDelay = 0
	f.readerFor = func(string) (BlobReader, error) { return reader, nil }

	var logs bytes.Buffer
	f.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	_, err := f.Fetch(context.Background(), "gs://b", "model.yaml")
	assert.Error(t, err)
	assert.Equal(t, 3, reader.calls)
	assert.Equal(t, 2, strings.Count(logs.String(), "will retry"))
}
