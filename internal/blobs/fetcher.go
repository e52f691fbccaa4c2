package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Fetcher downloads model files into a local cache directory, retrying
// transient failures
type Fetcher struct {
	CacheDir string

	// MaxDownloadAttempts is the number of times to attempt a download before failing
	MaxDownloadAttempts int

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration

	Logger *slog.Logger

	// readerFor is swapped in tests
	readerFor func(base string) (BlobReader, error)
}

// NewFetcher returns a fetcher caching under dir (a temp dir when empty)
func NewFetcher(dir string) *Fetcher {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "vision-models")
	}
	return &Fetcher{
		CacheDir:            dir,
		MaxDownloadAttempts: 3,
		RetryDelay:          2 * time.Second,
		Logger:              slog.Default(),
		readerFor:           ReaderFor,
	}
}

// Fetch returns a local path holding base/key, downloading it on first use
func (f *Fetcher) Fetch(ctx context.Context, base, key string) (string, error) {
	sum := sha256.Sum256([]byte(base + "\x00" + key))
	destPath := filepath.Join(f.CacheDir, hex.EncodeToString(sum[:8])+"-"+filepath.Base(key))

	if _, err := os.Stat(destPath); err == nil {
		return destPath, nil
	}
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating model cache dir: %w", err)
	}

	reader, err := f.readerFor(base)
	if err != nil {
		return "", err
	}
	if err := f.downloadToFile(ctx, reader, BlobInfo{Key: key}, destPath); err != nil {
		return "", fmt.Errorf("fetching %q from %q: %w", key, base, err)
	}
	return destPath, nil
}

func (f *Fetcher) downloadToFile(ctx context.Context, reader BlobReader, info BlobInfo, destPath string) error {
	attempt := 0
	for {
		attempt++

		err := reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		// A missing or forbidden object will not appear by retrying.
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || attempt >= f.MaxDownloadAttempts {
			return err
		}

		f.logger().Warn("downloading blob, will retry", "key", info.Key, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.RetryDelay):
		}
	}
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
