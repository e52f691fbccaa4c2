package blobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalDir reads model files from a directory
type LocalDir struct {
	Root string
}

var _ BlobReader = (*LocalDir)(nil)

func (l *LocalDir) Download(ctx context.Context, info BlobInfo, destPath string) error {
	if !filepath.IsLocal(filepath.FromSlash(info.Key)) {
		return fmt.Errorf("model file %q is outside the library: %w", info.Key, os.ErrPermission)
	}
	src, err := os.Open(filepath.Join(l.Root, filepath.FromSlash(info.Key)))
	if err != nil {
		return fmt.Errorf("opening model file: %w", err)
	}
	defer src.Close()

	if _, err := writeToFile(src, destPath); err != nil {
		return err
	}
	return nil
}
