// Package blobs fetches model files from object storage, an HTTP model
// server, or the local filesystem.
package blobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	// Keys that leave the reader's root fail with os.ErrPermission.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

// BlobInfo names an object relative to the reader's base location
type BlobInfo struct {
	Key string
}

// ReaderFor picks a reader from the scheme of base: gs://bucket/prefix,
// http(s)://host/path, file:///dir, or a plain directory path.
func ReaderFor(base string) (BlobReader, error) {
	if !strings.Contains(base, "://") {
		return &LocalDir{Root: base}, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing model location %q: %w", base, err)
	}
	switch u.Scheme {
	case "gs":
		return &GCSBlobstore{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "http", "https":
		return &ModelServer{BlobserverURL: u}, nil
	case "file":
		root := u.Path
		if u.Host != "" {
			// file://./models keeps the relative form
			root = u.Host + u.Path
		}
		return &LocalDir{Root: root}, nil
	default:
		return nil, fmt.Errorf("unsupported model location scheme %q", u.Scheme)
	}
}
