package blobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// ModelServer reads model files over HTTP
type ModelServer struct {
	// BlobserverURL is the base URL model keys are joined to
	BlobserverURL *url.URL

	// Client defaults to http.DefaultClient
	Client *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	u := l.BlobserverURL.JoinPath(info.Key)

	slog.Info("downloading from url", "url", u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("doing http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%q: %w", u.String(), os.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status downloading %q: %s", u.String(), resp.Status)
	}

	n, err := writeToFile(resp.Body, destPath)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u.String(), err)
	}

	slog.Info("downloaded from url", "url", u.String(), "bytes", n, "duration", time.Since(startedAt))
	return nil
}
