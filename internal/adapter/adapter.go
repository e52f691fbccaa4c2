// Package adapter is the native media.Adapter: it decodes images with the
// standard and x/image codecs and hands video work to ffmpeg.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bdougie/vision/internal/extractor"
	"github.com/bdougie/vision/internal/media"
)

// DefaultLibraryPath is where model files are looked up when nothing is configured
const DefaultLibraryPath = "file://./models/"

// FrameSource splits an encoded video into PNG frames
type FrameSource interface {
	ExtractFrames(ctx context.Context, video []byte, opts extractor.FrameOptions) ([][]byte, error)
}

// VideoEncoder joins PNG frames into an encoded video
type VideoEncoder interface {
	EncodeVideo(ctx context.Context, frames [][]byte, fps float64) ([]byte, error)
}

// extKinds covers extensions missing from the system MIME table
var extKinds = map[string]media.Kind{
	"mp4":  media.KindVideo,
	"mov":  media.KindVideo,
	"mkv":  media.KindVideo,
	"webm": media.KindVideo,
	"avi":  media.KindVideo,
	"bmp":  media.KindImage,
	"txt":  media.KindText,
}

// Native implements media.Adapter for the local process
type Native struct {
	Frames      FrameSource
	Encoder     VideoEncoder
	LibraryPath string
	Logger      *slog.Logger
}

var _ media.Adapter = (*Native)(nil)

// New returns a Native adapter backed by ffmpeg
func New(libraryPath string, logger *slog.Logger) *Native {
	if logger == nil {
		logger = slog.Default()
	}
	ff := extractor.New(logger)
	return &Native{
		Frames:      ff,
		Encoder:     ff,
		LibraryPath: libraryPath,
		Logger:      logger,
	}
}

// DetectType classifies f by tensor payload, MIME type, extension, and
// finally by sniffing its bytes
func (n *Native) DetectType(f media.File) (media.Kind, bool) {
	if f.Tensor != nil {
		return media.KindTensor, true
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name), "."))
	if ext == "tif" || ext == "tiff" {
		return media.KindTIFF, true
	}

	mt := f.MIMEType
	if mt == "" && ext != "" {
		mt = mime.TypeByExtension("." + ext)
	}
	if mt == "" {
		if kind, ok := extKinds[ext]; ok {
			return kind, true
		}
	}
	if mt == "" && len(f.Data) > 0 {
		mt = http.DetectContentType(f.Data)
	}
	mt, _, _ = mime.ParseMediaType(mt)

	switch {
	case mt == "image/tiff":
		return media.KindTIFF, true
	case strings.HasPrefix(mt, "image/"):
		return media.KindImage, true
	case strings.HasPrefix(mt, "video/"):
		return media.KindVideo, true
	case strings.HasPrefix(mt, "text/"), ext == "txt":
		return media.KindText, true
	}
	return "", false
}

// FileName returns f.Name, or a generated name for anonymous inputs
func (n *Native) FileName(f media.File) string {
	if f.Name != "" {
		return filepath.Base(f.Name)
	}
	return "file_" + uuid.NewString()[:8]
}

// ProcessFile decomposes a video into frames; every other kind is atomic
func (n *Native) ProcessFile(ctx context.Context, f media.File, opts media.Options) ([]media.File, error) {
	kind, ok := n.DetectType(f)
	if !ok {
		return nil, fmt.Errorf("%w: %q", media.ErrUnsupportedKind, f.Name)
	}
	if kind != media.KindVideo {
		return []media.File{f}, nil
	}
	if n.Frames == nil {
		return nil, fmt.Errorf("%w: no frame source for video %q", media.ErrConfiguration, f.Name)
	}

	fps := opts.FrameRate()
	frames, err := n.Frames.ExtractFrames(ctx, f.Data, extractor.FrameOptions{
		FPS:       fps,
		StartAt:   opts.StartAt,
		EndAt:     opts.EndAt,
		MaxFrames: opts.MaxFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: extracting frames of %q: %w", media.ErrDecode, f.Name, err)
	}

	out := make([]media.File, len(frames))
	for i, data := range frames {
		out[i] = media.File{
			Name:      fmt.Sprintf("frame_%04d.png", i+1),
			MIMEType:  "image/png",
			Data:      data,
			FrameRate: fps,
		}
	}
	n.Logger.Debug("decomposed video", "file", f.Name, "frames", len(out), "fps", fps)
	return out, nil
}

// ResolveModelLibraryPath returns the configured model library base
func (n *Native) ResolveModelLibraryPath() string {
	if n.LibraryPath != "" {
		return n.LibraryPath
	}
	return DefaultLibraryPath
}
