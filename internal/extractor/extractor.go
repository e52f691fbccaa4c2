package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FrameOptions select which frames ExtractFrames writes
type FrameOptions struct {
	FPS       float64
	StartAt   float64
	EndAt     float64
	MaxFrames int
}

// FFmpeg shells out to the ffmpeg and ffprobe binaries
type FFmpeg struct {
	Binary      string
	ProbeBinary string
	Logger      *slog.Logger
}

// New returns an FFmpeg using the binaries found on PATH
func New(logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{Binary: "ffmpeg", ProbeBinary: "ffprobe", Logger: logger}
}

// ExtractFrames writes the video's frames as PNG files in a temporary
// directory and returns their contents in order
func (f *FFmpeg) ExtractFrames(ctx context.Context, video []byte, opts FrameOptions) ([][]byte, error) {
	workDir, err := os.MkdirTemp("", "frames")
	if err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	videoPath := filepath.Join(workDir, "input")
	if err := os.WriteFile(videoPath, video, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write video: %w", err)
	}

	paths, err := f.ExtractFramesFromFile(ctx, videoPath, workDir, opts)
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame '%s': %w", p, err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// ExtractFramesFromFile extracts frames from videoPath into outputDir and
// returns the sorted frame paths
func (f *FFmpeg) ExtractFramesFromFile(ctx context.Context, videoPath, outputDir string, opts FrameOptions) ([]string, error) {
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}

	fps := opts.FPS
	if fps <= 0 {
		fps = 10
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if opts.StartAt > 0 {
		args = append(args, "-ss", formatSeconds(opts.StartAt))
	}
	args = append(args, "-i", videoPath)
	if opts.EndAt > opts.StartAt {
		args = append(args, "-t", formatSeconds(opts.EndAt-opts.StartAt))
	}
	args = append(args, "-vf", "fps="+formatSeconds(fps))
	if opts.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(opts.MaxFrames))
	}
	args = append(args, filepath.Join(outputDir, "frame_%04d.png"))

	f.Logger.Debug("extracting frames", "video", videoPath, "fps", fps, "max_frames", opts.MaxFrames)

	output, err := exec.CommandContext(ctx, f.Binary, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory '%s': %w", outputDir, err)
	}
	var frames []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".png") {
			frames = append(frames, filepath.Join(outputDir, name))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted from '%s'", videoPath)
	}
	sort.Strings(frames)
	return frames, nil
}

// EncodeVideo encodes PNG frames into an H.264 mp4 at fps
func (f *FFmpeg) EncodeVideo(ctx context.Context, frames [][]byte, fps float64) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}
	if fps <= 0 {
		fps = 10
	}

	workDir, err := os.MkdirTemp("", "encode")
	if err != nil {
		return nil, fmt.Errorf("failed to create encode directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	for i, frame := range frames {
		p := filepath.Join(workDir, fmt.Sprintf("img%04d.png", i))
		if err := os.WriteFile(p, frame, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write frame %d: %w", i, err)
		}
	}

	outPath := filepath.Join(workDir, "output.mp4")
	cmd := exec.CommandContext(ctx, f.Binary,
		"-hide_banner", "-loglevel", "error",
		"-framerate", formatSeconds(fps),
		"-i", filepath.Join(workDir, "img%04d.png"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		// libx264 needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-y", outPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}

	f.Logger.Debug("encoded video", "frames", len(frames), "fps", fps)
	return os.ReadFile(outPath)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
