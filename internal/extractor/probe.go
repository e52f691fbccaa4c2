package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// VideoInfo is the subset of ffprobe output the pipeline uses
type VideoInfo struct {
	Width     int
	Height    int
	FrameRate float64
	Duration  float64
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe reads the first video stream's geometry and rate from an encoded video
func (f *FFmpeg) Probe(ctx context.Context, video []byte) (*VideoInfo, error) {
	workDir, err := os.MkdirTemp("", "probe")
	if err != nil {
		return nil, fmt.Errorf("failed to create probe directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	path := filepath.Join(workDir, "input")
	if err := os.WriteFile(path, video, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write video: %w", err)
	}

	out, err := exec.CommandContext(ctx, f.ProbeBinary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return ParseProbe(out)
}

// ParseProbe converts raw ffprobe JSON into a VideoInfo
func ParseProbe(data []byte) (*VideoInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	for _, s := range raw.Streams {
		if s.CodecType != "video" {
			continue
		}
		duration, _ := strconv.ParseFloat(raw.Format.Duration, 64)
		return &VideoInfo{
			Width:     s.Width,
			Height:    s.Height,
			FrameRate: parseRate(s.AvgFrameRate),
			Duration:  duration,
		}, nil
	}
	return nil, fmt.Errorf("no video stream found")
}

// parseRate parses ffprobe's "30000/1001" rational form
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
