package models

import (
	"context"
	"fmt"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/tensor"
)

// Builtin model ids
const (
	ThresholdSegmenterID = "threshold-segmenter"
	BlobDetectorID       = "blob-detector"
)

const maxBlobDetections = 100

// newBuiltin constructs a pure-Go model from its id and parameters
func newBuiltin(id string, params map[string]float64) (Handle, error) {
	param := func(name string, def float64) float64 {
		if v, ok := params[name]; ok {
			return v
		}
		return def
	}
	switch id {
	case ThresholdSegmenterID:
		return &ThresholdSegmenter{Level: float32(param("level", 0.5))}, nil
	case BlobDetectorID:
		return &BlobDetector{
			Level:   float32(param("level", 0.6)),
			MinArea: int(param("min_area", 16)),
			Class:   "blob",
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown builtin model %q", ErrModelNotFound, id)
	}
}

// image geometry of an [h, w, c] or [1, h, w, c] tensor
func imageDims(t *tensor.Tensor) (h, w, c int, err error) {
	shape := t.Shape()
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: expected an image tensor, got shape %v", media.ErrShapeMismatch, t.Shape())
	}
	return shape[0], shape[1], shape[2], nil
}

// luminance returns per-pixel brightness from an image tensor
func luminance(t *tensor.Tensor) (values []float32, h, w int, err error) {
	h, w, c, err := imageDims(t)
	if err != nil {
		return nil, 0, 0, err
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, 0, 0, err
	}
	values = make([]float32, h*w)
	for i := range values {
		px := data[i*c : i*c+c]
		if c >= 3 {
			values[i] = 0.299*px[0] + 0.587*px[1] + 0.114*px[2]
		} else {
			values[i] = px[0]
		}
	}
	return values, h, w, nil
}

// ThresholdSegmenter marks pixels brighter than Level. It expects input
// normalized to [0, 1] and returns a [1, h, w, 1] mask.
type ThresholdSegmenter struct {
	Level float32
}

func (s *ThresholdSegmenter) Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	lum, h, w, err := luminance(input)
	if err != nil {
		return nil, err
	}
	for i, v := range lum {
		if v > s.Level {
			lum[i] = 1
		} else {
			lum[i] = 0
		}
	}
	return tensor.FromFloat32([]int{1, h, w, 1}, lum)
}

// BlobDetector reports 4-connected regions brighter than Level as
// detections. Score is the share of the bounding box the region fills.
type BlobDetector struct {
	Level   float32
	MinArea int
	Class   string
}

func (d *BlobDetector) Detect(ctx context.Context, input *tensor.Tensor) ([]media.Detection, error) {
	lum, h, w, err := luminance(input)
	if err != nil {
		return nil, err
	}

	seen := make([]bool, len(lum))
	var (
		dets  []media.Detection
		queue []int
	)
	for start, v := range lum {
		if seen[start] || v <= d.Level {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		minX, minY, maxX, maxY := w, h, -1, -1
		area := 0
		queue = append(queue[:0], start)
		seen[start] = true
		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			area++
			x, y := p%w, p/w
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[0] >= w || n[1] < 0 || n[1] >= h {
					continue
				}
				q := n[1]*w + n[0]
				if !seen[q] && lum[q] > d.Level {
					seen[q] = true
					queue = append(queue, q)
				}
			}
		}

		if area < d.MinArea {
			continue
		}
		bw, bh := maxX-minX+1, maxY-minY+1
		dets = append(dets, media.Detection{
			BBox:  [4]float64{float64(minX), float64(minY), float64(bw), float64(bh)},
			Class: d.Class,
			Score: float64(area) / float64(bw*bh),
		})
		if len(dets) == maxBlobDetections {
			break
		}
	}
	return dets, nil
}
