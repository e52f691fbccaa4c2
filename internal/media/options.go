package media

import (
	"image/color"

	"github.com/bdougie/vision/internal/tensor"
)

// Normalization modes for decoded pixel values
const (
	NormalizeNone      = ""
	NormalizeUnit      = "0-1"
	NormalizeSymmetric = "-1-1"
	NormalizeMeanStd   = "mean_std"
)

// Options control decomposition, decoding and rendering. Zero values mean
// "not set"; Merge lets a later layer override an earlier one field by field.
type Options struct {
	// Video decomposition
	FPS       float64 `yaml:"fps,omitempty" json:"fps,omitempty"`
	StartAt   float64 `yaml:"start_at,omitempty" json:"start_at,omitempty"`
	EndAt     float64 `yaml:"end_at,omitempty" json:"end_at,omitempty"`
	MaxFrames int     `yaml:"max_frames,omitempty" json:"max_frames,omitempty"`

	// Decoding
	InputShape  []int        `yaml:"input_shape,omitempty" json:"input_shape,omitempty"`
	DType       tensor.DType `yaml:"dtype,omitempty" json:"dtype,omitempty"`
	Normalize   string       `yaml:"normalize,omitempty" json:"normalize,omitempty"`
	Mean        []float32    `yaml:"mean,omitempty" json:"mean,omitempty"`
	Std         []float32    `yaml:"std,omitempty" json:"std,omitempty"`
	AddBatchDim bool         `yaml:"add_batch_dim,omitempty" json:"add_batch_dim,omitempty"`

	// Rendering
	Threshold    float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	OverlayColor []uint8 `yaml:"overlay_color,omitempty" json:"overlay_color,omitempty"`
	OverlayAlpha uint8   `yaml:"overlay_alpha,omitempty" json:"overlay_alpha,omitempty"`
}

const (
	DefaultFPS          = 10
	DefaultThreshold    = 0.5
	DefaultOverlayAlpha = 128
)

// Merge returns o with every field set in over replacing o's value
func (o Options) Merge(over Options) Options {
	if over.FPS != 0 {
		o.FPS = over.FPS
	}
	if over.StartAt != 0 {
		o.StartAt = over.StartAt
	}
	if over.EndAt != 0 {
		o.EndAt = over.EndAt
	}
	if over.MaxFrames != 0 {
		o.MaxFrames = over.MaxFrames
	}
	if len(over.InputShape) > 0 {
		o.InputShape = append([]int(nil), over.InputShape...)
	}
	if over.DType != "" {
		o.DType = over.DType
	}
	if over.Normalize != "" {
		o.Normalize = over.Normalize
	}
	if len(over.Mean) > 0 {
		o.Mean = over.Mean
	}
	if len(over.Std) > 0 {
		o.Std = over.Std
	}
	if over.AddBatchDim {
		o.AddBatchDim = true
	}
	if over.Threshold != 0 {
		o.Threshold = over.Threshold
	}
	if len(over.OverlayColor) > 0 {
		o.OverlayColor = over.OverlayColor
	}
	if over.OverlayAlpha != 0 {
		o.OverlayAlpha = over.OverlayAlpha
	}
	return o
}

// FrameRate returns the configured fps or the default
func (o Options) FrameRate() float64 {
	if o.FPS > 0 {
		return o.FPS
	}
	return DefaultFPS
}

// MaskThreshold returns the configured threshold or 0.5
func (o Options) MaskThreshold() float64 {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return DefaultThreshold
}

// Overlay returns the overlay color with its alpha applied
func (o Options) Overlay() color.NRGBA {
	c := color.NRGBA{R: 255, A: DefaultOverlayAlpha}
	if len(o.OverlayColor) == 3 {
		c.R, c.G, c.B = o.OverlayColor[0], o.OverlayColor[1], o.OverlayColor[2]
	}
	if o.OverlayAlpha != 0 {
		c.A = o.OverlayAlpha
	}
	return c
}
