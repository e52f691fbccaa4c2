package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/tensor"
)

var (
	// ErrModelNotFound is returned for names missing from the catalog
	ErrModelNotFound = errors.New("model not found")

	// ErrUnsupportedModelInterface is returned when a handle can neither
	// detect nor predict
	ErrUnsupportedModelInterface = errors.New("model exposes neither detect nor predict")

	// ErrInvalidManifest is returned when a model manifest cannot be
	// fetched or parsed. The cause is logged, not returned, since manifest
	// locations may come from clients.
	ErrInvalidManifest = errors.New("invalid model manifest")
)

// Detector is a model that returns detections for one input tensor
type Detector interface {
	Detect(ctx context.Context, input *tensor.Tensor) ([]media.Detection, error)
}

// Predictor is a model that returns an output tensor for one input tensor
type Predictor interface {
	Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error)
}

// InputShaper is implemented by models with a fixed input geometry
type InputShaper interface {
	InputShape() []int
}

// Handle is a loaded model. It must implement Detector or Predictor.
type Handle any

// Run invokes the handle on one tensor, preferring Detect over Predict
func Run(ctx context.Context, h Handle, input *tensor.Tensor) (media.Prediction, error) {
	switch m := h.(type) {
	case Detector:
		dets, err := m.Detect(ctx, input)
		if err != nil {
			return media.Prediction{}, err
		}
		if dets == nil {
			dets = []media.Detection{}
		}
		return media.Prediction{Detections: dets}, nil
	case Predictor:
		out, err := m.Predict(ctx, input)
		if err != nil {
			return media.Prediction{}, err
		}
		return media.Prediction{Tensor: out}, nil
	default:
		return media.Prediction{}, fmt.Errorf("%w: %T", ErrUnsupportedModelInterface, h)
	}
}

// Descriptor is a catalog entry
type Descriptor struct {
	Name    string             `yaml:"-" json:"name" msgpack:"name"`
	Title   string             `yaml:"title" json:"title" msgpack:"title"`
	Type    media.TaskType     `yaml:"type" json:"type" msgpack:"type"`
	Backend string             `yaml:"backend" json:"backend" msgpack:"backend"`
	Model   string             `yaml:"model" json:"model" msgpack:"model"`
	Path    string             `yaml:"path,omitempty" json:"path,omitempty" msgpack:"path"`
	Params  map[string]float64 `yaml:"params,omitempty" json:"params,omitempty" msgpack:"params"`
	Input   media.Options      `yaml:"input,omitempty" json:"input" msgpack:"input"`
}

// Backends a descriptor can name
const (
	BackendBuiltin = "builtin"
	BackendOllama  = "ollama"
)

// CustomModelName selects a caller-supplied model instead of a catalog entry
const CustomModelName = "custom"
