// Package media holds the media taxonomy shared by adapters, models and the
// task orchestrator, and the Collection that caches per-model tensors and
// results for a batch of inputs.
package media

import (
	"fmt"
	"time"

	"github.com/bdougie/vision/internal/tensor"
)

// Kind classifies a raw input
type Kind string

const (
	KindImage  Kind = "image"
	KindVideo  Kind = "video"
	KindText   Kind = "text"
	KindTIFF   Kind = "tiff"
	KindTensor Kind = "tensor"
)

// File is both a caller-supplied raw input and an atomic input produced by
// decomposing one (a video frame, for example).
type File struct {
	Name     string         `json:"name"`
	MIMEType string         `json:"mime_type,omitempty"`
	Data     []byte         `json:"-"`
	Tensor   *tensor.Tensor `json:"-"`

	// FrameRate is set on frames extracted from a video
	FrameRate float64 `json:"frame_rate,omitempty"`
}

// Size returns the payload size in bytes
func (f File) Size() int {
	if f.Tensor != nil {
		return f.Tensor.ByteLen()
	}
	return len(f.Data)
}

// TaskType is the closed set of model task kinds
type TaskType string

const (
	ObjectDetection TaskType = "object_detection"
	SegmentImage    TaskType = "segment_image"
)

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	return t == ObjectDetection || t == SegmentImage
}

// OutputKind enumerates the artifacts a task type can render
type OutputKind int

const (
	OutputBoundingBoxes OutputKind = iota
	OutputCropObjects
	OutputObjects
	OutputMask
	OutputOverlay
)

var outputNames = map[OutputKind]string{
	OutputBoundingBoxes: "bounding_boxes",
	OutputCropObjects:   "crop_objects",
	OutputObjects:       "objects",
	OutputMask:          "mask",
	OutputOverlay:       "overlay",
}

func (k OutputKind) String() string {
	if s, ok := outputNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// Task returns the task type an output kind belongs to
func (k OutputKind) Task() TaskType {
	switch k {
	case OutputBoundingBoxes, OutputCropObjects, OutputObjects:
		return ObjectDetection
	case OutputMask, OutputOverlay:
		return SegmentImage
	default:
		return ""
	}
}

// OutputKinds lists the outputs rendered for a task type, in order
func OutputKinds(t TaskType) []OutputKind {
	switch t {
	case ObjectDetection:
		return []OutputKind{OutputBoundingBoxes, OutputCropObjects, OutputObjects}
	case SegmentImage:
		return []OutputKind{OutputMask, OutputOverlay}
	default:
		return nil
	}
}

// Detection is one detected object. BBox is [x, y, width, height] in the
// coordinate space of the model input.
type Detection struct {
	BBox  [4]float64 `json:"bbox" msgpack:"bbox"`
	Class string     `json:"class" msgpack:"class"`
	Score float64    `json:"score" msgpack:"score"`
}

// Prediction is a model's output for one atomic input. Detect-style models
// fill Detections, predict-style models fill Tensor.
type Prediction struct {
	Detections []Detection    `json:"detections,omitempty"`
	Tensor     *tensor.Tensor `json:"-"`
}

// ItemResult is what a model produced for one media item. A failed item
// carries Error, Message and Key instead of predictions.
type ItemResult struct {
	Error       bool         `json:"error,omitempty"`
	Message     string       `json:"message,omitempty"`
	Key         string       `json:"key,omitempty"`
	Predictions []Prediction `json:"predictions,omitempty"`
}

// Failed builds the result recorded for an item that could not be processed
func Failed(key string, err error) ItemResult {
	return ItemResult{Error: true, Message: err.Error(), Key: key}
}

// Artifact is a rendered output file
type Artifact struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

// Object is the serializable record of one detection
type Object = Detection

// RenderRequest asks an adapter to render one output kind for one item
type RenderRequest struct {
	Output      OutputKind
	Inputs      []File
	Predictions []Prediction
	Options     Options
	InputKind   Kind

	// Name is the base name used for produced files
	Name string
}

// Rendered is the result of GenerateInferenceOutput. PerInput holds the
// artifacts for each atomic input in order; Combined is set when the item
// renders to one container (a video); Objects is set for OutputObjects.
type Rendered struct {
	Output   OutputKind
	PerInput [][]Artifact
	Combined *Artifact
	Objects  [][]Object
}

// Artifacts flattens the rendered files in order
func (r *Rendered) Artifacts() []Artifact {
	if r.Combined != nil {
		return []Artifact{*r.Combined}
	}
	var out []Artifact
	for _, a := range r.PerInput {
		out = append(out, a...)
	}
	return out
}

// Timings records per-item stage durations
type Timings struct {
	Preprocessing  time.Duration `json:"preprocessing"`
	TensorCreation time.Duration `json:"tensor_creation"`
}
