// Package worker runs inference away from the caller's goroutine. The
// caller and the worker share nothing; they exchange versioned messages
// and tensor buffers move with the request.
package worker

import (
	"fmt"
	"time"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/tensor"
)

// SchemaVersion is bumped on any incompatible message change
const SchemaVersion = 1

// MessageType tags every message
type MessageType string

const (
	TypeRunInference MessageType = "run_inference"
	TypeProgress     MessageType = "progress"
	TypeDone         MessageType = "done"
	TypeError        MessageType = "error"
)

// WireItem carries the serialized tensors of one media item
type WireItem struct {
	Kind    media.Kind          `msgpack:"kind"`
	Tensors []tensor.Serialized `msgpack:"input_tensor"`
}

// Request asks the worker to run a model over every item in Keys order
type Request struct {
	Version    int                 `msgpack:"version"`
	Type       MessageType         `msgpack:"type"`
	ModelName  string              `msgpack:"model_name"`
	ModelFiles []string            `msgpack:"model_files,omitempty"`
	ModelMeta  *models.Descriptor  `msgpack:"model_meta,omitempty"`
	BasePath   string              `msgpack:"base_path,omitempty"`
	Keys       []string            `msgpack:"keys"`
	InputMap   map[string]WireItem `msgpack:"input_map"`
}

// NewRequest returns a run_inference request at the current schema version
func NewRequest(modelName string) *Request {
	return &Request{
		Version:   SchemaVersion,
		Type:      TypeRunInference,
		ModelName: modelName,
		InputMap:  make(map[string]WireItem),
	}
}

// Validate checks the request before it is sent or handled
func (r *Request) Validate() error {
	if r.Version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", r.Version)
	}
	if r.Type != TypeRunInference {
		return fmt.Errorf("unexpected request type %q", r.Type)
	}
	if r.ModelName == "" {
		return fmt.Errorf("request has no model name")
	}
	if r.ModelName == models.CustomModelName && len(r.ModelFiles) == 0 {
		return fmt.Errorf("custom model request has no model files")
	}
	if len(r.Keys) != len(r.InputMap) {
		return fmt.Errorf("%d keys for %d inputs", len(r.Keys), len(r.InputMap))
	}
	for _, k := range r.Keys {
		if _, ok := r.InputMap[k]; !ok {
			return fmt.Errorf("key %q has no input", k)
		}
	}
	return nil
}

// Serialized returns pointers to every tensor in the request, in key order
func (r *Request) Serialized() []*tensor.Serialized {
	var out []*tensor.Serialized
	for _, k := range r.Keys {
		item := r.InputMap[k]
		for i := range item.Tensors {
			out = append(out, &item.Tensors[i])
		}
	}
	return out
}

// WirePrediction is a media.Prediction in transport form
type WirePrediction struct {
	Detections []media.Detection  `msgpack:"detections,omitempty"`
	Tensor     *tensor.Serialized `msgpack:"tensor,omitempty"`
}

// ItemOutput is a media.ItemResult in transport form
type ItemOutput struct {
	Error       bool             `msgpack:"error,omitempty"`
	Message     string           `msgpack:"message,omitempty"`
	Key         string           `msgpack:"key,omitempty"`
	Predictions []WirePrediction `msgpack:"predictions,omitempty"`
}

// Response is a progress, done or error message from the worker
type Response struct {
	Version     int                      `msgpack:"version"`
	Type        MessageType              `msgpack:"type"`
	Percent     int                      `msgpack:"percent,omitempty"`
	OutputMap   map[string]ItemOutput    `msgpack:"output_map"`
	TimingMap   map[string]time.Duration `msgpack:"timing_map"`
	ModelTiming time.Duration            `msgpack:"model_timing,omitempty"`
	Error       string                   `msgpack:"error,omitempty"`
}

// Progress builds a progress message
func Progress(percent int) *Response {
	return &Response{Version: SchemaVersion, Type: TypeProgress, Percent: percent}
}

// Failure builds an error message
func Failure(err error) *Response {
	return &Response{Version: SchemaVersion, Type: TypeError, Error: err.Error()}
}

// Validate checks a response before it is dispatched
func (r *Response) Validate() error {
	if r.Version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", r.Version)
	}
	switch r.Type {
	case TypeProgress:
		if r.Percent < 0 || r.Percent > 100 {
			return fmt.Errorf("progress %d out of range", r.Percent)
		}
	case TypeDone:
		if r.OutputMap == nil {
			return fmt.Errorf("done message has no outputs")
		}
	case TypeError:
		if r.Error == "" {
			return fmt.Errorf("error message has no text")
		}
	default:
		return fmt.Errorf("unexpected response type %q", r.Type)
	}
	return nil
}

// EncodeResult converts an item result to transport form. Prediction
// tensors are moved into the output; the originals become unusable.
func EncodeResult(res media.ItemResult) (ItemOutput, error) {
	out := ItemOutput{Error: res.Error, Message: res.Message, Key: res.Key}
	for _, p := range res.Predictions {
		wp := WirePrediction{Detections: p.Detections}
		if p.Tensor != nil {
			s, err := tensor.Serialize(p.Tensor)
			if err != nil {
				return ItemOutput{}, err
			}
			if _, err := tensor.Transfer([]*tensor.Serialized{&s}); err != nil {
				return ItemOutput{}, err
			}
			wp.Tensor = &s
		}
		out.Predictions = append(out.Predictions, wp)
	}
	return out, nil
}

// DecodeOutput converts a transported item output back to a result
func DecodeOutput(out ItemOutput) (media.ItemResult, error) {
	res := media.ItemResult{Error: out.Error, Message: out.Message, Key: out.Key}
	for _, wp := range out.Predictions {
		p := media.Prediction{Detections: wp.Detections}
		if wp.Tensor != nil {
			t, err := tensor.Deserialize(*wp.Tensor)
			if err != nil {
				return media.ItemResult{}, err
			}
			p.Tensor = t
		}
		res.Predictions = append(res.Predictions, p)
	}
	return res, nil
}
