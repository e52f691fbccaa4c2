// Package mediatest provides an in-memory media.Adapter for tests
package mediatest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/tensor"
)

// Adapter classifies files by extension and decodes every atomic input into
// a flat tensor of Elements values. A video's frame count is len(Data).
type Adapter struct {
	Elements int
	DType    tensor.DType

	// FailDecode names atomic inputs whose decode returns media.ErrDecode
	FailDecode map[string]bool

	mu          sync.Mutex
	decodeCalls int
}

var _ media.Adapter = (*Adapter)(nil)

// DecodeCalls returns how many times DecodeToTensor ran
func (a *Adapter) DecodeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decodeCalls
}

func (a *Adapter) DetectType(f media.File) (media.Kind, bool) {
	if f.Tensor != nil {
		return media.KindTensor, true
	}
	switch strings.ToLower(filepath.Ext(f.Name)) {
	case ".png", ".jpg":
		return media.KindImage, true
	case ".mp4":
		return media.KindVideo, true
	case ".txt":
		return media.KindText, true
	case ".tif", ".tiff":
		return media.KindTIFF, true
	}
	return "", false
}

func (a *Adapter) FileName(f media.File) string { return f.Name }

func (a *Adapter) ProcessFile(ctx context.Context, f media.File, opts media.Options) ([]media.File, error) {
	kind, _ := a.DetectType(f)
	if kind != media.KindVideo {
		return []media.File{f}, nil
	}
	frames := make([]media.File, len(f.Data))
	for i := range frames {
		frames[i] = media.File{
			Name:      fmt.Sprintf("frame_%04d.png", i+1),
			MIMEType:  "image/png",
			Data:      []byte{f.Data[i]},
			FrameRate: opts.FrameRate(),
		}
	}
	return frames, nil
}

func (a *Adapter) DecodeToTensor(ctx context.Context, inputs []media.File, kind media.Kind, opts media.Options) ([]*tensor.Tensor, error) {
	a.mu.Lock()
	a.decodeCalls++
	a.mu.Unlock()

	n := a.Elements
	if n == 0 {
		n = 4
	}
	out := make([]*tensor.Tensor, 0, len(inputs))
	for _, in := range inputs {
		if a.FailDecode[in.Name] {
			return nil, fmt.Errorf("%w: %s", media.ErrDecode, in.Name)
		}
		var (
			t   *tensor.Tensor
			err error
		)
		if a.DType == tensor.Int32 {
			t, err = tensor.FromInt32([]int{n}, make([]int32, n))
		} else {
			t, err = tensor.FromFloat32([]int{n}, make([]float32, n))
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (a *Adapter) GenerateInferenceOutput(ctx context.Context, req media.RenderRequest) (*media.Rendered, error) {
	if len(req.Predictions) != len(req.Inputs) {
		return nil, fmt.Errorf("%w: %d predictions for %d inputs", media.ErrShapeMismatch, len(req.Predictions), len(req.Inputs))
	}
	r := &media.Rendered{Output: req.Output}
	switch req.Output {
	case media.OutputBoundingBoxes:
		for i := range req.Inputs {
			r.PerInput = append(r.PerInput, []media.Artifact{{Name: fmt.Sprintf("%s_boxes_%d.png", req.Name, i), MIMEType: "image/png"}})
		}
	case media.OutputCropObjects:
		for i, p := range req.Predictions {
			var crops []media.Artifact
			for j := range p.Detections {
				crops = append(crops, media.Artifact{Name: fmt.Sprintf("%s_crop_%d_%d.png", req.Name, i, j), MIMEType: "image/png"})
			}
			r.PerInput = append(r.PerInput, crops)
		}
	case media.OutputObjects:
		for _, p := range req.Predictions {
			r.Objects = append(r.Objects, append([]media.Object(nil), p.Detections...))
		}
	case media.OutputMask, media.OutputOverlay:
		if req.InputKind == media.KindVideo {
			r.Combined = &media.Artifact{Name: fmt.Sprintf("%s_%s.mp4", req.Name, req.Output), MIMEType: "video/mp4"}
			return r, nil
		}
		for i := range req.Inputs {
			r.PerInput = append(r.PerInput, []media.Artifact{{Name: fmt.Sprintf("%s_%s_%d.png", req.Name, req.Output, i), MIMEType: "image/png"}})
		}
	default:
		return nil, fmt.Errorf("unknown output kind %v", req.Output)
	}
	return r, nil
}

func (a *Adapter) TensorToBlob(t *tensor.Tensor) ([]byte, error) {
	return t.Bytes()
}

func (a *Adapter) ResolveModelLibraryPath() string { return "file:///models/" }
