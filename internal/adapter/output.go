package adapter

import (
	"context"
	"fmt"
	"image"
	"math"
	"regexp"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/render"
	"github.com/bdougie/vision/internal/tensor"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// GenerateInferenceOutput renders one output kind for one item
func (n *Native) GenerateInferenceOutput(ctx context.Context, req media.RenderRequest) (*media.Rendered, error) {
	if len(req.Predictions) != len(req.Inputs) {
		return nil, fmt.Errorf("%w: %d predictions for %d inputs", media.ErrShapeMismatch, len(req.Predictions), len(req.Inputs))
	}
	switch req.InputKind {
	case media.KindImage, media.KindVideo, media.KindTIFF:
	default:
		return nil, fmt.Errorf("%w: cannot render %s for %s input", media.ErrUnsupportedKind, req.Output, req.InputKind)
	}

	switch req.Output {
	case media.OutputBoundingBoxes:
		return n.renderBoxes(req)
	case media.OutputCropObjects:
		return n.renderCrops(req)
	case media.OutputObjects:
		r := &media.Rendered{Output: req.Output}
		for _, p := range req.Predictions {
			r.Objects = append(r.Objects, append([]media.Object{}, p.Detections...))
		}
		return r, nil
	case media.OutputMask, media.OutputOverlay:
		return n.renderMasks(ctx, req)
	default:
		return nil, fmt.Errorf("unknown output kind %v", req.Output)
	}
}

func (n *Native) renderBoxes(req media.RenderRequest) (*media.Rendered, error) {
	r := &media.Rendered{Output: req.Output}
	for i, in := range req.Inputs {
		img, err := DecodeImage(in.Data)
		if err != nil {
			return nil, err
		}
		data, err := render.EncodePNG(render.DrawBoxes(img, req.Predictions[i].Detections))
		if err != nil {
			return nil, err
		}
		r.PerInput = append(r.PerInput, []media.Artifact{{
			Name:     indexedName(req.Name, "bbox", i, len(req.Inputs), "png"),
			MIMEType: "image/png",
			Data:     data,
		}})
	}
	return r, nil
}

func (n *Native) renderCrops(req media.RenderRequest) (*media.Rendered, error) {
	r := &media.Rendered{Output: req.Output}
	count := 0
	for i, in := range req.Inputs {
		img, err := DecodeImage(in.Data)
		if err != nil {
			return nil, err
		}
		var crops []media.Artifact
		for _, d := range req.Predictions[i].Detections {
			data, err := render.EncodePNG(render.Crop(img, d))
			if err != nil {
				return nil, err
			}
			crops = append(crops, media.Artifact{
				Name:     fmt.Sprintf("%s_%s_%d_crop_%d.png", req.Name, unsafeName.ReplaceAllString(d.Class, "_"), int(math.Round(d.Score*100)), count),
				MIMEType: "image/png",
				Data:     data,
			})
			count++
		}
		r.PerInput = append(r.PerInput, crops)
	}
	return r, nil
}

func (n *Native) renderMasks(ctx context.Context, req media.RenderRequest) (*media.Rendered, error) {
	suffix := req.Output.String()
	threshold := req.Options.MaskThreshold()

	frames := make([][]byte, 0, len(req.Inputs))
	for i, in := range req.Inputs {
		img, err := DecodeImage(in.Data)
		if err != nil {
			return nil, err
		}
		mask := req.Predictions[i].Tensor
		if mask == nil {
			return nil, fmt.Errorf("%w: input %d has no mask tensor", media.ErrShapeMismatch, i)
		}
		values, err := maskValues(mask, img.Bounds())
		if err != nil {
			return nil, err
		}

		var out image.Image
		if req.Output == media.OutputMask {
			out, err = render.Mask(values, img.Bounds().Dx(), img.Bounds().Dy(), threshold)
		} else {
			out, err = render.Overlay(img, values, threshold, req.Options.Overlay())
		}
		if err != nil {
			return nil, err
		}
		data, err := render.EncodePNG(out)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}

	r := &media.Rendered{Output: req.Output}
	if req.InputKind == media.KindVideo {
		if n.Encoder == nil {
			return nil, fmt.Errorf("%w: no video encoder", media.ErrConfiguration)
		}
		fps := req.Options.FrameRate()
		if len(req.Inputs) > 0 && req.Inputs[0].FrameRate > 0 {
			fps = req.Inputs[0].FrameRate
		}
		video, err := n.Encoder.EncodeVideo(ctx, frames, fps)
		if err != nil {
			return nil, fmt.Errorf("encoding %s video: %w", suffix, err)
		}
		r.Combined = &media.Artifact{Name: fmt.Sprintf("%s_%s.mp4", req.Name, suffix), MIMEType: "video/mp4", Data: video}
		return r, nil
	}

	for i, data := range frames {
		r.PerInput = append(r.PerInput, []media.Artifact{{
			Name:     indexedName(req.Name, suffix, i, len(frames), "png"),
			MIMEType: "image/png",
			Data:     data,
		}})
	}
	return r, nil
}

// maskValues normalizes a mask tensor to the bounds of its source image
func maskValues(mask *tensor.Tensor, bounds image.Rectangle) ([]float32, error) {
	norm, err := tensor.NormalizeMask(mask, bounds.Dy(), bounds.Dx())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrShapeMismatch, err)
	}
	return norm.Float32s()
}

func indexedName(base, suffix string, i, total int, ext string) string {
	if total == 1 {
		return fmt.Sprintf("%s_%s.%s", base, suffix, ext)
	}
	return fmt.Sprintf("%s_%s_%d.%s", base, suffix, i, ext)
}

// TensorToBlob encodes an image-shaped tensor ([h, w], [h, w, c] with c in
// 1, 3, 4, optionally with a leading batch of one) as PNG. Float values are
// read in [0, 1]; int values in [0, 255].
func (n *Native) TensorToBlob(t *tensor.Tensor) ([]byte, error) {
	shape := t.Shape()
	for len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	h, w, c := 0, 0, 1
	switch len(shape) {
	case 2:
		h, w = shape[0], shape[1]
	case 3:
		h, w, c = shape[0], shape[1], shape[2]
	default:
		return nil, fmt.Errorf("%w: tensor %v is not image shaped", media.ErrShapeMismatch, t.Shape())
	}
	if c != 1 && c != 3 && c != 4 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", media.ErrShapeMismatch, c)
	}

	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	// floats may be raw 0-255, unit 0-1 or symmetric -1-1 depending on
	// the model's normalize option
	scale, offset := float32(255), float32(0)
	if t.DType() == tensor.Int32 {
		scale = 1
	} else {
		lo, hi := valueRange(values)
		switch {
		case hi > 1:
			scale = 1
		case lo < 0:
			scale, offset = 127.5, 1
		}
	}
	pixel := func(v float32) uint8 {
		return uint8(math.Max(0, math.Min(255, math.Round(float64((v+offset)*scale)))))
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		p := img.Pix[i*4 : i*4+4]
		px := values[i*c : i*c+c]
		switch c {
		case 1:
			p[0], p[1], p[2], p[3] = pixel(px[0]), pixel(px[0]), pixel(px[0]), 255
		case 3:
			p[0], p[1], p[2], p[3] = pixel(px[0]), pixel(px[1]), pixel(px[2]), 255
		case 4:
			p[0], p[1], p[2], p[3] = pixel(px[0]), pixel(px[1]), pixel(px[2]), pixel(px[3])
		}
	}
	return render.EncodePNG(img)
}

func valueRange(values []float32) (lo, hi float32) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	return lo, hi
}
