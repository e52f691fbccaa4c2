package adapter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/bdougie/vision/internal/media"
	"github.com/bdougie/vision/internal/tensor"
)

// DecodeToTensor converts atomic inputs into tensors, one per input
func (n *Native) DecodeToTensor(ctx context.Context, inputs []media.File, kind media.Kind, opts media.Options) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			t   *tensor.Tensor
			err error
		)
		switch kind {
		case media.KindImage, media.KindVideo, media.KindTIFF:
			var img image.Image
			img, err = DecodeImage(in.Data)
			if err == nil {
				t, err = imageToTensor(img, opts)
			}
		case media.KindText:
			t, err = textToTensor(in.Data)
		case media.KindTensor:
			if in.Tensor == nil {
				err = fmt.Errorf("%w: %q carries no tensor", media.ErrDecode, in.Name)
			}
			t = in.Tensor
		default:
			err = fmt.Errorf("%w: %q", media.ErrUnsupportedKind, kind)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DecodeImage decodes any registered image format
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrDecode, err)
	}
	return img, nil
}

// targetGeometry reads height, width and channels from an input shape of
// the form [b, h, w, c] or [h, w, c]. Non-positive entries keep the source
// value.
func targetGeometry(shape []int, srcH, srcW int) (h, w, c int) {
	h, w, c = srcH, srcW, 3
	var dims []int
	switch len(shape) {
	case 4:
		dims = shape[1:]
	case 3:
		dims = shape
	default:
		return
	}
	if dims[0] > 0 {
		h = dims[0]
	}
	if dims[1] > 0 {
		w = dims[1]
	}
	if dims[2] > 0 {
		c = dims[2]
	}
	return
}

func imageToTensor(img image.Image, opts media.Options) (*tensor.Tensor, error) {
	b := img.Bounds()
	h, w, c := targetGeometry(opts.InputShape, b.Dy(), b.Dx())
	if c != 1 && c != 3 && c != 4 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", media.ErrShapeMismatch, c)
	}

	rgba := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(rgba, rgba.Bounds(), img, b, draw.Src, nil)
	}

	values := make([]float32, 0, w*h*c)
	for i := 0; i < len(rgba.Pix); i += 4 {
		p := rgba.Pix[i : i+4]
		switch c {
		case 1:
			// Rec. 601 luma
			values = append(values, 0.299*float32(p[0])+0.587*float32(p[1])+0.114*float32(p[2]))
		case 3:
			values = append(values, float32(p[0]), float32(p[1]), float32(p[2]))
		case 4:
			values = append(values, float32(p[0]), float32(p[1]), float32(p[2]), float32(p[3]))
		}
	}
	if err := normalize(values, c, opts); err != nil {
		return nil, err
	}

	shape := []int{h, w, c}
	if opts.AddBatchDim || len(opts.InputShape) == 4 {
		shape = append([]int{1}, shape...)
	}
	return fromValues(shape, values, opts.DType)
}

func normalize(values []float32, channels int, opts media.Options) error {
	switch opts.Normalize {
	case media.NormalizeNone:
	case media.NormalizeUnit:
		for i := range values {
			values[i] /= 255
		}
	case media.NormalizeSymmetric:
		for i := range values {
			values[i] = values[i]/127.5 - 1
		}
	case media.NormalizeMeanStd:
		if len(opts.Mean) != channels || len(opts.Std) != channels {
			return fmt.Errorf("%w: mean/std need %d entries", media.ErrShapeMismatch, channels)
		}
		for i := range values {
			ch := i % channels
			values[i] = (values[i]/255 - opts.Mean[ch]) / opts.Std[ch]
		}
	default:
		return fmt.Errorf("unknown normalization %q", opts.Normalize)
	}
	return nil
}

func fromValues(shape []int, values []float32, dtype tensor.DType) (*tensor.Tensor, error) {
	switch dtype {
	case "", tensor.Float32:
		return tensor.FromFloat32(shape, values)
	case tensor.Int32:
		ints := make([]int32, len(values))
		for i, v := range values {
			ints[i] = int32(math.Round(float64(v)))
		}
		return tensor.FromInt32(shape, ints)
	case tensor.Bool:
		bools := make([]bool, len(values))
		for i, v := range values {
			bools[i] = v != 0
		}
		return tensor.FromBool(shape, bools)
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// textToTensor encodes text as a [1, n] tensor of character codes
func textToTensor(data []byte) (*tensor.Tensor, error) {
	runes := []rune(string(data))
	values := make([]float32, len(runes))
	for i, r := range runes {
		values[i] = float32(r)
	}
	return tensor.FromFloat32([]int{1, len(values)}, values)
}
