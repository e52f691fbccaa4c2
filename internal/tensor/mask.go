package tensor

import "fmt"

// NormalizeMask reduces a segmentation output to a rank-2 float32 tensor of
// shape [h, w]. Leading and trailing singleton dimensions are squeezed,
// multi-channel masks keep their first channel, and the result is resized
// with nearest-neighbor sampling.
func NormalizeMask(mask *Tensor, h, w int) (*Tensor, error) {
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("invalid mask target size %dx%d", w, h)
	}
	shape := mask.Shape()
	if len(shape) < 2 || len(shape) > 4 {
		return nil, fmt.Errorf("mask must have rank 2, 3 or 4, got shape %v", shape)
	}
	values, err := mask.Float32s()
	if err != nil {
		return nil, err
	}

	for len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	for len(shape) > 2 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}

	// What remains above rank 2 is [batch, h, w, c] or [h, w, c].
	srcH, srcW, channels := shape[len(shape)-2], shape[len(shape)-1], 1
	switch len(shape) {
	case 3:
		srcH, srcW, channels = shape[0], shape[1], shape[2]
	case 4:
		srcH, srcW, channels = shape[1], shape[2], shape[3]
	}
	if srcH == 0 || srcW == 0 {
		return nil, fmt.Errorf("empty mask shape %v", mask.Shape())
	}

	out := make([]float32, h*w)
	for y := 0; y < h; y++ {
		sy := y * srcH / h
		for x := 0; x < w; x++ {
			sx := x * srcW / w
			out[y*w+x] = values[(sy*srcW+sx)*channels]
		}
	}
	return FromFloat32([]int{h, w}, out)
}
