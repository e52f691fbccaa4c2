// Package render draws detections and masks onto images
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bdougie/vision/internal/media"
)

var (
	boxColor   = color.NRGBA{R: 255, A: 255}
	labelColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

const lineWidth = 2

// Label formats a detection as "class 90.0%"
func Label(d media.Detection) string {
	return fmt.Sprintf("%s %.1f%%", d.Class, d.Score*100)
}

// ClampBox converts an [x, y, w, h] box to a rectangle inside bounds. The
// result is never smaller than one pixel.
func ClampBox(bbox [4]float64, bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x := clamp(int(math.Round(math.Max(0, bbox[0]))), 0, w-1)
	y := clamp(int(math.Round(math.Max(0, bbox[1]))), 0, h-1)
	cw := max(1, min(int(math.Round(math.Max(0, bbox[2]))), w-x))
	ch := max(1, min(int(math.Round(math.Max(0, bbox[3]))), h-y))
	return image.Rect(x, y, x+cw, y+ch).Add(bounds.Min)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return max(lo, min(v, hi))
}

// toNRGBA copies src into a fresh NRGBA image anchored at the origin
func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// DrawBoxes returns a copy of src with every detection outlined and labelled
func DrawBoxes(src image.Image, dets []media.Detection) *image.NRGBA {
	dst := toNRGBA(src)
	for _, d := range dets {
		r := ClampBox(d.BBox, dst.Bounds())
		strokeRect(dst, r)
		drawLabel(dst, r, Label(d))
	}
	return dst
}

func strokeRect(dst *image.NRGBA, r image.Rectangle) {
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth),
		image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y),
		image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), fill, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.NRGBA, r image.Rectangle, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()

	// Above the box when there is room, inside it otherwise.
	top := r.Min.Y - height
	if top < 0 {
		top = r.Min.Y
	}
	bg := image.Rect(r.Min.X, top, r.Min.X+width+4, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, bg, image.NewUniform(boxColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(r.Min.X+2, top+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

// Crop returns the region of src under the detection's clamped box
func Crop(src image.Image, d media.Detection) *image.NRGBA {
	r := ClampBox(d.BBox, src.Bounds())
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// Mask renders values (row-major, w*h) as white where value > threshold and
// transparent elsewhere
func Mask(values []float32, w, h int, threshold float64) (*image.NRGBA, error) {
	if len(values) != w*h {
		return nil, fmt.Errorf("%w: mask has %d values for %dx%d", media.ErrShapeMismatch, len(values), w, h)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, v := range values {
		if float64(v) > threshold {
			copy(dst.Pix[i*4:i*4+4], []uint8{255, 255, 255, 255})
		}
	}
	return dst, nil
}

// Overlay blends c over src wherever the mask exceeds threshold
func Overlay(src image.Image, values []float32, threshold float64, c color.NRGBA) (*image.NRGBA, error) {
	dst := toNRGBA(src)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	if len(values) != w*h {
		return nil, fmt.Errorf("%w: mask has %d values for %dx%d image", media.ErrShapeMismatch, len(values), w, h)
	}
	a := uint32(c.A)
	for i, v := range values {
		if float64(v) <= threshold {
			continue
		}
		p := dst.Pix[i*4 : i*4+4]
		p[0] = uint8((uint32(c.R)*a + uint32(p[0])*(255-a)) / 255)
		p[1] = uint8((uint32(c.G)*a + uint32(p[1])*(255-a)) / 255)
		p[2] = uint8((uint32(c.B)*a + uint32(p[2])*(255-a)) / 255)
		p[3] = 255
	}
	return dst, nil
}

// CoveredFraction returns the share of values above threshold
func CoveredFraction(values []float32, threshold float64) float64 {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, v := range values {
		if float64(v) > threshold {
			n++
		}
	}
	return float64(n) / float64(len(values))
}

// EncodePNG encodes img as PNG bytes
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
