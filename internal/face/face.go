// Package face holds the fixed-size grayscale representation shared by
// enrollment samples, live probes and identity templates.
package face

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Size is the edge length, in pixels, of every sample and template.
const Size = 100

// Pixels is the number of intensity values in a sample or template.
const Pixels = Size * Size

// ErrSizeMismatch is returned when two images of different resolution are compared.
var ErrSizeMismatch = errors.New("face: image size mismatch")

// Template is a row-major Size×Size array of floating point intensities.
// Probes use the same representation as identity templates.
type Template []float32

// Normalize converts an arbitrary image (or face crop) to a Size×Size
// single-channel image.
func Normalize(img image.Image) *image.Gray {
	b := img.Bounds()
	var src image.Image = img
	if b.Dx() != Size || b.Dy() != Size {
		src = imaging.Resize(img, Size, Size, imaging.Linear)
	}
	return toGray(src)
}

// Crop cuts the face region out of a frame and normalizes it.
func Crop(frame image.Image, box image.Rectangle) (*image.Gray, error) {
	box = box.Intersect(frame.Bounds())
	if box.Empty() {
		return nil, fmt.Errorf("face: box outside frame bounds %v", frame.Bounds())
	}
	return Normalize(imaging.Crop(frame, box)), nil
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) && g.Stride == b.Dx() {
		out := image.NewGray(b)
		copy(out.Pix, g.Pix)
		return out
	}
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

// FromGray converts a normalized sample to its floating point form.
func FromGray(g *image.Gray) Template {
	if b := g.Bounds(); b.Dx() != Size || b.Dy() != Size || b.Min != (image.Point{}) {
		g = Normalize(g)
	}
	t := make(Template, Pixels)
	for y := 0; y < Size; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+Size]
		for x, v := range row {
			t[y*Size+x] = float32(v)
		}
	}
	return t
}

// Uniform returns a template with every pixel set to v.
func Uniform(v float32) Template {
	t := make(Template, Pixels)
	for i := range t {
		t[i] = v
	}
	return t
}

// Mean computes the pixel-wise mean of the given templates. Accumulation is
// done in float64 in slice order so equal inputs always yield identical bits.
func Mean(samples []Template) (Template, error) {
	if len(samples) == 0 {
		return nil, errors.New("face: no samples to average")
	}
	sum := make([]float64, Pixels)
	for i, s := range samples {
		if len(s) != Pixels {
			return nil, fmt.Errorf("%w: sample %d has %d values", ErrSizeMismatch, i, len(s))
		}
		for j, v := range s {
			sum[j] += float64(v)
		}
	}
	n := float64(len(samples))
	out := make(Template, Pixels)
	for j, v := range sum {
		out[j] = float32(v / n)
	}
	return out, nil
}

// uniformEpsilon bounds the variance below which an image counts as flat.
const uniformEpsilon = 1e-9

// Correlate returns the zero-offset normalized cross-correlation of a and b
// in [-1, 1]. When either side has no variance the score is 1 if both are
// flat at the same intensity and 0 otherwise.
func Correlate(a, b Template) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d values", ErrSizeMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty image", ErrSizeMismatch)
	}

	var sumA, sumB float64
	for i := range a {
		sumA += float64(a[i])
		sumB += float64(b[i])
	}
	n := float64(len(a))
	meanA, meanB := sumA/n, sumB/n

	var num, varA, varB float64
	for i := range a {
		da := float64(a[i]) - meanA
		db := float64(b[i]) - meanB
		num += da * db
		varA += da * da
		varB += db * db
	}

	if varA <= uniformEpsilon || varB <= uniformEpsilon {
		if varA <= uniformEpsilon && varB <= uniformEpsilon && math.Abs(meanA-meanB) < 1e-6 {
			return 1, nil
		}
		return 0, nil
	}

	score := num / math.Sqrt(varA*varB)
	if math.IsNaN(score) {
		return 0, nil
	}
	return math.Max(-1, math.Min(1, score)), nil
}
