// Package rimage holds the grayscale image helpers used by the visual
// frontend: clamped and bilinear sampling, image pyramids, and gradients.
package rimage

import (
	"image"

	"github.com/pkg/errors"
)

// SameImgSize compares two images to see if they are the same size.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Dx() == g2.Bounds().Dx() && g1.Bounds().Dy() == g2.Bounds().Dy()
}

// GrayAt reads a pixel with the coordinates clamped to the image bounds.
func GrayAt(img *image.Gray, x, y int) float64 {
	b := img.Bounds()
	if x < b.Min.X {
		x = b.Min.X
	}
	if x >= b.Max.X {
		x = b.Max.X - 1
	}
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if y >= b.Max.Y {
		y = b.Max.Y - 1
	}
	return float64(img.GrayAt(x, y).Y)
}

// SampleBilinear samples the image at a subpixel location, clamping at the
// borders.
func SampleBilinear(img *image.Gray, x, y float64) float64 {
	x0 := int(x)
	y0 := int(y)
	if x < 0 {
		x0 = -1
	}
	if y < 0 {
		y0 = -1
	}
	ax := x - float64(x0)
	ay := y - float64(y0)
	v00 := GrayAt(img, x0, y0)
	v10 := GrayAt(img, x0+1, y0)
	v01 := GrayAt(img, x0, y0+1)
	v11 := GrayAt(img, x0+1, y0+1)
	return (1-ax)*(1-ay)*v00 + ax*(1-ay)*v10 + (1-ax)*ay*v01 + ax*ay*v11
}

// Downsample halves an image with 2x2 box averaging.
func Downsample(img *image.Gray) *image.Gray {
	w := img.Bounds().Dx() / 2
	h := img.Bounds().Dy() / 2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := GrayAt(img, 2*x, 2*y) + GrayAt(img, 2*x+1, 2*y) +
				GrayAt(img, 2*x, 2*y+1) + GrayAt(img, 2*x+1, 2*y+1)
			out.SetGray(x, y, grayOf(sum/4 + 0.5))
		}
	}
	return out
}

// BuildPyramid returns levels+1 images, level 0 being img itself and each
// further level half the size of the previous one.
func BuildPyramid(img *image.Gray, levels int) ([]*image.Gray, error) {
	if levels < 0 {
		return nil, errors.Errorf("pyramid levels must be non-negative, got %d", levels)
	}
	pyr := make([]*image.Gray, levels+1)
	pyr[0] = img
	for i := 1; i <= levels; i++ {
		prev := pyr[i-1]
		if prev.Bounds().Dx() < 2 || prev.Bounds().Dy() < 2 {
			return nil, errors.Errorf("image too small for %d pyramid levels", levels)
		}
		pyr[i] = Downsample(prev)
	}
	return pyr, nil
}

// GradientAt returns the horizontal and vertical central-difference
// derivatives at a subpixel location.
func GradientAt(img *image.Gray, x, y float64) (gx, gy float64) {
	gx = (SampleBilinear(img, x+1, y) - SampleBilinear(img, x-1, y)) / 2
	gy = (SampleBilinear(img, x, y+1) - SampleBilinear(img, x, y-1)) / 2
	return gx, gy
}
