// Package rimage holds the image plumbing the calibration pipeline runs on: loading,
// luminance conversion, convolution and drawing.
package rimage

import (
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/utils"
)

// LoadImage reads an image file. A missing or undecodable file is an input error.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, utils.NewInputError("image %q not found", path)
		}
		return nil, utils.NewInputError("cannot read image %q: %v", path, err)
	}
	return img, nil
}

// ConvertImageToLuminanceFloat converts an image to a height x width matrix of luminance values
// in [0, 255], optionally blurring it first with a gaussian of the given sigma.
func ConvertImageToLuminanceFloat(img image.Image, blurSigma float64) *mat.Dense {
	if blurSigma > 0 {
		img = imaging.Blur(img, blurSigma)
	}
	bounds := img.Bounds()
	out := mat.NewDense(bounds.Dy(), bounds.Dx(), nil)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			out.Set(y-bounds.Min.Y, x-bounds.Min.X, float64(g.Y))
		}
	}
	return out
}

// BilinearInterpolation samples a matrix at a sub-pixel location (x is the column). Locations
// outside the matrix are clamped to the border.
func BilinearInterpolation(pt r2.Point, m mat.Matrix) float64 {
	rows, cols := m.Dims()
	x := utils.Clamp(pt.X, 0, float64(cols-1))
	y := utils.Clamp(pt.Y, 0, float64(rows-1))
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 > cols-1 {
		x1 = cols - 1
	}
	if y1 > rows-1 {
		y1 = rows - 1
	}
	fx, fy := x-float64(x0), y-float64(y0)
	top := m.At(y0, x0)*(1-fx) + m.At(y0, x1)*fx
	bottom := m.At(y1, x0)*(1-fx) + m.At(y1, x1)*fx
	return top*(1-fy) + bottom*fy
}
