package rimage

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/utils"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	img.SetGray(1, 2, color.Gray{Y: 200})
	path := filepath.Join(dir, "0.png")
	writePNG(t, path, img)

	loaded, err := LoadImage(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Bounds().Dx(), test.ShouldEqual, 4)

	lum := ConvertImageToLuminanceFloat(loaded, 0)
	r, c := lum.Dims()
	test.That(t, r, test.ShouldEqual, 3)
	test.That(t, c, test.ShouldEqual, 4)
	test.That(t, lum.At(2, 1), test.ShouldEqual, 200.)

	_, err = LoadImage(filepath.Join(dir, "missing.png"))
	test.That(t, errors.Is(err, utils.ErrInput), test.ShouldBeTrue)

	bogus := filepath.Join(dir, "bogus.png")
	test.That(t, os.WriteFile(bogus, []byte("not an image"), 0o600), test.ShouldBeNil)
	_, err = LoadImage(bogus)
	test.That(t, errors.Is(err, utils.ErrInput), test.ShouldBeTrue)
}

func TestSobel(t *testing.T) {
	// horizontal ramp: d/dx is 1 per pixel, Sobel scales it by 8
	m := mat.NewDense(5, 6, nil)
	for y := 0; y < 5; y++ {
		for x := 0; x < 6; x++ {
			m.Set(y, x, float64(x))
		}
	}
	sx := GetSobelX()
	sy := GetSobelY()
	gx := ConvolveGrayFloat64(m, &sx)
	gy := ConvolveGrayFloat64(m, &sy)
	test.That(t, gx.At(2, 2), test.ShouldEqual, 8.)
	test.That(t, gy.At(2, 2), test.ShouldEqual, 0.)
	// replicated border halves the difference at the edge
	test.That(t, gx.At(2, 0), test.ShouldEqual, 4.)
}

func TestBilinearInterpolation(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{0, 10, 20, 30})
	test.That(t, BilinearInterpolation(r2.Point{X: 0.5, Y: 0.5}, m), test.ShouldAlmostEqual, 15.)
	test.That(t, BilinearInterpolation(r2.Point{X: 1, Y: 0}, m), test.ShouldAlmostEqual, 10.)
	test.That(t, BilinearInterpolation(r2.Point{X: 5, Y: -3}, m), test.ShouldAlmostEqual, 10.)
}

func TestMarkerCanvas(t *testing.T) {
	out := filepath.Join(t.TempDir(), "annotated.png")
	canvas := NewMarkerCanvas(image.NewGray(image.Rect(0, 0, 64, 48)), out)
	canvas.DrawMarker(r2.Point{X: 20, Y: 20})
	canvas.DrawMarker(r2.Point{X: 40, Y: 30})
	test.That(t, canvas.Markers(), test.ShouldEqual, 2)
	test.That(t, canvas.Show(), test.ShouldBeNil)

	loaded, err := LoadImage(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Bounds().Dx(), test.ShouldEqual, 64)
	// the circle passes 6px left of the first marker
	rr, _, _, _ := canvas.Image().At(14, 20).RGBA()
	test.That(t, rr, test.ShouldBeGreaterThan, 0)
}

func TestMarkerColor(t *testing.T) {
	r, g, b, a := MarkerColor(0).RGBA()
	test.That(t, r, test.ShouldEqual, 0xffff)
	test.That(t, g, test.ShouldBeLessThan, r)
	test.That(t, b, test.ShouldBeLessThan, r)
	test.That(t, a, test.ShouldEqual, 0xffff)
	test.That(t, MarkerColor(1), test.ShouldNotResemble, MarkerColor(0))
}
