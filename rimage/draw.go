package rimage

import (
	"image"
	"image/color"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/golang/geo/r2"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"

	"go.viam.com/camcalib/utils"
)

var font *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return font
}

// MarkerColor is the color of the marker with the given index. Consecutive markers get hues
// far apart, starting at red.
func MarkerColor(index int) color.Color {
	return colorful.Hsv(float64((index*47)%360), 0.9, 1)
}

// DrawString writes a string to the given context at a particular point.
func DrawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(Font(), &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

// DrawMarker draws a circle around pt labeled with its index.
func DrawMarker(dc *gg.Context, pt r2.Point, index int, c color.Color) {
	dc.SetColor(c)
	dc.SetLineWidth(2)
	dc.DrawCircle(pt.X, pt.Y, 6)
	dc.Stroke()
	DrawString(dc, strconv.Itoa(index), image.Point{X: int(pt.X) + 8, Y: int(pt.Y) - 18}, c, 12)
}

// MarkerCanvas draws numbered markers over an image and writes the result as a PNG when shown.
// It is the headless stand-in for an interactive image window.
type MarkerCanvas struct {
	dc      *gg.Context
	outPath string
	count   int
}

// NewMarkerCanvas copies img onto a canvas that Show saves to outPath.
func NewMarkerCanvas(img image.Image, outPath string) *MarkerCanvas {
	return &MarkerCanvas{dc: gg.NewContextForImage(img), outPath: outPath}
}

// DrawMarker adds the next numbered marker.
func (mc *MarkerCanvas) DrawMarker(pt r2.Point) {
	DrawMarker(mc.dc, pt, mc.count, MarkerColor(mc.count))
	mc.count++
}

// Markers returns how many markers were drawn.
func (mc *MarkerCanvas) Markers() int {
	return mc.count
}

// Image returns the annotated image.
func (mc *MarkerCanvas) Image() image.Image {
	return mc.dc.Image()
}

// Show writes the annotated image to the canvas path.
func (mc *MarkerCanvas) Show() error {
	if mc.outPath == "" {
		return nil
	}
	if err := mc.dc.SavePNG(mc.outPath); err != nil {
		return utils.NewIOError(err, mc.outPath)
	}
	return nil
}
