package calibration

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"go.viam.com/camcalib/rimage"
	"go.viam.com/camcalib/utils"
)

// WriteResidualPlot draws the reprojection error vectors of every view, predicted minus
// measured, as one scatter series per view. The image format follows the extension of path.
func WriteResidualPlot(session *Session, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reprojection residuals (RMS %.3f px)", session.RMS)
	p.X.Label.Text = "dx (px)"
	p.Y.Label.Text = "dy (px)"
	p.Add(plotter.NewGrid())

	for i, report := range session.Reports {
		measured := session.Views[i].ImagePoints
		xys := make(plotter.XYs, len(report.Predicted))
		for j, pt := range report.Predicted {
			d := pt.Sub(measured[j])
			xys[j].X, xys[j].Y = d.X, d.Y
		}
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		scatter.GlyphStyle.Color = rimage.MarkerColor(i)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(scatter)
		p.Legend.Add(fmt.Sprintf("view %d", i), scatter)
	}
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return utils.NewIOError(err, path)
	}
	return nil
}
