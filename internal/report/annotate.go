package report

import (
	"image"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/example/deepsight/internal/aggregator"
)

var eyeColors = map[string][3]float64{
	"Eye":       {0.95, 0.61, 0.07},
	"Left Eye":  {0.16, 0.50, 0.73},
	"Right Eye": {0.91, 0.30, 0.24},
}

// Annotate draws a labelled box around every finding. Predictions without a
// size are marked with a circle at their centre.
func Annotate(img image.Image, findings []aggregator.Finding) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)

	lineWidth := float64(img.Bounds().Dx()) / 200
	if lineWidth < 2 {
		lineWidth = 2
	}
	dc.SetLineWidth(lineWidth)

	for _, f := range findings {
		p := f.Prediction
		rgb, ok := eyeColors[f.Eye]
		if !ok {
			rgb = [3]float64{0.2, 0.8, 0.2}
		}
		dc.SetRGB(rgb[0], rgb[1], rgb[2])

		left, top := p.X-p.Width/2, p.Y-p.Height/2
		if p.Width > 0 && p.Height > 0 {
			dc.DrawRectangle(left, top, p.Width, p.Height)
		} else {
			left, top = p.X-10, p.Y-10
			dc.DrawCircle(p.X, p.Y, 10)
		}
		dc.Stroke()

		label := f.Eye + ": " + p.Class + " " + formatPercent(p.Confidence)
		w, h := dc.MeasureString(label)
		labelTop := top - h - 6
		if labelTop < 0 {
			labelTop = top
		}
		dc.DrawRectangle(left, labelTop, w+6, h+6)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawString(label, left+3, labelTop+h+2)
	}

	return dc.Image()
}
