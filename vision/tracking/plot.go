package tracking

import (
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
)

// PlotTracks draws tracked correspondences onto img and saves the result as
// a PNG. Tracked points get a circle plus a line back to their previous
// location; lost points are skipped. Debug aid only.
func PlotTracks(img *image.Gray, prevPts, curPts []r2.Point, status []bool, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)

	dc.SetRGBA(0, 1, 0, 0.8)
	for i, ok := range status {
		if !ok {
			continue
		}
		dc.DrawCircle(curPts[i].X, curPts[i].Y, 3)
		dc.Fill()
		dc.DrawLine(curPts[i].X, curPts[i].Y, prevPts[i].X, prevPts[i].Y)
		dc.Stroke()
	}
	return dc.SavePNG(outName)
}
