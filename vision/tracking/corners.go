// Package tracking contains the sparse feature tracker used by the visual
// frontend: Shi-Tomasi corner detection and pyramidal Lucas-Kanade optical
// flow over grayscale images.
package tracking

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/TurtleZhong/lvio-fusion/rimage"
)

// corner is a detection candidate before distance suppression.
type corner struct {
	pt       r2.Point
	response float64
}

// GoodFeaturesToTrack detects up to maxCorners Shi-Tomasi corners. Corners
// whose minimum eigenvalue response is below qualityLevel times the best
// response are rejected, as are corners closer than minDistance to an
// already accepted one. A non-nil mask excludes pixels where the mask value
// is zero.
func GoodFeaturesToTrack(img *image.Gray, maxCorners int, qualityLevel, minDistance float64, mask *image.Gray) []r2.Point {
	if maxCorners <= 0 {
		return nil
	}
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	ix := make([]float64, w*h)
	iy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			ix[y*w+x] = (rimage.GrayAt(img, x+1, y) - rimage.GrayAt(img, x-1, y)) / 2
			iy[y*w+x] = (rimage.GrayAt(img, x, y+1) - rimage.GrayAt(img, x, y-1)) / 2
		}
	}

	// min-eigenvalue response over a 3x3 neighborhood
	const block = 1
	response := make([]float64, w*h)
	maxResponse := 0.0
	for y := block + 1; y < h-block-1; y++ {
		for x := block + 1; x < w-block-1; x++ {
			if mask != nil && mask.GrayAt(x, y).Y == 0 {
				continue
			}
			var xx, yy, xy float64
			for dy := -block; dy <= block; dy++ {
				for dx := -block; dx <= block; dx++ {
					gx := ix[(y+dy)*w+x+dx]
					gy := iy[(y+dy)*w+x+dx]
					xx += gx * gx
					yy += gy * gy
					xy += gx * gy
				}
			}
			tr := xx + yy
			det := xx*yy - xy*xy
			lambda := (tr - math.Sqrt(tr*tr-4*det)) / 2
			response[y*w+x] = lambda
			if lambda > maxResponse {
				maxResponse = lambda
			}
		}
	}
	if maxResponse == 0 {
		return nil
	}

	// local maxima above the quality threshold
	thresh := qualityLevel * maxResponse
	candidates := make([]corner, 0, 256)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := response[y*w+x]
			if v < thresh || v == 0 {
				continue
			}
			if v < response[(y-1)*w+x] || v < response[(y+1)*w+x] ||
				v < response[y*w+x-1] || v < response[y*w+x+1] {
				continue
			}
			candidates = append(candidates, corner{r2.Point{X: float64(x), Y: float64(y)}, v})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].response > candidates[j].response })

	out := make([]r2.Point, 0, maxCorners)
	for _, c := range candidates {
		ok := true
		for _, p := range out {
			if c.pt.Sub(p).Norm() < minDistance {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		out = append(out, c.pt)
		if len(out) == maxCorners {
			break
		}
	}
	return out
}
