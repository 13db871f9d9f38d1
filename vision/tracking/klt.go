package tracking

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/TurtleZhong/lvio-fusion/rimage"
)

// FlowConfig are the Lucas-Kanade parameters. The defaults mirror the
// tracker settings of the frontend: 11x11 windows, 3 pyramid levels,
// 30 iterations with a 0.01 pixel convergence bound.
type FlowConfig struct {
	WinSize  int     `json:"win_size"`
	Levels   int     `json:"levels"`
	MaxIter  int     `json:"max_iter"`
	Epsilon  float64 `json:"epsilon"`
	MinEigen float64 `json:"min_eigen"`
}

// DefaultFlowConfig returns the tracker defaults.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{WinSize: 11, Levels: 3, MaxIter: 30, Epsilon: 0.01, MinEigen: 1e-4}
}

// CalcOpticalFlowPyrLK tracks prevPts from prev into next with iterative
// pyramidal Lucas-Kanade. nextPts must be the same length as prevPts and is
// used as the initial flow estimate, then overwritten with the refined
// locations. The returned slice flags which points were tracked.
func CalcOpticalFlowPyrLK(prev, next *image.Gray, prevPts []r2.Point, nextPts []r2.Point, cfg FlowConfig) ([]bool, error) {
	if len(prevPts) != len(nextPts) {
		return nil, errors.Errorf("initial flow size mismatch: %d != %d", len(prevPts), len(nextPts))
	}
	if !rimage.SameImgSize(prev, next) {
		return nil, errors.New("optical flow images must be the same size")
	}
	if len(prevPts) == 0 {
		return nil, nil
	}
	levels := cfg.Levels
	maxShrink := minInt(prev.Bounds().Dx(), prev.Bounds().Dy())
	for levels > 0 && maxShrink>>(levels+1) < cfg.WinSize {
		levels--
	}
	prevPyr, err := rimage.BuildPyramid(prev, levels)
	if err != nil {
		return nil, err
	}
	nextPyr, err := rimage.BuildPyramid(next, levels)
	if err != nil {
		return nil, err
	}

	status := make([]bool, len(prevPts))
	for i := range prevPts {
		status[i] = trackPoint(prevPyr, nextPyr, prevPts[i], &nextPts[i], cfg)
	}
	return status, nil
}

func trackPoint(prevPyr, nextPyr []*image.Gray, prevPt r2.Point, nextPt *r2.Point, cfg FlowConfig) bool {
	levels := len(prevPyr) - 1
	scale := math.Pow(2, float64(levels))
	guess := r2.Point{X: nextPt.X / scale, Y: nextPt.Y / scale}

	half := cfg.WinSize / 2
	for l := levels; l >= 0; l-- {
		base := r2.Point{X: prevPt.X / math.Pow(2, float64(l)), Y: prevPt.Y / math.Pow(2, float64(l))}
		img0 := prevPyr[l]
		img1 := nextPyr[l]

		// structure tensor of the template window
		var gxx, gyy, gxy float64
		n := cfg.WinSize * cfg.WinSize
		gx := make([]float64, n)
		gy := make([]float64, n)
		tmpl := make([]float64, n)
		k := 0
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				x := base.X + float64(dx)
				y := base.Y + float64(dy)
				ix, iy := rimage.GradientAt(img0, x, y)
				gx[k] = ix
				gy[k] = iy
				tmpl[k] = rimage.SampleBilinear(img0, x, y)
				gxx += ix * ix
				gyy += iy * iy
				gxy += ix * iy
				k++
			}
		}
		det := gxx*gyy - gxy*gxy
		tr := gxx + gyy
		if det < 1e-12 || (tr-math.Sqrt(tr*tr-4*det))/2 < cfg.MinEigen*float64(n) {
			return false
		}

		for iter := 0; iter < cfg.MaxIter; iter++ {
			var bx, by float64
			k = 0
			for dy := -half; dy <= half; dy++ {
				for dx := -half; dx <= half; dx++ {
					diff := rimage.SampleBilinear(img1, guess.X+float64(dx), guess.Y+float64(dy)) - tmpl[k]
					bx += diff * gx[k]
					by += diff * gy[k]
					k++
				}
			}
			du := (gyy*bx - gxy*by) / det
			dv := (gxx*by - gxy*bx) / det
			guess.X -= du
			guess.Y -= dv
			if math.Hypot(du, dv) < cfg.Epsilon {
				break
			}
		}
		if l > 0 {
			guess = r2.Point{X: guess.X * 2, Y: guess.Y * 2}
		}
	}

	b := nextPyr[0].Bounds()
	if guess.X < float64(half) || guess.Y < float64(half) ||
		guess.X >= float64(b.Dx()-half) || guess.Y >= float64(b.Dy()-half) {
		return false
	}
	*nextPt = guess
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
