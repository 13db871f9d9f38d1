package pnp

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

func TestSolvePnPRansac(t *testing.T) {
	intr := &transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 450, Fy: 450, Ppx: 320, Ppy: 240,
	}
	truth := spatialmath.NewSE3(
		spatialmath.Exp(r3.Vector{X: 0.05, Y: -0.1, Z: 0.2}),
		r3.Vector{X: 0.3, Y: -0.1, Z: 0.5},
	)

	rng := rand.New(rand.NewSource(7))
	var pts3d []r3.Vector
	var pts2d []r2.Point
	for i := 0; i < 40; i++ {
		p := r3.Vector{
			X: rng.Float64()*4 - 2,
			Y: rng.Float64()*3 - 1.5,
			Z: rng.Float64()*6 + 3,
		}
		pts3d = append(pts3d, p)
		pts2d = append(pts2d, intr.SensorToPixel(truth.TransformPoint(p)))
	}
	// corrupt a quarter of the observations
	for i := 0; i < 10; i++ {
		pts2d[i*4] = pts2d[i*4].Add(r2.Point{X: 40 + 10*rng.Float64(), Y: -35})
	}

	pose, inliers, err := SolvePnPRansac(pts3d, pts2d, intr, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	diff := pose.Mul(truth.Inverse())
	test.That(t, spatialmath.Log(diff.Rot).Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, diff.Trans.Norm(), test.ShouldBeLessThan, 1e-2)

	nInliers := 0
	for _, ok := range inliers {
		if ok {
			nInliers++
		}
	}
	test.That(t, nInliers, test.ShouldBeGreaterThanOrEqualTo, 30)
}

func TestSolvePnPTooFewPoints(t *testing.T) {
	intr := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 450, Fy: 450, Ppx: 320, Ppy: 240}
	_, _, err := SolvePnPRansac(make([]r3.Vector, 4), make([]r2.Point, 4), intr, DefaultConfig())
	test.That(t, err, test.ShouldNotBeNil)
}
