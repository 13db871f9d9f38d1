// Package pnp estimates a camera pose from 3D-2D correspondences: a DLT
// minimal solver inside a RANSAC loop, followed by Gauss-Newton refinement
// on the inlier set.
package pnp

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// minPoints is the sample size of the DLT minimal solver.
const minPoints = 6

// Config are the RANSAC parameters.
type Config struct {
	Iterations      int     `json:"iterations"`
	ReprojThreshold float64 `json:"reproj_threshold_px"`
	Confidence      float64 `json:"confidence"`
}

// DefaultConfig mirrors the frontend's PnP settings: 100 iterations, an
// 8 px inlier bound, 0.98 confidence.
func DefaultConfig() Config {
	return Config{Iterations: 100, ReprojThreshold: 8.0, Confidence: 0.98}
}

// SolvePnPRansac estimates the transform from point coordinates into camera
// coordinates. pts3d and pts2d are parallel slices of world points and their
// pixel observations. The returned mask marks the inliers of the best model.
func SolvePnPRansac(
	pts3d []r3.Vector,
	pts2d []r2.Point,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg Config,
) (spatialmath.SE3, []bool, error) {
	if len(pts3d) != len(pts2d) {
		return spatialmath.SE3{}, nil, errors.Errorf("correspondence size mismatch: %d != %d", len(pts3d), len(pts2d))
	}
	if len(pts3d) < minPoints {
		return spatialmath.SE3{}, nil, errors.Errorf("need at least %d correspondences, got %d", minPoints, len(pts3d))
	}

	rng := rand.New(rand.NewSource(0x5eed))
	n := len(pts3d)
	bestInliers := -1
	var bestPose spatialmath.SE3
	idx := make([]int, minPoints)

	iters := cfg.Iterations
	for it := 0; it < iters; it++ {
		sampleIndices(rng, n, idx)
		pose, err := solveDLT(pts3d, pts2d, intrinsics, idx)
		if err != nil {
			continue
		}
		inliers := countInliers(pts3d, pts2d, intrinsics, pose, cfg.ReprojThreshold, nil)
		if inliers > bestInliers {
			bestInliers = inliers
			bestPose = pose
			// adaptive termination
			w := float64(inliers) / float64(n)
			if denom := math.Log(1 - math.Pow(w, minPoints)); denom < 0 {
				if need := int(math.Ceil(math.Log(1-cfg.Confidence) / denom)); need < iters {
					iters = need
				}
			}
		}
	}
	if bestInliers < minPoints {
		return spatialmath.SE3{}, nil, errors.New("ransac found no valid pose")
	}

	mask := make([]bool, n)
	countInliers(pts3d, pts2d, intrinsics, bestPose, cfg.ReprojThreshold, mask)
	refined := refine(pts3d, pts2d, intrinsics, bestPose, mask)
	// refinement may tighten the inlier set
	countInliers(pts3d, pts2d, intrinsics, refined, cfg.ReprojThreshold, mask)
	return refined, mask, nil
}

func sampleIndices(rng *rand.Rand, n int, out []int) {
	for i := range out {
	retry:
		out[i] = rng.Intn(n)
		for j := 0; j < i; j++ {
			if out[j] == out[i] {
				goto retry
			}
		}
	}
}

func countInliers(
	pts3d []r3.Vector, pts2d []r2.Point,
	intrinsics *transform.PinholeCameraIntrinsics,
	pose spatialmath.SE3, thresh float64, mask []bool,
) int {
	count := 0
	for i := range pts3d {
		pc := pose.TransformPoint(pts3d[i])
		ok := false
		if pc.Z > 0 {
			px := intrinsics.SensorToPixel(pc)
			ok = px.Sub(pts2d[i]).Norm() < thresh
		}
		if ok {
			count++
		}
		if mask != nil {
			mask[i] = ok
		}
	}
	return count
}

// solveDLT recovers [R|t] from six or more correspondences by the direct
// linear transform on normalized coordinates.
func solveDLT(
	pts3d []r3.Vector, pts2d []r2.Point,
	intrinsics *transform.PinholeCameraIntrinsics, idx []int,
) (spatialmath.SE3, error) {
	a := mat.NewDense(2*len(idx), 12, nil)
	for r, i := range idx {
		p := pts3d[i]
		s := intrinsics.PixelToSensor(pts2d[i])
		a.SetRow(2*r, []float64{
			p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -s.X * p.X, -s.X * p.Y, -s.X * p.Z, -s.X,
		})
		a.SetRow(2*r+1, []float64{
			0, 0, 0, 0, p.X, p.Y, p.Z, 1, -s.Y * p.X, -s.Y * p.Y, -s.Y * p.Z, -s.Y,
		})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return spatialmath.SE3{}, errors.New("failed to factorize DLT system")
	}
	var v mat.Dense
	svd.VTo(&v)
	p := make([]float64, 12)
	for i := range p {
		p[i] = v.At(i, 11)
	}

	rRaw := mat.NewDense(3, 3, []float64{
		p[0], p[1], p[2],
		p[4], p[5], p[6],
		p[8], p[9], p[10],
	})
	t := r3.Vector{X: p[3], Y: p[7], Z: p[11]}

	// project the 3x3 block onto SO(3) and recover the scale
	var rsvd mat.SVD
	if ok := rsvd.Factorize(rRaw, mat.SVDFull); !ok {
		return spatialmath.SE3{}, errors.New("failed to orthogonalize rotation")
	}
	var u, vt mat.Dense
	rsvd.UTo(&u)
	rsvd.VTo(&vt)
	var rot mat.Dense
	rot.Mul(&u, vt.T())
	sv := rsvd.Values(nil)
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if scale < 1e-12 {
		return spatialmath.SE3{}, errors.New("degenerate DLT solution")
	}
	sign := 1.0
	if mat.Det(&rot) < 0 {
		sign = -1
		rot.Scale(-1, &rot)
	}
	t = t.Mul(sign / scale)

	// a sample that lands behind the camera simply scores no inliers
	return spatialmath.NewSE3FromRotMat(&rot, t), nil
}

// refine runs a few Gauss-Newton iterations of the reprojection problem on
// the inlier set, perturbing the pose on the left: T <- Exp(xi) * T.
func refine(
	pts3d []r3.Vector, pts2d []r2.Point,
	intrinsics *transform.PinholeCameraIntrinsics,
	pose spatialmath.SE3, mask []bool,
) spatialmath.SE3 {
	const iterations = 10
	for iter := 0; iter < iterations; iter++ {
		h := mat.NewSymDense(6, nil)
		b := mat.NewVecDense(6, nil)
		jac := mat.NewDense(2, 6, nil)
		for i := range pts3d {
			if !mask[i] {
				continue
			}
			pc := pose.TransformPoint(pts3d[i])
			if pc.Z <= 0 {
				continue
			}
			px := intrinsics.SensorToPixel(pc)
			e := px.Sub(pts2d[i])

			z2 := pc.Z * pc.Z
			// d(px)/d(pc)
			j00 := intrinsics.Fx / pc.Z
			j02 := -intrinsics.Fx * pc.X / z2
			j11 := intrinsics.Fy / pc.Z
			j12 := -intrinsics.Fy * pc.Y / z2
			// d(pc)/d(xi) with xi = [omega, v]: [-hat(pc) | I]
			jac.SetRow(0, []float64{
				j02*pc.Y - 0, j00*pc.Z + j02*-pc.X, -j00 * pc.Y,
				j00, 0, j02,
			})
			jac.SetRow(1, []float64{
				-j11*pc.Z + j12*pc.Y, -j12 * pc.X, j11 * pc.X,
				0, j11, j12,
			})
			for r := 0; r < 2; r++ {
				ev := e.X
				if r == 1 {
					ev = e.Y
				}
				for c := 0; c < 6; c++ {
					b.SetVec(c, b.AtVec(c)-jac.At(r, c)*ev)
					for c2 := c; c2 < 6; c2++ {
						h.SetSym(c, c2, h.At(c, c2)+jac.At(r, c)*jac.At(r, c2))
					}
				}
			}
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(h); !ok {
			return pose
		}
		var dx mat.VecDense
		if err := chol.SolveVecTo(&dx, b); err != nil {
			return pose
		}
		omega := r3.Vector{X: dx.AtVec(0), Y: dx.AtVec(1), Z: dx.AtVec(2)}
		v := r3.Vector{X: dx.AtVec(3), Y: dx.AtVec(4), Z: dx.AtVec(5)}
		pose = spatialmath.NewSE3(spatialmath.Exp(omega), v).Mul(pose)
		if omega.Norm()+v.Norm() < 1e-10 {
			break
		}
	}
	return pose
}
