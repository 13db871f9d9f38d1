package transform

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// poseMatrix34 returns the 3x4 matrix [R | t] of a transform.
func poseMatrix34(p spatialmath.SE3) *mat.Dense {
	r := p.RotationMatrix()
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, r.At(i, j))
		}
	}
	out.Set(0, 3, p.Trans.X)
	out.Set(1, 3, p.Trans.Y)
	out.Set(2, 3, p.Trans.Z)
	return out
}

// Triangulate recovers the rig-frame position of a point observed on the
// normalized sensor planes of two cameras of the same rig. The solution is
// the linear cross-product method: for each view, x-hat * P * X = 0, solved
// by SVD of the stacked system.
func Triangulate(poseLeft, poseRight spatialmath.SE3, ptLeft, ptRight r3.Vector) (r3.Vector, error) {
	pLeft := poseMatrix34(poseLeft)
	pRight := poseMatrix34(poseRight)

	var rowsLeft, rowsRight, a mat.Dense
	rowsLeft.Mul(spatialmath.Hat(ptLeft), pLeft)
	rowsRight.Mul(spatialmath.Hat(ptRight), pRight)
	a.Stack(&rowsLeft, &rowsRight)

	var svd mat.SVD
	if ok := svd.Factorize(&a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.New("failed to factorize triangulation system")
	}
	const rcond = 1e-15
	if svd.Rank(rcond) == 0 {
		return r3.Vector{}, errors.New("zero rank triangulation system")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, errors.New("triangulated point at infinity")
	}
	return r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}, nil
}
