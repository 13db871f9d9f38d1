package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// R2YPR decomposes a rotation matrix into yaw-pitch-roll in degrees,
// returned as {X: yaw, Y: pitch, Z: roll}.
func R2YPR(m mat.Matrix) r3.Vector {
	n := r3.Vector{X: m.At(0, 0), Y: m.At(1, 0), Z: m.At(2, 0)}
	o := r3.Vector{X: m.At(0, 1), Y: m.At(1, 1), Z: m.At(2, 1)}
	a := r3.Vector{X: m.At(0, 2), Y: m.At(1, 2), Z: m.At(2, 2)}

	y := math.Atan2(n.Y, n.X)
	p := math.Atan2(-n.Z, n.X*math.Cos(y)+n.Y*math.Sin(y))
	r := math.Atan2(a.X*math.Sin(y)-a.Y*math.Cos(y), -o.X*math.Sin(y)+o.Y*math.Cos(y))
	return r3.Vector{X: y * radToDeg, Y: p * radToDeg, Z: r * radToDeg}
}

// YPR2R builds a rotation matrix from yaw-pitch-roll in degrees.
func YPR2R(ypr r3.Vector) *mat.Dense {
	y := ypr.X / radToDeg
	p := ypr.Y / radToDeg
	r := ypr.Z / radToDeg

	rz := mat.NewDense(3, 3, []float64{
		math.Cos(y), -math.Sin(y), 0,
		math.Sin(y), math.Cos(y), 0,
		0, 0, 1,
	})
	ry := mat.NewDense(3, 3, []float64{
		math.Cos(p), 0, math.Sin(p),
		0, 1, 0,
		-math.Sin(p), 0, math.Cos(p),
	})
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.Cos(r), -math.Sin(r),
		0, math.Sin(r), math.Cos(r),
	})
	var tmp, out mat.Dense
	tmp.Mul(rz, ry)
	out.Mul(&tmp, rx)
	return &out
}
