package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// NumSE3Params is the ambient size of an SE(3) parameter buffer:
// [qx qy qz qw x y z].
const NumSE3Params = 7

// SE3 is a rigid transform stored as a unit quaternion and a translation.
type SE3 struct {
	Rot   quat.Number
	Trans r3.Vector
}

// NewSE3 returns the transform with rotation q and translation t.
func NewSE3(q quat.Number, t r3.Vector) SE3 {
	return SE3{Rot: NormalizeRotation(q), Trans: t}
}

// NewSE3FromRotMat returns the transform with 3x3 rotation matrix m and
// translation t.
func NewSE3FromRotMat(m mat.Matrix, t r3.Vector) SE3 {
	return SE3{Rot: RotMatToQuat(m), Trans: t}
}

// IdentitySE3 returns the identity transform.
func IdentitySE3() SE3 {
	return SE3{Rot: quat.Number{Real: 1}}
}

// Mul composes two transforms: (a.Mul(b))(p) == a(b(p)).
func (p SE3) Mul(o SE3) SE3 {
	return SE3{
		Rot:   NormalizeRotation(quat.Mul(p.Rot, o.Rot)),
		Trans: Rotate(p.Rot, o.Trans).Add(p.Trans),
	}
}

// Inverse returns the inverse transform.
func (p SE3) Inverse() SE3 {
	inv := quat.Conj(p.Rot)
	return SE3{Rot: inv, Trans: Rotate(inv, p.Trans.Mul(-1))}
}

// TransformPoint applies the transform to a point.
func (p SE3) TransformPoint(pt r3.Vector) r3.Vector {
	return Rotate(p.Rot, pt).Add(p.Trans)
}

// RotationMatrix returns the 3x3 rotation matrix of the transform.
func (p SE3) RotationMatrix() *mat.Dense {
	return QuatToRotMat(p.Rot)
}

// ToParams writes the transform into a 7-double buffer [qx qy qz qw x y z].
func (p SE3) ToParams(out []float64) {
	out[0] = p.Rot.Imag
	out[1] = p.Rot.Jmag
	out[2] = p.Rot.Kmag
	out[3] = p.Rot.Real
	out[4] = p.Trans.X
	out[5] = p.Trans.Y
	out[6] = p.Trans.Z
}

// FromParams reads a transform out of a 7-double buffer [qx qy qz qw x y z].
func FromParams(buf []float64) SE3 {
	return SE3{
		Rot:   NormalizeRotation(quat.Number{Imag: buf[0], Jmag: buf[1], Kmag: buf[2], Real: buf[3]}),
		Trans: r3.Vector{X: buf[4], Y: buf[5], Z: buf[6]},
	}
}
