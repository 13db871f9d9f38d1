// Package spatialmath defines the spatial mathematical operations used by
// lvio-fusion: SO(3) exponential/logarithm maps, rigid SE(3) transforms over
// quaternion + translation, and yaw-pitch-roll conversions.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

const radToDeg = 180 / math.Pi

// If a rotation angle is smaller than this, Exp/Log fall back to their
// first-order expansions.
const smallAngle = 1e-10

// Exp returns the unit quaternion for a rotation vector phi (axis * angle).
func Exp(phi r3.Vector) quat.Number {
	angle := phi.Norm()
	if angle < smallAngle {
		return NormalizeRotation(quat.Number{Real: 1, Imag: phi.X / 2, Jmag: phi.Y / 2, Kmag: phi.Z / 2})
	}
	s := math.Sin(angle / 2)
	axis := phi.Mul(1 / angle)
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: s * axis.X,
		Jmag: s * axis.Y,
		Kmag: s * axis.Z,
	}
}

// Log returns the rotation vector of a unit quaternion.
func Log(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	if sinHalf < smallAngle {
		return v.Mul(2)
	}
	angle := 2 * math.Atan2(sinHalf, q.Real)
	return v.Mul(angle / sinHalf)
}

// DeltaQ is the first-order quaternion for a small rotation theta.
func DeltaQ(theta r3.Vector) quat.Number {
	return quat.Number{Real: 1, Imag: theta.X / 2, Jmag: theta.Y / 2, Kmag: theta.Z / 2}
}

// NormalizeRotation scales q back to unit norm; the sign of q is kept. A
// zero quaternion becomes the identity.
func NormalizeRotation(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the rotation q to the point p.
func Rotate(q quat.Number, p r3.Vector) r3.Vector {
	res := quat.Mul(quat.Mul(q, quat.Number{Imag: p.X, Jmag: p.Y, Kmag: p.Z}), quat.Conj(q))
	return r3.Vector{X: res.Imag, Y: res.Jmag, Z: res.Kmag}
}

// Hat returns the skew-symmetric cross-product matrix of v.
func Hat(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// QuatToRotMat converts a unit quaternion to a 3x3 rotation matrix.
func QuatToRotMat(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotMatToQuat converts a 3x3 rotation matrix to a unit quaternion.
func RotMatToQuat(m mat.Matrix) quat.Number {
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (m.At(2, 1) - m.At(1, 2)) / s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) / s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) / s,
		}
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		q = quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: s / 4,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		q = quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		q = quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	return NormalizeRotation(q)
}
