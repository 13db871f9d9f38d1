// Package solver is a small dense nonlinear least-squares solver: parameter
// blocks with optional manifolds, robust losses, and a dogleg trust-region
// loop over gonum dense linear algebra. Residual topologies are rebuilt per
// solve, which matches how the backend re-creates its windowed problem on
// every cycle.
package solver

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// Manifold maps a tangent-space increment onto an ambient parameter block.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus writes x boxplus delta into out; out and x may alias.
	Plus(x, delta, out []float64)
}

// EuclideanManifold is the trivial manifold of a flat parameter block.
type EuclideanManifold struct{ Size int }

// AmbientSize returns the block size.
func (m EuclideanManifold) AmbientSize() int { return m.Size }

// TangentSize returns the block size.
func (m EuclideanManifold) TangentSize() int { return m.Size }

// Plus adds delta to x.
func (m EuclideanManifold) Plus(x, delta, out []float64) {
	for i := range delta {
		out[i] = x[i] + delta[i]
	}
}

// QuaternionManifold is the unit quaternion manifold over an ambient
// [qx qy qz qw] block with a 3-dimensional tangent.
type QuaternionManifold struct{}

// AmbientSize returns 4.
func (QuaternionManifold) AmbientSize() int { return 4 }

// TangentSize returns 3.
func (QuaternionManifold) TangentSize() int { return 3 }

// Plus right-multiplies x by the exponential of delta.
func (QuaternionManifold) Plus(x, delta, out []float64) {
	q := quat.Number{Imag: x[0], Jmag: x[1], Kmag: x[2], Real: x[3]}
	dq := spatialmath.Exp(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	r := spatialmath.NormalizeRotation(quat.Mul(q, dq))
	out[0], out[1], out[2], out[3] = r.Imag, r.Jmag, r.Kmag, r.Real
}

// PoseManifold is the product manifold quaternion x identity over an
// ambient [qx qy qz qw x y z] pose block with a 6-dimensional tangent.
type PoseManifold struct{}

// AmbientSize returns 7.
func (PoseManifold) AmbientSize() int { return 7 }

// TangentSize returns 6.
func (PoseManifold) TangentSize() int { return 6 }

// Plus applies the rotation increment on the quaternion part and adds the
// translation increment.
func (PoseManifold) Plus(x, delta, out []float64) {
	QuaternionManifold{}.Plus(x[:4], delta[:3], out[:4])
	for i := 0; i < 3; i++ {
		out[4+i] = x[4+i] + delta[3+i]
	}
}
