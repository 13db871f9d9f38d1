package imu

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

func TestAppendRejectsBadInput(t *testing.T) {
	p := NewPreintegration(Sample{}, Bias{}, DefaultCalib())
	err := p.Append(0, r3.Vector{}, r3.Vector{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
	err = p.Append(-0.01, r3.Vector{}, r3.Vector{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
	err = p.Append(0.01, r3.Vector{X: math.NaN()}, r3.Vector{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
	test.That(t, p.SumDt, test.ShouldEqual, 0.0)
}

func TestConstantAcceleration(t *testing.T) {
	// body aligned with world, accelerating at 1 m/s^2 along x; the
	// accelerometer reports specific force a - g
	aTrue := r3.Vector{X: 1}
	meas := aTrue.Sub(Gravity)
	p := NewPreintegration(Sample{Acc: meas}, Bias{}, DefaultCalib())

	const dt = 0.001
	const n = 1000
	for i := 0; i < n; i++ {
		test.That(t, p.Append(dt, meas, r3.Vector{}), test.ShouldBeNil)
	}
	tt := p.SumDt
	test.That(t, tt, test.ShouldAlmostEqual, 1.0, 1e-9)

	v0 := r3.Vector{Y: 0.5}
	pj := v0.Mul(tt).Add(aTrue.Mul(0.5 * tt * tt)).Add(r3.Vector{})
	vj := v0.Add(aTrue.Mul(tt))

	res := p.Evaluate(
		r3.Vector{}, quat.Number{Real: 1}, v0, r3.Vector{}, r3.Vector{},
		pj, quat.Number{Real: 1}, vj, r3.Vector{}, r3.Vector{},
	)
	for _, v := range res {
		test.That(t, math.Abs(v), test.ShouldBeLessThan, 1e-6)
	}
}

func TestEvaluateAtPropagatedState(t *testing.T) {
	// arbitrary motion: the state predicted from the preintegrated deltas
	// must produce a zero residual
	p := NewPreintegration(Sample{Acc: r3.Vector{X: 0.3, Z: 9.9}, Gyro: r3.Vector{Z: 0.2}}, Bias{}, DefaultCalib())
	const dt = 0.005
	for i := 0; i < 400; i++ {
		acc := r3.Vector{X: 0.3 + 0.1*math.Sin(float64(i)*0.05), Y: -0.2, Z: 9.9}
		gyro := r3.Vector{X: 0.05, Z: 0.2 + 0.01*float64(i%7)}
		test.That(t, p.Append(dt, acc, gyro), test.ShouldBeNil)
	}

	pi := r3.Vector{X: 1, Y: 2, Z: 3}
	qi := spatialmath.Exp(r3.Vector{X: 0.1, Y: -0.2, Z: 0.3})
	vi := r3.Vector{X: 0.4, Y: -0.1, Z: 0.05}
	tt := p.SumDt

	qj := quat.Mul(qi, p.DeltaQ)
	vj := vi.Add(Gravity.Mul(tt)).Add(spatialmath.Rotate(qi, p.DeltaV))
	pj := pi.Add(vi.Mul(tt)).Add(Gravity.Mul(0.5 * tt * tt)).Add(spatialmath.Rotate(qi, p.DeltaP))

	res := p.Evaluate(pi, qi, vi, r3.Vector{}, r3.Vector{}, pj, qj, vj, r3.Vector{}, r3.Vector{})
	for _, v := range res {
		test.That(t, math.Abs(v), test.ShouldBeLessThan, 1e-6)
	}
}

func TestBiasCorrectionMatchesRepropagation(t *testing.T) {
	mk := func() *Preintegration {
		p := NewPreintegration(Sample{Acc: r3.Vector{Z: 9.81}, Gyro: r3.Vector{Z: 0.1}}, Bias{}, DefaultCalib())
		for i := 0; i < 200; i++ {
			acc := r3.Vector{X: 0.2, Z: 9.81}
			gyro := r3.Vector{Z: 0.1}
			if err := p.Append(0.005, acc, gyro); err != nil {
				t.Fatal(err)
			}
		}
		return p
	}

	b := Bias{Accel: r3.Vector{X: 0.002}, Gyro: r3.Vector{Z: 0.001}}
	corrected := mk()
	dq := corrected.GetDeltaRotation(b)
	dv := corrected.GetDeltaVelocity(b)
	dp := corrected.GetDeltaPosition(b)

	reprop := mk()
	reprop.Repropagate(b)
	test.That(t, reprop.LinearizedBias, test.ShouldResemble, b)

	angErr := spatialmath.Log(quat.Mul(quat.Conj(reprop.DeltaQ), dq)).Norm()
	test.That(t, angErr, test.ShouldBeLessThan, 1e-5)
	test.That(t, dv.Sub(reprop.DeltaV).Norm(), test.ShouldBeLessThan, 1e-4)
	test.That(t, dp.Sub(reprop.DeltaP).Norm(), test.ShouldBeLessThan, 1e-4)
}

func TestSetNewBiasThreshold(t *testing.T) {
	p := NewPreintegration(Sample{Acc: r3.Vector{Z: 9.81}}, Bias{}, DefaultCalib())
	for i := 0; i < 50; i++ {
		test.That(t, p.Append(0.01, r3.Vector{Z: 9.81}, r3.Vector{}), test.ShouldBeNil)
	}
	// a tiny drift keeps the original linearization point
	p.SetNewBias(Bias{Accel: r3.Vector{X: 1e-4}})
	test.That(t, p.LinearizedBias.Accel.X, test.ShouldEqual, 0.0)
	// a large drift forces re-integration
	p.SetNewBias(Bias{Accel: r3.Vector{X: 0.5}})
	test.That(t, p.LinearizedBias.Accel.X, test.ShouldEqual, 0.5)
}

func TestSqrtInformation(t *testing.T) {
	p := NewPreintegration(Sample{Acc: r3.Vector{Z: 9.81}}, Bias{}, DefaultCalib())
	for i := 0; i < 100; i++ {
		test.That(t, p.Append(0.01, r3.Vector{X: 0.1, Z: 9.81}, r3.Vector{Y: 0.02}), test.ShouldBeNil)
	}
	u, err := p.SqrtInformation()
	test.That(t, err, test.ShouldBeNil)
	r, c := u.Dims()
	test.That(t, r, test.ShouldEqual, 15)
	test.That(t, c, test.ShouldEqual, 15)
}

func TestClone(t *testing.T) {
	p := NewPreintegration(Sample{Acc: r3.Vector{Z: 9.81}}, Bias{}, DefaultCalib())
	test.That(t, p.Append(0.01, r3.Vector{Z: 9.81}, r3.Vector{}), test.ShouldBeNil)
	c := p.Clone()
	test.That(t, c.Append(0.01, r3.Vector{Z: 9.81}, r3.Vector{}), test.ShouldBeNil)
	test.That(t, p.SumDt, test.ShouldAlmostEqual, 0.01, 1e-12)
	test.That(t, c.SumDt, test.ShouldAlmostEqual, 0.02, 1e-12)
}
