package lvio

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
	"github.com/TurtleZhong/lvio-fusion/solver"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

func testCamera() *transform.Camera {
	return transform.NewCamera(&transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 400, Fy: 400, Ppx: 320, Ppy: 240,
	}, spatialmath.NewSE3(spatialmath.Exp(r3.Vector{Y: 0.02}), r3.Vector{X: -0.05}))
}

// checkPoseTangentJacobian chains an ambient jacobian through the pose manifold
// and compares it against central differences of the cost along each
// tangent direction. The ambient forms may disagree radially (the
// quaternion gets normalized on evaluation), so tangent space is where the
// two must match.
func checkPoseTangentJacobian(t *testing.T, cost solver.CostFunction, params [][]float64, bi int, ambient []float64) {
	t.Helper()
	const h = 1e-6
	man := solver.PoseManifold{}
	m := cost.NumResiduals()
	x := params[bi]

	for k := 0; k < man.TangentSize(); k++ {
		delta := make([]float64, man.TangentSize())

		// numeric directional derivative through Plus
		rp := make([]float64, m)
		rm := make([]float64, m)
		probe := make([]float64, len(x))
		delta[k] = h
		man.Plus(x, delta, probe)
		params[bi] = probe
		test.That(t, cost.Evaluate(params, rp), test.ShouldBeNil)
		delta[k] = -h
		probeM := make([]float64, len(x))
		man.Plus(x, delta, probeM)
		params[bi] = probeM
		test.That(t, cost.Evaluate(params, rm), test.ShouldBeNil)
		params[bi] = x

		// plus-jacobian column for the analytic chain
		col := make([]float64, len(x))
		for a := range col {
			col[a] = (probe[a] - probeM[a]) / (2 * h)
		}
		for row := 0; row < m; row++ {
			analytic := 0.0
			for a := range col {
				analytic += ambient[row*len(x)+a] * col[a]
			}
			numeric := (rp[row] - rm[row]) / (2 * h)
			test.That(t, analytic, test.ShouldAlmostEqual, numeric, 1e-3)
		}
	}
}

func TestPoseOnlyReprojectionAnalyticJacobian(t *testing.T) {
	camera := testCamera()
	pose := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{X: 0.1, Y: -0.2, Z: 0.3}), r3.Vector{X: 0.4, Y: -0.6, Z: 0.2})
	pw := r3.Vector{X: 0.7, Y: -0.3, Z: 6}

	cost := NewPoseOnlyReprojectionError(camera.WorldToPixel(pw, pose).Add(r2.Point{X: 2, Y: -1}), pw, camera, 1.3)

	buf := make([]float64, spatialmath.NumSE3Params)
	pose.ToParams(buf)
	params := [][]float64{buf}
	residuals := make([]float64, 2)
	jac := make([]float64, 2*7)
	test.That(t, cost.Jacobians(params, residuals, [][]float64{jac}), test.ShouldBeNil)

	checkPoseTangentJacobian(t, cost, params, 0, jac)
}

func TestTwoFrameReprojectionZeroAtConsistentGeometry(t *testing.T) {
	camera := testCamera()
	refPose := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{Z: 0.1}), r3.Vector{X: 0.2})
	curPose := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{Z: 0.15}), r3.Vector{X: 0.35})
	pRef := r3.Vector{X: 0.3, Y: 0.1, Z: 4}

	pw := refPose.Inverse().TransformPoint(pRef)
	ob := camera.WorldToPixel(pw, curPose)
	cost := NewTwoFrameReprojectionError(pRef, ob, camera, 1)

	refBuf := make([]float64, spatialmath.NumSE3Params)
	curBuf := make([]float64, spatialmath.NumSE3Params)
	refPose.ToParams(refBuf)
	curPose.ToParams(curBuf)
	residuals := make([]float64, 2)
	test.That(t, cost.Evaluate([][]float64{refBuf, curBuf}, residuals), test.ShouldBeNil)
	test.That(t, math.Abs(residuals[0]), test.ShouldBeLessThan, 1e-9)
	test.That(t, math.Abs(residuals[1]), test.ShouldBeLessThan, 1e-9)

	// analytic observing-pose jacobian agrees with numeric differences
	jacRef := make([]float64, 2*7)
	jacCur := make([]float64, 2*7)
	test.That(t, cost.Jacobians([][]float64{refBuf, curBuf}, residuals, [][]float64{jacRef, jacCur}), test.ShouldBeNil)
	checkPoseTangentJacobian(t, cost, [][]float64{refBuf, curBuf}, 1, jacCur)
}

func TestIMUErrorZeroAtPropagatedState(t *testing.T) {
	calib := imu.DefaultCalib()
	preint := imu.NewPreintegration(imu.Sample{Acc: r3.Vector{X: 0.5, Z: 9.81}, Gyro: r3.Vector{Z: 0.1}}, imu.Bias{}, calib)
	for i := 0; i < 200; i++ {
		err := preint.Append(0.005, r3.Vector{X: 0.5, Z: 9.81}, r3.Vector{Z: 0.1})
		test.That(t, err, test.ShouldBeNil)
	}

	// body state i
	pi := r3.Vector{X: 1, Y: -1, Z: 0.5}
	qi := spatialmath.Exp(r3.Vector{Z: 0.2})
	vi := r3.Vector{X: 0.3}
	dt := preint.SumDt

	qj := quat.Mul(qi, preint.DeltaQ)
	vj := vi.Add(imu.Gravity.Mul(dt)).Add(spatialmath.Rotate(qi, preint.DeltaV))
	pj := pi.Add(vi.Mul(dt)).Add(imu.Gravity.Mul(0.5 * dt * dt)).Add(spatialmath.Rotate(qi, preint.DeltaP))

	// frame poses are world-to-rig; with an identity extrinsic the body
	// world pose is the inverse
	poseI := spatialmath.NewSE3(qi, pi).Inverse()
	poseJ := spatialmath.NewSE3(qj, pj).Inverse()
	bufI := make([]float64, spatialmath.NumSE3Params)
	bufJ := make([]float64, spatialmath.NumSE3Params)
	poseI.ToParams(bufI)
	poseJ.ToParams(bufJ)

	cost := NewIMUError(preint)
	residuals := make([]float64, 15)
	err := cost.Evaluate([][]float64{
		bufI, {vi.X, vi.Y, vi.Z}, {0, 0, 0}, {0, 0, 0},
		bufJ, {vj.X, vj.Y, vj.Z}, {0, 0, 0}, {0, 0, 0},
	}, residuals)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range residuals {
		test.That(t, math.Abs(v), test.ShouldBeLessThan, 1e-5)
	}
}

func TestPoseGraphErrorZeroAtMeasuredRelative(t *testing.T) {
	a := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{X: 0.3}), r3.Vector{Y: 1})
	bp := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{X: 0.35, Z: 0.1}), r3.Vector{Y: 1.5, X: 0.2})
	cost := NewPoseGraphError(a, bp, 2.0)

	bufA := make([]float64, spatialmath.NumSE3Params)
	bufB := make([]float64, spatialmath.NumSE3Params)
	a.ToParams(bufA)
	bp.ToParams(bufB)
	residuals := make([]float64, 7)
	test.That(t, cost.Evaluate([][]float64{bufA, bufB}, residuals), test.ShouldBeNil)
	for _, v := range residuals {
		test.That(t, math.Abs(v), test.ShouldBeLessThan, 1e-12)
	}
}

func TestPriorResiduals(t *testing.T) {
	pose := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{Y: 0.4}), r3.Vector{X: 2, Z: -1})
	buf := make([]float64, spatialmath.NumSE3Params)
	pose.ToParams(buf)

	full := NewPoseError(pose, 3)
	res7 := make([]float64, 7)
	test.That(t, full.Evaluate([][]float64{buf}, res7), test.ShouldBeNil)
	for _, v := range res7 {
		test.That(t, v, test.ShouldEqual, 0.0)
	}

	rot := NewRError(pose)
	res4 := make([]float64, 4)
	test.That(t, rot.Evaluate([][]float64{buf}, res4), test.ShouldBeNil)
	for _, v := range res4 {
		test.That(t, v, test.ShouldEqual, 0.0)
	}

	trans := NewTError(pose, 2)
	res3 := make([]float64, 3)
	shifted := append([]float64(nil), buf...)
	shifted[4] += 0.5
	test.That(t, trans.Evaluate([][]float64{shifted}, res3), test.ShouldBeNil)
	test.That(t, res3[0], test.ShouldAlmostEqual, 1.0, 1e-12)
	test.That(t, res3[1], test.ShouldEqual, 0.0)
}
