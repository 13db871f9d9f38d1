package lvio

import (
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/logging"
	"github.com/TurtleZhong/lvio-fusion/solver"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

func testStack(t *testing.T, registry *SensorRegistry) (*Map, *Frontend, *Backend) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	cfg.CameraLeft = testIntrinsics()
	cfg.CameraRight = testIntrinsics()
	cfg.Baseline = 0.12
	m := NewMap()
	frontend := NewFrontend(cfg, m, registry, logger)
	initializer := NewInitializer(logger)
	backend := NewBackend(cfg, m, frontend, initializer, registry, NewPoseGraph(), logger)
	t.Cleanup(func() {
		test.That(t, backend.Close(), test.ShouldBeNil)
	})
	return m, frontend, backend
}

func TestPropagateIdentityIsNoOp(t *testing.T) {
	pg := NewPoseGraph()
	frames := []*Frame{NewFrame(1, nil, nil), NewFrame(2, nil, nil)}
	frames[0].SetPose(spatialmath.NewSE3(spatialmath.Exp(r3.Vector{X: 0.2}), r3.Vector{Y: 3}))
	frames[1].SetPose(spatialmath.NewSE3(spatialmath.Exp(r3.Vector{Z: -0.4}), r3.Vector{X: 1, Z: 2}))
	before := []spatialmath.SE3{frames[0].Pose(), frames[1].Pose()}

	pg.Propagate(spatialmath.IdentitySE3(), frames)
	for i, frame := range frames {
		diff := frame.Pose().Mul(before[i].Inverse())
		test.That(t, spatialmath.Log(diff.Rot).Norm(), test.ShouldBeLessThan, 1e-12)
		test.That(t, diff.Trans.Norm(), test.ShouldBeLessThan, 1e-12)
	}
}

func imuKeyframe(m *Map, t float64, prev *Frame) *Frame {
	f := NewFrame(t, nil, nil)
	f.ID = m.NextFrameID()
	f.LastKeyframe = prev
	f.BImu = true
	p := imu.NewPreintegration(imu.Sample{Acc: r3.Vector{Z: 9.81007}}, imu.Bias{}, imu.DefaultCalib())
	if prev != nil {
		steps := int((t - prev.Time) / 0.01)
		for i := 0; i < steps; i++ {
			if err := p.Append(0.01, r3.Vector{Z: 9.81007}, r3.Vector{}); err != nil {
				panic(err)
			}
		}
	} else {
		if err := p.Append(0.01, r3.Vector{Z: 9.81007}, r3.Vector{}); err != nil {
			panic(err)
		}
	}
	f.Preintegration = p
	m.InsertKeyFrame(f)
	return f
}

func TestRecoverDataRestoresGauge(t *testing.T) {
	m := NewMap()
	var frames []*Frame
	// an earlier keyframe so every window frame participates in IMU
	// residuals
	prev := imuKeyframe(m, 0.5, nil)
	for i := 0; i < 4; i++ {
		f := imuKeyframe(m, float64(i+1), prev)
		f.SetPose(spatialmath.NewSE3(
			spatialmath.Exp(r3.Vector{Z: 0.1 * float64(i)}),
			r3.Vector{X: float64(i), Y: 0.5 * float64(i)},
		))
		frames = append(frames, f)
		prev = f
	}
	original := make([]spatialmath.SE3, len(frames))
	for i, f := range frames {
		original[i] = f.Pose()
	}
	oldPoseImu := frames[0].Pose()

	// simulate the solver drifting the window by a yaw + translation gauge
	gauge := spatialmath.NewSE3(spatialmath.Exp(r3.Vector{Z: 0.3}), r3.Vector{X: 2, Y: -1, Z: 0.5})
	for _, f := range frames {
		f.SetPose(gauge.Mul(f.Pose()))
	}

	b := &Backend{}
	b.recoverData(frames, oldPoseImu)

	for i, f := range frames {
		diff := f.Pose().Mul(original[i].Inverse())
		test.That(t, spatialmath.Log(diff.Rot).Norm(), test.ShouldBeLessThan, 1e-9)
		test.That(t, diff.Trans.Norm(), test.ShouldBeLessThan, 1e-9)
	}
}

func TestCleanOutliersDetachesAndCulls(t *testing.T) {
	registry := NewSensorRegistry()
	m, frontend, backend := testStack(t, registry)

	f1 := NewFrame(1, nil, nil)
	f1.ID = m.NextFrameID()
	m.InsertKeyFrame(f1)
	f2 := NewFrame(2, nil, nil)
	f2.ID = m.NextFrameID()
	m.InsertKeyFrame(f2)

	// landmark seen in both frames; the second observation is 20 px off
	pRig := r3.Vector{X: 0.2, Y: 0.1, Z: 5}
	lm := NewLandmark(pRig)
	lm.ID = m.NextLandmarkID()
	good := NewFeature(f1, frontend.CameraLeft().RobotToPixel(pRig), lm)
	bad := NewFeature(f2, frontend.CameraLeft().WorldToPixel(lm.ToWorld(), f2.Pose()).Add(r2.Point{X: 20}), lm)
	lm.AddObservation(good)
	lm.AddObservation(bad)
	f1.AddFeature(good)
	f2.AddFeature(bad)
	m.InsertLandmark(lm)

	// a current frame exists beyond the window
	_ = m.NextFrameID()

	backend.cleanOutliers([]*Frame{f1, f2})
	test.That(t, len(f2.FeaturesLeft), test.ShouldEqual, 0)
	// with one observation left and the live frame elsewhere, the
	// landmark is culled entirely
	test.That(t, m.NumLandmarks(), test.ShouldEqual, 0)
	test.That(t, len(f1.FeaturesLeft), test.ShouldEqual, 0)
}

func TestPauseResumeHandshake(t *testing.T) {
	registry := NewSensorRegistry()
	_, _, backend := testStack(t, registry)

	test.That(t, backend.State(), test.ShouldEqual, BackendRunning)
	backend.Pause()
	test.That(t, backend.State(), test.ShouldEqual, BackendPausing)
	// pausing twice is a no-op
	backend.Pause()
	test.That(t, backend.State(), test.ShouldEqual, BackendPausing)

	backend.Continue()
	test.That(t, backend.State(), test.ShouldEqual, BackendRunning)

	// signals while running coalesce and never wedge the worker
	backend.UpdateMap()
	backend.UpdateMap()
	time.Sleep(50 * time.Millisecond)
	test.That(t, backend.State(), test.ShouldEqual, BackendRunning)
}

func TestStagedInertialBootstrap(t *testing.T) {
	registry := NewSensorRegistry()
	registry.RegisterIMU()
	m, frontend, backend := testStack(t, registry)

	var prev *Frame
	for i := 0; i < DefaultInitializerFrames; i++ {
		f := imuKeyframe(m, 0.5+0.5*float64(i), prev)
		f.BImu = false
		prev = f
	}
	frontend.LastFrame = prev

	test.That(t, backend.initializer.Initialized, test.ShouldBeFalse)
	backend.forwardPropagate(spatialmath.IdentitySE3(), prev.Time+epsilon, prev.Pose())

	test.That(t, backend.initializer.Initialized, test.ShouldBeTrue)
	test.That(t, backend.tinit, test.ShouldAlmostEqual, prev.Time, 1e-9)
	for _, kf := range m.GetKeyFrames(0) {
		if kf.Preintegration != nil {
			test.That(t, kf.BImu, test.ShouldBeTrue)
		}
	}
}

func TestSolverWindowOfOneSkipsIMUResiduals(t *testing.T) {
	registry := NewSensorRegistry()
	registry.RegisterIMU()
	m, _, backend := testStack(t, registry)
	backend.initializer.Initialized = true

	f := imuKeyframe(m, 1, nil)
	f.BImu = true

	problem := solver.NewProblem()
	err := backend.buildProblem([]*Frame{f}, problem, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, problem.NumResidualBlocks(), test.ShouldEqual, 0)
}
