package lvio

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/logging"
	"github.com/TurtleZhong/lvio-fusion/solver"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// BackendStatus is the worker's pause-protocol state.
type BackendStatus int

// Backend worker states; transitions run RUNNING -> TO_PAUSE -> PAUSING ->
// RUNNING only.
const (
	BackendRunning BackendStatus = iota
	BackendToPause
	BackendPausing
)

const (
	// window advance guard past the last optimized keyframe
	epsilon = 1e-6
	// features reprojecting worse than this after a solve are detached
	maxReprojError = 10.0
	// staged initialization schedule, seconds since the last bootstrap
	stageASeconds = 5.0
	stageBSeconds = 15.0
	// near-gimbal-lock pitch bound for yaw-only gauge recovery, degrees
	gaugePitchGuard = 1.0
	huberDelta      = 1.0
)

// Backend is the sliding-window optimizer: a dedicated worker that waits
// for map updates, solves the windowed problem, recovers the gauge, culls
// outliers, and forward-propagates the correction to the live frame.
type Backend struct {
	mu sync.Mutex // serializes the optimize cycle

	stateMu     sync.Mutex
	mapUpdate   *sync.Cond
	runningCond *sync.Cond
	pausingCond *sync.Cond
	status      BackendStatus
	pending     bool
	closed      bool

	logger     logging.Logger
	clk        clock.Clock
	windowSize float64
	numThreads int

	m           *Map
	frontend    *Frontend
	initializer *Initializer
	registry    *SensorRegistry
	poseGraph   *PoseGraph
	lidar       LidarMapping
	navsat      Navsat

	finished float64
	tinit    float64
	initA    bool
	initB    bool
	newFrame *Frame

	workers sync.WaitGroup
}

// NewBackend starts the worker. It wires itself into the frontend.
func NewBackend(
	cfg *Config,
	m *Map,
	frontend *Frontend,
	initializer *Initializer,
	registry *SensorRegistry,
	poseGraph *PoseGraph,
	logger logging.Logger,
) *Backend {
	b := &Backend{
		logger:      logger,
		clk:         clock.New(),
		windowSize:  cfg.WindowSize,
		numThreads:  cfg.NumThreads,
		m:           m,
		frontend:    frontend,
		initializer: initializer,
		registry:    registry,
		poseGraph:   poseGraph,
		tinit:       -1,
	}
	b.mapUpdate = sync.NewCond(&b.stateMu)
	b.runningCond = sync.NewCond(&b.stateMu)
	b.pausingCond = sync.NewCond(&b.stateMu)
	frontend.SetBackend(b)

	b.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer b.workers.Done()
		b.loop()
	})
	return b
}

// SetLidar wires in the lidar mapping collaborator.
func (b *Backend) SetLidar(l LidarMapping) { b.lidar = l }

// SetNavsat wires in the GNSS collaborator.
func (b *Backend) SetNavsat(n Navsat) { b.navsat = n }

// SetClock replaces the wall clock; tests use a mock.
func (b *Backend) SetClock(c clock.Clock) { b.clk = c }

// State returns the worker's pause-protocol state.
func (b *Backend) State() BackendStatus {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.status
}

// UpdateMap signals the worker that a keyframe arrived. Signals coalesce:
// many notifications before one wait behave like one.
func (b *Backend) UpdateMap() {
	b.stateMu.Lock()
	b.pending = true
	b.mapUpdate.Signal()
	b.stateMu.Unlock()
}

// Pause asks the worker to stop between cycles and returns once it has.
func (b *Backend) Pause() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.status != BackendRunning {
		return
	}
	b.status = BackendToPause
	b.mapUpdate.Broadcast()
	for b.status != BackendPausing && !b.closed {
		b.pausingCond.Wait()
	}
}

// Continue resumes a paused worker.
func (b *Backend) Continue() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.status == BackendPausing {
		b.status = BackendRunning
		b.runningCond.Broadcast()
	}
}

// Close stops the worker and waits for it to exit.
func (b *Backend) Close() error {
	b.stateMu.Lock()
	b.closed = true
	b.mapUpdate.Broadcast()
	b.runningCond.Broadcast()
	b.pausingCond.Broadcast()
	b.stateMu.Unlock()
	b.workers.Wait()
	return nil
}

func (b *Backend) loop() {
	for {
		b.stateMu.Lock()
		for {
			if b.closed {
				b.stateMu.Unlock()
				return
			}
			if b.status == BackendToPause {
				b.status = BackendPausing
				b.pausingCond.Broadcast()
				for b.status == BackendPausing && !b.closed {
					b.runningCond.Wait()
				}
				continue
			}
			if b.pending {
				break
			}
			b.mapUpdate.Wait()
		}
		b.pending = false
		b.stateMu.Unlock()

		started := b.clk.Now()
		b.optimize()
		b.logger.Debugf("backend cost time: %v", b.clk.Since(started))
	}
}

func (b *Backend) optimize() {
	b.mu.Lock()
	defer b.mu.Unlock()

	activeKfs := b.m.GetKeyFrames(b.finished)
	if len(activeKfs) == 0 {
		return
	}
	last := activeKfs[len(activeKfs)-1]
	oldPose := last.Pose()
	oldPoseImu := activeKfs[0].Pose()

	problem := solver.NewProblem()
	if err := b.buildProblem(activeKfs, problem, true); err != nil {
		b.logger.Errorw("building window problem", "error", err)
	}
	opts := solver.DefaultOptions()
	opts.MaxSolverTime = time.Duration(0.6 * b.windowSize * float64(time.Second))
	opts.NumThreads = b.numThreads
	opts.Clock = b.clk
	summary := solver.Solve(opts, problem)
	b.logger.Debugw("window solved",
		"keyframes", len(activeKfs), "cost", summary.FinalCost, "iterations", summary.Iterations)

	if b.registry.HasIMU() && b.initializer.Initialized {
		b.recoverData(activeKfs, oldPoseImu)
	}

	b.cleanOutliers(activeKfs)

	if b.registry.HasLidar() && b.lidar != nil {
		b.lidar.Optimize(activeKfs)
	}
	if b.registry.HasNavsat() && b.navsat != nil && b.navsat.Initialized() {
		if startTime := b.navsat.Optimize(last.Time); startTime != 0 && b.lidar != nil {
			for _, kf := range b.m.GetKeyFrames(startTime) {
				b.lidar.ToWorld(kf)
			}
		}
	}

	// propagate the window correction to the live frame
	b.newFrame = last
	transform := last.Pose().Mul(oldPose.Inverse())
	forward := last.Time + epsilon
	b.forwardPropagate(transform, forward, oldPose)
	b.finished = forward - b.windowSize
}

// buildProblem adds the visual residuals of the window, and the IMU
// residuals between consecutive preintegrated keyframes once the
// initializer has succeeded.
func (b *Backend) buildProblem(activeKfs []*Frame, problem *solver.Problem, useImu bool) error {
	if len(activeKfs) == 0 {
		return nil
	}
	camera := b.frontend.CameraLeft()
	startTime := activeKfs[0].Time
	loss := solver.HuberLoss{Delta: huberDelta}

	var err error
	for _, frame := range activeKfs {
		problem.AddParameterBlock(frame.PoseParams(), solver.PoseManifold{})
		for _, feature := range frame.FeaturesLeft {
			landmark := feature.Landmark
			firstFrame := landmark.FirstFrame()
			if firstFrame == nil {
				continue
			}
			switch {
			case firstFrame.Time < startTime:
				cost := NewPoseOnlyReprojectionError(feature.Keypoint, landmark.ToWorld(), camera, frame.WeightVisual)
				err = multierr.Append(err, problem.AddResidualBlock(cost, loss, frame.PoseParams()))
			case firstFrame != frame:
				cost := NewTwoFrameReprojectionError(landmark.Position, feature.Keypoint, camera, frame.WeightVisual)
				err = multierr.Append(err, problem.AddResidualBlock(cost, loss,
					firstFrame.PoseParams(), frame.PoseParams()))
			}
		}
	}

	if !useImu || !b.registry.HasIMU() || !b.initializer.Initialized {
		return err
	}
	var lastFrame *Frame
	for _, current := range activeKfs {
		if !current.BImu || current.LastKeyframe == nil || current.Preintegration == nil {
			lastFrame = current
			continue
		}
		problem.AddParameterBlock(current.VelocityParams(), nil)
		problem.AddParameterBlock(current.BiasAParams(), nil)
		problem.AddParameterBlock(current.BiasGParams(), nil)
		if lastFrame != nil && lastFrame.BImu && lastFrame.LastKeyframe != nil {
			cost := NewIMUError(current.Preintegration)
			err = multierr.Append(err, problem.AddResidualBlock(cost, nil,
				lastFrame.PoseParams(), lastFrame.VelocityParams(), lastFrame.BiasAParams(), lastFrame.BiasGParams(),
				current.PoseParams(), current.VelocityParams(), current.BiasAParams(), current.BiasGParams()))
		}
		lastFrame = current
	}
	return err
}

// recoverData re-anchors the window after an IMU solve: the gauge freedom
// leaves yaw and translation unconstrained, so the first keyframe is
// restored by rotating the window by the yaw delta about the pre-solve
// anchor. Near-vertical pitch falls back to the full rotation delta.
func (b *Backend) recoverData(activeKfs []*Frame, oldPoseImu spatialmath.SE3) {
	if len(activeKfs) == 0 {
		return
	}
	newPose := activeKfs[0].Pose()
	originP0 := oldPoseImu.Trans
	originR0 := spatialmath.R2YPR(oldPoseImu.RotationMatrix())
	originR00 := spatialmath.R2YPR(newPose.RotationMatrix())

	yawDiff := originR0.X - originR00.X
	rotDiff := spatialmath.YPR2R(r3.Vector{X: yawDiff})
	if math.Abs(math.Abs(originR0.Y)-90) < gaugePitchGuard ||
		math.Abs(math.Abs(originR00.Y)-90) < gaugePitchGuard {
		var full mat.Dense
		full.Mul(oldPoseImu.RotationMatrix(), newPose.Inverse().RotationMatrix())
		rotDiff = &full
	}
	rotQ := spatialmath.RotMatToQuat(rotDiff)

	for _, frame := range activeKfs {
		if frame.Preintegration == nil || frame.LastKeyframe == nil || !frame.BImu {
			continue
		}
		pose := frame.Pose()
		newRot := spatialmath.NormalizeRotation(quat.Mul(rotQ, pose.Rot))
		newTrans := spatialmath.Rotate(rotQ, pose.Trans.Sub(newPose.Trans)).Add(originP0)
		frame.SetPose(spatialmath.NewSE3(newRot, newTrans))
		frame.SetVelocity(spatialmath.Rotate(rotQ, frame.Velocity()))
		frame.SetNewBias(frame.Bias())
	}
}

// cleanOutliers detaches features whose refined reprojection error is too
// large and culls landmarks left with at most one observation, unless they
// live on the current frame.
func (b *Backend) cleanOutliers(activeKfs []*Frame) {
	camera := b.frontend.CameraLeft()
	currentID := b.m.CurrentFrameID()
	for _, frame := range activeKfs {
		features := make([]*Feature, 0, len(frame.FeaturesLeft))
		for _, feature := range frame.FeaturesLeft {
			features = append(features, feature)
		}
		for _, feature := range features {
			landmark := feature.Landmark
			firstFrame := landmark.FirstFrame()
			if firstFrame != frame {
				px := camera.WorldToPixel(landmark.ToWorld(), frame.Pose())
				if px.Sub(feature.Keypoint).Norm() > maxReprojError {
					landmark.RemoveObservation(feature)
					frame.RemoveFeature(feature)
				}
			}
			if len(landmark.Observations) <= 1 && frame.ID != currentID {
				b.m.RemoveLandmark(landmark)
			}
		}
	}
}

// forwardPropagate applies the window correction to the keyframes past the
// window and to the live frame, runs the staged inertial initialization,
// stabilizes with a single visual iteration, and refreshes the frontend's
// caches. The frontend mutex is held throughout.
func (b *Backend) forwardPropagate(transform spatialmath.SE3, tme float64, oldPose spatialmath.SE3) {
	f := b.frontend
	f.mu.Lock()
	defer f.mu.Unlock()

	lastFrame := f.LastFrame
	activeKfs := b.m.GetKeyFrames(tme)
	if lastFrame != nil {
		found := false
		for _, kf := range activeKfs {
			if kf == lastFrame {
				found = true
				break
			}
		}
		if !found {
			activeKfs = append(activeKfs, lastFrame)
		}
	}

	priorA, priorG := 1e3, 1e1
	if b.registry.HasIMU() && b.initializer.Initialized && len(activeKfs) > 0 {
		dt := 0.0
		if b.tinit != -1 {
			dt = activeKfs[len(activeKfs)-1].Time - b.tinit
		}
		switch {
		case dt < stageASeconds:
			// too early, keep the current linearization
		case dt < stageBSeconds:
			if !b.initA {
				b.initializer.Reinit = true
				b.initA = true
				priorA, priorG = 1e4, 1e1
			}
		default:
			if !b.initB {
				b.initializer.Reinit = true
				b.initB = true
				priorA, priorG = 0, 0
			}
		}
	}

	var framesInit []*Frame
	isInitializing := false
	if b.registry.HasIMU() && (!b.initializer.Initialized || b.initializer.Reinit) {
		framesInit = b.m.GetKeyFramesN(0, tme, b.initializer.NumFrames)
		if len(framesInit) == b.initializer.NumFrames &&
			framesInit[0].Time > f.validTime &&
			framesInit[0].Preintegration != nil {
			if !b.initializer.Initialized {
				b.tinit = framesInit[len(framesInit)-1].Time
			}
			isInitializing = true
		}
	}

	originInit := false
	if isInitializing {
		originInit = true
		b.logger.Info("initializer start")
		if b.initializer.InitializeIMU(framesInit, priorA, priorG) {
			f.status = StatusTrackingGood
			for _, frame := range activeKfs {
				if frame.Preintegration != nil {
					frame.BImu = true
				}
			}
		}
		b.logger.Info("initializer finished")
	}

	if !originInit {
		b.poseGraph.Propagate(transform, activeKfs)
	}

	// one linearization of the visual problem to stabilize the forward set
	problem := solver.NewProblem()
	if err := b.buildProblem(activeKfs, problem, false); err != nil {
		b.logger.Errorw("building forward problem", "error", err)
	}
	opts := solver.DefaultOptions()
	opts.MaxIterations = 1
	opts.NumThreads = b.numThreads
	opts.Clock = b.clk
	solver.Solve(opts, problem)

	if b.registry.HasIMU() && b.initializer.Initialized {
		// gravity-aware velocity prediction from the previous keyframe
		lastKF := b.newFrame
		for _, current := range activeKfs {
			if current.Preintegration == nil || lastKF == nil {
				lastKF = current
				continue
			}
			t12 := current.Preintegration.SumDt
			bias := lastKF.Bias()
			rwb1 := lastKF.ImuRotation()
			vwb2 := lastKF.Velocity().
				Add(imu.Gravity.Mul(t12)).
				Add(spatialmath.Rotate(rwb1, current.Preintegration.GetDeltaVelocity(bias)))
			current.SetVelocity(vwb2)
			current.SetNewBias(bias)
			lastKF = current
		}

		b.imuOnlyRefinement(tme)

		refreshed := b.m.GetKeyFrames(tme)
		if len(refreshed) == 0 {
			if b.newFrame != nil {
				f.updateFrameIMULocked(b.newFrame.Bias())
			}
		} else {
			f.updateFrameIMULocked(refreshed[len(refreshed)-1].Bias())
		}
	}

	f.updateCacheLocked()
}

// imuOnlyRefinement solves the IMU residuals over the forward set with all
// poses and the first pair's state held constant, then writes the biases
// back through the preintegrations.
func (b *Backend) imuOnlyRefinement(tme float64) {
	activeKfs := b.m.GetKeyFrames(tme)
	if len(activeKfs) == 0 {
		return
	}
	problem := solver.NewProblem()
	lastFrame := b.newFrame
	firstPair := true
	added := 0
	for _, current := range activeKfs {
		if !current.BImu || current.LastKeyframe == nil || current.Preintegration == nil {
			lastFrame = current
			continue
		}
		problem.AddParameterBlock(current.PoseParams(), solver.PoseManifold{})
		problem.AddParameterBlock(current.VelocityParams(), nil)
		problem.AddParameterBlock(current.BiasAParams(), nil)
		problem.AddParameterBlock(current.BiasGParams(), nil)
		problem.SetParameterBlockConstant(current.PoseParams())
		if lastFrame != nil && lastFrame.BImu && lastFrame.LastKeyframe != nil {
			if firstPair {
				problem.AddParameterBlock(lastFrame.PoseParams(), solver.PoseManifold{})
				problem.AddParameterBlock(lastFrame.VelocityParams(), nil)
				problem.AddParameterBlock(lastFrame.BiasAParams(), nil)
				problem.AddParameterBlock(lastFrame.BiasGParams(), nil)
				problem.SetParameterBlockConstant(lastFrame.PoseParams())
				problem.SetParameterBlockConstant(lastFrame.VelocityParams())
				problem.SetParameterBlockConstant(lastFrame.BiasAParams())
				problem.SetParameterBlockConstant(lastFrame.BiasGParams())
				firstPair = false
			}
			cost := NewIMUError(current.Preintegration)
			if err := problem.AddResidualBlock(cost, nil,
				lastFrame.PoseParams(), lastFrame.VelocityParams(), lastFrame.BiasAParams(), lastFrame.BiasGParams(),
				current.PoseParams(), current.VelocityParams(), current.BiasAParams(), current.BiasGParams()); err == nil {
				added++
			}
		}
		lastFrame = current
	}
	if added == 0 {
		return
	}
	opts := solver.DefaultOptions()
	opts.MaxIterations = 4
	opts.MaxSolverTime = 100 * time.Millisecond
	opts.NumThreads = b.numThreads
	opts.Clock = b.clk
	solver.Solve(opts, problem)

	for _, frame := range activeKfs {
		if frame.Preintegration == nil || frame.LastKeyframe == nil || !frame.BImu {
			continue
		}
		frame.SetNewBias(frame.Bias())
	}
}
