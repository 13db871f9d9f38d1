package lvio

import (
	"math"
	"time"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/logging"
	"github.com/TurtleZhong/lvio-fusion/solver"
)

// DefaultInitializerFrames is the number of preintegrated keyframes the
// inertial bootstrap needs.
const DefaultInitializerFrames = 10

// initializerWallBudget bounds each bootstrap solve.
const initializerWallBudget = 100 * time.Millisecond

// Initializer estimates initial velocities and biases from the first
// preintegrated keyframes. The gravity-rotation block of its residuals is
// held constant, so the gravity direction is not estimated; the world
// gravity stays imu.Gravity. Its flags are guarded
// by the caller's locking discipline: the backend only touches them inside
// forward propagation while holding the frontend mutex.
type Initializer struct {
	logger logging.Logger

	NumFrames   int
	Initialized bool
	Reinit      bool
}

// NewInitializer returns an initializer waiting for its first window.
func NewInitializer(logger logging.Logger) *Initializer {
	return &Initializer{logger: logger, NumFrames: DefaultInitializerFrames}
}

// InitializeIMU solves for the velocities of the given keyframes and the
// shared biases, with the first keyframe's velocity fixed and Gaussian
// priors (priorA, priorG) pulling the biases toward zero. On failure it
// returns false without modifying state.
func (ini *Initializer) InitializeIMU(frames []*Frame, priorA, priorG float64) bool {
	if len(frames) < 2 {
		return false
	}

	problem := solver.NewProblem()
	first := frames[0]
	baBuf := first.BiasAParams()
	bgBuf := first.BiasGParams()
	problem.AddParameterBlock(baBuf, nil)
	problem.AddParameterBlock(bgBuf, nil)

	// gravity-rotation block; held constant, like the poses
	rwg := []float64{0, 0, 0, 1}
	problem.AddParameterBlock(rwg, solver.QuaternionManifold{})
	problem.SetParameterBlockConstant(rwg)

	var lastFrame *Frame
	added := 0
	firstPair := true
	for _, cur := range frames {
		if cur.LastKeyframe == nil || cur.Preintegration == nil {
			lastFrame = cur
			continue
		}
		problem.AddParameterBlock(cur.VelocityParams(), nil)
		if lastFrame != nil {
			if firstPair {
				problem.AddParameterBlock(lastFrame.VelocityParams(), nil)
				problem.SetParameterBlockConstant(lastFrame.VelocityParams())
				firstPair = false
			}
			cost := NewIMUErrorG(cur.Preintegration, cur.Pose(), lastFrame.Pose(), priorA, priorG)
			if err := problem.AddResidualBlock(cost, nil,
				lastFrame.VelocityParams(), baBuf, bgBuf, cur.VelocityParams(), rwg); err != nil {
				ini.logger.Warnw("skipping inertial residual", "error", err)
				continue
			}
			added++
		}
		lastFrame = cur
	}
	if added == 0 {
		return false
	}

	opts := solver.DefaultOptions()
	opts.MaxSolverTime = initializerWallBudget
	opts.NumThreads = 4
	summary := solver.Solve(opts, problem)
	if math.IsNaN(summary.FinalCost) || math.IsInf(summary.FinalCost, 0) {
		ini.logger.Warnw("inertial bootstrap diverged", "cost", summary.FinalCost)
		return false
	}
	ini.logger.Infow("inertial bootstrap solved",
		"frames", len(frames), "cost", summary.FinalCost, "iterations", summary.Iterations)

	bias := imu.Bias{
		Accel: vec3(baBuf),
		Gyro:  vec3(bgBuf),
	}
	for _, frame := range frames {
		frame.SetNewBias(bias)
		if frame.Preintegration != nil {
			frame.BImu = true
		}
	}
	ini.Initialized = true
	ini.Reinit = false
	return true
}
