package lvio

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
	"github.com/TurtleZhong/lvio-fusion/solver"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// bodyPose derives the world pose of the IMU body from a frame pose (world
// to rig) and the body-to-rig extrinsic.
func bodyPose(pose, tcb spatialmath.SE3) spatialmath.SE3 {
	return pose.Inverse().Mul(tcb)
}

// PoseOnlyReprojectionError is the 2D reprojection residual of a landmark
// treated as a fixed world point; its only parameter block is one pose.
type PoseOnlyReprojectionError struct {
	Observation r2.Point
	World       r3.Vector
	Camera      *transform.Camera
	Weight      float64
}

// NewPoseOnlyReprojectionError builds the residual for one observation.
func NewPoseOnlyReprojectionError(ob r2.Point, pw r3.Vector, camera *transform.Camera, weight float64) *PoseOnlyReprojectionError {
	return &PoseOnlyReprojectionError{Observation: ob, World: pw, Camera: camera, Weight: weight}
}

// NumResiduals returns 2.
func (e *PoseOnlyReprojectionError) NumResiduals() int { return 2 }

// BlockSizes returns the single 7-parameter pose block.
func (e *PoseOnlyReprojectionError) BlockSizes() []int { return []int{spatialmath.NumSE3Params} }

// Evaluate computes the weighted pixel residual.
func (e *PoseOnlyReprojectionError) Evaluate(params [][]float64, residuals []float64) error {
	pose := spatialmath.FromParams(params[0])
	px := e.Camera.WorldToPixel(e.World, pose)
	residuals[0] = e.Weight * (px.X - e.Observation.X)
	residuals[1] = e.Weight * (px.Y - e.Observation.Y)
	return nil
}

// Jacobians provides the analytic ambient-space derivative of the pixel
// residual with respect to the pose block [qx qy qz qw x y z].
func (e *PoseOnlyReprojectionError) Jacobians(params [][]float64, residuals []float64, jacobians [][]float64) error {
	if err := e.Evaluate(params, residuals); err != nil {
		return err
	}
	if jacobians[0] == nil {
		return nil
	}
	pose := spatialmath.FromParams(params[0])
	writeReprojectionJacobian(jacobians[0], e.Camera, pose, e.World, e.Weight)
	return nil
}

// writeReprojectionJacobian fills a row-major 2x7 jacobian of the projected
// pixel with respect to the pose parameters.
func writeReprojectionJacobian(out []float64, camera *transform.Camera, pose spatialmath.SE3, pw r3.Vector, weight float64) {
	q := pose.Rot
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	w := q.Real
	p := pw

	// d(R(q)p)/d[qx qy qz] and d/dqw
	vDotP := v.Dot(p)
	var dRp mat.Dense
	dRp.Scale(2, mat.NewDense(3, 3, []float64{
		vDotP + v.X*p.X - 2*p.X*v.X - w*0, v.X*p.Y - 2*p.X*v.Y - w*(-p.Z), v.X*p.Z - 2*p.X*v.Z - w*p.Y,
		v.Y*p.X - 2*p.Y*v.X - w*p.Z, vDotP + v.Y*p.Y - 2*p.Y*v.Y - w*0, v.Y*p.Z - 2*p.Y*v.Z - w*(-p.X),
		v.Z*p.X - 2*p.Z*v.X - w*(-p.Y), v.Z*p.Y - 2*p.Z*v.Y - w*p.X, vDotP + v.Z*p.Z - 2*p.Z*v.Z - w*0,
	}))
	dw := v.Cross(p).Mul(2)

	// rig point and camera point
	rcb := camera.Extrinsic.RotationMatrix()
	pc := camera.Extrinsic.TransformPoint(pose.TransformPoint(pw))

	// projection jacobian
	fx, fy := camera.Intrinsics.Fx, camera.Intrinsics.Fy
	z2 := pc.Z * pc.Z
	jProj := mat.NewDense(2, 3, []float64{
		fx / pc.Z, 0, -fx * pc.X / z2,
		0, fy / pc.Z, -fy * pc.Y / z2,
	})

	// assemble d(px)/d(p_rig-source): columns [qx qy qz qw | x y z]
	dpRig := mat.NewDense(3, 7, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dpRig.Set(i, j, dRp.At(i, j))
		}
	}
	dpRig.Set(0, 3, dw.X)
	dpRig.Set(1, 3, dw.Y)
	dpRig.Set(2, 3, dw.Z)
	dpRig.Set(0, 4, 1)
	dpRig.Set(1, 5, 1)
	dpRig.Set(2, 6, 1)

	var tmp, full mat.Dense
	tmp.Mul(rcb, dpRig)
	full.Mul(jProj, &tmp)
	for i := 0; i < 2; i++ {
		for j := 0; j < 7; j++ {
			out[i*7+j] = weight * full.At(i, j)
		}
	}
}

// TwoFrameReprojectionError links the landmark's reference-frame pose and
// the observing pose: the point is expressed in the reference frame's rig
// coordinates.
type TwoFrameReprojectionError struct {
	PointInRef  r3.Vector
	Observation r2.Point
	Camera      *transform.Camera
	Weight      float64
}

// NewTwoFrameReprojectionError builds the residual for one observation.
func NewTwoFrameReprojectionError(pr r3.Vector, ob r2.Point, camera *transform.Camera, weight float64) *TwoFrameReprojectionError {
	return &TwoFrameReprojectionError{PointInRef: pr, Observation: ob, Camera: camera, Weight: weight}
}

// NumResiduals returns 2.
func (e *TwoFrameReprojectionError) NumResiduals() int { return 2 }

// BlockSizes returns the reference pose and observing pose blocks.
func (e *TwoFrameReprojectionError) BlockSizes() []int {
	return []int{spatialmath.NumSE3Params, spatialmath.NumSE3Params}
}

// Evaluate computes the weighted pixel residual.
func (e *TwoFrameReprojectionError) Evaluate(params [][]float64, residuals []float64) error {
	refPose := spatialmath.FromParams(params[0])
	pose := spatialmath.FromParams(params[1])
	pw := refPose.Inverse().TransformPoint(e.PointInRef)
	px := e.Camera.WorldToPixel(pw, pose)
	residuals[0] = e.Weight * (px.X - e.Observation.X)
	residuals[1] = e.Weight * (px.Y - e.Observation.Y)
	return nil
}

// Jacobians provides the analytic derivative with respect to the observing
// pose; the reference pose derivative is left to numeric differentiation.
func (e *TwoFrameReprojectionError) Jacobians(params [][]float64, residuals []float64, jacobians [][]float64) error {
	if err := e.Evaluate(params, residuals); err != nil {
		return err
	}
	if jacobians[1] != nil {
		refPose := spatialmath.FromParams(params[0])
		pose := spatialmath.FromParams(params[1])
		pw := refPose.Inverse().TransformPoint(e.PointInRef)
		writeReprojectionJacobian(jacobians[1], e.Camera, pose, pw, e.Weight)
	}
	if jacobians[0] != nil {
		numericAmbient(e, params, 0, jacobians[0])
	}
	return nil
}

// numericAmbient fills an ambient jacobian by central differences; used for
// blocks whose analytic form is not worth carrying.
func numericAmbient(cost solver.CostFunction, params [][]float64, bi int, out []float64) {
	const h = 1e-7
	m := cost.NumResiduals()
	size := len(params[bi])
	rp := make([]float64, m)
	rm := make([]float64, m)
	orig := params[bi]
	probe := append([]float64(nil), orig...)
	params[bi] = probe
	for k := 0; k < size; k++ {
		probe[k] = orig[k] + h
		if cost.Evaluate(params, rp) != nil {
			probe[k] = orig[k]
			continue
		}
		probe[k] = orig[k] - h
		if cost.Evaluate(params, rm) != nil {
			probe[k] = orig[k]
			continue
		}
		probe[k] = orig[k]
		for row := 0; row < m; row++ {
			out[row*size+k] = (rp[row] - rm[row]) / (2 * h)
		}
	}
	params[bi] = orig
}

// IMUError is the 15-dimensional preintegration residual over the pose,
// velocity, and bias blocks of two consecutive keyframes.
type IMUError struct {
	preintegration *imu.Preintegration
	sqrtInfo       *mat.Dense
}

// NewIMUError builds the residual and caches the whitening factor.
func NewIMUError(p *imu.Preintegration) *IMUError {
	e := &IMUError{preintegration: p}
	if u, err := p.SqrtInformation(); err == nil {
		e.sqrtInfo = u
	}
	return e
}

// NumResiduals returns 15.
func (e *IMUError) NumResiduals() int { return 15 }

// BlockSizes returns {pose_i, v_i, ba_i, bg_i, pose_j, v_j, ba_j, bg_j}.
func (e *IMUError) BlockSizes() []int {
	return []int{spatialmath.NumSE3Params, 3, 3, 3, spatialmath.NumSE3Params, 3, 3, 3}
}

func vec3(p []float64) r3.Vector { return r3.Vector{X: p[0], Y: p[1], Z: p[2]} }

// Evaluate computes the whitened preintegration residual.
func (e *IMUError) Evaluate(params [][]float64, residuals []float64) error {
	tcb := e.preintegration.Calib.Tcb
	bi := bodyPose(spatialmath.FromParams(params[0]), tcb)
	bj := bodyPose(spatialmath.FromParams(params[4]), tcb)

	res := e.preintegration.Evaluate(
		bi.Trans, bi.Rot, vec3(params[1]), vec3(params[2]), vec3(params[3]),
		bj.Trans, bj.Rot, vec3(params[5]), vec3(params[6]), vec3(params[7]),
	)
	whiten(e.sqrtInfo, res, residuals)
	return nil
}

func whiten(u *mat.Dense, res, out []float64) {
	if u == nil {
		copy(out, res)
		return
	}
	for i := range out {
		sum := 0.0
		for j := i; j < len(res); j++ {
			sum += u.At(i, j) * res[j]
		}
		out[i] = sum
	}
}

// IMUErrorG is the initializer's residual: poses are held as constants and
// the gravity direction enters as an extra quaternion block, with Gaussian
// priors tying the shared biases toward zero.
type IMUErrorG struct {
	preintegration *imu.Preintegration
	poseI, poseJ   spatialmath.SE3
	priorA, priorG float64
	sqrtInfo       *mat.Dense
}

// NewIMUErrorG builds the initializer residual between two keyframes.
func NewIMUErrorG(p *imu.Preintegration, poseJ, poseI spatialmath.SE3, priorA, priorG float64) *IMUErrorG {
	e := &IMUErrorG{preintegration: p, poseI: poseI, poseJ: poseJ, priorA: priorA, priorG: priorG}
	if u, err := p.SqrtInformation(); err == nil {
		e.sqrtInfo = u
	}
	return e
}

// NumResiduals returns 15: nine whitened motion terms plus six bias priors.
func (e *IMUErrorG) NumResiduals() int { return 15 }

// BlockSizes returns {v_i, ba, bg, v_j, rwg}.
func (e *IMUErrorG) BlockSizes() []int { return []int{3, 3, 3, 3, 4} }

// Evaluate computes the gravity-rotated preintegration residual.
func (e *IMUErrorG) Evaluate(params [][]float64, residuals []float64) error {
	tcb := e.preintegration.Calib.Tcb
	bi := bodyPose(e.poseI, tcb)
	bj := bodyPose(e.poseJ, tcb)
	rwg := quat.Number{Imag: params[4][0], Jmag: params[4][1], Kmag: params[4][2], Real: params[4][3]}
	gravity := spatialmath.Rotate(spatialmath.NormalizeRotation(rwg), imu.Gravity)

	ba := vec3(params[1])
	bg := vec3(params[2])
	res := e.preintegration.EvaluateWithGravity(gravity,
		bi.Trans, bi.Rot, vec3(params[0]), ba, bg,
		bj.Trans, bj.Rot, vec3(params[3]), ba, bg,
	)
	whiten(e.sqrtInfo, res, residuals)

	wa := math.Sqrt(e.priorA)
	wg := math.Sqrt(e.priorG)
	residuals[9], residuals[10], residuals[11] = wa*ba.X, wa*ba.Y, wa*ba.Z
	residuals[12], residuals[13], residuals[14] = wg*bg.X, wg*bg.Y, wg*bg.Z
	return nil
}

// PoseGraphError constrains the relative transform between two poses to a
// measured value.
type PoseGraphError struct {
	relative []float64
	weight   float64
}

// NewPoseGraphError measures the relative transform between two poses.
func NewPoseGraphError(last, frame spatialmath.SE3, weight float64) *PoseGraphError {
	buf := make([]float64, spatialmath.NumSE3Params)
	last.Inverse().Mul(frame).ToParams(buf)
	return &PoseGraphError{relative: buf, weight: weight}
}

// NumResiduals returns 7.
func (e *PoseGraphError) NumResiduals() int { return 7 }

// BlockSizes returns the two pose blocks.
func (e *PoseGraphError) BlockSizes() []int {
	return []int{spatialmath.NumSE3Params, spatialmath.NumSE3Params}
}

// Evaluate compares the measured and current relative parameters.
func (e *PoseGraphError) Evaluate(params [][]float64, residuals []float64) error {
	rel := spatialmath.FromParams(params[0]).Inverse().Mul(spatialmath.FromParams(params[1]))
	buf := make([]float64, spatialmath.NumSE3Params)
	rel.ToParams(buf)
	for i := 0; i < 7; i++ {
		residuals[i] = e.weight * (e.relative[i] - buf[i])
	}
	return nil
}

// PoseError anchors a pose block to a fixed value, diagonal weighted.
type PoseError struct {
	pose   []float64
	weight float64
}

// NewPoseError anchors to pose.
func NewPoseError(pose spatialmath.SE3, weight float64) *PoseError {
	buf := make([]float64, spatialmath.NumSE3Params)
	pose.ToParams(buf)
	return &PoseError{pose: buf, weight: weight}
}

// NumResiduals returns 7.
func (e *PoseError) NumResiduals() int { return 7 }

// BlockSizes returns one pose block.
func (e *PoseError) BlockSizes() []int { return []int{spatialmath.NumSE3Params} }

// Evaluate compares the block to the anchor.
func (e *PoseError) Evaluate(params [][]float64, residuals []float64) error {
	for i := 0; i < 7; i++ {
		residuals[i] = e.weight * (params[0][i] - e.pose[i])
	}
	return nil
}

// RError anchors only the rotation part of a pose block.
type RError struct{ pose []float64 }

// NewRError anchors to pose's rotation.
func NewRError(pose spatialmath.SE3) *RError {
	buf := make([]float64, spatialmath.NumSE3Params)
	pose.ToParams(buf)
	return &RError{pose: buf}
}

// NumResiduals returns 4.
func (e *RError) NumResiduals() int { return 4 }

// BlockSizes returns one pose block.
func (e *RError) BlockSizes() []int { return []int{spatialmath.NumSE3Params} }

// Evaluate compares the quaternion components.
func (e *RError) Evaluate(params [][]float64, residuals []float64) error {
	for i := 0; i < 4; i++ {
		residuals[i] = params[0][i] - e.pose[i]
	}
	return nil
}

// TError anchors only the translation part of a pose block.
type TError struct {
	pose   []float64
	weight float64
}

// NewTError anchors to pose's translation.
func NewTError(pose spatialmath.SE3, weight float64) *TError {
	buf := make([]float64, spatialmath.NumSE3Params)
	pose.ToParams(buf)
	return &TError{pose: buf, weight: weight}
}

// NumResiduals returns 3.
func (e *TError) NumResiduals() int { return 3 }

// BlockSizes returns one pose block.
func (e *TError) BlockSizes() []int { return []int{spatialmath.NumSE3Params} }

// Evaluate compares the translation components.
func (e *TError) Evaluate(params [][]float64, residuals []float64) error {
	for i := 0; i < 3; i++ {
		residuals[i] = e.weight * (params[0][i+4] - e.pose[i+4])
	}
	return nil
}
