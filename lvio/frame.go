package lvio

import (
	"image"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// LabelType is the semantic class of a landmark.
type LabelType int

// Semantic classes detected by the object collaborator.
const (
	LabelNone LabelType = iota
	LabelCar
	LabelPerson
	LabelTruck
)

// DetectedObject is one semantic bounding box on a frame, informational
// only.
type DetectedObject struct {
	Label                  LabelType
	Xmin, Ymin, Xmax, Ymax float64
}

// Frame is one stereo capture. Its pose, velocity, and bias buffers are
// exclusively owned and mutated in place by the solver; pose maps world
// coordinates into the frame's rig coordinates.
type Frame struct {
	ID   uint64
	Time float64

	pose     []float64 // [qx qy qz qw x y z]
	velocity []float64 // world frame, valid once the IMU is initialized
	biasA    []float64
	biasG    []float64

	ImageLeft  *image.Gray
	ImageRight *image.Gray

	// landmark id -> feature, at most one feature per landmark per side
	FeaturesLeft  map[uint64]*Feature
	FeaturesRight map[uint64]*Feature

	// present iff IMU samples exist between this frame and the previous
	// keyframe
	Preintegration *imu.Preintegration
	LastKeyframe   *Frame
	BImu           bool

	Objects []DetectedObject

	// visual residual weight; identity unless a subsystem supplies one
	WeightVisual float64
}

// NewFrame returns a frame at the given time holding the stereo pair.
func NewFrame(time float64, left, right *image.Gray) *Frame {
	f := &Frame{
		Time:          time,
		pose:          make([]float64, spatialmath.NumSE3Params),
		velocity:      make([]float64, 3),
		biasA:         make([]float64, 3),
		biasG:         make([]float64, 3),
		ImageLeft:     left,
		ImageRight:    right,
		FeaturesLeft:  map[uint64]*Feature{},
		FeaturesRight: map[uint64]*Feature{},
		WeightVisual:  1,
	}
	spatialmath.IdentitySE3().ToParams(f.pose)
	return f
}

// Pose returns the frame's pose.
func (f *Frame) Pose() spatialmath.SE3 { return spatialmath.FromParams(f.pose) }

// SetPose overwrites the frame's pose.
func (f *Frame) SetPose(p spatialmath.SE3) { p.ToParams(f.pose) }

// PoseParams exposes the pose parameter buffer for the solver.
func (f *Frame) PoseParams() []float64 { return f.pose }

// Velocity returns the world-frame velocity.
func (f *Frame) Velocity() r3.Vector {
	return r3.Vector{X: f.velocity[0], Y: f.velocity[1], Z: f.velocity[2]}
}

// SetVelocity overwrites the world-frame velocity.
func (f *Frame) SetVelocity(v r3.Vector) {
	f.velocity[0], f.velocity[1], f.velocity[2] = v.X, v.Y, v.Z
}

// VelocityParams exposes the velocity parameter buffer for the solver.
func (f *Frame) VelocityParams() []float64 { return f.velocity }

// BiasAParams exposes the accelerometer bias buffer for the solver.
func (f *Frame) BiasAParams() []float64 { return f.biasA }

// BiasGParams exposes the gyroscope bias buffer for the solver.
func (f *Frame) BiasGParams() []float64 { return f.biasG }

// Bias returns the frame's IMU bias.
func (f *Frame) Bias() imu.Bias {
	return imu.Bias{
		Accel: r3.Vector{X: f.biasA[0], Y: f.biasA[1], Z: f.biasA[2]},
		Gyro:  r3.Vector{X: f.biasG[0], Y: f.biasG[1], Z: f.biasG[2]},
	}
}

// SetNewBias writes b into the frame and relinearizes its preintegration.
func (f *Frame) SetNewBias(b imu.Bias) {
	f.biasA[0], f.biasA[1], f.biasA[2] = b.Accel.X, b.Accel.Y, b.Accel.Z
	f.biasG[0], f.biasG[1], f.biasG[2] = b.Gyro.X, b.Gyro.Y, b.Gyro.Z
	if f.Preintegration != nil {
		f.Preintegration.SetNewBias(b)
	}
}

// ImuRotation returns the world rotation of the IMU body.
func (f *Frame) ImuRotation() quat.Number {
	inv := f.Pose().Inverse()
	if f.Preintegration != nil {
		return spatialmath.NormalizeRotation(quat.Mul(inv.Rot, f.Preintegration.Calib.Tcb.Rot))
	}
	return inv.Rot
}

// ImuPosition returns the world position of the IMU body.
func (f *Frame) ImuPosition() r3.Vector {
	inv := f.Pose().Inverse()
	if f.Preintegration != nil {
		return inv.TransformPoint(f.Preintegration.Calib.Tcb.Trans)
	}
	return inv.Trans
}

// AddFeature files a feature under its landmark on the matching side.
func (f *Frame) AddFeature(feature *Feature) {
	if feature.IsOnLeftImage {
		f.FeaturesLeft[feature.Landmark.ID] = feature
	} else {
		f.FeaturesRight[feature.Landmark.ID] = feature
	}
}

// RemoveFeature detaches a left-image feature from the frame's table.
func (f *Frame) RemoveFeature(feature *Feature) {
	delete(f.FeaturesLeft, feature.Landmark.ID)
}

// GetLabelType returns the semantic class of the box containing (x, y).
func (f *Frame) GetLabelType(x, y float64) LabelType {
	for _, obj := range f.Objects {
		if obj.Xmin < x && obj.Xmax > x && obj.Ymin < y && obj.Ymax > y {
			return obj.Label
		}
	}
	return LabelNone
}

// UpdateLabel stamps each tracked landmark with the semantic class at its
// keypoint.
func (f *Frame) UpdateLabel() {
	for _, feature := range f.FeaturesLeft {
		feature.Landmark.Label = f.GetLabelType(feature.Keypoint.X, feature.Keypoint.Y)
	}
}
