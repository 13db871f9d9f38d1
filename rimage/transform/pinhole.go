// Package transform provides the pinhole camera model used by the tracker:
// projection between pixel, sensor, rig, and world coordinates, and linear
// stereo triangulation.
package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// ErrNoIntrinsics is returned when a camera has no intrinsic parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// PinholeCameraIntrinsics holds the parameters for a perspective projection
// of a 3D scene onto the 2D image plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 || params.Fy <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length (%f, %f)", params.Fx, params.Fy)
	}
	return nil
}

// GetCameraMatrix returns the intrinsic camera matrix K.
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		params.Fx, 0, params.Ppx,
		0, params.Fy, params.Ppy,
		0, 0, 1,
	})
}

// PixelToSensor back-projects a pixel onto the normalized sensor plane z=1.
func (params *PinholeCameraIntrinsics) PixelToSensor(pt r2.Point) r3.Vector {
	return r3.Vector{
		X: (pt.X - params.Ppx) / params.Fx,
		Y: (pt.Y - params.Ppy) / params.Fy,
		Z: 1,
	}
}

// SensorToPixel projects a point in camera coordinates onto the image plane.
func (params *PinholeCameraIntrinsics) SensorToPixel(p r3.Vector) r2.Point {
	return r2.Point{
		X: params.Fx*p.X/p.Z + params.Ppx,
		Y: params.Fy*p.Y/p.Z + params.Ppy,
	}
}

// Camera is one camera of the stereo rig: intrinsics plus the extrinsic
// transform from rig coordinates to camera coordinates.
type Camera struct {
	Intrinsics *PinholeCameraIntrinsics `json:"intrinsics"`
	Extrinsic  spatialmath.SE3          `json:"-"`
}

// NewCamera returns a camera with the given intrinsics and rig-to-camera
// extrinsic.
func NewCamera(intrinsics *PinholeCameraIntrinsics, extrinsic spatialmath.SE3) *Camera {
	return &Camera{Intrinsics: intrinsics, Extrinsic: extrinsic}
}

// RobotToPixel projects a point in rig coordinates into the image.
func (c *Camera) RobotToPixel(p r3.Vector) r2.Point {
	return c.Intrinsics.SensorToPixel(c.Extrinsic.TransformPoint(p))
}

// WorldToPixel projects a world point into the image of a rig at pose
// (pose maps world coordinates into rig coordinates).
func (c *Camera) WorldToPixel(pw r3.Vector, pose spatialmath.SE3) r2.Point {
	return c.RobotToPixel(pose.TransformPoint(pw))
}

// WorldToSensor transforms a world point into camera coordinates.
func (c *Camera) WorldToSensor(pw r3.Vector, pose spatialmath.SE3) r3.Vector {
	return c.Extrinsic.TransformPoint(pose.TransformPoint(pw))
}
