// Package imu implements IMU sample handling and the preintegration of
// samples between two timestamps into a relative motion constraint with
// covariance and bias Jacobians.
package imu

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// Gravity is the world-frame gravity vector.
var Gravity = r3.Vector{Z: -9.81007}

// ErrInvalidInput flags non-monotonic or non-finite IMU samples.
var ErrInvalidInput = errors.New("invalid imu input")

// Sample is one accelerometer + gyroscope measurement.
type Sample struct {
	Time float64
	Acc  r3.Vector
	Gyro r3.Vector
}

// Bias are the slowly varying accelerometer and gyroscope biases.
type Bias struct {
	Accel r3.Vector
	Gyro  r3.Vector
}

// Sub returns the componentwise bias difference.
func (b Bias) Sub(o Bias) Bias {
	return Bias{Accel: b.Accel.Sub(o.Accel), Gyro: b.Gyro.Sub(o.Gyro)}
}

// Norm returns the combined magnitude of both bias vectors.
func (b Bias) Norm() float64 {
	return math.Sqrt(b.Accel.Norm2() + b.Gyro.Norm2())
}

// Calib is the camera-IMU calibration: the transform from IMU body
// coordinates to camera/rig coordinates, and the sensor noise densities.
type Calib struct {
	Tcb spatialmath.SE3

	AccNoise  float64 `json:"acc_noise"`
	GyroNoise float64 `json:"gyro_noise"`
	AccWalk   float64 `json:"acc_walk"`
	GyroWalk  float64 `json:"gyro_walk"`
}

// DefaultCalib returns an identity extrinsic with typical MEMS noise terms.
func DefaultCalib() Calib {
	return Calib{
		Tcb:       spatialmath.IdentitySE3(),
		AccNoise:  0.08,
		GyroNoise: 0.004,
		AccWalk:   0.00004,
		GyroWalk:  0.000002,
	}
}

func finite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
