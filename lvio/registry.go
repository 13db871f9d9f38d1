package lvio

// LidarMapping is the seam to the lidar mapping subsystem. The backend
// hands it the active window after each visual-inertial solve.
type LidarMapping interface {
	// Optimize may adjust keyframe poses within the window.
	Optimize(activeKfs []*Frame)
	// ToWorld re-expresses a mapping keyframe in the world frame.
	ToWorld(frame *Frame)
}

// Navsat is the seam to the GNSS alignment subsystem.
type Navsat interface {
	Initialized() bool
	// Optimize aligns against GNSS up to latestTime and returns the start
	// time of the prefix to re-express, or 0.
	Optimize(latestTime float64) float64
}

// SensorRegistry records which sensors are present in the session. It
// replaces consulting module-level sensor state: the frontend and backend
// receive it explicitly.
type SensorRegistry struct {
	imu    bool
	lidar  bool
	navsat bool
}

// NewSensorRegistry returns a registry with no sensors registered.
func NewSensorRegistry() *SensorRegistry { return &SensorRegistry{} }

// RegisterIMU marks an IMU as present.
func (r *SensorRegistry) RegisterIMU() { r.imu = true }

// RegisterLidar marks a lidar as present.
func (r *SensorRegistry) RegisterLidar() { r.lidar = true }

// RegisterNavsat marks a GNSS receiver as present.
func (r *SensorRegistry) RegisterNavsat() { r.navsat = true }

// HasIMU reports whether an IMU is present.
func (r *SensorRegistry) HasIMU() bool { return r.imu }

// HasLidar reports whether a lidar is present.
func (r *SensorRegistry) HasLidar() bool { return r.lidar }

// HasNavsat reports whether a GNSS receiver is present.
func (r *SensorRegistry) HasNavsat() bool { return r.navsat }
