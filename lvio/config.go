// Package lvio is the core of the lidar-visual-inertial odometry system:
// the entity graph of frames, features, and landmarks, the per-frame
// tracking frontend, the sliding-window backend optimizer, and the staged
// inertial initializer.
package lvio

import (
	"encoding/json"
	"os"

	goutils "go.viam.com/utils"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
)

// Config enumerates the tunables of the core.
type Config struct {
	NumFeatures                  int     `json:"num_features"`
	NumFeaturesInit              int     `json:"num_features_init"`
	NumFeaturesTracking          int     `json:"num_features_tracking"`
	NumFeaturesTrackingBad       int     `json:"num_features_tracking_bad"`
	NumFeaturesNeededForKeyframe int     `json:"num_features_needed_for_keyframe"`
	WindowSize                   float64 `json:"window_size"`
	UpdateWeights                bool    `json:"update_weights"`
	NumThreads                   int     `json:"num_threads"`

	CameraLeft  *transform.PinholeCameraIntrinsics `json:"camera_left"`
	CameraRight *transform.PinholeCameraIntrinsics `json:"camera_right"`
	// Baseline is the stereo baseline in meters; the right camera sits
	// baseline to the right of the left one.
	Baseline float64 `json:"baseline_m"`

	Imu imu.Calib `json:"imu"`
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() *Config {
	return &Config{
		NumFeatures:                  200,
		NumFeaturesInit:              50,
		NumFeaturesTracking:          50,
		NumFeaturesTrackingBad:       20,
		NumFeaturesNeededForKeyframe: 80,
		WindowSize:                   4,
		NumThreads:                   4,
		Imu:                          imu.DefaultCalib(),
	}
}

// LoadConfig loads a configuration from a json file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	configFile, err := os.Open(path) //nolint:gosec
	defer goutils.UncheckedErrorFunc(configFile.Close)
	if err != nil {
		return nil, err
	}
	if err := json.NewDecoder(configFile).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}
