package lvio

import "github.com/golang/geo/r2"

// Feature is one observation of a landmark in one image of one frame. The
// frame owns the feature; the back-references are non-owning.
type Feature struct {
	Frame         *Frame
	Landmark      *Landmark
	Keypoint      r2.Point
	IsOnLeftImage bool
}

// NewFeature returns a left-image feature linking frame and landmark.
func NewFeature(frame *Frame, keypoint r2.Point, landmark *Landmark) *Feature {
	return &Feature{Frame: frame, Landmark: landmark, Keypoint: keypoint, IsOnLeftImage: true}
}
