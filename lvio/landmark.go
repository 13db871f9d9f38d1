package lvio

import (
	"github.com/golang/geo/r3"
)

// Landmark is a triangulated 3D point. Position is expressed in the rig
// coordinates of the reference frame, the frame in which it was first
// triangulated.
type Landmark struct {
	ID       uint64
	Position r3.Vector
	Label    LabelType

	// observations ordered by time; the first one belongs to the
	// reference frame
	Observations []*Feature
}

// NewLandmark returns a landmark at position p in the triangulating
// frame's rig coordinates.
func NewLandmark(p r3.Vector) *Landmark {
	return &Landmark{Position: p}
}

// FirstFrame returns the reference frame, or nil without observations.
func (l *Landmark) FirstFrame() *Frame {
	if len(l.Observations) == 0 {
		return nil
	}
	return l.Observations[0].Frame
}

// LastFrame returns the most recent observing frame, or nil.
func (l *Landmark) LastFrame() *Frame {
	if len(l.Observations) == 0 {
		return nil
	}
	return l.Observations[len(l.Observations)-1].Frame
}

// ToWorld returns the landmark position in world coordinates.
func (l *Landmark) ToWorld() r3.Vector {
	first := l.FirstFrame()
	if first == nil {
		return l.Position
	}
	return first.Pose().Inverse().TransformPoint(l.Position)
}

// AddObservation appends a feature to the time-ordered observation list.
func (l *Landmark) AddObservation(f *Feature) {
	for i, obs := range l.Observations {
		if obs == f {
			return
		}
		if obs.Frame.Time > f.Frame.Time {
			l.Observations = append(l.Observations[:i], append([]*Feature{f}, l.Observations[i:]...)...)
			return
		}
	}
	l.Observations = append(l.Observations, f)
}

// RemoveObservation detaches a feature from the observation list.
func (l *Landmark) RemoveObservation(f *Feature) {
	for i, obs := range l.Observations {
		if obs == f {
			l.Observations = append(l.Observations[:i], l.Observations[i+1:]...)
			return
		}
	}
}
