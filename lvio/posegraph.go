package lvio

import (
	"sort"
	"sync"

	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

// Section is a stretch of trajectory bounded by turning points; for a
// submap, [A, B, C] are the loop's old time, begin, and end.
type Section struct {
	A    float64
	B    float64
	C    float64
	Pose spatialmath.SE3 // A's pose before the section was adjusted
}

// Atlas indexes sections by time.
type Atlas map[float64]*Section

// PoseGraph maintains the section atlas and applies window corrections to
// keyframes outside the window. Loop closure optimization itself lives in a
// collaborator; the backend only calls Propagate.
type PoseGraph struct {
	mu       sync.Mutex
	submaps  Atlas
	sections Atlas
}

// NewPoseGraph returns an empty pose graph.
func NewPoseGraph() *PoseGraph {
	return &PoseGraph{submaps: Atlas{}, sections: Atlas{}}
}

// Propagate left-multiplies every frame's pose by transform.
func (pg *PoseGraph) Propagate(transform spatialmath.SE3, frames []*Frame) {
	for _, frame := range frames {
		frame.SetPose(transform.Mul(frame.Pose()))
	}
}

// AddSubMap records a loop submap [old, start, end] keyed by its end time.
func (pg *PoseGraph) AddSubMap(oldTime, startTime, endTime float64) *Section {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	s := &Section{A: oldTime, B: startTime, C: endTime}
	pg.submaps[endTime] = s
	return s
}

// GetSections returns the sections with A in [start, end), ordered by time;
// end <= 0 means no upper bound.
func (pg *PoseGraph) GetSections(start, end float64) []*Section {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	var out []*Section
	for _, s := range pg.sections {
		if s.A >= start && (end <= 0 || s.A < end) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].A < out[j].A })
	return out
}

// AddSection records a plain trajectory section keyed by its start time.
func (pg *PoseGraph) AddSection(a, b, c float64, pose spatialmath.SE3) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.sections[a] = &Section{A: a, B: b, C: c, Pose: pose}
}
