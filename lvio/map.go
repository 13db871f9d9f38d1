package lvio

import (
	"sort"
	"sync"
)

// Map owns the keyframes and landmarks of a session. Frames are created by
// the frontend, transferred here at keyframe promotion, and never deleted
// during a session; only landmarks are culled.
type Map struct {
	mu sync.Mutex

	// keyframes ordered by strictly increasing time
	keyframes []*Frame
	landmarks map[uint64]*Landmark

	frameID        uint64
	landmarkID     uint64
	currentFrameID uint64
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{landmarks: map[uint64]*Landmark{}}
}

// NextFrameID issues a monotonic frame id and records it as the live one.
func (m *Map) NextFrameID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameID++
	m.currentFrameID = m.frameID
	return m.frameID
}

// CurrentFrameID returns the id of the most recently created frame.
func (m *Map) CurrentFrameID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentFrameID
}

// NextLandmarkID issues a monotonic landmark id.
func (m *Map) NextLandmarkID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarkID++
	return m.landmarkID
}

// InsertKeyFrame promotes a frame to keyframe.
func (m *Map) InsertKeyFrame(frame *Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.keyframes); n > 0 && m.keyframes[n-1].Time >= frame.Time {
		panic("keyframe times must be strictly increasing")
	}
	m.keyframes = append(m.keyframes, frame)
}

// InsertLandmark registers a landmark.
func (m *Map) InsertLandmark(lm *Landmark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarks[lm.ID] = lm
}

// RemoveLandmark detaches every observation and drops the landmark.
func (m *Map) RemoveLandmark(lm *Landmark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obs := range lm.Observations {
		if obs.IsOnLeftImage {
			delete(obs.Frame.FeaturesLeft, lm.ID)
		} else {
			delete(obs.Frame.FeaturesRight, lm.ID)
		}
	}
	lm.Observations = nil
	delete(m.landmarks, lm.ID)
}

// Landmark looks up a landmark by id.
func (m *Map) Landmark(id uint64) *Landmark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.landmarks[id]
}

// NumLandmarks returns the number of live landmarks.
func (m *Map) NumLandmarks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.landmarks)
}

// NumKeyframes returns the number of keyframes.
func (m *Map) NumKeyframes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keyframes)
}

// GetKeyFrames returns an ordered snapshot of the keyframes with
// time >= start.
func (m *Map) GetKeyFrames(start float64) []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.keyframes), func(i int) bool { return m.keyframes[i].Time >= start })
	return append([]*Frame(nil), m.keyframes[i:]...)
}

// GetKeyFramesRange returns an ordered snapshot of the keyframes in the
// half-open range [start, end).
func (m *Map) GetKeyFramesRange(start, end float64) []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.keyframes), func(i int) bool { return m.keyframes[i].Time >= start })
	j := sort.Search(len(m.keyframes), func(j int) bool { return m.keyframes[j].Time >= end })
	if j < i {
		j = i
	}
	return append([]*Frame(nil), m.keyframes[i:j:j]...)
}

// GetKeyFramesN returns the earliest maxCount keyframes in [start, end).
func (m *Map) GetKeyFramesN(start, end float64, maxCount int) []*Frame {
	frames := m.GetKeyFramesRange(start, end)
	if len(frames) > maxCount {
		frames = frames[:maxCount]
	}
	return frames
}

// Reset drops all state; used after a hard tracking loss.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyframes = nil
	m.landmarks = map[uint64]*Landmark{}
}
