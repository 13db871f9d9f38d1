package lvio

import (
	"image"
	"image/color"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/TurtleZhong/lvio-fusion/imu"
	"github.com/TurtleZhong/lvio-fusion/logging"
	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
	"github.com/TurtleZhong/lvio-fusion/vision/pnp"
	"github.com/TurtleZhong/lvio-fusion/vision/tracking"
)

// FrontendStatus is the tracking state machine's state.
type FrontendStatus int

// Frontend states.
const (
	StatusBuilding FrontendStatus = iota
	StatusInitializing
	StatusTrackingGood
	StatusTrackingBad
	StatusTrackingTry
	StatusLost
)

// consecutive low-inlier frames tolerated before declaring a hard loss
const maxTrackingTries = 4

// exclusion half-width around existing keypoints during detection, and the
// Shi-Tomasi settings matching the tracker defaults
const (
	featureMaskRadius  = 10
	cornerQualityLevel = 0.01
	cornerMinDistance  = 30
)

// stereo triangulations must reproject within this many pixels on both
// cameras
const triangulationMaxReproj = 0.5

// Frontend is the per-frame tracking state machine.
type Frontend struct {
	mu     sync.Mutex
	logger logging.Logger
	cfg    *Config

	m        *Map
	registry *SensorRegistry
	backend  *Backend

	cameraLeft  *transform.Camera
	cameraRight *transform.Camera
	flowCfg     tracking.FlowConfig
	pnpCfg      pnp.Config

	status       FrontendStatus
	CurrentFrame *Frame
	LastFrame    *Frame
	LastKeyFrame *Frame

	relativeMotion     spatialmath.SE3
	lastFramePoseCache spatialmath.SE3
	positionCache      map[uint64]r3.Vector

	numTries  int
	validTime float64

	liveBias imu.Bias
	imuBuf   []imu.Sample
}

// NewFrontend builds a frontend over the shared map. The stereo rig is
// derived from the config: the left camera defines the rig frame and the
// right camera sits Baseline meters to its right.
func NewFrontend(cfg *Config, m *Map, registry *SensorRegistry, logger logging.Logger) *Frontend {
	return &Frontend{
		logger:   logger,
		cfg:      cfg,
		m:        m,
		registry: registry,
		cameraLeft: transform.NewCamera(
			cfg.CameraLeft, spatialmath.IdentitySE3()),
		cameraRight: transform.NewCamera(
			cfg.CameraRight, spatialmath.NewSE3(spatialmath.IdentitySE3().Rot, r3.Vector{X: -cfg.Baseline})),
		flowCfg:        tracking.DefaultFlowConfig(),
		pnpCfg:         pnp.DefaultConfig(),
		relativeMotion: spatialmath.IdentitySE3(),
		positionCache:  map[uint64]r3.Vector{},
	}
}

// SetBackend wires in the backend the frontend signals on new keyframes.
func (f *Frontend) SetBackend(b *Backend) { f.backend = b }

// Status returns the current tracking state.
func (f *Frontend) Status() FrontendStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// CameraLeft returns the left camera model.
func (f *Frontend) CameraLeft() *transform.Camera { return f.cameraLeft }

// AddIMU buffers one IMU sample; samples accumulate into the
// preintegration of whichever frame is built next.
func (f *Frontend) AddIMU(time float64, acc, gyro r3.Vector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imuBuf = append(f.imuBuf, imu.Sample{Time: time, Acc: acc, Gyro: gyro})
}

// AddFrame runs one step of the tracking state machine. It returns false
// when tracking failed for this frame; a hard loss surfaces as StatusLost
// and recovers on the next frame.
func (f *Frontend) AddFrame(frame *Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	frame.ID = f.m.NextFrameID()
	frame.LastKeyframe = f.LastKeyFrame
	f.CurrentFrame = frame
	f.attachPreintegration(frame)

	switch f.status {
	case StatusBuilding, StatusInitializing:
		f.stereoInit()
	case StatusTrackingGood, StatusTrackingBad, StatusTrackingTry:
		if !f.track() {
			return false
		}
		if len(frame.Objects) > 0 {
			frame.UpdateLabel()
		}
	case StatusLost:
		f.reset()
		f.stereoInit()
	}

	f.LastFrame = frame
	f.lastFramePoseCache = frame.Pose()
	return true
}

// attachPreintegration spans the samples between the last keyframe and this
// frame.
func (f *Frontend) attachPreintegration(frame *Frame) {
	if !f.registry.HasIMU() || f.LastKeyFrame == nil {
		return
	}
	start := f.LastKeyFrame.Time
	var seed *imu.Sample
	var inRange []imu.Sample
	for i := range f.imuBuf {
		s := f.imuBuf[i]
		if s.Time <= start {
			seed = &f.imuBuf[i]
			continue
		}
		if s.Time <= frame.Time {
			inRange = append(inRange, s)
		}
	}
	if len(inRange) == 0 {
		return
	}
	if seed == nil {
		seed = &inRange[0]
	}
	preint := imu.NewPreintegration(*seed, f.liveBias, f.cfg.Imu)
	prev := start
	for _, s := range inRange {
		dt := s.Time - prev
		if dt <= 0 {
			continue
		}
		if err := preint.Append(dt, s.Acc, s.Gyro); err != nil {
			f.logger.Warnw("dropping imu sample", "error", err)
			continue
		}
		prev = s.Time
	}
	frame.Preintegration = preint
}

func (f *Frontend) track() bool {
	cur := f.CurrentFrame
	cur.SetPose(f.relativeMotion.Mul(f.lastFramePoseCache))
	f.trackLastFrame()
	f.initFramePoseByPnP()

	inliers := len(cur.FeaturesLeft)
	switch {
	case inliers > f.cfg.NumFeaturesTracking:
		f.status = StatusTrackingGood
		f.numTries = 0
	case inliers > f.cfg.NumFeaturesTrackingBad:
		f.status = StatusTrackingBad
		f.numTries = 0
	default:
		// lost, but give it a few chances
		f.numTries++
		if f.numTries >= maxTrackingTries {
			f.status = StatusLost
		} else {
			f.status = StatusTrackingTry
		}
		f.numTries %= maxTrackingTries
		return false
	}

	if inliers < f.cfg.NumFeaturesNeededForKeyframe {
		f.createKeyframe(cur)
	}
	f.relativeMotion = cur.Pose().Mul(f.lastFramePoseCache.Inverse())
	return true
}

// trackLastFrame flows the previous frame's features into the current
// image, seeding each search at the landmark's projection under the
// predicted pose.
func (f *Frontend) trackLastFrame() int {
	if f.LastFrame == nil || f.LastFrame.ImageLeft == nil || f.CurrentFrame.ImageLeft == nil {
		return 0
	}
	var kpsLast, kpsCur []r2.Point
	var landmarks []*Landmark
	for _, feat := range f.LastFrame.FeaturesLeft {
		lm := feat.Landmark
		pw, ok := f.positionCache[lm.ID]
		if !ok {
			pw = lm.ToWorld()
		}
		kpsLast = append(kpsLast, feat.Keypoint)
		kpsCur = append(kpsCur, f.cameraLeft.WorldToPixel(pw, f.CurrentFrame.Pose()))
		landmarks = append(landmarks, lm)
	}
	if len(kpsLast) == 0 {
		return 0
	}

	status, err := tracking.CalcOpticalFlowPyrLK(
		f.LastFrame.ImageLeft, f.CurrentFrame.ImageLeft, kpsLast, kpsCur, f.flowCfg)
	if err != nil {
		f.logger.Warnw("optical flow failed", "error", err)
		return 0
	}
	numGood := 0
	for i, ok := range status {
		if !ok {
			continue
		}
		f.CurrentFrame.AddFeature(NewFeature(f.CurrentFrame, kpsCur[i], landmarks[i]))
		numGood++
	}
	f.logger.Debugf("found %d features in the last image", numGood)
	return numGood
}

// initFramePoseByPnP refines the predicted pose against the landmark
// positions of the cache and drops correspondences RANSAC rejects.
func (f *Frontend) initFramePoseByPnP() bool {
	cur := f.CurrentFrame
	var pts3d []r3.Vector
	var pts2d []r2.Point
	var feats []*Feature
	for _, feat := range cur.FeaturesLeft {
		pw, ok := f.positionCache[feat.Landmark.ID]
		if !ok {
			pw = feat.Landmark.ToWorld()
		}
		pts3d = append(pts3d, pw)
		pts2d = append(pts2d, feat.Keypoint)
		feats = append(feats, feat)
	}

	poseCW, inlierMask, err := pnp.SolvePnPRansac(pts3d, pts2d, f.cameraLeft.Intrinsics, f.pnpCfg)
	if err != nil {
		return false
	}
	cur.SetPose(f.cameraLeft.Extrinsic.Inverse().Mul(poseCW))
	for i, ok := range inlierMask {
		if !ok {
			cur.RemoveFeature(feats[i])
		}
	}
	return true
}

// createKeyframe promotes the current frame: existing features become
// observations, new stereo landmarks are triangulated, and the backend is
// signaled.
func (f *Frontend) createKeyframe(frame *Frame) {
	// first, add new observations of old points
	for _, feat := range frame.FeaturesLeft {
		feat.Landmark.AddObservation(feat)
	}
	f.detectNewFeatures(frame)
	f.m.InsertKeyFrame(frame)
	f.LastKeyFrame = frame
	f.pruneIMUBuffer(frame.Time)
	f.logger.Infof("add a keyframe %d", frame.ID)
	if f.backend != nil {
		f.backend.UpdateMap()
	}
}

// pruneIMUBuffer drops samples consumed by the keyframe's preintegration,
// keeping the newest earlier sample to seed the next span.
func (f *Frontend) pruneIMUBuffer(until float64) {
	keepFrom := 0
	for i := range f.imuBuf {
		if f.imuBuf[i].Time <= until {
			keepFrom = i
		}
	}
	f.imuBuf = append([]imu.Sample(nil), f.imuBuf[keepFrom:]...)
}

// stereoInit bootstraps the map from one stereo pair.
func (f *Frontend) stereoInit() bool {
	numNew := f.detectNewFeatures(f.CurrentFrame)
	if numNew < f.cfg.NumFeaturesInit {
		if f.status == StatusBuilding {
			f.status = StatusInitializing
		}
		return false
	}
	f.status = StatusTrackingGood
	f.relativeMotion = spatialmath.IdentitySE3()

	// the first frame is a keyframe
	f.m.InsertKeyFrame(f.CurrentFrame)
	f.LastKeyFrame = f.CurrentFrame
	f.pruneIMUBuffer(f.CurrentFrame.Time)
	f.logger.Infof("initial map created with %d map points", numNew)
	if f.backend != nil {
		f.backend.UpdateMap()
	}
	return true
}

// detectNewFeatures detects corners away from existing keypoints, matches
// them into the right image, and triangulates accepted stereo pairs into
// new landmarks.
func (f *Frontend) detectNewFeatures(frame *Frame) int {
	if frame.ImageLeft == nil || frame.ImageRight == nil {
		return 0
	}
	want := f.cfg.NumFeatures - len(frame.FeaturesLeft)
	if want <= 0 {
		return 0
	}

	bounds := frame.ImageLeft.Bounds()
	mask := image.NewGray(bounds)
	for i := range mask.Pix {
		mask.Pix[i] = 255
	}
	for _, feat := range frame.FeaturesLeft {
		x0 := int(feat.Keypoint.X) - featureMaskRadius
		y0 := int(feat.Keypoint.Y) - featureMaskRadius
		for y := y0; y <= y0+2*featureMaskRadius; y++ {
			for x := x0; x <= x0+2*featureMaskRadius; x++ {
				if image.Pt(x, y).In(bounds) {
					mask.SetGray(x, y, color.Gray{})
				}
			}
		}
	}

	kpsLeft := tracking.GoodFeaturesToTrack(frame.ImageLeft, want, cornerQualityLevel, cornerMinDistance, mask)
	if len(kpsLeft) == 0 {
		return 0
	}
	// use LK flow to locate the same points in the right image
	kpsRight := append([]r2.Point(nil), kpsLeft...)
	status, err := tracking.CalcOpticalFlowPyrLK(
		frame.ImageLeft, frame.ImageRight, kpsLeft, kpsRight, f.flowCfg)
	if err != nil {
		f.logger.Warnw("stereo flow failed", "error", err)
		return 0
	}

	numGood, numTriangulated := 0, 0
	for i, ok := range status {
		if !ok {
			continue
		}
		numGood++
		pRig, err := transform.Triangulate(
			f.cameraLeft.Extrinsic, f.cameraRight.Extrinsic,
			f.cameraLeft.Intrinsics.PixelToSensor(kpsLeft[i]),
			f.cameraRight.Intrinsics.PixelToSensor(kpsRight[i]))
		if err != nil {
			continue
		}
		if f.cameraLeft.RobotToPixel(pRig).Sub(kpsLeft[i]).Norm() >= triangulationMaxReproj ||
			f.cameraRight.RobotToPixel(pRig).Sub(kpsRight[i]).Norm() >= triangulationMaxReproj {
			continue
		}
		lm := NewLandmark(pRig)
		lm.ID = f.m.NextLandmarkID()
		left := NewFeature(frame, kpsLeft[i], lm)
		right := &Feature{Frame: frame, Landmark: lm, Keypoint: kpsRight[i]}
		lm.AddObservation(left)
		lm.AddObservation(right)
		frame.AddFeature(left)
		frame.AddFeature(right)
		f.m.InsertLandmark(lm)
		f.positionCache[lm.ID] = lm.ToWorld()
		numTriangulated++
	}
	f.logger.Debugf("detected %d new corners, matched %d in the right image, %d new landmarks",
		len(kpsLeft), numGood, numTriangulated)
	return numTriangulated
}

// reset clears the map after a hard loss. The frontend mutex is released
// while the backend drains so a worker blocked in forward propagation can
// finish before pausing.
func (f *Frontend) reset() {
	if f.backend != nil {
		f.mu.Unlock()
		f.backend.Pause()
		f.mu.Lock()
	}
	f.m.Reset()
	f.LastKeyFrame = nil
	f.LastFrame = nil
	f.positionCache = map[uint64]r3.Vector{}
	f.relativeMotion = spatialmath.IdentitySE3()
	if f.CurrentFrame != nil {
		f.validTime = f.CurrentFrame.Time
	}
	if f.backend != nil {
		f.backend.Continue()
	}
	f.status = StatusInitializing
	f.logger.Info("reset succeed")
}

// UpdateCache recomputes the landmark position cache from the last frame,
// so the next PnP uses the refined positions.
func (f *Frontend) UpdateCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCacheLocked()
}

func (f *Frontend) updateCacheLocked() {
	f.positionCache = map[uint64]r3.Vector{}
	if f.LastFrame == nil {
		return
	}
	for _, feat := range f.LastFrame.FeaturesLeft {
		f.positionCache[feat.Landmark.ID] = feat.Landmark.ToWorld()
	}
	f.lastFramePoseCache = f.LastFrame.Pose()
}

// updateFrameIMULocked refreshes the live bias estimate used to seed new
// preintegrations; the caller holds the frontend mutex.
func (f *Frontend) updateFrameIMULocked(b imu.Bias) {
	f.liveBias = b
	if f.LastFrame != nil && f.LastFrame != f.LastKeyFrame {
		f.LastFrame.SetNewBias(b)
	}
}

// UpdateFrameIMU is the exported, locking variant of the live-bias update.
func (f *Frontend) UpdateFrameIMU(b imu.Bias) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateFrameIMULocked(b)
}

// ValidTime is the time before which keyframes are ignored by the
// initializer (set at the last reset).
func (f *Frontend) ValidTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validTime
}
