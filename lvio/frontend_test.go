package lvio

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/TurtleZhong/lvio-fusion/logging"
	"github.com/TurtleZhong/lvio-fusion/rimage/transform"
	"github.com/TurtleZhong/lvio-fusion/spatialmath"
)

const (
	sceneWidth  = 320
	sceneHeight = 240
)

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width: sceneWidth, Height: sceneHeight,
		Fx: 200, Fy: 200, Ppx: 160, Ppy: 120,
	}
}

func testFrontendConfig() *Config {
	cfg := DefaultConfig()
	cfg.CameraLeft = testIntrinsics()
	cfg.CameraRight = testIntrinsics()
	cfg.Baseline = 0.2
	cfg.NumFeatures = 120
	cfg.NumFeaturesInit = 20
	cfg.NumFeaturesTracking = 25
	cfg.NumFeaturesTrackingBad = 8
	cfg.NumFeaturesNeededForKeyframe = 30
	return cfg
}

// scenePoints back-projects a jittered pixel grid at varying depths; the
// world frame coincides with the first camera rig.
func scenePoints(intr *transform.PinholeCameraIntrinsics) []r3.Vector {
	var pts []r3.Vector
	i := 0
	for y := 30.0; y < sceneHeight-20; y += 36 {
		for x := 30.0; x < sceneWidth-20; x += 36 {
			depth := 3.5 + 0.5*float64((i*7)%11)
			s := intr.PixelToSensor(r2.Point{X: x, Y: y})
			pts = append(pts, s.Mul(depth))
			i++
		}
	}
	return pts
}

// renderView draws the scene points as gaussian blobs seen from pose.
func renderView(points []r3.Vector, cam *transform.Camera, pose spatialmath.SE3) *image.Gray {
	buf := make([]float64, sceneWidth*sceneHeight)
	for i := range buf {
		buf[i] = 30
	}
	for _, p := range points {
		px := cam.WorldToPixel(p, pose)
		for y := int(px.Y) - 5; y <= int(px.Y)+5; y++ {
			for x := int(px.X) - 5; x <= int(px.X)+5; x++ {
				if x < 0 || y < 0 || x >= sceneWidth || y >= sceneHeight {
					continue
				}
				dx := float64(x) - px.X
				dy := float64(y) - px.Y
				buf[y*sceneWidth+x] += 190 * math.Exp(-(dx*dx+dy*dy)/(2*1.8*1.8))
			}
		}
	}
	img := image.NewGray(image.Rect(0, 0, sceneWidth, sceneHeight))
	for i, v := range buf {
		if v > 255 {
			v = 255
		}
		img.Pix[i] = uint8(v)
	}
	return img
}

func renderStereo(points []r3.Vector, f *Frontend, pose spatialmath.SE3) (*image.Gray, *image.Gray) {
	return renderView(points, f.cameraLeft, pose), renderView(points, f.cameraRight, pose)
}

func newTestFrontend(t *testing.T) (*Frontend, *Map, []r3.Vector) {
	t.Helper()
	cfg := testFrontendConfig()
	m := NewMap()
	f := NewFrontend(cfg, m, NewSensorRegistry(), logging.NewTestLogger(t))
	return f, m, scenePoints(cfg.CameraLeft)
}

func TestStereoBoot(t *testing.T) {
	f, m, points := newTestFrontend(t)

	left, right := renderStereo(points, f, spatialmath.IdentitySE3())
	frame := NewFrame(1.0, left, right)
	test.That(t, f.AddFrame(frame), test.ShouldBeTrue)

	test.That(t, f.Status(), test.ShouldEqual, StatusTrackingGood)
	test.That(t, m.NumKeyframes(), test.ShouldEqual, 1)
	test.That(t, m.NumLandmarks(), test.ShouldBeGreaterThanOrEqualTo, 20)

	// every landmark reprojects onto its left observation
	for _, feat := range frame.FeaturesLeft {
		px := f.cameraLeft.RobotToPixel(feat.Landmark.Position)
		test.That(t, px.Sub(feat.Keypoint).Norm(), test.ShouldBeLessThan, 0.5)
	}
}

func TestSteadyTracking(t *testing.T) {
	f, m, points := newTestFrontend(t)

	left, right := renderStereo(points, f, spatialmath.IdentitySE3())
	test.That(t, f.AddFrame(NewFrame(1.0, left, right)), test.ShouldBeTrue)
	test.That(t, f.Status(), test.ShouldEqual, StatusTrackingGood)

	// the rig slides 0.1 m along x per frame
	for i := 1; i <= 3; i++ {
		c := r3.Vector{X: 0.1 * float64(i)}
		pose := spatialmath.NewSE3(spatialmath.IdentitySE3().Rot, c.Mul(-1))
		left, right = renderStereo(points, f, pose)
		frame := NewFrame(1.0+0.1*float64(i), left, right)
		test.That(t, f.AddFrame(frame), test.ShouldBeTrue)
		test.That(t, f.Status(), test.ShouldEqual, StatusTrackingGood)

		got := frame.Pose().Inverse().Trans
		test.That(t, got.Sub(c).Norm(), test.ShouldBeLessThan, 0.05)
	}
	// steady motion does not spam keyframes
	test.That(t, m.NumKeyframes(), test.ShouldBeLessThanOrEqualTo, 3)
}

func TestLossAndRecovery(t *testing.T) {
	f, m, points := newTestFrontend(t)

	left, right := renderStereo(points, f, spatialmath.IdentitySE3())
	test.That(t, f.AddFrame(NewFrame(1.0, left, right)), test.ShouldBeTrue)
	test.That(t, f.Status(), test.ShouldEqual, StatusTrackingGood)

	flat := image.NewGray(image.Rect(0, 0, sceneWidth, sceneHeight))
	sawLost := false
	for i := 0; i < 8; i++ {
		frame := NewFrame(2.0+0.1*float64(i), flat, flat)
		f.AddFrame(frame)
		status := f.Status()
		if status == StatusLost {
			sawLost = true
		}
		if sawLost && status == StatusInitializing {
			// reset happened: the map was cleared and the tracker is
			// waiting to bootstrap again
			test.That(t, m.NumKeyframes(), test.ShouldEqual, 0)
			test.That(t, m.NumLandmarks(), test.ShouldEqual, 0)
			return
		}
	}
	t.Fatal("tracker never cycled through LOST into INITIALIZING")
}

func TestDetectOnFlatImageFindsNothing(t *testing.T) {
	f, m, _ := newTestFrontend(t)
	flat := image.NewGray(image.Rect(0, 0, sceneWidth, sceneHeight))
	test.That(t, f.AddFrame(NewFrame(1.0, flat, flat)), test.ShouldBeTrue)
	test.That(t, f.Status(), test.ShouldEqual, StatusInitializing)
	test.That(t, m.NumKeyframes(), test.ShouldEqual, 0)
	test.That(t, m.NumLandmarks(), test.ShouldEqual, 0)
}

func TestSemanticLabelStamping(t *testing.T) {
	f, _, points := newTestFrontend(t)
	left, right := renderStereo(points, f, spatialmath.IdentitySE3())
	test.That(t, f.AddFrame(NewFrame(1.0, left, right)), test.ShouldBeTrue)

	pose := spatialmath.NewSE3(spatialmath.IdentitySE3().Rot, r3.Vector{X: -0.05})
	left, right = renderStereo(points, f, pose)
	frame := NewFrame(1.1, left, right)
	frame.Objects = []DetectedObject{{Label: LabelCar, Xmin: 0, Ymin: 0, Xmax: sceneWidth, Ymax: sceneHeight}}
	test.That(t, f.AddFrame(frame), test.ShouldBeTrue)

	labeled := 0
	for _, feat := range frame.FeaturesLeft {
		if feat.Landmark.Label == LabelCar {
			labeled++
		}
	}
	test.That(t, labeled, test.ShouldEqual, len(frame.FeaturesLeft))
}
