package lvio

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func kfAt(m *Map, t float64) *Frame {
	f := NewFrame(t, nil, nil)
	f.ID = m.NextFrameID()
	m.InsertKeyFrame(f)
	return f
}

func TestMapKeyframeOrdering(t *testing.T) {
	m := NewMap()
	f1 := kfAt(m, 1)
	f2 := kfAt(m, 2)
	f3 := kfAt(m, 3.5)

	test.That(t, f1.ID, test.ShouldBeLessThan, f2.ID)
	test.That(t, f2.ID, test.ShouldBeLessThan, f3.ID)

	all := m.GetKeyFrames(0)
	test.That(t, len(all), test.ShouldEqual, 3)
	test.That(t, all[0], test.ShouldEqual, f1)
	test.That(t, all[2], test.ShouldEqual, f3)

	test.That(t, len(m.GetKeyFrames(2)), test.ShouldEqual, 2)
	test.That(t, len(m.GetKeyFramesRange(1, 3.5)), test.ShouldEqual, 2)
	test.That(t, len(m.GetKeyFramesRange(2, 2)), test.ShouldEqual, 0)

	firstTwo := m.GetKeyFramesN(0, 10, 2)
	test.That(t, len(firstTwo), test.ShouldEqual, 2)
	test.That(t, firstTwo[1], test.ShouldEqual, f2)
}

func TestMapInsertOutOfOrderPanics(t *testing.T) {
	m := NewMap()
	kfAt(m, 5)
	defer func() {
		test.That(t, recover(), test.ShouldNotBeNil)
	}()
	kfAt(m, 4)
}

func TestRemoveLandmarkDetachesEverything(t *testing.T) {
	m := NewMap()
	f1 := kfAt(m, 1)
	f2 := kfAt(m, 2)

	lm := NewLandmark(r3.Vector{Z: 5})
	lm.ID = m.NextLandmarkID()
	feat1 := NewFeature(f1, r2.Point{X: 10, Y: 10}, lm)
	feat2 := NewFeature(f2, r2.Point{X: 12, Y: 10}, lm)
	lm.AddObservation(feat1)
	lm.AddObservation(feat2)
	f1.AddFeature(feat1)
	f2.AddFeature(feat2)
	m.InsertLandmark(lm)

	// feature invariants before removal
	for _, f := range []*Frame{f1, f2} {
		for _, feat := range f.FeaturesLeft {
			test.That(t, feat.Frame, test.ShouldEqual, f)
			found := false
			for _, obs := range feat.Landmark.Observations {
				if obs == feat {
					found = true
				}
			}
			test.That(t, found, test.ShouldBeTrue)
		}
	}

	m.RemoveLandmark(lm)
	test.That(t, m.NumLandmarks(), test.ShouldEqual, 0)
	test.That(t, len(f1.FeaturesLeft), test.ShouldEqual, 0)
	test.That(t, len(f2.FeaturesLeft), test.ShouldEqual, 0)
	test.That(t, len(lm.Observations), test.ShouldEqual, 0)
}

func TestMapReset(t *testing.T) {
	m := NewMap()
	f := kfAt(m, 1)
	lm := NewLandmark(r3.Vector{Z: 2})
	lm.ID = m.NextLandmarkID()
	feat := NewFeature(f, r2.Point{}, lm)
	lm.AddObservation(feat)
	f.AddFeature(feat)
	m.InsertLandmark(lm)

	m.Reset()
	test.That(t, m.NumKeyframes(), test.ShouldEqual, 0)
	test.That(t, m.NumLandmarks(), test.ShouldEqual, 0)
	// ids keep increasing across resets
	next := m.NextFrameID()
	test.That(t, next, test.ShouldBeGreaterThan, f.ID)
}

func TestLandmarkObservationOrder(t *testing.T) {
	m := NewMap()
	f1 := kfAt(m, 1)
	f2 := kfAt(m, 2)
	lm := NewLandmark(r3.Vector{Z: 3})
	feat2 := NewFeature(f2, r2.Point{}, lm)
	feat1 := NewFeature(f1, r2.Point{}, lm)
	lm.AddObservation(feat2)
	lm.AddObservation(feat1)
	test.That(t, lm.FirstFrame(), test.ShouldEqual, f1)
	test.That(t, lm.LastFrame(), test.ShouldEqual, f2)
}
