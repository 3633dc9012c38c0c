package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argos/internal/bus"
	"argos/internal/config"
	"argos/internal/detector"
	"argos/internal/frame"
)

func validRaw(w, h int) *frame.RawFrame {
	return &frame.RawFrame{
		Bytes:  make([]byte, frame.RawSize(w, h)),
		Width:  w,
		Height: h,
		Time:   time.Now(),
	}
}

func recvMsg(t *testing.T, sub *bus.Subscription) bus.Message {
	t.Helper()
	select {
	case m := <-sub.Queue():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}

func TestFanoutSamplingRate(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicDecode("front", ObjectDetectorName), 50)

	// 25 fps stream, 5 fps detector: every fifth frame is forwarded.
	f := NewFanout("front", 25, b, NewAttachment(ObjectDetectorName, 5, true))

	var released atomic.Int32
	for i := 0; i < 100; i++ {
		raw := validRaw(4, 4)
		raw.SetReleaser(1, func([]byte) { released.Add(1) })
		f.handle(raw)
	}

	forwarded := 0
	for forwarded < 20 {
		recvMsg(t, sub)
		forwarded++
	}
	select {
	case <-sub.Queue():
		t.Fatal("more than 20 of 100 frames forwarded")
	case <-time.After(100 * time.Millisecond):
	}

	// The 80 skipped frames go straight back to the pool; the 20 forwarded
	// ones are still held by their pending decode reference.
	assert.Equal(t, int32(80), released.Load())
}

func TestFanoutClampsFastDetector(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicDecode("front", MotionDetectorName), 20)

	// A detector asking for more than the stream delivers scans every frame.
	f := NewFanout("front", 25, b, NewAttachment(MotionDetectorName, 50, true))
	for i := 0; i < 10; i++ {
		f.handle(validRaw(4, 4))
	}
	for i := 0; i < 10; i++ {
		recvMsg(t, sub)
	}
}

func TestFanoutScanDisabled(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicDecode("front", ObjectDetectorName), 20)

	att := NewAttachment(ObjectDetectorName, 25, false)
	f := NewFanout("front", 25, b, att)

	var released atomic.Int32
	for i := 0; i < 5; i++ {
		raw := validRaw(4, 4)
		raw.SetReleaser(1, func([]byte) { released.Add(1) })
		f.handle(raw)
	}

	select {
	case <-sub.Queue():
		t.Fatal("disabled attachment received a frame")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int32(5), released.Load())

	att.SetScanEnabled(true)
	f.handle(validRaw(4, 4))
	recvMsg(t, sub)
}

func TestWorkerPublishesScan(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicScan("front", ObjectDetectorName), 5)

	preprocessed := false
	att := NewAttachment(ObjectDetectorName, 5, true)
	w := NewWorker("front", att, 4, 4, func(fts *frame.FrameToScan) {
		preprocessed = true
		fts.Preprocessed = "input"
	}, b)

	w.handle(validRaw(8, 4))

	msg := recvMsg(t, sub)
	fts := msg.Payload.(*frame.FrameToScan)
	assert.Equal(t, "front", fts.Camera)
	assert.Equal(t, 8, fts.StreamWidth)
	assert.Equal(t, "input", fts.Preprocessed)
	assert.True(t, preprocessed)

	// The view is materialised before the scan is queued; a square target on
	// a non-square frame is letterboxed.
	view := fts.Frame.GetView(ObjectDetectorName, 4, 4)
	require.NotNil(t, view.Letterbox)
}

func TestWorkerReportsDecodeFault(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicDecodeError("front"), 5)

	att := NewAttachment(ObjectDetectorName, 5, true)
	w := NewWorker("front", att, 4, 4, nil, b)

	bad := validRaw(8, 4)
	bad.Bytes = bad.Bytes[:10]
	w.handle(bad)

	msg := recvMsg(t, sub)
	assert.ErrorIs(t, msg.Payload.(error), frame.ErrDecodeFault)
}

type fakeDetector struct {
	size    int
	objects []frame.DetectedObject
	err     error
	panics  bool
}

func (d *fakeDetector) Name() string                  { return "fake" }
func (d *fakeDetector) ModelWidth() int               { return d.size }
func (d *fakeDetector) ModelHeight() int              { return d.size }
func (d *fakeDetector) Preprocess(*frame.FrameToScan) {}
func (d *fakeDetector) Close() error                  { return nil }

func (d *fakeDetector) Detect(_ context.Context, _ *frame.FrameToScan) ([]frame.DetectedObject, error) {
	if d.panics {
		panic("backend crashed")
	}
	return d.objects, d.err
}

func scanFrame(t *testing.T, w, h int) *frame.FrameToScan {
	t.Helper()
	decoded, err := validRaw(w, h).Decode()
	require.NoError(t, err)
	return &frame.FrameToScan{
		Frame:        decoded,
		DetectorName: ObjectDetectorName,
		StreamWidth:  w,
		StreamHeight: h,
		Camera:       "front",
		Time:         time.Now(),
	}
}

func TestObjectRunnerUnletterboxesResults(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicProcessed("front", ObjectDetectorName), 5)

	// 16x8 frame letterboxed into a 4x4 model: content occupies the middle
	// rows, so a model-space box spanning them maps back to the full frame.
	det := &fakeDetector{size: 4, objects: []frame.DetectedObject{
		{Label: "person", Confidence: 0.9, RelX1: 0, RelY1: 0.25, RelX2: 1, RelY2: 0.75},
	}}
	r := NewObjectRunner("front", det, detector.NewLock(), 0, b)
	r.handle(context.Background(), scanFrame(t, 16, 8))

	msg := recvMsg(t, sub)
	result := msg.Payload.(*frame.DetectionResult)
	require.Len(t, result.Objects, 1)

	o := result.Objects[0]
	assert.InDelta(t, 0, o.RelX1, 0.01)
	assert.InDelta(t, 0, o.RelY1, 0.01)
	assert.InDelta(t, 1, o.RelX2, 0.01)
	assert.InDelta(t, 1, o.RelY2, 0.01)
}

func TestObjectRunnerSurvivesBackendFailures(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicProcessed("front", ObjectDetectorName), 5)

	lock := detector.NewLock()

	r := NewObjectRunner("front", &fakeDetector{size: 4, panics: true}, lock, 0, b)
	r.handle(context.Background(), scanFrame(t, 16, 8))

	msg := recvMsg(t, sub)
	assert.Empty(t, msg.Payload.(*frame.DetectionResult).Objects)

	r = NewObjectRunner("front", &fakeDetector{size: 4, err: errors.New("backend down")}, lock, 0, b)
	r.handle(context.Background(), scanFrame(t, 16, 8))

	msg = recvMsg(t, sub)
	assert.Empty(t, msg.Payload.(*frame.DetectionResult).Objects)

	// The lock must stay balanced even across the panic.
	acquired, released := lock.Counts()
	assert.Equal(t, uint64(2), acquired)
	assert.Equal(t, uint64(2), released)
}

func filterCamera() *config.Camera {
	return &config.Camera{
		Name:   "front",
		Width:  100,
		Height: 100,
		ObjectDetector: &config.ObjectDetector{
			LabelFilters: map[string]config.LabelFilter{
				"person": {
					Confidence:        0.7,
					WidthMin:          0.1,
					WidthMax:          0.9,
					HeightMin:         0.1,
					HeightMax:         0.9,
					TriggersRecording: true,
					Masks: []frame.Polygon{{
						{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 100}, {X: 0, Y: 100},
					}},
				},
			},
		},
	}
}

func TestFilterChecksInOrder(t *testing.T) {
	f := NewFilter(filterCamera(), bus.New())

	objects := []frame.DetectedObject{
		// Low confidence is reported first even though the box is also tiny.
		{Label: "person", Confidence: 0.5, RelX1: 0.6, RelY1: 0.6, RelX2: 0.62, RelY2: 0.62},
		{Label: "person", Confidence: 0.9, RelX1: 0.6, RelY1: 0.3, RelX2: 0.65, RelY2: 0.6},
		{Label: "person", Confidence: 0.9, RelX1: 0.6, RelY1: 0.55, RelX2: 0.8, RelY2: 0.6},
		// Passes every bound but stands inside the left-half mask.
		{Label: "person", Confidence: 0.9, RelX1: 0.1, RelY1: 0.2, RelX2: 0.3, RelY2: 0.5},
		{Label: "person", Confidence: 0.9, RelX1: 0.6, RelY1: 0.2, RelX2: 0.8, RelY2: 0.5},
		{Label: "cat", Confidence: 0.99, RelX1: 0.6, RelY1: 0.2, RelX2: 0.8, RelY2: 0.5},
	}
	f.Apply(objects)

	assert.Equal(t, HitConfidence, objects[0].FilterHit)
	assert.Equal(t, HitWidth, objects[1].FilterHit)
	assert.Equal(t, HitHeight, objects[2].FilterHit)
	assert.Equal(t, HitMask, objects[3].FilterHit)
	for _, o := range objects[:4] {
		assert.False(t, o.Relevant, "rejected object marked relevant")
	}

	assert.True(t, objects[4].Relevant)
	assert.True(t, objects[4].TriggersRecording)
	assert.Empty(t, objects[4].FilterHit)

	// Unconfigured labels are ignored, not rejected.
	assert.False(t, objects[5].Relevant)
	assert.Empty(t, objects[5].FilterHit)
}

func TestZoneOccupancyTransitions(t *testing.T) {
	z := NewZone(config.Zone{
		Name: "driveway",
		Points: frame.Polygon{
			{X: 50, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 50, Y: 100},
		},
		LabelFilters: map[string]config.LabelFilter{
			"person": {Confidence: 0.5},
		},
	})

	inside := frame.DetectedObject{
		Label: "person", Confidence: 0.9,
		RelX1: 0.6, RelY1: 0.2, RelX2: 0.8, RelY2: 0.8,
	}
	outside := frame.DetectedObject{
		Label: "person", Confidence: 0.9,
		RelX1: 0.1, RelY1: 0.2, RelX2: 0.3, RelY2: 0.8,
	}

	changed, inZone := z.Update([]frame.DetectedObject{inside, outside}, 100, 100)
	assert.True(t, changed)
	assert.Len(t, inZone, 1)
	assert.True(t, z.Occupied())

	// Same occupancy: no transition.
	changed, _ = z.Update([]frame.DetectedObject{inside}, 100, 100)
	assert.False(t, changed)

	// A low-confidence person does not hold the zone.
	weak := inside
	weak.Confidence = 0.3
	changed, inZone = z.Update([]frame.DetectedObject{weak}, 100, 100)
	assert.True(t, changed)
	assert.Empty(t, inZone)
	assert.False(t, z.Occupied())
}

func TestZoneWithoutFiltersRequiresRelevance(t *testing.T) {
	z := NewZone(config.Zone{
		Name: "yard",
		Points: frame.Polygon{
			{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100},
		},
	})

	o := frame.DetectedObject{
		Label: "person", Confidence: 0.9,
		RelX1: 0.4, RelY1: 0.4, RelX2: 0.6, RelY2: 0.6,
	}
	changed, _ := z.Update([]frame.DetectedObject{o}, 100, 100)
	assert.False(t, changed, "irrelevant object occupied an unfiltered zone")

	o.Relevant = true
	changed, _ = z.Update([]frame.DetectedObject{o}, 100, 100)
	assert.True(t, changed)
}

func TestFilterPublishesObjectsAndZoneEvents(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()

	cfg := filterCamera()
	cfg.Zones = []config.Zone{{
		Name: "driveway",
		Points: frame.Polygon{
			{X: 50, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 50, Y: 100},
		},
		LabelFilters: map[string]config.LabelFilter{"person": {Confidence: 0.5}},
	}}
	f := NewFilter(cfg, b)

	objectsSub := b.SubscribeQueue(bus.TopicObjects("front"), 5)
	zoneSub := b.SubscribeQueue(bus.TopicZone("front", "driveway"), 5)

	f.handle(&frame.DetectionResult{
		Camera:   "front",
		Detector: "fake",
		Frame:    &frame.FrameToScan{Time: time.Now()},
		Objects: []frame.DetectedObject{
			{Label: "person", Confidence: 0.9, RelX1: 0.6, RelY1: 0.2, RelX2: 0.8, RelY2: 0.5},
		},
	})

	result := recvMsg(t, objectsSub).Payload.(*frame.DetectionResult)
	require.Len(t, result.Objects, 1)
	assert.True(t, result.Objects[0].Relevant)

	event := recvMsg(t, zoneSub).Payload.(ZoneEvent)
	assert.True(t, event.Occupied)
	assert.Len(t, event.Objects, 1)

	// Zone empties on the next result.
	f.handle(&frame.DetectionResult{
		Camera: "front",
		Frame:  &frame.FrameToScan{Time: time.Now()},
	})
	event = recvMsg(t, zoneSub).Payload.(ZoneEvent)
	assert.False(t, event.Occupied)
}

func TestComputeStatus(t *testing.T) {
	assert.Equal(t, StatusFaulted, ComputeStatus(true, true, true, true))
	assert.Equal(t, StatusRecording, ComputeStatus(false, true, true, true))
	assert.Equal(t, StatusScanningObjects, ComputeStatus(false, false, true, true))
	assert.Equal(t, StatusScanningMotion, ComputeStatus(false, false, false, true))
	assert.Equal(t, StatusUnknown, ComputeStatus(false, false, false, false))
}
