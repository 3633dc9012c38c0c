package camera

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argos/internal/bus"
	"argos/internal/config"
	"argos/internal/detector"
	"argos/internal/event"
	"argos/internal/pipeline"
)

func testConfig() (*config.Camera, *config.Config) {
	cam := &config.Camera{
		Name:   "front",
		Source: "rtsp://cam.local/stream",
		Width:  640,
		Height: 480,
		FPS:    25,
	}
	return cam, &config.Config{
		Cameras:          []config.Camera{*cam},
		RecordingsFolder: "/tmp/recordings",
		SegmentsFolder:   "/tmp/segments",
	}
}

func TestStatusTransitions(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	sub := b.SubscribeQueue(bus.TopicStatus("front"), 10)

	cam, root := testConfig()
	c := New(cam, root, nil, detector.NewRegistry(), b)
	c.objectAtt = pipeline.NewAttachment(pipeline.ObjectDetectorName, 5, true)
	c.motionAtt = pipeline.NewAttachment(pipeline.MotionDetectorName, 5, true)

	next := func() pipeline.Status {
		t.Helper()
		select {
		case msg := <-sub.Queue():
			return msg.Payload.(pipeline.StatusEvent).Status
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for status event")
			return ""
		}
	}

	c.publishStatus()
	assert.Equal(t, pipeline.StatusScanningObjects, next())

	c.onMachineState(event.StateRecording)
	assert.Equal(t, pipeline.StatusRecording, next())

	// Cooling down still reports recording: the file is still open.
	c.onMachineState(event.StateCoolingDown)
	assert.Equal(t, pipeline.StatusRecording, c.Status())

	c.onMachineState(event.StateIdle)
	assert.Equal(t, pipeline.StatusScanningObjects, next())

	c.setFaulted(true)
	assert.Equal(t, pipeline.StatusFaulted, next())
	assert.True(t, c.Faulted())

	c.Toggle()
	assert.Equal(t, pipeline.StatusScanningObjects, next())
	assert.False(t, c.Faulted())
}

func TestStatusWithoutObjectDetector(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()

	cam, root := testConfig()
	c := New(cam, root, nil, detector.NewRegistry(), b)
	c.motionAtt = pipeline.NewAttachment(pipeline.MotionDetectorName, 5, true)

	c.publishStatus()
	assert.Equal(t, pipeline.StatusScanningMotion, c.Status())

	// A closed object detector gate falls back to motion too.
	c.objectAtt = pipeline.NewAttachment(pipeline.ObjectDetectorName, 5, false)
	c.publishStatus()
	assert.Equal(t, pipeline.StatusScanningMotion, c.Status())
}

func TestSuperviseRestartsCrashedLoop(t *testing.T) {
	cam, root := testConfig()
	cam.RestartAttempts = 5
	cam.RestartDelay = time.Millisecond
	c := New(cam, root, nil, detector.NewRegistry(), bus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.supervise(ctx, "flaky", func(ctx context.Context) {
			if runs.Add(1) < 3 {
				panic("loop blew up")
			}
			<-ctx.Done()
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() == 3 },
		2*time.Second, 5*time.Millisecond, "panicking loop was not restarted")
	cancel()
	<-done
	assert.Equal(t, int32(3), runs.Load())
}

func TestSuperviseStopsAtRestartBudget(t *testing.T) {
	cam, root := testConfig()
	cam.RestartAttempts = 3
	cam.RestartDelay = time.Millisecond
	c := New(cam, root, nil, detector.NewRegistry(), bus.New())

	var runs atomic.Int32
	c.supervise(context.Background(), "broken", func(context.Context) {
		runs.Add(1)
		panic("always")
	})

	assert.Equal(t, int32(3), runs.Load(), "a loop that never recovers must stop at the budget")
}

func TestFillStreamInfoSkipsConfiguredCameras(t *testing.T) {
	cam, root := testConfig()
	c := New(cam, root, nil, detector.NewRegistry(), bus.New())

	// Fully configured: no probe process is spawned.
	require.NoError(t, c.fillStreamInfo(context.Background()))
	assert.Equal(t, 640, cam.Width)
}
