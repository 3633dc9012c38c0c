package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/detector"
	"argos/internal/frame"
)

// ObjectRunner drives one object detector: it takes scan requests, runs
// inference under the shared detection lock and publishes raw results for
// the filter stage. A failing or panicking backend yields an empty result
// rather than wedging the pipeline.
type ObjectRunner struct {
	camera  string
	det     detector.ObjectDetector
	lock    *detector.Lock
	timeout time.Duration
	b       *bus.Bus
	logger  zerolog.Logger
}

// NewObjectRunner creates a runner. timeout bounds each Detect call; zero
// means no per-scan deadline.
func NewObjectRunner(camera string, det detector.ObjectDetector, lock *detector.Lock,
	timeout time.Duration, b *bus.Bus) *ObjectRunner {
	return &ObjectRunner{
		camera:  camera,
		det:     det,
		lock:    lock,
		timeout: timeout,
		b:       b,
		logger:  log.With().Str("component", "object_runner").Str("camera", camera).Logger(),
	}
}

// Run consumes scan requests until ctx is cancelled.
func (r *ObjectRunner) Run(ctx context.Context) {
	sub := r.b.SubscribeQueue(bus.TopicScan(r.camera, ObjectDetectorName), bus.DefaultQueueSize)
	defer r.b.Unsubscribe(sub)

	for {
		select {
		case msg := <-sub.Queue():
			r.handle(ctx, msg.Payload.(*frame.FrameToScan))
		case <-ctx.Done():
			return
		}
	}
}

func (r *ObjectRunner) handle(ctx context.Context, fts *frame.FrameToScan) {
	objects := r.detect(ctx, fts)

	// Detections are relative to the model input. When the view was
	// letterboxed, strip the padding so coordinates are frame-relative for
	// everything downstream.
	view := fts.Frame.GetView(fts.DetectorName, r.det.ModelWidth(), r.det.ModelHeight())
	if view.Letterbox != nil {
		for i := range objects {
			objects[i] = view.Letterbox.InvertObject(objects[i])
		}
	}

	result := &frame.DetectionResult{
		Camera:   r.camera,
		Detector: r.det.Name(),
		Frame:    fts,
		Objects:  objects,
	}
	if err := r.b.Publish(bus.TopicProcessed(r.camera, ObjectDetectorName), result); err != nil {
		r.logger.Debug().Err(err).Msg("result not published")
	}
}

// detect runs one inference under the detection lock. The lock is released
// on every path, panics included.
func (r *ObjectRunner) detect(ctx context.Context, fts *frame.FrameToScan) (objects []frame.DetectedObject) {
	if err := r.lock.Acquire(ctx); err != nil {
		return nil
	}
	defer r.lock.Release()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn().Any("panic", p).Msg("detector panicked, dropping scan")
			objects = nil
		}
	}()

	detectCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	objects, err := r.det.Detect(detectCtx, fts)
	if err != nil {
		r.logger.Warn().Err(err).Msg("detector scan failed")
		return nil
	}
	return objects
}

// MotionRunner drives the frame-differencing motion detector. It takes the
// motion lock so differencing never overlaps with a segment duration probe
// competing for the same budget.
type MotionRunner struct {
	camera string
	motion *detector.Motion
	lock   *detector.Lock
	b      *bus.Bus
	logger zerolog.Logger
}

// NewMotionRunner creates a runner for a camera's motion detector.
func NewMotionRunner(camera string, motion *detector.Motion, lock *detector.Lock, b *bus.Bus) *MotionRunner {
	return &MotionRunner{
		camera: camera,
		motion: motion,
		lock:   lock,
		b:      b,
		logger: log.With().Str("component", "motion_runner").Str("camera", camera).Logger(),
	}
}

// Run consumes scan requests until ctx is cancelled.
func (r *MotionRunner) Run(ctx context.Context) {
	sub := r.b.SubscribeQueue(bus.TopicScan(r.camera, MotionDetectorName), bus.DefaultQueueSize)
	defer r.b.Unsubscribe(sub)

	for {
		select {
		case msg := <-sub.Queue():
			r.handle(ctx, msg.Payload.(*frame.FrameToScan))
		case <-ctx.Done():
			return
		}
	}
}

func (r *MotionRunner) handle(ctx context.Context, fts *frame.FrameToScan) {
	if err := r.lock.Acquire(ctx); err != nil {
		return
	}
	result := r.motion.Scan(fts)
	r.lock.Release()

	if err := r.b.Publish(bus.TopicMotion(r.camera), result); err != nil {
		r.logger.Debug().Err(err).Msg("motion result not published")
	}
}
