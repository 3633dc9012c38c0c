package pipeline

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/frame"
)

// Attachment names double as view cache keys and bus topic segments, so the
// same frame rendition is reused across the decode, preprocess and scan
// stages of one detector.
const (
	ObjectDetectorName = "object_detector"
	MotionDetectorName = "motion_detector"
)

// Attachment is one detector hanging off a camera's frame stream. Scanning
// can be gated at runtime; a disabled attachment receives no frames at all,
// so its worker and runner sit idle without any busy polling.
type Attachment struct {
	Name string
	FPS  int

	enabled atomic.Bool
}

// NewAttachment creates an attachment with the given initial gating.
func NewAttachment(name string, fps int, enabled bool) *Attachment {
	a := &Attachment{Name: name, FPS: fps}
	a.enabled.Store(enabled)
	return a
}

// ScanEnabled reports whether frames are currently forwarded to this
// attachment.
func (a *Attachment) ScanEnabled() bool { return a.enabled.Load() }

// SetScanEnabled gates frame forwarding. Used by the event machine to switch
// the object detector on and off when it is triggered by motion.
func (a *Attachment) SetScanEnabled(v bool) { a.enabled.Store(v) }

// Fanout samples the camera's raw frame stream down to each attachment's
// scan rate and forwards the sampled frames on per-detector decode topics.
// Sampling is a modulo clock over the frame counter, so a 25 fps stream with
// a 5 fps detector forwards every fifth frame.
type Fanout struct {
	camera    string
	streamFPS int
	b         *bus.Bus
	logger    zerolog.Logger

	attachments []*Attachment
	intervals   []uint64
	counter     uint64
}

// NewFanout computes the per-attachment sampling intervals. An attachment
// asking for more than the stream delivers is clamped to every frame, with a
// single warning.
func NewFanout(camera string, streamFPS int, b *bus.Bus, attachments ...*Attachment) *Fanout {
	f := &Fanout{
		camera:      camera,
		streamFPS:   streamFPS,
		b:           b,
		logger:      log.With().Str("component", "fanout").Str("camera", camera).Logger(),
		attachments: attachments,
		intervals:   make([]uint64, len(attachments)),
	}

	for i, a := range attachments {
		interval := uint64(math.Round(float64(streamFPS) / float64(a.FPS)))
		if interval < 1 {
			f.logger.Warn().
				Str("detector", a.Name).
				Int("detector_fps", a.FPS).
				Int("stream_fps", streamFPS).
				Msg("detector fps exceeds stream fps, scanning every frame")
			interval = 1
		}
		f.intervals[i] = interval
	}
	return f
}

// Run consumes raw frames until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	sub := f.b.SubscribeQueue(bus.TopicRawFrame(f.camera), bus.DefaultQueueSize)
	defer f.b.Unsubscribe(sub)

	for {
		select {
		case msg := <-sub.Queue():
			f.handle(msg.Payload.(*frame.RawFrame))
		case <-ctx.Done():
			return
		}
	}
}

// handle forwards one frame to every due, enabled attachment. The frame is
// retained once per forward and the fan-out's own reference released last, so
// the buffer returns to the pool as soon as the final worker is done with it.
func (f *Fanout) handle(raw *frame.RawFrame) {
	f.counter++
	for i, a := range f.attachments {
		if !a.ScanEnabled() || f.counter%f.intervals[i] != 0 {
			continue
		}
		raw.Retain(1)
		if err := f.b.Publish(bus.TopicDecode(f.camera, a.Name), raw); err != nil {
			raw.Release()
		}
	}
	raw.Release()
}
