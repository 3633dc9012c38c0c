package pipeline

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/frame"
)

// Worker decodes the sampled frames of one attachment and prepares them for
// scanning: NV12 to RGB once, then the detector-sized view, then an optional
// backend preprocess hook. A malformed buffer is reported on the camera's
// decode error topic, which makes capture restart the reader.
type Worker struct {
	camera string
	att    *Attachment
	b      *bus.Bus
	logger zerolog.Logger

	modelWidth  int
	modelHeight int

	// preprocess is the detector's Preprocess hook, nil when the backend
	// consumes the view directly.
	preprocess func(*frame.FrameToScan)
}

// NewWorker creates the frame worker for one attachment.
func NewWorker(camera string, att *Attachment, modelWidth, modelHeight int,
	preprocess func(*frame.FrameToScan), b *bus.Bus) *Worker {
	return &Worker{
		camera:      camera,
		att:         att,
		b:           b,
		logger:      log.With().Str("component", "worker").Str("camera", camera).Str("detector", att.Name).Logger(),
		modelWidth:  modelWidth,
		modelHeight: modelHeight,
		preprocess:  preprocess,
	}
}

// Run consumes decode requests until ctx is cancelled. The queue is bounded
// at the default size; when inference falls behind, old frames are dropped
// in favour of fresh ones.
func (w *Worker) Run(ctx context.Context) {
	sub := w.b.SubscribeQueue(bus.TopicDecode(w.camera, w.att.Name), bus.DefaultQueueSize)
	defer w.b.Unsubscribe(sub)

	for {
		select {
		case msg := <-sub.Queue():
			w.handle(msg.Payload.(*frame.RawFrame))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handle(raw *frame.RawFrame) {
	decoded, err := raw.Decode()
	raw.Release()
	if err != nil {
		w.logger.Warn().Err(err).Uint64("seq", raw.Seq).Msg("frame decode failed")
		if pubErr := w.b.Publish(bus.TopicDecodeError(w.camera), err); pubErr != nil {
			w.logger.Debug().Err(pubErr).Msg("decode error not published")
		}
		return
	}

	fts := &frame.FrameToScan{
		Frame:        decoded,
		DetectorName: w.att.Name,
		StreamWidth:  raw.Width,
		StreamHeight: raw.Height,
		Camera:       w.camera,
		Time:         raw.Time,
	}

	// Materialise the view here so the runner never pays for resizing while
	// holding the detection lock.
	decoded.GetView(w.att.Name, w.modelWidth, w.modelHeight)
	if w.preprocess != nil {
		w.preprocess(fts)
	}

	if err := w.b.Publish(bus.TopicScan(w.camera, w.att.Name), fts); err != nil {
		w.logger.Debug().Err(err).Msg("scan not published")
	}
}
