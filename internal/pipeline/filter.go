package pipeline

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/config"
	"argos/internal/frame"
)

// Reasons recorded on an object when a filter check rejects it. Checks run in
// this order and the first failure wins.
const (
	HitConfidence = "confidence"
	HitWidth      = "width"
	HitHeight     = "height"
	HitMask       = "mask"
)

// PostProcessorEvent routes one relevant object to an additional stage such
// as face recognition or licence plate reading.
type PostProcessorEvent struct {
	Camera string
	Object frame.DetectedObject
	Frame  *frame.FrameToScan
}

// Filter is the per-camera relevance stage. It marks each detected object
// relevant or rejected against the configured per-label bounds, maintains
// the camera's zones and routes relevant objects to their post-processors.
type Filter struct {
	camera  string
	width   int
	height  int
	filters map[string]config.LabelFilter
	zones   []*Zone
	b       *bus.Bus
	logger  zerolog.Logger
}

// NewFilter builds the filter stage from camera configuration.
func NewFilter(cfg *config.Camera, b *bus.Bus) *Filter {
	filters := make(map[string]config.LabelFilter)
	if cfg.ObjectDetector != nil {
		for label, f := range cfg.ObjectDetector.LabelFilters {
			filters[label] = f.Normalized()
		}
	}

	zones := make([]*Zone, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		zones = append(zones, NewZone(z))
	}

	return &Filter{
		camera:  cfg.Name,
		width:   cfg.Width,
		height:  cfg.Height,
		filters: filters,
		zones:   zones,
		b:       b,
		logger:  log.With().Str("component", "filter").Str("camera", cfg.Name).Logger(),
	}
}

// Zones returns the camera's zones, in configuration order.
func (f *Filter) Zones() []*Zone { return f.zones }

// Run consumes raw detection results until ctx is cancelled.
func (f *Filter) Run(ctx context.Context) {
	sub := f.b.SubscribeQueue(bus.TopicProcessed(f.camera, ObjectDetectorName), bus.DefaultQueueSize)
	defer f.b.Unsubscribe(sub)

	for {
		select {
		case msg := <-sub.Queue():
			f.handle(msg.Payload.(*frame.DetectionResult))
		case <-ctx.Done():
			return
		}
	}
}

func (f *Filter) handle(result *frame.DetectionResult) {
	f.Apply(result.Objects)

	if err := f.b.Publish(bus.TopicObjects(f.camera), result); err != nil {
		f.logger.Debug().Err(err).Msg("objects not published")
		return
	}

	f.routePostProcessors(result)
	f.updateZones(result)
}

// Apply marks each object in place. Objects whose label has no configured
// filter are left irrelevant with no hit recorded; they were never asked for.
func (f *Filter) Apply(objects []frame.DetectedObject) {
	for i := range objects {
		o := &objects[i]
		cfg, ok := f.filters[o.Label]
		if !ok {
			continue
		}
		if hit := filterHit(*o, cfg, f.width, f.height); hit != "" {
			o.FilterHit = hit
			continue
		}
		o.Relevant = true
		o.TriggersRecording = cfg.TriggersRecording
	}
}

func (f *Filter) routePostProcessors(result *frame.DetectionResult) {
	for _, o := range result.Objects {
		if !o.Relevant {
			continue
		}
		name := f.filters[o.Label].PostProcessor
		if name == "" {
			continue
		}
		err := f.b.Publish(bus.TopicPostProcessor(name), PostProcessorEvent{
			Camera: f.camera,
			Object: o,
			Frame:  result.Frame,
		})
		if err != nil {
			f.logger.Debug().Err(err).Str("post_processor", name).Msg("object not routed")
		}
	}
}

func (f *Filter) updateZones(result *frame.DetectionResult) {
	for _, z := range f.zones {
		changed, inZone := z.Update(result.Objects, f.width, f.height)
		if !changed {
			continue
		}
		err := f.b.Publish(bus.TopicZone(f.camera, z.Name()), ZoneEvent{
			Camera:   f.camera,
			Zone:     z.Name(),
			Occupied: len(inZone) > 0,
			Objects:  inZone,
			Time:     result.Frame.Time,
		})
		if err != nil {
			f.logger.Debug().Err(err).Str("zone", z.Name()).Msg("zone event not published")
		}
	}
}

// filterHit checks one object against one label filter and returns the first
// failing check, or "" when the object passes. Shared by the camera-level
// filter and zones.
func filterHit(o frame.DetectedObject, f config.LabelFilter, width, height int) string {
	if o.Confidence < f.Confidence {
		return HitConfidence
	}
	if w := o.RelWidth(); w < f.WidthMin || w > f.WidthMax {
		return HitWidth
	}
	if h := o.RelHeight(); h < f.HeightMin || h > f.HeightMax {
		return HitHeight
	}
	p := o.BottomCenter(width, height)
	for _, mask := range f.Masks {
		if mask.ContainsPoint(p) {
			return HitMask
		}
	}
	return ""
}
