package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/capture"
	"argos/internal/config"
	"argos/internal/detector"
	"argos/internal/event"
	"argos/internal/pipeline"
	"argos/internal/recorder"
	"argos/internal/segment"
	"argos/internal/storage"
)

// Camera assembles one camera's full processing chain: capture, fan-out,
// frame workers, detector runners, filter and zones, the event machine, the
// segment store and the recorder, all talking over the shared bus.
type Camera struct {
	cfg      *config.Camera
	root     *config.Config
	db       *storage.Database
	registry *detector.Registry
	b        *bus.Bus
	logger   zerolog.Logger

	cap *capture.Capture

	mu        sync.Mutex
	faulted   bool
	machState event.State
	objectAtt *pipeline.Attachment
	motionAtt *pipeline.Attachment
	status    pipeline.Status
}

// New creates an unstarted camera. Heavy construction happens in Run, after
// the stream has been probed for any dimensions the configuration left
// unset.
func New(cfg *config.Camera, root *config.Config, db *storage.Database,
	registry *detector.Registry, b *bus.Bus) *Camera {
	return &Camera{
		cfg:       cfg,
		root:      root,
		db:        db,
		registry:  registry,
		b:         b,
		logger:    log.With().Str("component", "camera").Str("camera", cfg.Name).Logger(),
		machState: event.StateIdle,
		status:    pipeline.StatusUnknown,
	}
}

// Run builds and supervises the pipeline until ctx is cancelled.
func (c *Camera) Run(ctx context.Context) error {
	if err := c.fillStreamInfo(ctx); err != nil {
		return err
	}

	segmentsDir := filepath.Join(c.root.SegmentsFolder, c.cfg.Name)
	if err := os.MkdirAll(segmentsDir, 0o755); err != nil {
		return fmt.Errorf("camera %s: %w", c.cfg.Name, err)
	}

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.supervise(ctx, name, run)
		}()
		c.logger.Debug().Str("part", name).Msg("started")
	}

	// Detector attachments and their workers and runners.
	var attachments []*pipeline.Attachment
	var workers []*pipeline.Worker
	var runners []func(context.Context)

	if od := c.cfg.ObjectDetector; od != nil {
		det, err := c.registry.GetOrCreate(od.Endpoint, func() (detector.ObjectDetector, error) {
			return detector.NewRemote("remote", od.Endpoint, od.ModelSize,
				time.Duration(od.Timeout*float64(time.Second)))
		})
		if err != nil {
			return fmt.Errorf("camera %s: %w", c.cfg.Name, err)
		}

		att := pipeline.NewAttachment(pipeline.ObjectDetectorName, od.FPS, true)
		attachments = append(attachments, att)
		workers = append(workers, pipeline.NewWorker(c.cfg.Name, att,
			det.ModelWidth(), det.ModelHeight(), det.Preprocess, c.b))
		runner := pipeline.NewObjectRunner(c.cfg.Name, det, detector.LockFor("object"),
			time.Duration(od.Timeout*float64(time.Second)), c.b)
		runners = append(runners, runner.Run)

		c.mu.Lock()
		c.objectAtt = att
		c.mu.Unlock()
	}

	if md := c.cfg.MotionDetector; md != nil {
		motion := detector.NewMotion(md)
		att := pipeline.NewAttachment(pipeline.MotionDetectorName, md.FPS, true)
		attachments = append(attachments, att)
		workers = append(workers, pipeline.NewWorker(c.cfg.Name, att,
			motion.ModelWidth(), motion.ModelHeight(), nil, c.b))
		runner := pipeline.NewMotionRunner(c.cfg.Name, motion, detector.LockFor("motion"), c.b)
		runners = append(runners, runner.Run)

		c.mu.Lock()
		c.motionAtt = att
		c.mu.Unlock()
	}

	// Segment store and recorder. Duration probes share the object detector's
	// lock so they never overlap with inference.
	var probeLock *detector.Lock
	if c.cfg.ObjectDetector != nil {
		probeLock = detector.LockFor("object")
	}
	store := segment.NewStore(c.cfg.Name, segmentsDir, c.cfg.Recorder.Extension,
		c.cfg.Recorder.SegmentDuration, c.cfg.Recorder.Lookback, probeLock)
	if err := store.Init(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("segment index incomplete")
	}

	rec := recorder.New(c.cfg, c.root.RecordingsFolder, store,
		segment.NewConcatenator(c.cfg.Name), c.db, c.b)

	machine := event.New(c.cfg, clockwork.NewRealClock(), rec, c.objectAtt, c.b, c.onMachineState)

	c.cap = capture.New(c.cfg, c.b)
	faultSub := c.b.Subscribe(bus.TopicFault(c.cfg.Name), func(bus.Message) {
		c.setFaulted(true)
	})
	defer c.b.Unsubscribe(faultSub)

	fanout := pipeline.NewFanout(c.cfg.Name, c.cfg.FPS, c.b, attachments...)
	filter := pipeline.NewFilter(c.cfg, c.b)
	zoneSink := c.persistZoneEvents()
	defer c.b.Unsubscribe(zoneSink)

	start("capture", c.cap.Run)
	start("segments_writer", func(ctx context.Context) {
		capture.NewSegmentsWriter(c.cfg, segmentsDir).Run(ctx)
	})
	start("segment_store", func(ctx context.Context) {
		if err := store.Run(ctx); err != nil {
			c.logger.Error().Err(err).Msg("segment store stopped")
		}
	})
	start("fanout", fanout.Run)
	for _, w := range workers {
		start("worker", w.Run)
	}
	for _, r := range runners {
		start("runner", r)
	}
	start("filter", filter.Run)
	start("event_machine", machine.Run)

	c.publishStatus()
	c.logger.Info().
		Int("width", c.cfg.Width).Int("height", c.cfg.Height).Int("fps", c.cfg.FPS).
		Msg("camera running")

	<-ctx.Done()
	wg.Wait()
	return nil
}

// supervise keeps one pipeline loop alive: a panic is recovered and the loop
// restarted with backoff, up to the camera's restart budget. A loop that
// returns normally has finished its work.
func (c *Camera) supervise(ctx context.Context, name string, run func(context.Context)) {
	err := retry.Do(
		func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s: panic: %v", name, r)
				}
			}()
			run(ctx)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.RestartAttempts)),
		retry.Delay(c.cfg.RestartDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(time.Minute),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Error().Err(err).Str("part", name).Uint("attempt", n+1).Msg("loop crashed, restarting")
		}),
	)
	if err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Str("part", name).Msg("loop gave up")
	}
}

// fillStreamInfo probes the source for width, height and frame rate when the
// configuration leaves them unset.
func (c *Camera) fillStreamInfo(ctx context.Context) error {
	if c.cfg.Width > 0 && c.cfg.Height > 0 && c.cfg.FPS > 0 {
		return nil
	}

	info, err := capture.ProbeStream(ctx, c.cfg.Source)
	if err != nil {
		return fmt.Errorf("camera %s: %w", c.cfg.Name, err)
	}
	if c.cfg.Width == 0 {
		c.cfg.Width = info.Width
	}
	if c.cfg.Height == 0 {
		c.cfg.Height = info.Height
	}
	if c.cfg.FPS == 0 {
		c.cfg.FPS = int(info.FPS)
	}
	if c.cfg.Width <= 0 || c.cfg.Height <= 0 || c.cfg.FPS <= 0 {
		return fmt.Errorf("camera %s: stream probe returned no usable dimensions", c.cfg.Name)
	}

	c.logger.Info().
		Int("width", c.cfg.Width).Int("height", c.cfg.Height).Int("fps", c.cfg.FPS).
		Str("codec", info.Codec).
		Msg("stream parameters probed")
	return nil
}

// persistZoneEvents mirrors zone transitions into the index when a database
// is attached.
func (c *Camera) persistZoneEvents() *bus.Subscription {
	return c.b.Subscribe(fmt.Sprintf("camera/%s/zone/*", c.cfg.Name), func(msg bus.Message) {
		ev, ok := msg.Payload.(pipeline.ZoneEvent)
		if !ok || c.db == nil {
			return
		}
		err := c.db.SaveZoneEvent(&storage.ZoneEventRecord{
			Camera:   ev.Camera,
			Zone:     ev.Zone,
			Occupied: ev.Occupied,
			Time:     ev.Time,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("zone", ev.Zone).Msg("zone event not indexed")
		}
	})
}

// Toggle clears a FAULTED camera and lets capture try again. It is the only
// way out of the faulted state.
func (c *Camera) Toggle() {
	if c.cap != nil {
		c.cap.Toggle()
	}
	c.setFaulted(false)
}

// Faulted reports whether the camera stream has faulted.
func (c *Camera) Faulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faulted
}

// Status returns the camera's last published status.
func (c *Camera) Status() pipeline.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Camera) onMachineState(s event.State) {
	c.mu.Lock()
	c.machState = s
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Camera) setFaulted(v bool) {
	c.mu.Lock()
	c.faulted = v
	c.mu.Unlock()
	c.publishStatus()
}

// publishStatus recomputes the camera status and publishes it when it
// changed.
func (c *Camera) publishStatus() {
	c.mu.Lock()
	recording := c.machState == event.StateRecording || c.machState == event.StateCoolingDown
	scanningObjects := c.objectAtt != nil && c.objectAtt.ScanEnabled()
	scanningMotion := c.motionAtt != nil
	status := pipeline.ComputeStatus(c.faulted, recording, scanningObjects, scanningMotion)
	changed := status != c.status
	c.status = status
	c.mu.Unlock()

	if !changed {
		return
	}
	err := c.b.Publish(bus.TopicStatus(c.cfg.Name), pipeline.StatusEvent{
		Camera: c.cfg.Name,
		Status: status,
		Time:   time.Now(),
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("status not published")
	}
}
