package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/config"
	"argos/internal/event"
	"argos/internal/frame"
	"argos/internal/segment"
	"argos/internal/storage"
)

// Segments is the slice of the segment store the recorder needs: finding the
// media for an event window and holding it against the purge sweep.
type Segments interface {
	FindRange(start, end time.Time) []segment.Segment
	SuspendPurge()
	ResumePurge()
}

// Sealer turns a segment selection into one playable file.
type Sealer interface {
	Create(ctx context.Context, segments []segment.Segment, start, end time.Time, dst string) error
}

// RecordingEvent is published on the camera's recording topic at start and
// stop.
type RecordingEvent struct {
	Camera  string
	Start   bool
	Time    time.Time
	Trigger string
	Path    string // set on stop, empty when the recording was discarded
}

// Recorder materialises the event machine's decisions: it pins lookback
// segments while an event runs, snapshots a thumbnail of the triggering
// frame, and seals the covered segments into one file when the event ends.
type Recorder struct {
	cfg      *config.Camera
	folder   string
	segments Segments
	sealer   Sealer
	db       *storage.Database // nil disables indexing
	b        *bus.Bus
	logger   zerolog.Logger

	// sealWait bounds how long sealing waits for the segment writer to
	// finish the file covering the event end.
	sealWait time.Duration

	mu        sync.Mutex
	active    bool
	start     time.Time
	trigger   string
	objects   []frame.DetectedObject
	thumbnail string
}

var _ event.Recorder = (*Recorder)(nil)

// New creates a recorder writing clips under folder/<date>/<camera>/ and
// thumbnails under folder/thumbnails/<camera>/.
func New(cfg *config.Camera, folder string, segments Segments, sealer Sealer,
	db *storage.Database, b *bus.Bus) *Recorder {
	return &Recorder{
		cfg:      cfg,
		folder:   folder,
		segments: segments,
		sealer:   sealer,
		db:       db,
		b:        b,
		logger:   log.With().Str("component", "recorder").Str("camera", cfg.Name).Logger(),
		sealWait: cfg.Recorder.SegmentDuration + 5*time.Second,
	}
}

// Start begins an event recording. Idempotent while a recording runs.
func (r *Recorder) Start(info event.StartInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return
	}
	r.active = true
	r.start = info.Time
	r.trigger = info.Trigger
	r.objects = info.Objects
	r.thumbnail = ""

	// Old segments must survive until this event is sealed.
	r.segments.SuspendPurge()

	dir := r.eventDir(info.Time)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Error().Err(err).Str("dir", dir).Msg("cannot create recording directory")
	}
	if info.Frame != nil {
		thumbDir := r.thumbnailDir()
		thumb := filepath.Join(thumbDir, info.Time.Format("150405")+".jpg")
		if err := os.MkdirAll(thumbDir, 0o755); err != nil {
			r.logger.Error().Err(err).Str("dir", thumbDir).Msg("cannot create thumbnail directory")
		} else if err := writeThumbnail(thumb, info.Frame, info.Objects, r.cfg.Recorder.ThumbnailQuality); err != nil {
			r.logger.Warn().Err(err).Msg("thumbnail not written")
		} else {
			r.thumbnail = thumb
		}
	}

	r.logger.Info().Str("trigger", info.Trigger).Time("start", info.Time).Msg("recording started")
	r.publish(RecordingEvent{Camera: r.cfg.Name, Start: true, Time: info.Time, Trigger: info.Trigger})
}

// Stop ends the recording and seals it in the background. Idempotent when no
// recording runs.
func (r *Recorder) Stop(t time.Time) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	start, trigger, objects, thumbnail := r.start, r.trigger, r.objects, r.thumbnail
	r.mu.Unlock()

	go r.seal(start, t, trigger, objects, thumbnail)
}

// seal picks the segments covering the event window, lookback included,
// stream-copies them into the final file and indexes the result. The purge
// hold is released whatever happens.
func (r *Recorder) seal(start, end time.Time, trigger string, objects []frame.DetectedObject, thumbnail string) {
	defer r.segments.ResumePurge()

	from := start.Add(-r.cfg.Recorder.Lookback)
	segs := r.awaitCoverage(from, end)
	if len(segs) == 0 {
		r.logger.Warn().Time("start", start).Time("end", end).
			Msg("no segments cover the event, recording discarded")
		r.publish(RecordingEvent{Camera: r.cfg.Name, Time: end, Trigger: trigger})
		return
	}

	dst := filepath.Join(r.eventDir(start), start.Format("150405")+"."+r.cfg.Recorder.Extension)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := r.sealer.Create(ctx, segs, from, end, dst); err != nil {
		r.logger.Error().Err(err).Str("dst", dst).Msg("sealing failed")
		r.publish(RecordingEvent{Camera: r.cfg.Name, Time: end, Trigger: trigger})
		return
	}

	if r.db != nil {
		err := r.db.SaveRecording(&storage.Recording{
			Camera:        r.cfg.Name,
			Start:         from,
			End:           end,
			Trigger:       trigger,
			FilePath:      dst,
			ThumbnailPath: thumbnail,
			Objects:       objects,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("recording not indexed")
		}
	}

	r.logger.Info().Str("path", dst).Dur("length", end.Sub(from)).Msg("recording sealed")
	r.publish(RecordingEvent{Camera: r.cfg.Name, Time: end, Trigger: trigger, Path: dst})
}

// awaitCoverage polls until the store has a finished segment reaching the
// event end; the writer finishes that file only when it opens the next one.
func (r *Recorder) awaitCoverage(from, end time.Time) []segment.Segment {
	ctx, cancel := context.WithTimeout(context.Background(), r.sealWait)
	defer cancel()

	segs, err := retry.DoWithData(
		func() ([]segment.Segment, error) {
			segs := r.segments.FindRange(from, end)
			if len(segs) == 0 {
				return nil, fmt.Errorf("no segments in range")
			}
			if last := segs[len(segs)-1]; last.End().Before(end) {
				return nil, fmt.Errorf("segments end %s before event end", last.End())
			}
			return segs, nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// Deadline hit: fall back to whatever is indexed now.
		return r.segments.FindRange(from, end)
	}
	return segs
}

func (r *Recorder) eventDir(t time.Time) string {
	return filepath.Join(r.folder, t.Format("2006-01-02"), r.cfg.Name)
}

func (r *Recorder) thumbnailDir() string {
	return filepath.Join(r.folder, "thumbnails", r.cfg.Name)
}

func (r *Recorder) publish(ev RecordingEvent) {
	if err := r.b.Publish(bus.TopicRecording(r.cfg.Name), ev); err != nil {
		r.logger.Debug().Err(err).Msg("recording event not published")
	}
}
