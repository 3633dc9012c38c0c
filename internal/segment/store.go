package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/detector"
)

// segmentTimeLayout is the wall-clock naming scheme the segment writer uses.
const segmentTimeLayout = "20060102150405"

// probeGrace extends the probe deadline past one segment duration; the
// writer flushes the previous file while it opens the next one.
const probeGrace = 5 * time.Second

// Segment is one finished lookback segment on disk.
type Segment struct {
	Path     string
	Start    time.Time
	Duration time.Duration
}

// End returns the segment's end time.
func (s Segment) End() time.Time { return s.Start.Add(s.Duration) }

// Store tracks the lookback segments of one camera. New files are picked up
// through a directory watch; a segment is considered finished, and its real
// duration probed from the container, once the writer opens the next one.
// Old segments are purged on a fixed schedule unless a recording is holding
// them.
type Store struct {
	camera   string
	dir      string
	ext      string
	segDur   time.Duration
	lookback time.Duration
	logger   zerolog.Logger

	// probeLock, when set, serialises container probes with inference on the
	// same hardware budget.
	probeLock *detector.Lock

	// probe is swapped out by tests.
	probe func(ctx context.Context, path string) (time.Duration, error)

	mu       sync.Mutex
	segments map[string]Segment
	pending  string // newest file, still being written
	holds    int    // purge suspensions from active recordings
}

// NewStore creates a store over a camera's segments directory. probeLock may
// be nil.
func NewStore(camera, dir, ext string, segDur, lookback time.Duration, probeLock *detector.Lock) *Store {
	s := &Store{
		camera:    camera,
		dir:       dir,
		ext:       ext,
		segDur:    segDur,
		lookback:  lookback,
		logger:    log.With().Str("component", "segment_store").Str("camera", camera).Logger(),
		probeLock: probeLock,
		segments:  make(map[string]Segment),
	}
	s.probe = s.probeDuration
	return s
}

// Init indexes segments already on disk, probing every file but the newest,
// which the writer may still be appending to.
func (s *Store) Init(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read segments dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "."+s.ext) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		path := filepath.Join(s.dir, name)
		if i == len(names)-1 {
			s.mu.Lock()
			s.pending = path
			s.mu.Unlock()
			break
		}
		s.addSegment(ctx, path)
	}
	return nil
}

// Run watches the directory and runs the purge schedule until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("segment watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("purge scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.segDur),
		gocron.NewTask(func() { s.Purge(time.Now()) }),
	)
	if err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, "."+s.ext) {
				s.onCreated(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("segment watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}

// onCreated marks the new file pending and finalises the previous one, whose
// writer has moved on.
func (s *Store) onCreated(ctx context.Context, path string) {
	s.mu.Lock()
	finished := s.pending
	s.pending = path
	s.mu.Unlock()

	if finished != "" {
		s.addSegment(ctx, finished)
	}
}

func (s *Store) addSegment(ctx context.Context, path string) {
	start, err := parseSegmentStart(filepath.Base(path), s.ext)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("ignoring unparseable segment name")
		return
	}

	duration, err := s.probe(ctx, path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("segment duration probe failed, using nominal")
		duration = s.segDur
	}

	s.mu.Lock()
	s.segments[path] = Segment{Path: path, Start: start, Duration: duration}
	s.mu.Unlock()

	s.logger.Debug().Str("path", path).Dur("duration", duration).Msg("segment indexed")
}

// probeDuration reads the real duration from the container, retrying while
// the writer finishes flushing. The deadline is one segment duration plus
// grace; past that the file is considered broken.
func (s *Store) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.segDur+probeGrace)
	defer cancel()

	return retry.DoWithData(
		func() (time.Duration, error) {
			if s.probeLock != nil {
				if err := s.probeLock.Acquire(ctx); err != nil {
					return 0, err
				}
				defer s.probeLock.Release()
			}
			return containerDuration(path)
		},
		retry.Context(ctx),
		retry.Attempts(0), // bounded by the context deadline
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// containerDuration parses the MP4 movie header of a finished segment.
func containerDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if parsed.Moov == nil || parsed.Moov.Mvhd == nil || parsed.Moov.Mvhd.Timescale == 0 {
		return 0, fmt.Errorf("parse %s: no movie header", path)
	}

	mvhd := parsed.Moov.Mvhd
	if mvhd.Duration == 0 {
		return 0, fmt.Errorf("parse %s: zero duration", path)
	}
	return time.Duration(float64(mvhd.Duration) / float64(mvhd.Timescale) * float64(time.Second)), nil
}

// Segments returns all finished segments ordered by start time.
func (s *Store) Segments() []Segment {
	s.mu.Lock()
	out := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// FindRange returns the segments needed to cover [start, end]: every segment
// intersecting the window plus the one immediately after it, which holds the
// tail the writer cut mid-event.
func (s *Store) FindRange(start, end time.Time) []Segment {
	var out []Segment
	for _, seg := range s.Segments() {
		switch {
		case seg.Start.Before(end) && seg.End().After(start):
			out = append(out, seg)
		case !seg.Start.Before(end):
			if len(out) > 0 {
				out = append(out, seg)
			}
			return out
		}
	}
	return out
}

// SuspendPurge holds old segments while a recording may still need them.
// Holds nest; every call pairs with one ResumePurge.
func (s *Store) SuspendPurge() {
	s.mu.Lock()
	s.holds++
	s.mu.Unlock()
}

// ResumePurge releases one purge hold.
func (s *Store) ResumePurge() {
	s.mu.Lock()
	if s.holds > 0 {
		s.holds--
	}
	s.mu.Unlock()
}

// Purge deletes segments that ended before the retention window: the
// lookback plus three segment durations of slack. Held stores purge nothing.
func (s *Store) Purge(now time.Time) {
	s.mu.Lock()
	if s.holds > 0 {
		s.mu.Unlock()
		return
	}
	cutoff := now.Add(-(s.lookback + 3*s.segDur))
	var victims []Segment
	for path, seg := range s.segments {
		if seg.End().Before(cutoff) {
			victims = append(victims, seg)
			delete(s.segments, path)
		}
	}
	s.mu.Unlock()

	for _, seg := range victims {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", seg.Path).Msg("segment purge failed")
		}
	}
	if len(victims) > 0 {
		s.logger.Debug().Int("purged", len(victims)).Msg("old segments removed")
	}
}

// parseSegmentStart recovers the wall-clock start from a segment file name.
func parseSegmentStart(name, ext string) (time.Time, error) {
	base := strings.TrimSuffix(name, "."+ext)
	t, err := time.ParseInLocation(segmentTimeLayout, base, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("segment name %q: %w", name, err)
	}
	return t, nil
}
