package capture

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/config"
)

// SegmentsWriter supervises the parallel copy of the stream that is written
// to disk as short MP4 segments for lookback. It shares nothing with the
// frame reader; the two are restarted independently.
type SegmentsWriter struct {
	cfg    *config.Camera
	dir    string
	logger zerolog.Logger
}

// NewSegmentsWriter creates a writer that stores segments under dir.
func NewSegmentsWriter(cfg *config.Camera, dir string) *SegmentsWriter {
	return &SegmentsWriter{
		cfg:    cfg,
		dir:    dir,
		logger: log.With().Str("component", "segments_writer").Str("camera", cfg.Name).Logger(),
	}
}

// Run supervises the segmenter process until ctx is cancelled, restarting
// it with a fixed delay after every exit.
func (w *SegmentsWriter) Run(ctx context.Context) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Error().Err(err).Str("dir", w.dir).Msg("cannot create segments directory")
		return
	}

	for ctx.Err() == nil {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Msg("segmenter exited, restarting")

		select {
		case <-time.After(w.cfg.RestartDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (w *SegmentsWriter) runOnce(ctx context.Context) error {
	args := segmenterArgs(w.cfg, w.dir, w.cfg.Recorder.SegmentDuration)
	cmd := exec.CommandContext(ctx, readerBinary, args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	w.logger.Debug().Strs("args", args).Msg("starting segmenter")
	err := cmd.Run()
	if stderr.Len() > 0 {
		w.logger.Debug().Str("stderr", stderr.String()).Msg("segmenter output")
	}
	return err
}
