package segment

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ffmpegBinary is a package variable so tests can substitute a fake.
var ffmpegBinary = "ffmpeg"

// Concatenator seals event recordings: it stream-copies the selected
// segments into a single file, trimming the first and last to the event
// window.
type Concatenator struct {
	logger zerolog.Logger
}

// NewConcatenator creates a concatenator for one camera.
func NewConcatenator(camera string) *Concatenator {
	return &Concatenator{
		logger: log.With().Str("component", "concat").Str("camera", camera).Logger(),
	}
}

// writeScript emits the concat demuxer script for the window [start, end].
// The first entry carries an inpoint when the event starts inside it; the
// last carries an outpoint measured from the start of the segment containing
// the event end, so trailing segments past the end contribute nothing.
func writeScript(w io.Writer, segments []Segment, start, end time.Time) error {
	if len(segments) == 0 {
		return fmt.Errorf("concat: no segments")
	}

	if _, err := fmt.Fprintln(w, "ffconcat version 1.0"); err != nil {
		return err
	}

	// The outpoint is relative to the start of the segment the event ends
	// in, which is not necessarily the last listed one.
	outpoint := -1
	for _, seg := range segments {
		if !seg.Start.After(end) && seg.End().After(end) {
			outpoint = int(end.Sub(seg.Start).Seconds())
		}
	}

	for i, seg := range segments {
		if _, err := fmt.Fprintf(w, "file '%s'\n", seg.Path); err != nil {
			return err
		}
		if i == 0 {
			inpoint := int(start.Sub(seg.Start).Seconds())
			if inpoint < 0 {
				inpoint = 0
			}
			if _, err := fmt.Fprintf(w, "inpoint %d\n", inpoint); err != nil {
				return err
			}
		}
		if i == len(segments)-1 && outpoint >= 0 {
			if _, err := fmt.Fprintf(w, "outpoint %d\n", outpoint); err != nil {
				return err
			}
		}
	}
	return nil
}

// Create seals one recording into dst. The output is written to a temporary
// name and renamed into place, so readers never observe a partial file.
func (c *Concatenator) Create(ctx context.Context, segments []Segment, start, end time.Time, dst string) error {
	script, err := os.CreateTemp(filepath.Dir(dst), ".concat-*.txt")
	if err != nil {
		return fmt.Errorf("concat script: %w", err)
	}
	defer os.Remove(script.Name())

	if err := writeScript(script, segments, start, end); err != nil {
		script.Close()
		return err
	}
	if err := script.Close(); err != nil {
		return fmt.Errorf("concat script: %w", err)
	}

	tmp := dst + ".part"
	cmd := exec.CommandContext(ctx, ffmpegBinary,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", script.Name(),
		"-c:v", "copy",
		"-f", "mp4",
		tmp,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	c.logger.Debug().Int("segments", len(segments)).Str("dst", dst).Msg("sealing recording")
	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("concat: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("concat: %w", err)
	}
	return nil
}
