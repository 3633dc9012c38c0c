package capture

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"argos/internal/config"
)

// readerBinary and probeBinary are package variables so tests can substitute
// fakes.
var (
	readerBinary = "ffmpeg"
	probeBinary  = "ffprobe"
)

func inputArgs(cfg *config.Camera) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(cfg.Source, "rtsp://") {
		args = append(args, "-rtsp_transport", cfg.Transport)
	}
	return append(args, "-i", cfg.Source)
}

// readerArgs composes the frame reader invocation: raw NV12 frames on
// stdout, one frame every 1/fps seconds.
func readerArgs(cfg *config.Camera) []string {
	args := inputArgs(cfg)
	return append(args,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", cfg.FPS, cfg.Width, cfg.Height),
		"-",
	)
}

// sanityArgs composes the one-frame probe run used before restarting a
// failed reader.
func sanityArgs(cfg *config.Camera) []string {
	args := inputArgs(cfg)
	return append(args,
		"-an",
		"-frames:v", "1",
		"-f", "null",
		"-",
	)
}

// segmenterArgs composes the segment writer invocation: stream copy into
// fixed-length MP4 segments named by wall-clock start time.
func segmenterArgs(cfg *config.Camera, dir string, segmentDuration time.Duration) []string {
	args := inputArgs(cfg)
	return append(args,
		"-an",
		"-c:v", "copy",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", int(segmentDuration.Seconds())),
		"-reset_timestamps", "1",
		"-strftime", "1",
		filepath.Join(dir, "%Y%m%d%H%M%S."+cfg.Recorder.Extension),
	)
}
