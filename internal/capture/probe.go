package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// StreamInfo is the probed description of a camera stream.
type StreamInfo struct {
	Width  int
	Height int
	FPS    float64
	Codec  string
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		CodecName    string `json:"codec_name"`
	} `json:"streams"`
	Error *struct {
		String string `json:"string"`
	} `json:"error"`
}

// ProbeStream asks the external probe for stream parameters. Used at
// startup to fill in width/height/fps the configuration leaves unset.
func ProbeStream(ctx context.Context, source string) (*StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, probeBinary,
		"-hide_banner",
		"-loglevel", "quiet",
		"-print_format", "json",
		"-show_error",
		"-show_streams",
		"-select_streams", "v:0",
		source,
	)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("probe %s: %w", source, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}
	if parsed.Error != nil && parsed.Error.String != "" {
		return nil, fmt.Errorf("probe %s: %s", source, parsed.Error.String)
	}
	if len(parsed.Streams) == 0 {
		return nil, fmt.Errorf("probe %s: no video streams", source)
	}

	s := parsed.Streams[0]
	fps, err := parseFrameRate(s.AvgFrameRate)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", source, err)
	}

	return &StreamInfo{
		Width:  s.Width,
		Height: s.Height,
		FPS:    fps,
		Codec:  s.CodecName,
	}, nil
}

// parseFrameRate converts the probe's rational "num/den" frame rate. A zero
// denominator means the rate is unknown and the probe is unsuccessful.
func parseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return 0, fmt.Errorf("bad frame rate %q", rate)
		}
		return v, nil
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("bad frame rate %q", rate)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("bad frame rate %q", rate)
	}
	if d == 0 {
		return 0, fmt.Errorf("unknown frame rate %q", rate)
	}
	return n / d, nil
}
