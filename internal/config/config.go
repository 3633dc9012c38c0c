package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"argos/internal/frame"
)

// Defaults applied by Load when the YAML omits a value.
const (
	DefaultFrameTimeout    = 60 * time.Second
	DefaultRestartAttempts = 10
	DefaultRestartDelay    = 5 * time.Second
	DefaultMotionFrames    = 3
	DefaultSegmentDuration = 5 * time.Second
	DefaultLookback        = 5 * time.Second
	DefaultPostEventWait   = 10 * time.Second
	DefaultMotionMaxWait   = 30 * time.Second
	DefaultThumbnailJPEG   = 85
	DefaultExtension       = "mp4"
)

// Config is the root configuration, immutable after Load.
type Config struct {
	Cameras []Camera `yaml:"cameras"`

	RecordingsFolder string `yaml:"recordings_folder"`
	SegmentsFolder   string `yaml:"segments_folder"`
	DatabasePath     string `yaml:"database_path"`
}

// Camera configures one camera and its attached detectors.
type Camera struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"` // rtsp://, rtmp:// or http:// (MJPEG) URL
	Transport string `yaml:"transport"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FPS       int    `yaml:"fps"`

	FrameTimeout    time.Duration `yaml:"frame_timeout"`
	RestartAttempts int           `yaml:"restart_attempts"`
	RestartDelay    time.Duration `yaml:"restart_delay"`

	// StderrAllowlist lists substrings of reader stderr lines that are known
	// transient decoder noise and must not trigger a restart.
	StderrAllowlist []string `yaml:"stderr_allowlist"`

	ObjectDetector *ObjectDetector `yaml:"object_detector"`
	MotionDetector *MotionDetector `yaml:"motion_detector"`
	Zones          []Zone          `yaml:"zones"`
	Recorder       Recorder        `yaml:"recorder"`
}

// ObjectDetector configures the object detection stage of a camera.
type ObjectDetector struct {
	Endpoint  string  `yaml:"endpoint"` // gRPC endpoint of the detection service
	FPS       int     `yaml:"fps"`
	ModelSize int     `yaml:"model_size"` // square model input, letterboxed
	Timeout   float64 `yaml:"timeout"`

	// LabelFilters keys are detector labels; objects with unlisted labels are
	// never relevant.
	LabelFilters map[string]LabelFilter `yaml:"labels"`
}

// MotionDetector configures the motion detection stage of a camera.
type MotionDetector struct {
	FPS          int     `yaml:"fps"`
	AreaTrigger  float64 `yaml:"area"`      // min MaxRelativeArea that counts as motion
	Threshold    int     `yaml:"threshold"` // per-pixel luma delta
	MotionFrames int     `yaml:"motion_frames"`
	Width        int     `yaml:"width"`  // downscale width for differencing
	Height       int     `yaml:"height"` // downscale height for differencing

	// TriggerDetector gates the object detector behind motion: in IDLE only
	// motion scans run and the object detector is enabled on motion.
	TriggerDetector bool `yaml:"trigger_detector"`

	// TriggerRecording makes motion alone drive the event machine toward
	// RECORDING, without requiring a triggering object.
	TriggerRecording bool `yaml:"trigger_recording"`
}

// LabelFilter holds the per-label acceptance bounds. Relative width/height
// bounds are in [0,1] against the decoded frame.
type LabelFilter struct {
	Confidence        float64         `yaml:"confidence"`
	WidthMin          float64         `yaml:"width_min"`
	WidthMax          float64         `yaml:"width_max"`
	HeightMin         float64         `yaml:"height_min"`
	HeightMax         float64         `yaml:"height_max"`
	TriggersRecording bool            `yaml:"trigger_recorder"`
	PostProcessor     string          `yaml:"post_processor"`
	Masks             []frame.Polygon `yaml:"masks"`
}

// Zone is a named polygon with its own label filters.
type Zone struct {
	Name         string                 `yaml:"name"`
	Points       frame.Polygon          `yaml:"points"`
	LabelFilters map[string]LabelFilter `yaml:"labels"`
}

// Recorder configures event recording for a camera.
type Recorder struct {
	Lookback         time.Duration `yaml:"lookback"`
	PostEventTimeout time.Duration `yaml:"timeout"`
	MotionMaxTimeout time.Duration `yaml:"motion_max_timeout"`
	SegmentDuration  time.Duration `yaml:"segment_duration"`
	ThumbnailQuality int           `yaml:"thumbnail_quality"`
	Extension        string        `yaml:"extension"`
}

// Load reads, defaults and validates a YAML configuration file. Validation
// failures are configuration errors; nothing is re-checked at runtime.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RecordingsFolder == "" {
		c.RecordingsFolder = "/recordings"
	}
	if c.SegmentsFolder == "" {
		c.SegmentsFolder = "/segments"
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.FrameTimeout == 0 {
			cam.FrameTimeout = DefaultFrameTimeout
		}
		if cam.RestartAttempts == 0 {
			cam.RestartAttempts = DefaultRestartAttempts
		}
		if cam.RestartDelay == 0 {
			cam.RestartDelay = DefaultRestartDelay
		}
		if cam.Transport == "" {
			cam.Transport = "tcp"
		}
		if md := cam.MotionDetector; md != nil {
			if md.MotionFrames == 0 {
				md.MotionFrames = DefaultMotionFrames
			}
			if md.Threshold == 0 {
				md.Threshold = 25
			}
			if md.AreaTrigger == 0 {
				md.AreaTrigger = 0.01
			}
			if md.Width == 0 {
				md.Width = 300
			}
			if md.Height == 0 {
				md.Height = 300
			}
			if md.FPS == 0 {
				md.FPS = 1
			}
		}
		if od := cam.ObjectDetector; od != nil {
			if od.FPS == 0 {
				od.FPS = 1
			}
			if od.ModelSize == 0 {
				od.ModelSize = 640
			}
		}
		rec := &cam.Recorder
		if rec.Lookback == 0 {
			rec.Lookback = DefaultLookback
		}
		if rec.PostEventTimeout == 0 {
			rec.PostEventTimeout = DefaultPostEventWait
		}
		if rec.MotionMaxTimeout == 0 {
			rec.MotionMaxTimeout = DefaultMotionMaxWait
		}
		if rec.SegmentDuration == 0 {
			rec.SegmentDuration = DefaultSegmentDuration
		}
		if rec.ThumbnailQuality == 0 {
			rec.ThumbnailQuality = DefaultThumbnailJPEG
		}
		if rec.Extension == "" {
			rec.Extension = DefaultExtension
		}
	}
}

// Validate rejects misconfiguration that would otherwise surface as runtime
// faults: inverted filter bounds, degenerate polygons, missing identifiers.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Name == "" {
			return fmt.Errorf("camera %d: name is required", i)
		}
		if seen[cam.Name] {
			return fmt.Errorf("camera %q: duplicate name", cam.Name)
		}
		seen[cam.Name] = true

		if cam.Source == "" {
			return fmt.Errorf("camera %q: source is required", cam.Name)
		}
		// Zero width, height or fps means "probe the stream at startup".
		if cam.Width < 0 || cam.Height < 0 || cam.FPS < 0 {
			return fmt.Errorf("camera %q: width, height and fps must not be negative", cam.Name)
		}

		if od := cam.ObjectDetector; od != nil {
			if od.Endpoint == "" {
				return fmt.Errorf("camera %q: object_detector endpoint is required", cam.Name)
			}
			for label, f := range od.LabelFilters {
				if err := validateFilter(label, f); err != nil {
					return fmt.Errorf("camera %q: %w", cam.Name, err)
				}
			}
		}

		for _, zone := range cam.Zones {
			if zone.Name == "" {
				return fmt.Errorf("camera %q: zone name is required", cam.Name)
			}
			if zone.Points.Degenerate() {
				return fmt.Errorf("camera %q: zone %q polygon is degenerate", cam.Name, zone.Name)
			}
			for label, f := range zone.LabelFilters {
				if err := validateFilter(label, f); err != nil {
					return fmt.Errorf("camera %q zone %q: %w", cam.Name, zone.Name, err)
				}
			}
		}

		if md := cam.MotionDetector; md != nil && md.TriggerDetector && cam.ObjectDetector == nil {
			return fmt.Errorf("camera %q: trigger_detector requires an object_detector", cam.Name)
		}
	}
	return nil
}

func validateFilter(label string, f LabelFilter) error {
	f = f.Normalized()
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("label %q: confidence must be in [0,1]", label)
	}
	if f.WidthMin > f.WidthMax {
		return fmt.Errorf("label %q: width_min > width_max", label)
	}
	if f.HeightMin > f.HeightMax {
		return fmt.Errorf("label %q: height_min > height_max", label)
	}
	for i, mask := range f.Masks {
		if mask.Degenerate() {
			return fmt.Errorf("label %q: mask %d polygon is degenerate", label, i)
		}
	}
	return nil
}

// Normalized returns the filter with zero max bounds widened to 1, so an
// unset bound never rejects.
func (f LabelFilter) Normalized() LabelFilter {
	if f.WidthMax == 0 {
		f.WidthMax = 1
	}
	if f.HeightMax == 0 {
		f.HeightMax = 1
	}
	return f
}
