package frame

import (
	"fmt"
	"math"
)

// DetectedObject is one detection with coordinates relative to the decoded
// frame, in [0,1]. Invariant: RelX1 < RelX2 and RelY1 < RelY2.
type DetectedObject struct {
	Label      string
	Confidence float64
	RelX1      float64
	RelY1      float64
	RelX2      float64
	RelY2      float64

	// Set by the filter stage.
	Relevant          bool
	TriggersRecording bool
	FilterHit         string
}

// NewObjectFromAbsolute builds an object from pixel coordinates at the given
// resolution.
func NewObjectFromAbsolute(label string, confidence float64, x1, y1, x2, y2, width, height int) DetectedObject {
	return DetectedObject{
		Label:      label,
		Confidence: confidence,
		RelX1:      float64(x1) / float64(width),
		RelY1:      float64(y1) / float64(height),
		RelX2:      float64(x2) / float64(width),
		RelY2:      float64(y2) / float64(height),
	}
}

// Valid checks the coordinate ordering invariant.
func (o DetectedObject) Valid() error {
	if o.RelX1 >= o.RelX2 || o.RelY1 >= o.RelY2 {
		return fmt.Errorf("invalid object bounds (%f,%f)-(%f,%f)",
			o.RelX1, o.RelY1, o.RelX2, o.RelY2)
	}
	return nil
}

// Absolute returns the bounding box in pixels at the given resolution.
func (o DetectedObject) Absolute(width, height int) (x1, y1, x2, y2 int) {
	return int(math.Round(o.RelX1 * float64(width))),
		int(math.Round(o.RelY1 * float64(height))),
		int(math.Round(o.RelX2 * float64(width))),
		int(math.Round(o.RelY2 * float64(height)))
}

// RelWidth returns the relative box width.
func (o DetectedObject) RelWidth() float64 { return o.RelX2 - o.RelX1 }

// RelHeight returns the relative box height.
func (o DetectedObject) RelHeight() float64 { return o.RelY2 - o.RelY1 }

// BottomCenter returns the pixel the filter and zone stages test against
// masks and polygons: the centre of the box's bottom edge.
func (o DetectedObject) BottomCenter(width, height int) Point {
	return Point{
		X: int(math.Round((o.RelX1 + o.RelX2) / 2 * float64(width))),
		Y: int(math.Round(o.RelY2 * float64(height))),
	}
}

// DetectionResult is the output of one detector scan.
type DetectionResult struct {
	Camera   string
	Detector string
	Frame    *FrameToScan
	Objects  []DetectedObject
}

// MotionContours is the output of one motion scan: polygons in absolute
// pixels plus the largest contour area relative to the frame.
type MotionContours struct {
	Contours []Polygon

	// MaxRelativeArea is max over contours of area/(w*h), in [0,1].
	MaxRelativeArea float64
}

// NewMotionContours derives MaxRelativeArea from the contours at the given
// resolution.
func NewMotionContours(contours []Polygon, width, height int) MotionContours {
	mc := MotionContours{Contours: contours}
	total := float64(width) * float64(height)
	if total <= 0 {
		return mc
	}
	for _, c := range contours {
		if rel := c.Area() / total; rel > mc.MaxRelativeArea {
			mc.MaxRelativeArea = rel
		}
	}
	return mc
}

// MotionResult is published on a camera's motion topic after each motion
// scan.
type MotionResult struct {
	Camera   string
	Contours MotionContours
	Detected bool
	Time     int64 // Unix nanoseconds of the scanned frame.
}
