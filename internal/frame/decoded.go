package frame

import (
	"image"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// Letterbox describes how a frame was fitted into a square model input:
// scaled by Scale, then padded with black bars of PadX/PadY pixels on each
// side. It is needed to map model-space detections back to frame space.
type Letterbox struct {
	Scale float64
	PadX  int
	PadY  int

	FrameWidth  int
	FrameHeight int
	ModelSize   int
}

// Apply maps a frame-space pixel to model space.
func (l *Letterbox) Apply(x, y int) (int, int) {
	return int(math.Round(float64(x)*l.Scale)) + l.PadX,
		int(math.Round(float64(y)*l.Scale)) + l.PadY
}

// Invert maps a model-space pixel back to frame space.
func (l *Letterbox) Invert(x, y int) (int, int) {
	return int(math.Round(float64(x-l.PadX) / l.Scale)),
		int(math.Round(float64(y-l.PadY) / l.Scale))
}

// InvertObject converts an object with model-relative coordinates into one
// with frame-relative coordinates, removing the padding bars.
func (l *Letterbox) InvertObject(obj DetectedObject) DetectedObject {
	m := float64(l.ModelSize)
	x1, y1 := l.Invert(int(math.Round(obj.RelX1*m)), int(math.Round(obj.RelY1*m)))
	x2, y2 := l.Invert(int(math.Round(obj.RelX2*m)), int(math.Round(obj.RelY2*m)))

	out := obj
	out.RelX1 = clamp01(float64(x1) / float64(l.FrameWidth))
	out.RelY1 = clamp01(float64(y1) / float64(l.FrameHeight))
	out.RelX2 = clamp01(float64(x2) / float64(l.FrameWidth))
	out.RelY2 = clamp01(float64(y2) / float64(l.FrameHeight))
	return out
}

// View is a resized rendition of a decoded frame for one detector. Letterbox
// is nil when the plain linear resize was used.
type View struct {
	Image     *image.RGBA
	Letterbox *Letterbox
}

// DecodedFrame is a decoded RGB image with lazily materialised per-detector
// views. Views are immutable once built; GetView returns the cached view on
// subsequent calls with the same name.
type DecodedFrame struct {
	rgb  *image.RGBA
	time time.Time

	mu    sync.Mutex
	views map[string]*View
}

func newDecodedFrame(img *image.RGBA, t time.Time) *DecodedFrame {
	return &DecodedFrame{
		rgb:   img,
		time:  t,
		views: make(map[string]*View),
	}
}

// RGB returns the canonical full-resolution image.
func (d *DecodedFrame) RGB() *image.RGBA { return d.rgb }

// Time returns the capture timestamp.
func (d *DecodedFrame) Time() time.Time { return d.time }

// Width returns the frame width in pixels.
func (d *DecodedFrame) Width() int { return d.rgb.Rect.Dx() }

// Height returns the frame height in pixels.
func (d *DecodedFrame) Height() int { return d.rgb.Rect.Dy() }

// GetView returns the resized view for a detector, building it on first use.
// A square target uses letterboxing to preserve aspect; otherwise a plain
// linear resize is performed.
func (d *DecodedFrame) GetView(name string, width, height int) *View {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.views[name]; ok {
		return v
	}

	var v *View
	if width == height && d.Width() != d.Height() {
		v = d.letterboxView(width)
	} else {
		v = d.resizeView(width, height)
	}
	d.views[name] = v
	return v
}

func (d *DecodedFrame) resizeView(width, height int) *View {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, d.rgb, d.rgb.Rect, draw.Src, nil)
	return &View{Image: dst}
}

func (d *DecodedFrame) letterboxView(size int) *View {
	fw, fh := d.Width(), d.Height()
	scale := math.Min(float64(size)/float64(fw), float64(size)/float64(fh))
	newW := int(math.Round(float64(fw) * scale))
	newH := int(math.Round(float64(fh) * scale))
	padX := (size - newW) / 2
	padY := (size - newH) / 2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	target := image.Rect(padX, padY, padX+newW, padY+newH)
	draw.ApproxBiLinear.Scale(dst, target, d.rgb, d.rgb.Rect, draw.Src, nil)

	return &View{
		Image: dst,
		Letterbox: &Letterbox{
			Scale:       scale,
			PadX:        padX,
			PadY:        padY,
			FrameWidth:  fw,
			FrameHeight: fh,
			ModelSize:   size,
		},
	}
}

// FrameToScan wraps a decoded frame for one detector's scan request.
type FrameToScan struct {
	Frame        *DecodedFrame
	DetectorName string
	StreamWidth  int
	StreamHeight int
	Camera       string
	Time         time.Time

	// Preprocessed may be populated by the detector's Preprocess hook and is
	// consumed by its Detect call.
	Preprocessed any
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
