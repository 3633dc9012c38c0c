package detector

import (
	"image"
	"sync"

	"argos/internal/config"
	"argos/internal/frame"
)

// Motion is a frame-differencing motion detector. It keeps the previous
// downscaled grayscale frame and reports contours where the luma delta
// exceeds the configured threshold. One instance per camera; it is stateful.
type Motion struct {
	width     int
	height    int
	threshold int
	area      float64

	mu   sync.Mutex
	prev []uint8
}

// NewMotion creates a motion detector from camera config.
func NewMotion(cfg *config.MotionDetector) *Motion {
	return &Motion{
		width:     cfg.Width,
		height:    cfg.Height,
		threshold: cfg.Threshold,
		area:      cfg.AreaTrigger,
	}
}

// ModelWidth returns the differencing resolution width.
func (m *Motion) ModelWidth() int { return m.width }

// ModelHeight returns the differencing resolution height.
func (m *Motion) ModelHeight() int { return m.height }

// Scan compares the frame against the previous one and returns motion
// contours in stream-resolution pixels. The first frame after start or
// Reset never reports motion.
func (m *Motion) Scan(fts *frame.FrameToScan) frame.MotionResult {
	view := fts.Frame.GetView(fts.DetectorName, m.width, m.height)
	cur := grayscale(view.Image)

	m.mu.Lock()
	prev := m.prev
	m.prev = cur
	m.mu.Unlock()

	res := frame.MotionResult{
		Camera: fts.Camera,
		Time:   fts.Time.UnixNano(),
	}
	if prev == nil || len(prev) != len(cur) {
		return res
	}

	mask := make([]bool, len(cur))
	for i := range cur {
		d := int(cur[i]) - int(prev[i])
		if d < 0 {
			d = -d
		}
		if d >= m.threshold {
			mask[i] = true
		}
	}

	boxes := connectedBoxes(mask, m.width, m.height)

	// Scale contour boxes from the differencing grid to stream resolution.
	sx := float64(fts.StreamWidth) / float64(m.width)
	sy := float64(fts.StreamHeight) / float64(m.height)
	contours := make([]frame.Polygon, 0, len(boxes))
	for _, b := range boxes {
		contours = append(contours, frame.Polygon{
			{X: int(float64(b.Min.X) * sx), Y: int(float64(b.Min.Y) * sy)},
			{X: int(float64(b.Max.X+1) * sx), Y: int(float64(b.Min.Y) * sy)},
			{X: int(float64(b.Max.X+1) * sx), Y: int(float64(b.Max.Y+1) * sy)},
			{X: int(float64(b.Min.X) * sx), Y: int(float64(b.Max.Y+1) * sy)},
		})
	}

	res.Contours = frame.NewMotionContours(contours, fts.StreamWidth, fts.StreamHeight)
	res.Detected = res.Contours.MaxRelativeArea >= m.area
	return res
}

// Reset drops the reference frame, e.g. after a reader restart.
func (m *Motion) Reset() {
	m.mu.Lock()
	m.prev = nil
	m.mu.Unlock()
}

func grayscale(img *image.RGBA) []uint8 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r := int(row[x*4])
			g := int(row[x*4+1])
			b := int(row[x*4+2])
			// BT.601 luma weights.
			out[y*w+x] = uint8((299*r + 587*g + 114*b) / 1000)
		}
	}
	return out
}

// connectedBoxes returns the bounding box of each 4-connected region of set
// cells.
func connectedBoxes(mask []bool, w, h int) []image.Rectangle {
	visited := make([]bool, len(mask))
	var boxes []image.Rectangle
	var stack []int

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		box := image.Rect(start%w, start/w, start%w, start/w)
		stack = append(stack[:0], start)
		visited[start] = true

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w

			if x < box.Min.X {
				box.Min.X = x
			}
			if x > box.Max.X {
				box.Max.X = x
			}
			if y < box.Min.Y {
				box.Min.Y = y
			}
			if y > box.Max.Y {
				box.Max.Y = y
			}

			for _, n := range [4]int{idx - 1, idx + 1, idx - w, idx + w} {
				if n < 0 || n >= len(mask) {
					continue
				}
				// Do not wrap across row edges.
				if (n == idx-1 && x == 0) || (n == idx+1 && x == w-1) {
					continue
				}
				if mask[n] && !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		boxes = append(boxes, box)
	}
	return boxes
}
