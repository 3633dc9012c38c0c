package frame

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawSizeIntegrity(t *testing.T) {
	cases := []struct{ w, h int }{
		{1920, 1080},
		{1280, 720},
		{640, 480},
		{2, 2},
	}
	for _, tc := range cases {
		raw := &RawFrame{
			Bytes:  make([]byte, tc.w*tc.h*3/2),
			Width:  tc.w,
			Height: tc.h,
			Time:   time.Now(),
		}
		assert.NoError(t, raw.Validate())

		short := &RawFrame{Bytes: make([]byte, tc.w*tc.h), Width: tc.w, Height: tc.h}
		assert.ErrorIs(t, short.Validate(), ErrDecodeFault)
	}
}

func TestDecodeRejectsBadBuffer(t *testing.T) {
	raw := &RawFrame{Bytes: make([]byte, 100), Width: 640, Height: 480}
	_, err := raw.Decode()
	assert.ErrorIs(t, err, ErrDecodeFault)
}

func TestDecodeGrayFrame(t *testing.T) {
	w, h := 32, 24
	buf := make([]byte, RawSize(w, h))
	for i := 0; i < w*h; i++ {
		buf[i] = 128 // mid gray luma
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128 // neutral chroma
	}

	raw := &RawFrame{Bytes: buf, Width: w, Height: h, Time: time.Now()}
	dec, err := raw.Decode()
	require.NoError(t, err)
	assert.Equal(t, w, dec.Width())
	assert.Equal(t, h, dec.Height())

	// Neutral chroma must decode to gray.
	off := dec.RGB().PixOffset(w/2, h/2)
	pix := dec.RGB().Pix
	assert.InDelta(t, 128, pix[off+0], 2)
	assert.InDelta(t, 128, pix[off+1], 2)
	assert.InDelta(t, 128, pix[off+2], 2)
}

func TestCoordinateRoundTrip(t *testing.T) {
	resolutions := []struct{ w, h int }{
		{1920, 1080},
		{640, 360},
		{100, 100},
		{1, 1},
	}
	obj := DetectedObject{Label: "person", Confidence: 0.9,
		RelX1: 0.12, RelY1: 0.2, RelX2: 0.5, RelY2: 0.81}

	for _, res := range resolutions {
		x1, y1, x2, y2 := obj.Absolute(res.w, res.h)
		back := NewObjectFromAbsolute(obj.Label, obj.Confidence, x1, y1, x2, y2, res.w, res.h)

		assert.LessOrEqual(t, math.Abs(back.RelX1-obj.RelX1)*float64(res.w), 1.0)
		assert.LessOrEqual(t, math.Abs(back.RelY1-obj.RelY1)*float64(res.h), 1.0)
		assert.LessOrEqual(t, math.Abs(back.RelX2-obj.RelX2)*float64(res.w), 1.0)
		assert.LessOrEqual(t, math.Abs(back.RelY2-obj.RelY2)*float64(res.h), 1.0)
		assert.NoError(t, back.Valid())
	}
}

func TestLetterboxRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		w, h int
	}{
		{"wide frame pads vertically", 1920, 1080},
		{"tall frame pads horizontally", 1080, 1920},
	}
	const model = 640

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scale := math.Min(float64(model)/float64(tc.w), float64(model)/float64(tc.h))
			lb := &Letterbox{
				Scale:       scale,
				PadX:        (model - int(math.Round(float64(tc.w)*scale))) / 2,
				PadY:        (model - int(math.Round(float64(tc.h)*scale))) / 2,
				FrameWidth:  tc.w,
				FrameHeight: tc.h,
				ModelSize:   model,
			}
			if tc.w > tc.h {
				assert.Zero(t, lb.PadX)
				assert.Positive(t, lb.PadY)
			} else {
				assert.Positive(t, lb.PadX)
				assert.Zero(t, lb.PadY)
			}

			for _, pt := range []Point{{0, 0}, {tc.w / 2, tc.h / 2}, {tc.w - 1, tc.h - 1}, {17, 333}} {
				mx, my := lb.Apply(pt.X, pt.Y)
				bx, by := lb.Invert(mx, my)
				assert.LessOrEqual(t, math.Abs(float64(bx-pt.X)), 1.0)
				assert.LessOrEqual(t, math.Abs(float64(by-pt.Y)), 1.0)
			}
		})
	}
}

func TestGetViewLetterboxesSquareModels(t *testing.T) {
	raw := &RawFrame{Bytes: make([]byte, RawSize(64, 36)), Width: 64, Height: 36, Time: time.Now()}
	dec, err := raw.Decode()
	require.NoError(t, err)

	square := dec.GetView("object", 32, 32)
	require.NotNil(t, square.Letterbox)
	assert.Equal(t, 32, square.Image.Rect.Dx())
	assert.Equal(t, 32, square.Image.Rect.Dy())
	assert.Zero(t, square.Letterbox.PadX)
	assert.Positive(t, square.Letterbox.PadY)

	// Cached on second call.
	assert.Same(t, square, dec.GetView("object", 32, 32))

	rect := dec.GetView("motion", 32, 18)
	assert.Nil(t, rect.Letterbox)
	assert.Equal(t, 18, rect.Image.Rect.Dy())
}

func TestPolygonContainsPoint(t *testing.T) {
	// Lower half of a 1920x1080 frame, as in a typical driveway zone.
	zone := Polygon{{0, 500}, {1920, 500}, {1920, 1080}, {0, 1080}}

	assert.True(t, zone.ContainsPoint(Point{960, 800}))
	assert.False(t, zone.ContainsPoint(Point{960, 400}))
}

func TestMotionContoursMaxRelativeArea(t *testing.T) {
	small := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	big := Polygon{{0, 0}, {100, 0}, {100, 50}, {0, 50}}

	mc := NewMotionContours([]Polygon{small, big}, 100, 100)
	assert.InDelta(t, 0.5, mc.MaxRelativeArea, 1e-9)
}

func TestBottomCenter(t *testing.T) {
	obj := DetectedObject{RelX1: 0.4, RelY1: 0.5, RelX2: 0.6, RelY2: 800.0 / 1080.0}
	pt := obj.BottomCenter(1920, 1080)
	assert.Equal(t, 960, pt.X)
	assert.Equal(t, 800, pt.Y)
}
