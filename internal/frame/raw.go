package frame

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"
)

// ErrDecodeFault is returned when a raw buffer does not match the NV12 size
// implied by the stream resolution. Capture treats it as a signal to restart
// the reader.
var ErrDecodeFault = errors.New("frame: decode fault")

// RawSize returns the byte size of one NV12 frame: a full-resolution Y plane
// followed by an interleaved half-resolution UV plane.
func RawSize(width, height int) int {
	return width * height * 3 / 2
}

// RawFrame is one NV12 frame as emitted by the external reader. The bytes are
// owned by capture while the frame is on the bus; subscribers must not
// mutate them.
type RawFrame struct {
	Bytes  []byte
	Width  int
	Height int
	Seq    uint64

	// Time carries both wall clock and monotonic clock readings.
	Time time.Time

	refs      atomic.Int32
	onRelease func([]byte)
}

// SetReleaser arms reference counting: when the count drops to zero the
// buffer is handed back through fn (typically a sync.Pool). refs is the
// number of consumers that will call Release.
func (f *RawFrame) SetReleaser(refs int32, fn func([]byte)) {
	f.refs.Store(refs)
	f.onRelease = fn
}

// Retain adds holders before the frame is handed to further consumers.
func (f *RawFrame) Retain(n int32) {
	f.refs.Add(n)
}

// Release drops one holder. Frames discarded by queue overflow are never
// released; their buffers fall to the garbage collector instead of the pool,
// which is safe, just slower.
func (f *RawFrame) Release() {
	if f.onRelease == nil {
		return
	}
	if f.refs.Add(-1) == 0 {
		f.onRelease(f.Bytes)
	}
}

// Validate checks the NV12 size invariant.
func (f *RawFrame) Validate() error {
	if want := RawSize(f.Width, f.Height); len(f.Bytes) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %dx%d",
			ErrDecodeFault, len(f.Bytes), want, f.Width, f.Height)
	}
	return nil
}

// Decode converts the raw NV12 buffer to an RGB image. The raw bytes are
// read, never written.
func (f *RawFrame) Decode() (*DecodedFrame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	w, h := f.Width, f.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	yPlane := f.Bytes[:w*h]
	uvPlane := f.Bytes[w*h:]

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			y := int32(yPlane[row*w+col])
			uvOff := (row/2)*w + (col/2)*2
			u := int32(uvPlane[uvOff]) - 128
			v := int32(uvPlane[uvOff+1]) - 128

			// BT.601 full-range conversion in 16.16 fixed point.
			r := y + (91881*v)>>16
			g := y - ((22554*u + 46802*v) >> 16)
			b := y + (116130*u)>>16

			off := img.PixOffset(col, row)
			img.Pix[off+0] = clampU8(r)
			img.Pix[off+1] = clampU8(g)
			img.Pix[off+2] = clampU8(b)
			img.Pix[off+3] = 0xff
		}
	}

	return newDecodedFrame(img, f.Time), nil
}

func clampU8(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
