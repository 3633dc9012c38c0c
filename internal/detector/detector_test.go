package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argos/internal/config"
	"argos/internal/frame"
)

func TestLockSerialisesCallers(t *testing.T) {
	lock := NewLock()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				require.NoError(t, lock.Acquire(context.Background()))

				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()

				lock.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight, "detect calls must never overlap")
	acquired, released := lock.Counts()
	assert.Equal(t, acquired, released)
	assert.Equal(t, uint64(160), acquired)
}

func TestLockBalancedUnderPanic(t *testing.T) {
	lock := NewLock()

	detect := func() {
		require.NoError(t, lock.Acquire(context.Background()))
		defer lock.Release()
		panic("detector blew up")
	}

	for i := 0; i < 3; i++ {
		func() {
			defer func() { _ = recover() }()
			detect()
		}()
	}

	acquired, released := lock.Counts()
	assert.Equal(t, acquired, released, "lock must be released on panic paths")
	assert.Equal(t, uint64(3), acquired)
}

func TestLockAcquireHonoursContext(t *testing.T) {
	lock := NewLock()
	require.NoError(t, lock.Acquire(context.Background()))
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lock.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockForReturnsSameLockPerKind(t *testing.T) {
	assert.Same(t, LockFor("object"), LockFor("object"))
	assert.NotSame(t, LockFor("object"), LockFor("motion"))
}

func rawFrameWithRect(w, h int, luma byte, rx, ry, rw, rh int) *frame.RawFrame {
	buf := make([]byte, frame.RawSize(w, h))
	for i := 0; i < w*h; i++ {
		buf[i] = 16
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}
	for y := ry; y < ry+rh; y++ {
		for x := rx; x < rx+rw; x++ {
			buf[y*w+x] = luma
		}
	}
	return &frame.RawFrame{Bytes: buf, Width: w, Height: h, Time: time.Now()}
}

func scanFrame(t *testing.T, raw *frame.RawFrame) *frame.FrameToScan {
	t.Helper()
	dec, err := raw.Decode()
	require.NoError(t, err)
	return &frame.FrameToScan{
		Frame:        dec,
		DetectorName: "motion",
		StreamWidth:  raw.Width,
		StreamHeight: raw.Height,
		Camera:       "front",
		Time:         raw.Time,
	}
}

func TestMotionDetectorFindsChangedRegion(t *testing.T) {
	motion := NewMotion(&config.MotionDetector{
		Width: 64, Height: 48, Threshold: 25, AreaTrigger: 0.01, MotionFrames: 3,
	})

	// Reference frame: uniform dark.
	first := motion.Scan(scanFrame(t, rawFrameWithRect(64, 48, 16, 0, 0, 0, 0)))
	assert.False(t, first.Detected, "first frame has no reference to compare against")

	// Second frame: bright block appears.
	second := motion.Scan(scanFrame(t, rawFrameWithRect(64, 48, 235, 10, 10, 20, 20)))
	assert.True(t, second.Detected)
	require.NotEmpty(t, second.Contours.Contours)
	assert.Greater(t, second.Contours.MaxRelativeArea, 0.01)

	// Identical third frame: motion stops.
	third := motion.Scan(scanFrame(t, rawFrameWithRect(64, 48, 235, 10, 10, 20, 20)))
	assert.False(t, third.Detected)
}

func TestMotionDetectorReset(t *testing.T) {
	motion := NewMotion(&config.MotionDetector{
		Width: 32, Height: 32, Threshold: 25, AreaTrigger: 0.01,
	})

	motion.Scan(scanFrame(t, rawFrameWithRect(32, 32, 16, 0, 0, 0, 0)))
	motion.Reset()

	// After reset the next frame is a new reference, so even a big change
	// must not report motion.
	res := motion.Scan(scanFrame(t, rawFrameWithRect(32, 32, 235, 0, 0, 32, 32)))
	assert.False(t, res.Detected)
}

type nopDetector struct{}

func (nopDetector) Name() string                  { return "nop" }
func (nopDetector) ModelWidth() int               { return 1 }
func (nopDetector) ModelHeight() int              { return 1 }
func (nopDetector) Preprocess(*frame.FrameToScan) {}
func (nopDetector) Detect(context.Context, *frame.FrameToScan) ([]frame.DetectedObject, error) {
	return nil, nil
}
func (nopDetector) Close() error { return nil }

func TestRegistrySharesInstances(t *testing.T) {
	reg := NewRegistry()

	created := 0
	create := func() (ObjectDetector, error) {
		created++
		return nopDetector{}, nil
	}

	_, err := reg.GetOrCreate("localhost:50051", create)
	require.NoError(t, err)
	_, err = reg.GetOrCreate("localhost:50051", create)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}
