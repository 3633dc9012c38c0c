package detector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"argos/internal/frame"
)

// ObjectDetector is the contract between the pipeline and a detection
// backend. Implementations are black boxes: gRPC services, embedded models,
// anything that can score a frame.
type ObjectDetector interface {
	// Name returns the detector identifier (e.g. "remote", "mock").
	Name() string

	// ModelWidth and ModelHeight are the input dimensions the backend
	// expects. Square models get letterboxed input.
	ModelWidth() int
	ModelHeight() int

	// Preprocess may populate fts.Preprocessed with backend-specific input
	// derived from the resized view. It runs in the frame worker, before the
	// scan is queued.
	Preprocess(fts *frame.FrameToScan)

	// Detect runs inference and returns objects with coordinates relative to
	// the model input. Unletterboxing is the caller's responsibility.
	Detect(ctx context.Context, fts *frame.FrameToScan) ([]frame.DetectedObject, error)

	// Close releases backend resources.
	Close() error
}

// Lock serialises inference across all cameras sharing a detector backend.
// GPU and NPU backends cannot run overlapping inferences; segment duration
// probes that touch the same hardware take the same lock.
type Lock struct {
	sem chan struct{}

	acquired atomic.Uint64
	released atomic.Uint64
}

// NewLock creates an unheld lock.
func NewLock() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// Acquire takes the lock, honouring context cancellation while waiting.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		l.acquired.Add(1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("detection lock: %w", ctx.Err())
	}
}

// Release returns the lock. It must be called exactly once per successful
// Acquire, on every path including panics.
func (l *Lock) Release() {
	l.released.Add(1)
	<-l.sem
}

// Counts returns the acquire and release counters, used to assert balance in
// tests.
func (l *Lock) Counts() (acquired, released uint64) {
	return l.acquired.Load(), l.released.Load()
}

var (
	locksMu sync.Mutex
	locks   = make(map[string]*Lock)
)

// LockFor returns the process-wide lock for a detector kind, creating it on
// first use. One lock per kind allows separate hardware devices to run
// concurrently while serialising within each device.
func LockFor(kind string) *Lock {
	locksMu.Lock()
	defer locksMu.Unlock()

	if l, ok := locks[kind]; ok {
		return l
	}
	l := NewLock()
	locks[kind] = l
	return l
}
