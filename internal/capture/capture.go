package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/config"
	"argos/internal/frame"
)

// ErrStreamFault is published (wrapped in a Fault event) when the reader
// keeps failing beyond the configured restart budget. The camera stays
// silent until it is toggled off and on again.
var ErrStreamFault = errors.New("capture: stream faulted")

// Fault is the payload published on the camera's fault topic.
type Fault struct {
	Camera string
	Err    error
	Time   time.Time
}

// Stats mirrors the reader's health for status endpoints and tests.
type Stats struct {
	FramesCaptured uint64
	Restarts       uint64
	LastFrameTime  time.Time
}

// Capture owns the external frame reader process for one camera: it spawns
// it, reads fixed-size NV12 frames from its stdout, republishes them on the
// bus and restarts the reader when it dies, stalls or produces undecodable
// output.
type Capture struct {
	cfg    *config.Camera
	b      *bus.Bus
	logger zerolog.Logger

	frameBytes int
	pool       sync.Pool

	frameSeq      atomic.Uint64
	framesSession atomic.Uint64

	mu      sync.Mutex
	cmd     *exec.Cmd
	faulted bool

	toggleCh chan struct{}
	kickCh   chan struct{} // decode faults and frame timeouts funnel here

	stats   Stats
	statsMu sync.RWMutex
}

// New creates a Capture for a camera. Run must be called to start reading.
func New(cfg *config.Camera, b *bus.Bus) *Capture {
	frameBytes := frame.RawSize(cfg.Width, cfg.Height)
	c := &Capture{
		cfg:        cfg,
		b:          b,
		logger:     log.With().Str("component", "capture").Str("camera", cfg.Name).Logger(),
		frameBytes: frameBytes,
		toggleCh:   make(chan struct{}, 1),
		kickCh:     make(chan struct{}, 1),
	}
	c.pool.New = func() any { return make([]byte, frameBytes) }

	// Workers publish decode faults when the buffer size stops matching the
	// stream; the reader has gone bad and must be restarted.
	b.Subscribe(bus.TopicDecodeError(cfg.Name), func(bus.Message) {
		c.logger.Warn().Msg("decode fault reported, restarting reader")
		c.RequestRestart()
	})

	return c
}

// Run supervises the reader until ctx is cancelled. It blocks; callers run
// it under the camera supervisor.
func (c *Capture) Run(ctx context.Context) {
	first := true
	for ctx.Err() == nil {
		if !first {
			if err := c.probeUntilSane(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.fault(err)
				if !c.awaitToggle(ctx) {
					return
				}
				continue
			}
		}
		first = false

		c.framesSession.Store(0)
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		c.statsMu.Lock()
		c.stats.Restarts++
		c.statsMu.Unlock()

		c.logger.Warn().Err(err).
			Uint64("frames", c.framesSession.Load()).
			Msg("reader exited, restarting")
	}
}

// probeUntilSane runs one-frame sanity probes with fixed spacing until the
// reader's stderr is clean. Exhausting the restart budget is a stream fault.
func (c *Capture) probeUntilSane(ctx context.Context) error {
	return retry.Do(
		func() error { return c.sanityProbe(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.RestartAttempts)),
		retry.Delay(c.cfg.RestartDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", n+1).Msg("sanity probe failed")
		}),
	)
}

// sanityProbe asks the reader for a single frame and inspects stderr for
// errors outside the transient allowlist.
func (c *Capture) sanityProbe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, readerBinary, sanityArgs(c.cfg)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	err := cmd.Run()
	if bad := firstBlockedLine(stderr.String(), c.cfg.StderrAllowlist); bad != "" {
		return fmt.Errorf("reader stderr: %s", bad)
	}
	if err != nil && stderr.Len() == 0 {
		return fmt.Errorf("sanity probe: %w", err)
	}
	return nil
}

// streamOnce runs the reader process once and pumps frames until it exits
// or is killed by the watchdog.
func (c *Capture) streamOnce(ctx context.Context) error {
	// A restart request posted while no reader was running is stale; it must
	// not kill the reader we are about to start.
	select {
	case <-c.kickCh:
	default:
	}

	cmd := exec.Command(readerBinary, readerArgs(c.cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start reader: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cmd = nil
		c.mu.Unlock()
	}()

	go c.consumeStderr(stderr)

	// Watchdog: no frame for frame_timeout, an external restart request, or
	// cancellation all kill the reader. The read loop then sees EOF.
	watchdogDone := make(chan struct{})
	frameTick := make(chan struct{}, 1)
	go func() {
		timer := time.NewTimer(c.cfg.FrameTimeout)
		defer timer.Stop()
		for {
			select {
			case <-frameTick:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.cfg.FrameTimeout)
			case <-timer.C:
				c.logger.Warn().Dur("timeout", c.cfg.FrameTimeout).Msg("frame timeout, killing reader")
				_ = cmd.Process.Kill()
				return
			case <-c.kickCh:
				_ = cmd.Process.Kill()
				return
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				return
			case <-watchdogDone:
				return
			}
		}
	}()
	defer close(watchdogDone)

	for {
		buf := c.pool.Get().([]byte)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			c.pool.Put(buf)
			waitErr := cmd.Wait()
			if waitErr != nil {
				return fmt.Errorf("reader: %w", waitErr)
			}
			return fmt.Errorf("reader stdout: %w", err)
		}

		raw := &frame.RawFrame{
			Bytes:  buf,
			Width:  c.cfg.Width,
			Height: c.cfg.Height,
			Seq:    c.frameSeq.Add(1),
			Time:   time.Now(),
		}
		// The fan-out is the single direct consumer; it retains once more
		// per detector it forwards to.
		raw.SetReleaser(1, func(b []byte) { c.pool.Put(b) })

		c.framesSession.Add(1)
		c.statsMu.Lock()
		c.stats.FramesCaptured++
		c.stats.LastFrameTime = raw.Time
		c.statsMu.Unlock()

		select {
		case frameTick <- struct{}{}:
		default:
		}

		if err := c.b.Publish(bus.TopicRawFrame(c.cfg.Name), raw); err != nil {
			// Bus shutdown: benign, stop pumping.
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	}
}

func (c *Capture) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if lineAllowed(line, c.cfg.StderrAllowlist) {
			c.logger.Debug().Str("stderr", line).Msg("reader noise")
		} else {
			c.logger.Error().Str("stderr", line).Msg("reader error")
		}
	}
}

// RequestRestart kills the current reader; the supervision loop restarts
// it. Safe to call when no reader is running.
func (c *Capture) RequestRestart() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *Capture) fault(err error) {
	c.mu.Lock()
	c.faulted = true
	c.mu.Unlock()

	wrapped := fmt.Errorf("%w: %v", ErrStreamFault, err)
	c.logger.Error().Err(err).Msg("too many consecutive reader failures, camera faulted")
	if pubErr := c.b.Publish(bus.TopicFault(c.cfg.Name), Fault{
		Camera: c.cfg.Name,
		Err:    wrapped,
		Time:   time.Now(),
	}); pubErr != nil && !errors.Is(pubErr, bus.ErrBusShuttingDown) {
		c.logger.Warn().Err(pubErr).Msg("failed to publish fault event")
	}
}

// Faulted reports whether the camera is in the FAULTED state.
func (c *Capture) Faulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faulted
}

// Toggle clears the FAULTED state and lets the supervision loop try again.
// This is the only way out of FAULTED.
func (c *Capture) Toggle() {
	c.mu.Lock()
	c.faulted = false
	c.mu.Unlock()

	select {
	case c.toggleCh <- struct{}{}:
	default:
	}
}

func (c *Capture) awaitToggle(ctx context.Context) bool {
	select {
	case <-c.toggleCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stats returns a copy of the capture statistics.
func (c *Capture) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// lineAllowed reports whether a stderr line matches the transient-error
// allowlist.
func lineAllowed(line string, allowlist []string) bool {
	for _, allowed := range allowlist {
		if strings.Contains(line, allowed) {
			return true
		}
	}
	return false
}

// firstBlockedLine returns the first stderr line not covered by the
// allowlist, or "" when the output is clean.
func firstBlockedLine(stderr string, allowlist []string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !lineAllowed(line, allowlist) {
			return line
		}
	}
	return ""
}
