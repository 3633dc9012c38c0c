package event

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/config"
	"argos/internal/frame"
	"argos/internal/pipeline"
)

// State is the per-camera event machine state.
type State string

const (
	// StateIdle: nothing of interest in front of the camera.
	StateIdle State = "idle"
	// StateMotionOnly: debounced motion without a recording trigger. Entered
	// when the motion detector gates the object detector or simply observes.
	StateMotionOnly State = "motion_only"
	// StateRecording: an event recording is running.
	StateRecording State = "recording"
	// StateCoolingDown: triggers went quiet; the recording keeps running for
	// the post-event timeout and resumes if anything retriggers.
	StateCoolingDown State = "cooling_down"
)

// Trigger kinds reported to the recorder.
const (
	TriggerObject = "object"
	TriggerMotion = "motion"
)

// StartInfo describes why a recording begins.
type StartInfo struct {
	Camera  string
	Time    time.Time
	Trigger string
	Objects []frame.DetectedObject
	Frame   *frame.FrameToScan
}

// Recorder is the sink for the machine's start and stop decisions.
type Recorder interface {
	Start(info StartInfo)
	Stop(t time.Time)
}

// Machine turns filtered detections and debounced motion into recorder
// start/stop decisions for one camera.
//
// Motion is debounced: motion_frames consecutive positive scans assert it, a
// single negative scan clears it. A triggering object starts a recording
// immediately, no debounce. A recording held open by motion alone, however it
// started, is capped at motion_max_timeout measured from the start of the
// motion episode.
type Machine struct {
	cfg    *config.Camera
	clock  clockwork.Clock
	rec    Recorder
	b      *bus.Bus
	logger zerolog.Logger

	// objectScan gates object detection behind motion when trigger_detector
	// is set. Nil when the camera has no object detector.
	objectScan *pipeline.Attachment

	onChange func(State)

	mu           sync.Mutex
	state        State
	positives    int  // consecutive positive motion scans
	motionActive bool // debounced motion
	motionStart  time.Time
	objectHeld   bool // latest result contained a triggering object
	motionOnly   bool // current recording was started by motion alone

	stopTimer clockwork.Timer
	maxTimer  clockwork.Timer
}

// New creates a machine in the idle state. onChange, when non-nil, is called
// with the machine's lock held on every state transition; it must not call
// back into the machine.
func New(cfg *config.Camera, clock clockwork.Clock, rec Recorder,
	objectScan *pipeline.Attachment, b *bus.Bus, onChange func(State)) *Machine {
	m := &Machine{
		cfg:        cfg,
		clock:      clock,
		rec:        rec,
		b:          b,
		logger:     log.With().Str("component", "event_machine").Str("camera", cfg.Name).Logger(),
		objectScan: objectScan,
		onChange:   onChange,
		state:      StateIdle,
	}

	// With trigger_detector the object detector starts switched off and only
	// runs while motion holds it open.
	if m.triggerDetector() && m.objectScan != nil {
		m.objectScan.SetScanEnabled(false)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run consumes the camera's objects and motion topics until ctx is
// cancelled.
func (m *Machine) Run(ctx context.Context) {
	objects := m.b.SubscribeQueue(bus.TopicObjects(m.cfg.Name), bus.DefaultQueueSize)
	defer m.b.Unsubscribe(objects)
	motion := m.b.SubscribeQueue(bus.TopicMotion(m.cfg.Name), bus.DefaultQueueSize)
	defer m.b.Unsubscribe(motion)

	for {
		select {
		case msg := <-objects.Queue():
			m.HandleObjects(msg.Payload.(*frame.DetectionResult))
		case msg := <-motion.Queue():
			m.HandleMotion(msg.Payload.(frame.MotionResult))
		case <-ctx.Done():
			m.shutdown()
			return
		}
	}
}

// HandleObjects feeds one filtered detection result into the machine.
func (m *Machine) HandleObjects(result *frame.DetectionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objectHeld = false
	var trigger []frame.DetectedObject
	for _, o := range result.Objects {
		if o.Relevant && o.TriggersRecording {
			trigger = append(trigger, o)
		}
	}
	if len(trigger) > 0 {
		m.objectHeld = true
		// An object trigger lifts the motion-only cap on a running recording.
		if m.motionOnly {
			m.motionOnly = false
			m.cancelTimer(&m.maxTimer)
		}
	}

	m.evaluate(trigger, result.Frame)
}

// HandleMotion feeds one motion scan into the machine.
func (m *Machine) HandleMotion(result frame.MotionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.Detected {
		m.positives++
		if !m.motionActive && m.positives >= m.motionFrames() {
			m.motionActive = true
			m.motionStart = m.clock.Now()
		}
	} else {
		// One negative scan clears the debounce entirely.
		m.positives = 0
		m.motionActive = false
	}

	m.evaluate(nil, nil)
}

// evaluate advances the state from the current trigger flags. Callers hold
// the lock.
func (m *Machine) evaluate(trigger []frame.DetectedObject, fts *frame.FrameToScan) {
	now := m.clock.Now()
	active := m.objectHeld || m.motionActive

	switch m.state {
	case StateIdle:
		if m.objectHeld {
			m.startRecording(now, TriggerObject, trigger, fts)
			return
		}
		if m.motionActive {
			if m.triggerDetector() && m.objectScan != nil {
				m.objectScan.SetScanEnabled(true)
			}
			if m.triggerRecording() {
				m.startRecording(now, TriggerMotion, nil, nil)
				return
			}
			// MOTION_ONLY exists to hold the object detector gate open;
			// without trigger_detector plain motion is just noise.
			if m.triggerDetector() {
				m.setState(StateMotionOnly)
			}
		}

	case StateMotionOnly:
		if m.objectHeld {
			m.startRecording(now, TriggerObject, trigger, fts)
			return
		}
		if !m.motionActive {
			m.closeMotionGate()
			m.setState(StateIdle)
		}

	case StateRecording:
		if !active {
			m.setState(StateCoolingDown)
			m.stopTimer = m.clock.AfterFunc(m.cfg.Recorder.PostEventTimeout, m.postEventExpired)
			return
		}
		// The object left but motion keeps the recording open: the motion cap
		// applies from here on, whatever started the recording.
		if !m.objectHeld && m.motionActive {
			m.armMotionCap(now)
		}

	case StateCoolingDown:
		if active {
			// Retriggered: the same recording keeps running.
			m.cancelTimer(&m.stopTimer)
			m.setState(StateRecording)
			if !m.objectHeld && m.motionActive {
				m.armMotionCap(now)
			}
		}
	}
}

// startRecording transitions to RECORDING and tells the recorder. Callers
// hold the lock.
func (m *Machine) startRecording(now time.Time, kind string, objects []frame.DetectedObject, fts *frame.FrameToScan) {
	m.cancelTimer(&m.stopTimer)
	m.setState(StateRecording)

	if kind == TriggerMotion {
		m.armMotionCap(now)
	}

	m.logger.Info().Str("trigger", kind).Msg("recording started")
	m.rec.Start(StartInfo{
		Camera:  m.cfg.Name,
		Time:    now,
		Trigger: kind,
		Objects: objects,
		Frame:   fts,
	})
}

// armMotionCap marks the recording as held by motion alone and arms the cap.
// The cap is measured from the start of the motion episode, not from the
// start of the recording. Callers hold the lock.
func (m *Machine) armMotionCap(now time.Time) {
	if m.maxTimer != nil {
		return
	}
	m.motionOnly = true
	remaining := m.cfg.Recorder.MotionMaxTimeout - now.Sub(m.motionStart)
	if remaining < 0 {
		remaining = 0
	}
	m.maxTimer = m.clock.AfterFunc(remaining, m.motionCapExpired)
}

// postEventExpired fires when the cooling-down period passes without a
// retrigger.
func (m *Machine) postEventExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCoolingDown {
		return
	}
	m.finishRecording("post-event timeout")
}

// motionCapExpired force-stops a recording that motion alone has kept
// running for motion_max_timeout.
func (m *Machine) motionCapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.motionOnly || (m.state != StateRecording && m.state != StateCoolingDown) {
		return
	}
	m.finishRecording("motion max timeout")
}

// finishRecording stops the recorder and settles back to idle or
// motion-only. Callers hold the lock.
func (m *Machine) finishRecording(reason string) {
	m.cancelTimer(&m.stopTimer)
	m.cancelTimer(&m.maxTimer)
	m.motionOnly = false

	m.logger.Info().Str("reason", reason).Msg("recording stopped")
	m.rec.Stop(m.clock.Now())

	if m.motionActive {
		m.setState(StateMotionOnly)
		return
	}
	m.closeMotionGate()
	m.setState(StateIdle)
}

// closeMotionGate disables the gated object detector when motion has ended.
// Callers hold the lock.
func (m *Machine) closeMotionGate() {
	if m.triggerDetector() && m.objectScan != nil {
		m.objectScan.SetScanEnabled(false)
	}
}

func (m *Machine) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelTimer(&m.stopTimer)
	m.cancelTimer(&m.maxTimer)
	if m.state == StateRecording || m.state == StateCoolingDown {
		m.rec.Stop(m.clock.Now())
		m.setState(StateIdle)
	}
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onChange != nil {
		m.onChange(s)
	}
}

func (m *Machine) cancelTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) motionFrames() int {
	if md := m.cfg.MotionDetector; md != nil {
		return md.MotionFrames
	}
	return 1
}

func (m *Machine) triggerDetector() bool {
	return m.cfg.MotionDetector != nil && m.cfg.MotionDetector.TriggerDetector
}

func (m *Machine) triggerRecording() bool {
	return m.cfg.MotionDetector != nil && m.cfg.MotionDetector.TriggerRecording
}
