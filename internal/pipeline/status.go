package pipeline

import "time"

// Status is the externally visible state of a camera pipeline.
type Status string

const (
	StatusRecording       Status = "recording"
	StatusScanningObjects Status = "scanning_for_objects"
	StatusScanningMotion  Status = "scanning_for_motion"
	StatusFaulted         Status = "faulted"
	StatusUnknown         Status = "unknown"
)

// StatusEvent is published on a camera's status topic whenever the computed
// status changes.
type StatusEvent struct {
	Camera string
	Status Status
	Time   time.Time
}

// ComputeStatus folds the pipeline's flags into one status. A faulted camera
// reports faulted no matter what else was happening; otherwise recording
// outranks scanning, and object scanning outranks motion scanning.
func ComputeStatus(faulted, recording, scanningObjects, scanningMotion bool) Status {
	switch {
	case faulted:
		return StatusFaulted
	case recording:
		return StatusRecording
	case scanningObjects:
		return StatusScanningObjects
	case scanningMotion:
		return StatusScanningMotion
	default:
		return StatusUnknown
	}
}
