package bus

import "fmt"

// Topic helpers. Every camera-scoped topic starts with "camera/<name>/" so
// observers can subscribe to "camera/*/status" and similar patterns.

// TopicRawFrame carries *frame.RawFrame payloads from capture.
func TopicRawFrame(camera string) string {
	return fmt.Sprintf("camera/%s/frame/raw", camera)
}

// TopicDecode carries scan requests from the fan-out to one frame worker.
func TopicDecode(camera, detector string) string {
	return fmt.Sprintf("camera/%s/decode/%s", camera, detector)
}

// TopicScan carries *frame.FrameToScan from a frame worker to its runner.
func TopicScan(camera, detector string) string {
	return fmt.Sprintf("camera/%s/scan/%s", camera, detector)
}

// TopicProcessed carries raw *frame.DetectionResult from a runner to the
// filter stage.
func TopicProcessed(camera, detector string) string {
	return fmt.Sprintf("camera/%s/processed/%s", camera, detector)
}

// TopicObjects carries filtered *frame.DetectionResult.
func TopicObjects(camera string) string {
	return fmt.Sprintf("camera/%s/objects", camera)
}

// TopicMotion carries frame.MotionResult.
func TopicMotion(camera string) string {
	return fmt.Sprintf("camera/%s/motion", camera)
}

// TopicZone carries zone transition events.
func TopicZone(camera, zone string) string {
	return fmt.Sprintf("camera/%s/zone/%s", camera, zone)
}

// TopicStatus carries pipeline.Status updates.
func TopicStatus(camera string) string {
	return fmt.Sprintf("camera/%s/status", camera)
}

// TopicFault carries capture fault events.
func TopicFault(camera string) string {
	return fmt.Sprintf("camera/%s/fault", camera)
}

// TopicDecodeError signals capture that a worker saw a malformed buffer.
func TopicDecodeError(camera string) string {
	return fmt.Sprintf("camera/%s/decode_error", camera)
}

// TopicPostProcessor carries objects routed to an additional pipeline stage
// such as face recognition.
func TopicPostProcessor(name string) string {
	return fmt.Sprintf("postprocessor/%s", name)
}

// TopicRecording carries recorder start/stop events.
func TopicRecording(camera string) string {
	return fmt.Sprintf("camera/%s/recording", camera)
}
