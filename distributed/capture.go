package distributed

import (
	"github.com/gomlx/meshcomm/comms"
)

// CaptureContext carries the per-capture state threaded through a graph
// capture region: the dedicated stream the captured collectives are issued on.
type CaptureContext struct {
	// Stream is the dedicated stream for the capture. Collectives issued inside
	// the region run on it so that replaying the captured graph replays them in
	// order.
	Stream *comms.Stream
}

// NewCaptureContext creates a capture context with a fresh stream on the given
// device.
func NewCaptureContext(deviceNum comms.DeviceNum) *CaptureContext {
	return &CaptureContext{Stream: comms.NewStream(deviceNum)}
}
