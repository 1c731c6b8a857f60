package comms

import (
	"github.com/google/uuid"
	"github.com/gomlx/meshcomm/types/tensors"
)

// The capability variants below form the closed set of specialized communicators a
// group coordinator may own next to its generic channels. Each is optional: absent
// (nil) when the group has world size 1, or when the variant is disabled or
// unsupported on the topology. The coordinator owns them exclusively and closes them
// exactly once on teardown.

// FastReducer is an intra-group reduction path optimized for a single host's
// interconnect. It is graph-capture safe and always preferred when capable: above its
// supported message size it reports "not handled" rather than erroring, which triggers
// the coordinator's fallback chain.
type FastReducer interface {
	// TryAllReduce sums t across the group if the reducer can handle it.
	// handled == false means the request was passed on, not failed.
	TryAllReduce(t *tensors.Tensor) (out *tensors.Tensor, handled bool, err error)

	// StartCapture puts the reducer in graph-capture mode and returns the function
	// restoring the previous mode. The reducer stays usable during capture.
	StartCapture() (restore func())

	// Close releases the reducer's resources.
	Close() error
}

// LowLatencyComm is a device-to-device collective path that is only replay-safe while
// a graph capture is active. It carries a disabled flag, set by default: the
// coordinator enables it for the duration of a capture scope and restores it after.
type LowLatencyComm interface {
	// AllReduce sums t across the group.
	AllReduce(t *tensors.Tensor) (*tensors.Tensor, error)

	// Disabled reports whether the comm is currently disabled.
	Disabled() bool

	// SetDisabled flips the disabled flag.
	SetDisabled(disabled bool)

	// Close releases the comm's resources.
	Close() error
}

// ObjectBroadcaster is a same-host broadcast optimization for small control objects,
// restricted to a fixed source: rank 0 of its group. Using it with any other source
// is a contract violation the coordinator must reject before reaching it.
type ObjectBroadcaster interface {
	// BroadcastBytes pushes b (rank 0) or receives the broadcast payload
	// (other ranks, b ignored).
	BroadcastBytes(b []byte) ([]byte, error)

	// Close releases the broadcaster's resources.
	Close() error
}

// Factories wire the capability variants to a group. The coordinator calls them with
// the already-created channels; a nil factory leaves the corresponding handle absent.

// FastReducerFactory creates a FastReducer over the given device channel.
type FastReducerFactory func(ch Channel, deviceNum DeviceNum) (FastReducer, error)

// LowLatencyFactory creates a LowLatencyComm over the given device channel.
type LowLatencyFactory func(ch Channel, deviceNum DeviceNum) (LowLatencyComm, error)

// ObjectBroadcasterFactory creates an ObjectBroadcaster from the given host channel,
// with the given ring geometry (chunk size in bytes, number of chunks).
type ObjectBroadcasterFactory func(ch Channel, maxChunkBytes, maxChunks int) (ObjectBroadcaster, error)

// Stream identifies an execution queue on a device, used to segregate the kernels
// recorded during a graph capture from work on the default queue.
type Stream struct {
	ID        string
	DeviceNum DeviceNum
}

// NewStream returns a new Stream on the given device.
func NewStream(deviceNum DeviceNum) *Stream {
	return &Stream{ID: uuid.NewString(), DeviceNum: deviceNum}
}
