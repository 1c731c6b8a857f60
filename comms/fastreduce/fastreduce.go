// Package fastreduce implements the fast intra-group reduction path: an all-reduce
// optimized for ranks sharing one host's interconnect, with an automatic size-based
// fallback.
//
// The reducer only handles device-resident buffers up to a maximum message size;
// anything else it passes on ("not handled", never an error), which lets the group
// coordinator fall through to the next backend in its precedence chain. It is safe
// both eagerly and during graph capture, so a capture scope enables it
// unconditionally.
package fastreduce

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultMaxBytes is the default largest message the fast path handles.
// Larger messages fall through to the next backend in the chain.
const DefaultMaxBytes = 8 * 1024 * 1024

// Comm is a fast intra-group reducer bound to one device channel.
type Comm struct {
	ch        comms.Channel
	deviceNum comms.DeviceNum
	maxBytes  uintptr

	mu        sync.Mutex
	capturing bool
	closed    bool
}

var _ comms.FastReducer = (*Comm)(nil)

// New creates a fast reducer over the given device channel with the default
// message-size cutoff. See Factory to wire it to a group coordinator.
func New(ch comms.Channel, deviceNum comms.DeviceNum) (*Comm, error) {
	return NewWithMaxBytes(ch, deviceNum, DefaultMaxBytes)
}

// NewWithMaxBytes is New with an explicit message-size cutoff.
func NewWithMaxBytes(ch comms.Channel, deviceNum comms.DeviceNum, maxBytes uintptr) (*Comm, error) {
	if ch == nil {
		return nil, errors.Errorf("fastreduce: nil channel")
	}
	klog.V(1).Infof("fastreduce: created for group %v (device %d), max message size %s",
		ch.Ranks(), deviceNum, humanize.IBytes(uint64(maxBytes)))
	return &Comm{ch: ch, deviceNum: deviceNum, maxBytes: maxBytes}, nil
}

// Factory returns a comms.FastReducerFactory with the default cutoff.
func Factory() comms.FastReducerFactory {
	return func(ch comms.Channel, deviceNum comms.DeviceNum) (comms.FastReducer, error) {
		return New(ch, deviceNum)
	}
}

// TryAllReduce implements comms.FastReducer: it sums t across the group if t is
// device-resident and within the size cutoff, otherwise reports "not handled".
func (c *Comm) TryAllReduce(t *tensors.Tensor) (*tensors.Tensor, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, errors.Errorf("fastreduce: communicator is closed")
	}
	c.mu.Unlock()
	if t.IsHost() || t.Memory() > c.maxBytes {
		return nil, false, nil
	}
	out, err := c.ch.AllReduce(t, comms.ReduceOpSum)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// StartCapture implements comms.FastReducer. The fast path is replay-safe, so
// capture mode only tags the communicator; it keeps handling requests.
func (c *Comm) StartCapture() (restore func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.capturing
	c.capturing = true
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.capturing = previous
	}
}

// Capturing reports whether a capture scope is currently active on this communicator.
func (c *Comm) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Close implements comms.FastReducer.
func (c *Comm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ch.Close()
}
