// Package devlink implements the low-latency device-to-device collective path.
//
// The link's buffer handling is only replay-safe while an execution graph is being
// captured, so it is created disabled and stays disabled in eager mode: the group
// coordinator enables it for the duration of a capture scope and restores the
// previous state when the scope exits.
package devlink

import (
	"sync"

	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Comm is a low-latency device link bound to one device channel.
type Comm struct {
	ch        comms.Channel
	deviceNum comms.DeviceNum

	mu       sync.Mutex
	disabled bool
	closed   bool
}

var _ comms.LowLatencyComm = (*Comm)(nil)

// New creates a low-latency link over the given device channel. It starts disabled.
func New(ch comms.Channel, deviceNum comms.DeviceNum) (*Comm, error) {
	if ch == nil {
		return nil, errors.Errorf("devlink: nil channel")
	}
	klog.V(1).Infof("devlink: created for group %v (device %d), disabled until graph capture", ch.Ranks(), deviceNum)
	return &Comm{ch: ch, deviceNum: deviceNum, disabled: true}, nil
}

// Factory returns a comms.LowLatencyFactory creating disabled links.
func Factory() comms.LowLatencyFactory {
	return func(ch comms.Channel, deviceNum comms.DeviceNum) (comms.LowLatencyComm, error) {
		return New(ch, deviceNum)
	}
}

// AllReduce implements comms.LowLatencyComm: it sums t across the group, in place.
func (c *Comm) AllReduce(t *tensors.Tensor) (*tensors.Tensor, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Errorf("devlink: communicator is closed")
	}
	if c.disabled {
		c.mu.Unlock()
		return nil, errors.Errorf("devlink: all-reduce on a disabled link -- it is only enabled within a graph capture scope")
	}
	c.mu.Unlock()
	return c.ch.AllReduce(t, comms.ReduceOpSum)
}

// Disabled implements comms.LowLatencyComm.
func (c *Comm) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// SetDisabled implements comms.LowLatencyComm.
func (c *Comm) SetDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = disabled
}

// Close implements comms.LowLatencyComm.
func (c *Comm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ch.Close()
}
