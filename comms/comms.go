// Package comms defines the interface a collective communication transport needs to
// implement to be driven by the distributed package.
//
// A Transport is the per-process handle to the communication fabric: it knows the
// process' global rank and the world size, and it creates Channels, each bound to one
// ordered subset of ranks (a group) and one memory placement. The channel created with
// a Host placement is the control-plane capable context (object broadcast, barriers,
// host-resident buffers); the Device placement channel carries device-resident
// collective math.
//
// Transports are registered by name (see Register), and instantiated from a
// configuration string of the form "<transport_name>:<transport_configuration>",
// the same convention the rest of the configuration surface uses.
//
// Besides the generic Channel, the package defines the closed set of optional
// capability variants a coordinator may attach to a group -- FastReducer,
// LowLatencyComm and ObjectBroadcaster -- see capabilities.go.
package comms

import (
	"os"
	"strings"

	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
)

// DeviceNum identifies a local accelerator on the current host.
// It's up to the transport to interpret it.
type DeviceNum int

// Handle represents an in-flight asynchronous collective operation.
//
// Wait blocks until the operation completes and returns its error, if any.
// Wait may be called multiple times; it always reports the same result.
type Handle interface {
	Wait() error
}

// Channel is a communication context bound to one ordered group of ranks and one
// memory placement. All collective calls must be issued by every member of the
// group in the same relative order -- the channel provides no reordering.
//
// Rank arguments (src, dst) are positions within the channel's group, not global
// ranks. A call blocks until the underlying operation completes; there is no
// cancellation or timeout at this layer.
type Channel interface {
	// Rank returns the caller's position within the group.
	Rank() int

	// WorldSize returns the number of ranks in the group.
	WorldSize() int

	// Ranks returns the ordered global ranks of the group members.
	Ranks() []int

	// AllReduce reduces t across the group with the given reduction, writing the
	// result in place and returning t.
	AllReduce(t *tensors.Tensor, op ReduceOpType) (*tensors.Tensor, error)

	// AllGather stacks the group's contributions along a new leading axis: the
	// result has shape (worldSize,) + t.Shape().Dimensions, in rank order.
	AllGather(t *tensors.Tensor) (*tensors.Tensor, error)

	// Gather collects every member's t on rank dst, in rank order. Only dst
	// receives the parts; all other ranks get nil (absence, not an error).
	Gather(t *tensors.Tensor, dst int) ([]*tensors.Tensor, error)

	// Broadcast copies src's buffer into every member's t, in place.
	Broadcast(t *tensors.Tensor, src int) error

	// BroadcastAsync is Broadcast issued without waiting: the operation's slot in
	// the channel's ordering is taken at call time, and completion is reported by
	// the returned Handle.
	BroadcastAsync(t *tensors.Tensor, src int) (Handle, error)

	// BroadcastBytes distributes src's byte payload to every member and returns
	// it. Receivers pass nil. Serialization of objects is the caller's business;
	// the channel only moves bytes.
	BroadcastBytes(b []byte, src int) ([]byte, error)

	// Barrier blocks until every member of the group has entered it.
	Barrier() error

	// Close releases the channel's resources. The channel must not be used
	// afterward.
	Close() error
}

// Transport is the per-process handle to a communication fabric.
type Transport interface {
	// Name returns the short name of the transport. E.g.: "goloop".
	Name() string

	// Rank returns the process' global rank in [0, WorldSize).
	Rank() int

	// WorldSize returns the total number of processes.
	WorldSize() int

	// NewChannel creates a communication context over the given ordered global
	// ranks, with the given placement. Every member of ranks must call NewChannel
	// with the same arguments; non-members must not call it.
	NewChannel(ranks []int, placement tensors.Placement) (Channel, error)
}

// Constructor takes a transport-specific config string (optionally empty), the caller's
// global rank and the world size, and returns a connected Transport.
type Constructor func(config string, rank, worldSize int) (Transport, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a transport with the given name, and a constructor that takes a
// configuration string passed along to the transport.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// MESHCOMM_TRANSPORT is the environment variable with the default transport
// configuration to use when New is given an empty config.
//
// The format of config is "<transport_name>:<transport_configuration>".
const MESHCOMM_TRANSPORT = "MESHCOMM_TRANSPORT"

// New creates a Transport from a configuration string formatted as
// "<transport_name>:<transport_configuration>".
//
// If config is empty, the MESHCOMM_TRANSPORT environment variable is consulted; failing
// that, the first registered transport is used with an empty configuration.
func New(config string, rank, worldSize int) (Transport, error) {
	if config == "" {
		config = os.Getenv(MESHCOMM_TRANSPORT)
	}
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf("no transports registered -- import a transport package, e.g. github.com/gomlx/meshcomm/comms/goloop")
	}
	name := firstRegistered
	transportConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		transportConfig = config[idx+1:]
	} else if config != "" {
		name = config
		transportConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find transport %q for configuration %q given", name, config)
	}
	return constructor(transportConfig, rank, worldSize)
}
