package distributed

import (
	"slices"

	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GroupOptions configures the optional communication capabilities of a Group.
//
// Each factory is optional: a nil factory simply disables that capability and
// the group falls back to the next reduction strategy or to the plain channel.
type GroupOptions struct {
	// DeviceNum is the local device the group's device channel operates on.
	DeviceNum comms.DeviceNum

	// FastReducer, if set, is used to build the group's first-choice all-reduce
	// implementation, tried before any other strategy.
	FastReducer comms.FastReducerFactory

	// LowLatency, if set, is used to build the low-latency device link used for
	// all-reduce when the fast reducer declines. It starts disabled and is only
	// enabled during graph capture.
	LowLatency comms.LowLatencyFactory

	// ObjectBroadcaster, if set, is used to build the shared-memory ring used
	// for broadcasting serialized objects from rank 0.
	ObjectBroadcaster comms.ObjectBroadcasterFactory

	// ObjectRingChunkBytes and ObjectRingChunks size the object broadcaster's
	// ring. Zero values pick the defaults (1 MiB chunks, 6 chunks).
	ObjectRingChunkBytes int
	ObjectRingChunks     int
}

const (
	defaultObjectRingChunkBytes = 1 << 20
	defaultObjectRingChunks     = 6
)

// reduceFn attempts one all-reduce strategy. It reports handled=false when the
// strategy declines the tensor and the next one in the chain should be tried.
type reduceFn func(t *tensors.Tensor) (*tensors.Tensor, bool, error)

// Group coordinates collective operations over a fixed set of global ranks.
//
// It owns two channels over the same ranks: a device channel for tensor
// payloads and a host channel for control traffic (barriers, serialized
// objects, tensor-dict metadata). Optional capabilities (fast reducer,
// low-latency link, shared-memory object ring) layer on top of the device
// channel and are consulted in a fixed order for each operation.
type Group struct {
	name        string
	rank        int // global rank of this process
	rankInGroup int // index of rank in ranks
	worldSize   int
	ranks       []int
	deviceNum   comms.DeviceNum

	device comms.Channel
	host   comms.Channel

	fast       comms.FastReducer
	lowLatency comms.LowLatencyComm
	objectRing comms.ObjectBroadcaster

	// reducers is the ordered all-reduce chain. The last entry always handles.
	reducers []reduceFn

	capturing bool
	destroyed bool
}

// NewGroup creates a group coordinator for the caller's rank.
//
// groupRanks is a partition (or sub-partition) of the global ranks into
// disjoint groups; exactly one of the lists must contain transport.Rank(), and
// that list becomes the group's membership. Every rank in every list must call
// NewGroup with the same groupRanks for the channels to match up.
func NewGroup(transport comms.Transport, name string, groupRanks [][]int, opts GroupOptions) (*Group, error) {
	rank := transport.Rank()
	var ranks []int
	for _, list := range groupRanks {
		if slices.Contains(list, rank) {
			if ranks != nil {
				return nil, errors.Wrapf(ErrConfig, "rank %d appears in more than one group of %q", rank, name)
			}
			ranks = slices.Clone(list)
		}
	}
	if ranks == nil {
		return nil, errors.Wrapf(ErrConfig, "rank %d is not a member of any group of %q", rank, name)
	}

	device, err := transport.NewChannel(ranks, tensors.Device)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating device channel for group %q", name)
	}
	host, err := transport.NewChannel(ranks, tensors.Host)
	if err != nil {
		_ = device.Close()
		return nil, errors.WithMessagef(err, "creating host channel for group %q", name)
	}

	g := &Group{
		name:        name,
		rank:        rank,
		rankInGroup: slices.Index(ranks, rank),
		worldSize:   len(ranks),
		ranks:       ranks,
		deviceNum:   opts.DeviceNum,
		device:      device,
		host:        host,
	}

	// Capabilities only make sense with peers to talk to.
	if g.worldSize > 1 {
		if opts.FastReducer != nil {
			g.fast, err = opts.FastReducer(device, opts.DeviceNum)
			if err != nil {
				_ = g.Destroy()
				return nil, errors.WithMessagef(err, "creating fast reducer for group %q", name)
			}
		}
		if opts.LowLatency != nil {
			g.lowLatency, err = opts.LowLatency(device, opts.DeviceNum)
			if err != nil {
				_ = g.Destroy()
				return nil, errors.WithMessagef(err, "creating low-latency link for group %q", name)
			}
		}
		if opts.ObjectBroadcaster != nil {
			chunkBytes := opts.ObjectRingChunkBytes
			if chunkBytes <= 0 {
				chunkBytes = defaultObjectRingChunkBytes
			}
			chunks := opts.ObjectRingChunks
			if chunks <= 0 {
				chunks = defaultObjectRingChunks
			}
			g.objectRing, err = opts.ObjectBroadcaster(host, chunkBytes, chunks)
			if err != nil {
				_ = g.Destroy()
				return nil, errors.WithMessagef(err, "creating object broadcaster for group %q", name)
			}
		}
	}

	if g.fast != nil {
		g.reducers = append(g.reducers, g.fast.TryAllReduce)
	}
	if g.lowLatency != nil {
		g.reducers = append(g.reducers, g.lowLatencyAllReduce)
	}
	g.reducers = append(g.reducers, g.genericAllReduce)

	klog.V(1).Infof("group %q: rank %d (local %d of %d), ranks=%v, fast=%v, lowLatency=%v, objectRing=%v",
		name, rank, g.rankInGroup, g.worldSize, ranks, g.fast != nil, g.lowLatency != nil, g.objectRing != nil)
	return g, nil
}

// Name returns the group's name.
func (g *Group) Name() string { return g.name }

// Rank returns the caller's global rank.
func (g *Group) Rank() int { return g.rank }

// RankInGroup returns the caller's index within the group's rank list.
func (g *Group) RankInGroup() int { return g.rankInGroup }

// WorldSize returns the number of ranks in the group.
func (g *Group) WorldSize() int { return g.worldSize }

// Ranks returns a copy of the group's global ranks, in group order.
func (g *Group) Ranks() []int { return slices.Clone(g.ranks) }

// DeviceNum returns the local device number the group operates on.
func (g *Group) DeviceNum() comms.DeviceNum { return g.deviceNum }

// FirstRank returns the global rank at group position 0.
func (g *Group) FirstRank() int { return g.ranks[0] }

// LastRank returns the global rank at the last group position.
func (g *Group) LastRank() int { return g.ranks[g.worldSize-1] }

// NextRank returns the global rank that follows the caller in the group,
// wrapping around.
func (g *Group) NextRank() int { return g.ranks[(g.rankInGroup+1)%g.worldSize] }

// PrevRank returns the global rank that precedes the caller in the group,
// wrapping around.
func (g *Group) PrevRank() int { return g.ranks[(g.rankInGroup-1+g.worldSize)%g.worldSize] }

// IsFirstRank reports whether the caller holds group position 0.
func (g *Group) IsFirstRank() bool { return g.rankInGroup == 0 }

// IsLastRank reports whether the caller holds the last group position.
func (g *Group) IsLastRank() bool { return g.rankInGroup == g.worldSize-1 }

func (g *Group) checkAlive() error {
	if g.destroyed {
		return errors.Wrapf(ErrDestroyed, "group %q", g.name)
	}
	return nil
}

func (g *Group) lowLatencyAllReduce(t *tensors.Tensor) (*tensors.Tensor, bool, error) {
	if g.lowLatency.Disabled() {
		return nil, false, nil
	}
	out, err := g.lowLatency.AllReduce(t)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (g *Group) genericAllReduce(t *tensors.Tensor) (*tensors.Tensor, bool, error) {
	out, err := g.device.AllReduce(t, comms.ReduceOpSum)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// AllReduce sums t element-wise across all ranks of the group and returns the
// result. The reduction strategies are tried in order: the fast reducer, the
// low-latency link (during graph capture), then the plain device channel.
//
// The input may be reduced in place; use the returned tensor.
func (g *Group) AllReduce(t *tensors.Tensor) (*tensors.Tensor, error) {
	if err := g.checkAlive(); err != nil {
		return nil, err
	}
	if g.worldSize == 1 {
		return t, nil
	}
	for _, reduce := range g.reducers {
		out, handled, err := reduce(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "all-reduce on group %q", g.name)
		}
		if handled {
			return out, nil
		}
	}
	return nil, errors.Errorf("all-reduce on group %q: no reduction strategy handled the tensor", g.name)
}

func (g *Group) checkDim(t *tensors.Tensor, dim int) (int, error) {
	rank := t.Shape().Rank()
	if dim < -rank || dim >= rank {
		return 0, errors.Wrapf(ErrInvalidArgument,
			"invalid dim (%d) for input tensor with shape %s", dim, t.Shape())
	}
	if dim < 0 {
		dim += rank
	}
	return dim, nil
}

// checkLocalRank validates an in-group rank index (for broadcast sources and
// gather destinations).
func (g *Group) checkLocalRank(idx int) error {
	if idx < 0 || idx >= g.worldSize {
		return errors.Wrapf(ErrInvalidArgument,
			"rank-in-group %d out of range for group %q of size %d", idx, g.name, g.worldSize)
	}
	return nil
}

// AllGather concatenates t from every rank along dimension dim and returns the
// result on every rank. The inputs are taken in group rank order, so the
// result's dim size is worldSize times the input's.
func (g *Group) AllGather(t *tensors.Tensor, dim int) (*tensors.Tensor, error) {
	if err := g.checkAlive(); err != nil {
		return nil, err
	}
	dim, err := g.checkDim(t, dim)
	if err != nil {
		return nil, err
	}
	if g.worldSize == 1 {
		return t, nil
	}
	stacked, err := g.device.AllGather(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "all-gather on group %q", g.name)
	}
	// stacked has shape (worldSize,)+t.Shape(): move the stacking axis next to
	// dim and merge the two.
	moved := stacked.MoveAxis(0, dim)
	dims := t.Shape().Dimensions
	outDims := make([]int, len(dims))
	copy(outDims, dims)
	outDims[dim] *= g.worldSize
	return moved.Reshape(outDims...), nil
}

// Gather concatenates t from every rank along dimension dim on the destination
// rank dst (an in-group index). It returns the concatenated tensor on dst and
// nil on every other rank.
func (g *Group) Gather(t *tensors.Tensor, dst, dim int) (*tensors.Tensor, error) {
	if err := g.checkAlive(); err != nil {
		return nil, err
	}
	dim, err := g.checkDim(t, dim)
	if err != nil {
		return nil, err
	}
	if err = g.checkLocalRank(dst); err != nil {
		return nil, err
	}
	if g.worldSize == 1 {
		return t, nil
	}
	parts, err := g.device.Gather(t, dst)
	if err != nil {
		return nil, errors.WithMessagef(err, "gather on group %q", g.name)
	}
	if parts == nil {
		return nil, nil
	}
	return tensors.Concatenate(parts, dim), nil
}

// Broadcast sends t from the group member at in-group index src to every rank
// of the group, in place. On the source the tensor is unchanged; on other
// ranks it is overwritten.
func (g *Group) Broadcast(t *tensors.Tensor, src int) error {
	if err := g.checkAlive(); err != nil {
		return err
	}
	if err := g.checkLocalRank(src); err != nil {
		return err
	}
	if g.worldSize == 1 {
		return nil
	}
	return errors.WithMessagef(g.device.Broadcast(t, src), "broadcast on group %q", g.name)
}

// controlBroadcastBytes routes serialized control payloads: through the
// shared-memory object ring when the group has one, over the host channel
// otherwise. The ring only supports broadcasting from in-group index 0.
func (g *Group) controlBroadcastBytes(b []byte, src int) ([]byte, error) {
	if g.objectRing != nil {
		if err := g.checkLocalRank(src); err != nil {
			return nil, err
		}
		if src != 0 {
			return nil, errors.Wrapf(ErrInvalidArgument,
				"shared-memory broadcaster only supports source rank-in-group 0, got %d", src)
		}
		return g.objectRing.BroadcastBytes(b)
	}
	return g.host.BroadcastBytes(b, src)
}

// BroadcastObject sends an arbitrary gob-serializable value from the group
// member at in-group index src to every rank of the group and returns the
// received value. On the source the original value is returned unchanged.
//
// When the group has a shared-memory object ring, only src == 0 is supported.
func (g *Group) BroadcastObject(obj any, src int) (any, error) {
	if err := g.checkAlive(); err != nil {
		return nil, err
	}
	if err := g.checkLocalRank(src); err != nil {
		return nil, err
	}
	if g.worldSize == 1 {
		return obj, nil
	}
	var b []byte
	var err error
	if g.rankInGroup == src {
		b, err = encodeObject(obj)
		if err != nil {
			return nil, errors.WithMessagef(err, "broadcast-object on group %q", g.name)
		}
	}
	b, err = g.controlBroadcastBytes(b, src)
	if err != nil {
		return nil, errors.WithMessagef(err, "broadcast-object on group %q", g.name)
	}
	if g.rankInGroup == src {
		return obj, nil
	}
	return decodeObject(b)
}

// BroadcastObjectList sends a slice of gob-serializable values from the group
// member at in-group index src and overwrites list in place on the other
// ranks. The slice must have the same length on every rank.
func (g *Group) BroadcastObjectList(list []any, src int) error {
	if err := g.checkAlive(); err != nil {
		return err
	}
	if err := g.checkLocalRank(src); err != nil {
		return err
	}
	if g.worldSize == 1 {
		return nil
	}
	var b []byte
	var err error
	if g.rankInGroup == src {
		b, err = encodeObject(list)
		if err != nil {
			return errors.WithMessagef(err, "broadcast-object-list on group %q", g.name)
		}
	}
	b, err = g.device.BroadcastBytes(b, src)
	if err != nil {
		return errors.WithMessagef(err, "broadcast-object-list on group %q", g.name)
	}
	if g.rankInGroup == src {
		return nil
	}
	received, err := decodeObject(b)
	if err != nil {
		return err
	}
	receivedList, ok := received.([]any)
	if !ok {
		return errors.Errorf("broadcast-object-list on group %q: source sent %T, expected a list", g.name, received)
	}
	if len(receivedList) != len(list) {
		return errors.Wrapf(ErrInvalidArgument,
			"broadcast-object-list on group %q: local list has %d elements, source sent %d",
			g.name, len(list), len(receivedList))
	}
	copy(list, receivedList)
	return nil
}

// Barrier blocks until every rank of the group reaches it.
//
// It always synchronizes over the host channel: a device-side barrier could be
// captured into a replayable graph and replayed without actually
// synchronizing, corrupting subsequent collectives.
func (g *Group) Barrier() error {
	if err := g.checkAlive(); err != nil {
		return err
	}
	if g.worldSize == 1 {
		return nil
	}
	return errors.WithMessagef(g.host.Barrier(), "barrier on group %q", g.name)
}

// GraphCapture runs fn inside a capture region: the fast reducer is switched
// to capture mode and the low-latency link is enabled for its duration. Both
// are restored when fn returns, normally or with an error.
//
// captureCtx may be nil, in which case a fresh CaptureContext with a new
// stream on the group's device is created. Nested calls on the same group are
// rejected.
func (g *Group) GraphCapture(captureCtx *CaptureContext, fn func(*CaptureContext) error) error {
	if err := g.checkAlive(); err != nil {
		return err
	}
	if g.capturing {
		return errors.Wrapf(ErrInvalidArgument, "group %q is already inside a capture region", g.name)
	}
	g.capturing = true
	defer func() { g.capturing = false }()

	if captureCtx == nil {
		captureCtx = NewCaptureContext(g.deviceNum)
	}
	if g.fast != nil {
		restore := g.fast.StartCapture()
		defer restore()
	}
	if g.lowLatency != nil {
		prev := g.lowLatency.Disabled()
		g.lowLatency.SetDisabled(false)
		defer g.lowLatency.SetDisabled(prev)
	}
	return fn(captureCtx)
}

// Capturing reports whether the group is currently inside a capture region.
func (g *Group) Capturing() bool { return g.capturing }

// Destroy releases the group's capabilities and channels. It is idempotent,
// and any collective called afterwards fails with ErrDestroyed.
func (g *Group) Destroy() error {
	if g.destroyed {
		return nil
	}
	g.destroyed = true
	closeAll := func(closers ...interface{ Close() error }) {
		for _, closer := range closers {
			if closer == nil {
				continue
			}
			if err := closer.Close(); err != nil {
				klog.Warningf("group %q: error closing communicator: %+v", g.name, err)
			}
		}
	}
	closeAll(g.fast, g.lowLatency, g.objectRing, g.device, g.host)
	g.fast = nil
	g.lowLatency = nil
	g.objectRing = nil
	g.reducers = nil
	return nil
}
