package goloop

import (
	"slices"
	"sync"

	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/gomlx/meshcomm/types/xsync"
	"github.com/pkg/errors"
)

type opKind int8

const (
	opBarrier opKind = iota
	opBroadcast
	opBroadcastBytes
	opAllReduce
	opAllGather
	opGather
)

func (k opKind) String() string {
	switch k {
	case opBarrier:
		return "Barrier"
	case opBroadcast:
		return "Broadcast"
	case opBroadcastBytes:
		return "BroadcastBytes"
	case opAllReduce:
		return "AllReduce"
	case opAllGather:
		return "AllGather"
	case opGather:
		return "Gather"
	}
	return "?"
}

// group is the rendezvous state shared by all member channels of one (ranks, placement)
// pair. Collectives are matched by sequence number: every member assigns sequence
// numbers to its calls in issue order, so the i-th collective of each member lands in
// the same slot -- the standard same-order requirement for collectives.
type group struct {
	size int

	mu    sync.Mutex
	slots map[uint64]*slot
}

type slot struct {
	kind opKind
	op   comms.ReduceOpType
	peer int // src for broadcasts, dst for gather, -1 otherwise.

	contributions [][]byte
	arrived       int
	picked        int
	ready         chan struct{}
	err           error
}

// exchange deposits the caller's contribution in the slot for seq, blocks until all
// members have arrived, and returns every member's contribution.
//
// A kind/op/peer mismatch between members means the callers issued collectives out of
// order; the error is reported to every member of the slot rather than deadlocking.
func (g *group) exchange(seq uint64, kind opKind, op comms.ReduceOpType, peer int, rankInGroup int, contribution []byte) ([][]byte, error) {
	g.mu.Lock()
	s, found := g.slots[seq]
	if !found {
		s = &slot{
			kind:          kind,
			op:            op,
			peer:          peer,
			contributions: make([][]byte, g.size),
			ready:         make(chan struct{}),
		}
		g.slots[seq] = s
	}
	if s.kind != kind || s.op != op || s.peer != peer {
		s.err = errors.Errorf("goloop: mismatched collectives at sequence %d: %s(op=%s, peer=%d) vs %s(op=%s, peer=%d) -- "+
			"members of a group must issue collectives in the same order",
			seq, s.kind, s.op, s.peer, kind, op, peer)
	}
	s.contributions[rankInGroup] = contribution
	s.arrived++
	if s.arrived == g.size {
		close(s.ready)
	}
	g.mu.Unlock()

	<-s.ready

	g.mu.Lock()
	s.picked++
	if s.picked == g.size {
		delete(g.slots, seq)
	}
	contributions, err := s.contributions, s.err
	g.mu.Unlock()
	return contributions, err
}

// channel is one rank's view of a group.
type channel struct {
	group       *group
	ranks       []int
	rankInGroup int

	mu      sync.Mutex
	nextSeq uint64
	closed  bool
}

var errClosed = errors.New("goloop: channel is closed")

// reserve takes the next slot in the channel's collective ordering. It is done under
// the channel lock at call entry, so asynchronous operations keep their issue order
// even when they complete on background goroutines.
func (ch *channel) reserve() (uint64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, errors.WithStack(errClosed)
	}
	seq := ch.nextSeq
	ch.nextSeq++
	return seq, nil
}

// Rank implements comms.Channel.
func (ch *channel) Rank() int { return ch.rankInGroup }

// WorldSize implements comms.Channel.
func (ch *channel) WorldSize() int { return ch.group.size }

// Ranks implements comms.Channel.
func (ch *channel) Ranks() []int { return slices.Clone(ch.ranks) }

// Barrier implements comms.Channel.
func (ch *channel) Barrier() error {
	seq, err := ch.reserve()
	if err != nil {
		return err
	}
	_, err = ch.group.exchange(seq, opBarrier, comms.ReduceOpUndefined, -1, ch.rankInGroup, nil)
	return err
}

// AllReduce implements comms.Channel. The reduction is written in place into t.
func (ch *channel) AllReduce(t *tensors.Tensor, op comms.ReduceOpType) (*tensors.Tensor, error) {
	if op == comms.ReduceOpUndefined {
		return nil, errors.Errorf("goloop: AllReduce called with undefined reduction")
	}
	seq, err := ch.reserve()
	if err != nil {
		return nil, err
	}
	contributions, err := ch.group.exchange(seq, opAllReduce, op, -1, ch.rankInGroup, slices.Clone(t.Bytes()))
	if err != nil {
		return nil, err
	}
	acc := slices.Clone(contributions[0])
	for _, contribution := range contributions[1:] {
		if len(contribution) != len(acc) {
			return nil, errors.Errorf("goloop: AllReduce with mismatched buffer sizes (%d vs %d bytes) across ranks",
				len(acc), len(contribution))
		}
		if err = reduceBytes(t.DType(), op, acc, contribution); err != nil {
			return nil, err
		}
	}
	t.SetBytes(acc)
	return t, nil
}

// AllGather implements comms.Channel: the result stacks contributions along a new
// leading axis, in rank order.
func (ch *channel) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	seq, err := ch.reserve()
	if err != nil {
		return nil, err
	}
	contributions, err := ch.group.exchange(seq, opAllGather, comms.ReduceOpUndefined, -1, ch.rankInGroup, slices.Clone(t.Bytes()))
	if err != nil {
		return nil, err
	}
	outShape := t.Shape().Clone()
	outShape.Dimensions = append([]int{ch.group.size}, outShape.Dimensions...)
	out := tensors.FromShapeAndPlacement(outShape, t.Placement(), t.DeviceNum())
	outBytes := out.Bytes()
	offset := 0
	for rank, contribution := range contributions {
		if len(contribution) != len(t.Bytes()) {
			return nil, errors.Errorf("goloop: AllGather with mismatched buffer sizes across ranks (rank %d)", rank)
		}
		copy(outBytes[offset:], contribution)
		offset += len(contribution)
	}
	return out, nil
}

// Gather implements comms.Channel: only rank dst receives the parts.
func (ch *channel) Gather(t *tensors.Tensor, dst int) ([]*tensors.Tensor, error) {
	if dst < 0 || dst >= ch.group.size {
		return nil, errors.Errorf("goloop: Gather destination %d out of range for group of size %d", dst, ch.group.size)
	}
	seq, err := ch.reserve()
	if err != nil {
		return nil, err
	}
	contributions, err := ch.group.exchange(seq, opGather, comms.ReduceOpUndefined, dst, ch.rankInGroup, slices.Clone(t.Bytes()))
	if err != nil {
		return nil, err
	}
	if ch.rankInGroup != dst {
		return nil, nil
	}
	parts := make([]*tensors.Tensor, ch.group.size)
	for rank, contribution := range contributions {
		part := tensors.FromShapeAndPlacement(t.Shape(), t.Placement(), t.DeviceNum())
		if len(contribution) != len(part.Bytes()) {
			return nil, errors.Errorf("goloop: Gather with mismatched buffer sizes across ranks (rank %d)", rank)
		}
		part.SetBytes(contribution)
		parts[rank] = part
	}
	return parts, nil
}

// Broadcast implements comms.Channel: src's buffer is copied in place into every
// member's t.
func (ch *channel) Broadcast(t *tensors.Tensor, src int) error {
	seq, err := ch.reserve()
	if err != nil {
		return err
	}
	return ch.broadcastAt(seq, t, src)
}

// BroadcastAsync implements comms.Channel: the slot in the collective ordering is
// taken now, completion happens on a background goroutine.
func (ch *channel) BroadcastAsync(t *tensors.Tensor, src int) (comms.Handle, error) {
	seq, err := ch.reserve()
	if err != nil {
		return nil, err
	}
	h := &asyncHandle{latch: xsync.NewLatch()}
	go func() {
		h.err = ch.broadcastAt(seq, t, src)
		h.latch.Trigger()
	}()
	return h, nil
}

func (ch *channel) broadcastAt(seq uint64, t *tensors.Tensor, src int) error {
	if src < 0 || src >= ch.group.size {
		return errors.Errorf("goloop: Broadcast source %d out of range for group of size %d", src, ch.group.size)
	}
	var contribution []byte
	if ch.rankInGroup == src {
		contribution = slices.Clone(t.Bytes())
	}
	contributions, err := ch.group.exchange(seq, opBroadcast, comms.ReduceOpUndefined, src, ch.rankInGroup, contribution)
	if err != nil {
		return err
	}
	if ch.rankInGroup == src {
		return nil
	}
	payload := contributions[src]
	if len(payload) != len(t.Bytes()) {
		return errors.Errorf("goloop: Broadcast of %d bytes into a buffer of %d bytes (shape %s)",
			len(payload), len(t.Bytes()), t.Shape())
	}
	t.SetBytes(payload)
	return nil
}

// BroadcastBytes implements comms.Channel.
func (ch *channel) BroadcastBytes(b []byte, src int) ([]byte, error) {
	if src < 0 || src >= ch.group.size {
		return nil, errors.Errorf("goloop: BroadcastBytes source %d out of range for group of size %d", src, ch.group.size)
	}
	seq, err := ch.reserve()
	if err != nil {
		return nil, err
	}
	var contribution []byte
	if ch.rankInGroup == src {
		contribution = slices.Clone(b)
	}
	contributions, err := ch.group.exchange(seq, opBroadcastBytes, comms.ReduceOpUndefined, src, ch.rankInGroup, contribution)
	if err != nil {
		return nil, err
	}
	return slices.Clone(contributions[src]), nil
}

// Close implements comms.Channel.
func (ch *channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

type asyncHandle struct {
	latch *xsync.Latch
	err   error
}

// Wait implements comms.Handle.
func (h *asyncHandle) Wait() error {
	h.latch.Wait()
	return h.err
}
