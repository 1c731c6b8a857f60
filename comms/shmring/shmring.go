// Package shmring implements a same-host shared-memory broadcaster for small control
// objects: a ring of fixed-size chunks written by one producer and read by every other
// member of a group.
//
// The source is fixed: only rank 0 of the group writes. That restriction is what makes
// the ring cheap -- there is no arbitration, only a write cursor and per-reader read
// cursors. The group coordinator must therefore route any broadcast with a different
// source somewhere else; handing it to the ring is a contract violation.
//
// Rank 0 creates the segment under a fresh name and shares the name with the rest of
// the group over the host channel; the other members attach to it by name.
package shmring

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gomlx/meshcomm/comms"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Default ring geometry when creating through Factory, matching the sizes control
// metadata needs in practice: 1MiB chunks, 6 in flight.
const (
	DefaultMaxChunkBytes = 1 << 20
	DefaultMaxChunks     = 6
)

// Process-wide segment namespace, attachable by name.
var (
	muSegments sync.Mutex
	segments   = make(map[string]*ringBuffer)
)

// ringBuffer is the shared segment: a bounded ring of chunks with a single write
// cursor and one read cursor per reader. A chunk is reusable once every reader
// consumed it.
type ringBuffer struct {
	maxChunkBytes int
	maxChunks     int

	mu         sync.Mutex
	cond       *sync.Cond
	chunks     [][]byte
	written    int64
	readCounts []int64
}

func newRingBuffer(maxChunkBytes, maxChunks, numReaders int) *ringBuffer {
	rb := &ringBuffer{
		maxChunkBytes: maxChunkBytes,
		maxChunks:     maxChunks,
		chunks:        make([][]byte, maxChunks),
		readCounts:    make([]int64, numReaders),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

func (rb *ringBuffer) minRead() int64 {
	min := rb.readCounts[0]
	for _, c := range rb.readCounts[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

func (rb *ringBuffer) write(b []byte) error {
	if len(b) > rb.maxChunkBytes {
		return errors.Errorf("shmring: object of %s exceeds the ring chunk size of %s",
			humanize.IBytes(uint64(len(b))), humanize.IBytes(uint64(rb.maxChunkBytes)))
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.written-rb.minRead() >= int64(rb.maxChunks) {
		rb.cond.Wait()
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	rb.chunks[rb.written%int64(rb.maxChunks)] = chunk
	rb.written++
	rb.cond.Broadcast()
	return nil
}

func (rb *ringBuffer) read(reader int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.readCounts[reader] >= rb.written {
		rb.cond.Wait()
	}
	chunk := rb.chunks[rb.readCounts[reader]%int64(rb.maxChunks)]
	rb.readCounts[reader]++
	rb.cond.Broadcast()
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out
}

// Ring is one group member's handle on the shared segment. Rank 0 is the writer,
// every other member a reader.
type Ring struct {
	name   string
	rb     *ringBuffer
	writer bool
	reader int
	closed bool
	mu     sync.Mutex
}

var _ comms.ObjectBroadcaster = (*Ring)(nil)

/// CreateFromChannel builds the ring over the members of the given host channel: the
// channel's rank 0 creates the segment, everyone else attaches to it. Every member of
// the channel must call it (it performs a collective to distribute the segment name).
func CreateFromChannel(ch comms.Channel, maxChunkBytes, maxChunks int) (*Ring, error) {
	if ch.WorldSize() < 2 {
		return nil, errors.Errorf("shmring: a ring needs at least one reader, group has world size %d", ch.WorldSize())
	}
	if ch.Rank() == 0 {
		name := uuid.NewString()
		rb := newRingBuffer(maxChunkBytes, maxChunks, ch.WorldSize()-1)
		muSegments.Lock()
		segments[name] = rb
		muSegments.Unlock()
		if _, err := ch.BroadcastBytes([]byte(name), 0); err != nil {
			return nil, errors.WithMessage(err, "shmring: failed to distribute segment name")
		}
		klog.V(1).Infof("shmring: created segment %s for group %v (%d chunks of %s)",
			name, ch.Ranks(), maxChunks, humanize.IBytes(uint64(maxChunkBytes)))
		return &Ring{name: name, rb: rb, writer: true}, nil
	}

	nameBytes, err := ch.BroadcastBytes(nil, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "shmring: failed to receive segment name")
	}
	name := string(nameBytes)
	muSegments.Lock()
	rb, found := segments[name]
	muSegments.Unlock()
	if !found {
		return nil, errors.Errorf("shmring: segment %q not found on this host", name)
	}
	return &Ring{name: name, rb: rb, reader: ch.Rank() - 1}, nil
}

// Factory returns a comms.ObjectBroadcasterFactory backed by CreateFromChannel.
func Factory() comms.ObjectBroadcasterFactory {
	return func(ch comms.Channel, maxChunkBytes, maxChunks int) (comms.ObjectBroadcaster, error) {
		return CreateFromChannel(ch, maxChunkBytes, maxChunks)
	}
}

// BroadcastBytes implements comms.ObjectBroadcaster: rank 0 pushes b into the ring,
// every reader receives the next payload in write order (b is ignored for readers).
func (r *Ring) BroadcastBytes(b []byte) ([]byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.Errorf("shmring: ring is closed")
	}
	r.mu.Unlock()
	if r.writer {
		if err := r.rb.write(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return r.rb.read(r.reader), nil
}

// Close implements comms.ObjectBroadcaster. The writer unlinks the segment name;
// readers just drop their handle.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.writer {
		muSegments.Lock()
		delete(segments, r.name)
		muSegments.Unlock()
	}
	return nil
}
