package distributed

import (
	"bytes"
	"encoding/gob"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/shapes"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
)

// Dict is a string-keyed map that remembers insertion order. The metadata
// exchange of BroadcastTensorDict relies on every rank observing the entries
// in the same order, so plain Go maps won't do.
type Dict struct {
	keys   []string
	values map[string]any
}

// NewDict returns an empty ordered dictionary.
func NewDict() *Dict {
	return &Dict{values: make(map[string]any)}
}

// Set inserts or overwrites the value for key. A key keeps its original
// position when overwritten.
func (d *Dict) Set(key string, value any) {
	if _, found := d.values[key]; !found {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the value for key and whether it is present.
func (d *Dict) Get(key string) (any, bool) {
	v, found := d.values[key]
	return v, found
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	return slices.Clone(d.keys)
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

// TensorMetadata describes a tensor entry of a Dict without its payload: the
// placement class, element type and dimensions. It is what travels in the
// metadata broadcast; receivers allocate matching buffers from it.
//
// Note it carries no device number: a receiver places device tensors on its
// own local device.
type TensorMetadata struct {
	Placement  tensors.Placement
	DType      dtypes.DType
	Dimensions []int
}

// dictEntry is the wire form of one Dict entry. Tensor values travel as
// metadata only (Meta set, Value nil); everything else travels inline.
type dictEntry struct {
	Key   string
	Meta  *TensorMetadata
	Value any
}

func init() {
	// Concrete types that may appear as Dict values or BroadcastObject
	// payloads must be registered for gob.
	gob.Register([]dictEntry(nil))
	gob.Register([]any(nil))
	gob.Register([]int(nil))
	gob.Register([]float32(nil))
	gob.Register([]float64(nil))
	gob.Register(map[string]any(nil))
}

func encodeObject(obj any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&obj); err != nil {
		return nil, errors.Wrapf(err, "gob-encoding %T", obj)
	}
	return buf.Bytes(), nil
}

func decodeObject(b []byte) (any, error) {
	var obj any
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrap(err, "gob-decoding broadcast object")
	}
	return obj, nil
}

// splitTensorDict converts d into its wire entries plus the list of tensors to
// transmit, in entry order.
func splitTensorDict(d *Dict) ([]dictEntry, []*tensors.Tensor) {
	entries := make([]dictEntry, 0, d.Len())
	var tensorList []*tensors.Tensor
	for _, key := range d.keys {
		value := d.values[key]
		if t, ok := value.(*tensors.Tensor); ok {
			entries = append(entries, dictEntry{
				Key: key,
				Meta: &TensorMetadata{
					Placement:  t.Placement(),
					DType:      t.DType(),
					Dimensions: t.Shape().Dimensions,
				},
			})
			tensorList = append(tensorList, t)
			continue
		}
		entries = append(entries, dictEntry{Key: key, Value: value})
	}
	return entries, tensorList
}

// BroadcastTensorDict sends an ordered dictionary of tensors and plain values
// from the group member at in-group index src to every rank of the group, and
// returns the received dictionary (on the source, the input itself).
//
// The protocol runs in two phases. First the metadata is broadcast: the keys
// in order, plain values inline, and for each tensor its placement, dtype and
// dimensions. Then the tensor payloads are broadcast asynchronously in
// metadata order, host tensors over the host channel and device tensors over
// the device channel, and all transfers are joined before returning.
// Zero-element tensors are reconstructed from metadata alone and never touch
// the wire.
func (g *Group) BroadcastTensorDict(d *Dict, src int) (*Dict, error) {
	if err := g.checkAlive(); err != nil {
		return nil, err
	}
	if err := g.checkLocalRank(src); err != nil {
		return nil, err
	}
	if g.worldSize == 1 {
		return d, nil
	}

	if g.rankInGroup == src {
		if d == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "broadcast-tensor-dict on group %q: source passed a nil dict", g.name)
		}
		entries, tensorList := splitTensorDict(d)
		b, err := encodeObject(entries)
		if err != nil {
			return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
		}
		if _, err = g.controlBroadcastBytes(b, src); err != nil {
			return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
		}
		handles := make([]comms.Handle, 0, len(tensorList))
		for _, t := range tensorList {
			if t.Size() == 0 {
				continue
			}
			channel := g.device
			if t.IsHost() {
				channel = g.host
			}
			handle, err := channel.BroadcastAsync(t, src)
			if err != nil {
				return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
			}
			handles = append(handles, handle)
		}
		for _, handle := range handles {
			if err := handle.Wait(); err != nil {
				return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
			}
		}
		return d, nil
	}

	// Receiver side.
	b, err := g.controlBroadcastBytes(nil, src)
	if err != nil {
		return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
	}
	decoded, err := decodeObject(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
	}
	entries, ok := decoded.([]dictEntry)
	if !ok {
		return nil, errors.Errorf("broadcast-tensor-dict on group %q: source sent %T as metadata", g.name, decoded)
	}

	result := NewDict()
	var handles []comms.Handle
	for _, entry := range entries {
		if entry.Meta == nil {
			result.Set(entry.Key, entry.Value)
			continue
		}
		shape := shapes.Make(entry.Meta.DType, entry.Meta.Dimensions...)
		var t *tensors.Tensor
		if entry.Meta.Placement == tensors.Device {
			t = tensors.FromShapeAndPlacement(shape, tensors.Device, int(g.deviceNum))
		} else {
			t = tensors.FromShape(shape)
		}
		result.Set(entry.Key, t)
		if t.Size() == 0 {
			continue
		}
		channel := g.device
		if t.IsHost() {
			channel = g.host
		}
		handle, err := channel.BroadcastAsync(t, src)
		if err != nil {
			return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
		}
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		if err := handle.Wait(); err != nil {
			return nil, errors.WithMessagef(err, "broadcast-tensor-dict on group %q", g.name)
		}
	}
	return result, nil
}
