// Package tensors implements Tensor, a multi-dimensional array with an explicit placement:
// resident in host memory or in an accelerator device memory.
//
// This is the value type moved around by collective operations. Differently from a full ML
// framework tensor, it is deliberately simple: a Shape (see types/shapes) plus a flat buffer
// of bytes. The placement is what the communication layer routes on -- host-resident buffers
// travel over the host (control-plane capable) channel, device-resident buffers over the
// device channel.
//
// The flat data is stored as raw bytes, and typed access is provided with generics
// (FlatData, CopyFlatData) using an unsafe cast, so transports can move buffers without
// knowing their element type.
package tensors

import (
	"bytes"
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshcomm/types/shapes"
)

// Placement is the class of memory a Tensor lives in.
type Placement int8

const (
	// Host means the buffer lives in host (CPU addressable) memory.
	Host Placement = iota

	// Device means the buffer lives in an accelerator device memory.
	Device
)

// String implements fmt.Stringer.
func (p Placement) String() string {
	switch p {
	case Host:
		return "host"
	case Device:
		return "device"
	}
	return "invalid"
}

// Tensor is a flat buffer of elements described by a Shape, plus its Placement.
//
// The device number is only meaningful for Device placement, and it is a local
// accelerator index on the current host.
type Tensor struct {
	shape     shapes.Shape
	placement Placement
	deviceNum int
	data      []byte
}

// FromShape returns a zero-initialized host Tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape")
	}
	return &Tensor{
		shape: shape.Clone(),
		data:  make([]byte, shape.Memory()),
	}
}

// FromShapeAndPlacement returns a zero-initialized Tensor with the given shape and placement.
// deviceNum is ignored for Host placement.
func FromShapeAndPlacement(shape shapes.Shape, placement Placement, deviceNum int) *Tensor {
	t := FromShape(shape)
	t.placement = placement
	if placement == Device {
		t.deviceNum = deviceNum
	}
	return t
}

// FromFlatDataAndDimensions returns a host Tensor with the given dimensions, initialized with
// the flattened values in data. It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, but shape %s has %d",
			len(data), shape, shape.Size())
	}
	t := FromShape(shape)
	copy(t.data, rawBytes(data))
	return t
}

// FromScalar returns a host scalar Tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

func rawBytes[T dtypes.Supported](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var dummy T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Placement returns where the buffer lives: Host or Device.
func (t *Tensor) Placement() Placement { return t.placement }

// DeviceNum returns the local accelerator index holding the buffer. Only meaningful
// if Placement() == Device.
func (t *Tensor) DeviceNum() int { return t.deviceNum }

// IsHost returns whether the buffer is host-resident.
func (t *Tensor) IsHost() bool { return t.placement == Host }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the size of the buffer in bytes.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ToDevice marks the Tensor as resident on the given local accelerator and returns it.
func (t *Tensor) ToDevice(deviceNum int) *Tensor {
	t.placement = Device
	t.deviceNum = deviceNum
	return t
}

// ToHost marks the Tensor as host-resident and returns it.
func (t *Tensor) ToHost() *Tensor {
	t.placement = Host
	t.deviceNum = 0
	return t
}

// Bytes returns the raw mutable backing bytes of the Tensor.
// Transports use it to move a buffer without knowing its element type.
func (t *Tensor) Bytes() []byte { return t.data }

// SetBytes overwrites the Tensor contents with b. It panics if len(b) doesn't match
// the Tensor's memory size.
func (t *Tensor) SetBytes(b []byte) {
	if len(b) != len(t.data) {
		exceptions.Panicf("Tensor(shape=%s).SetBytes: got %d bytes, want %d", t.shape, len(b), len(t.data))
	}
	copy(t.data, b)
}

// Clone returns a deep copy of the Tensor, preserving placement.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:     t.shape.Clone(),
		placement: t.placement,
		deviceNum: t.deviceNum,
		data:      slices.Clone(t.data),
	}
}

// Equal compares shape and contents. Placement is not part of value equality.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.shape.Equal(other.shape) && bytes.Equal(t.data, other.data)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return "Tensor[" + t.shape.String() + ", " + t.placement.String() + "]"
}

// FlatData returns a typed view of the Tensor's flat data, sharing the underlying storage.
// It panics if T doesn't match the Tensor's DType.
func FlatData[T dtypes.Supported](t *Tensor) []T {
	dtype := dtypes.FromGenericsType[T]()
	if t.shape.DType != dtype {
		exceptions.Panicf("tensors.FlatData[%s]: tensor has dtype %s", dtype, t.shape.DType)
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(t.data))), t.shape.Size())
}

// CopyFlatData returns a copy of the Tensor's flat data.
// It panics if T doesn't match the Tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	return slices.Clone(FlatData[T](t))
}
