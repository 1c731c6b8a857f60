package goloop

// Element-wise reduce kernels over raw byte buffers. The transport moves buffers as
// bytes and only here, at the reduction, does the element type matter.

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshcomm/comms"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// reduceBytes folds in into acc element-wise, according to op and dtype.
func reduceBytes(dtype dtypes.DType, op comms.ReduceOpType, acc, in []byte) error {
	switch dtype {
	case dtypes.Float32:
		reduceSlice[float32](op, acc, in)
	case dtypes.Float64:
		reduceSlice[float64](op, acc, in)
	case dtypes.Int8:
		reduceSlice[int8](op, acc, in)
	case dtypes.Int16:
		reduceSlice[int16](op, acc, in)
	case dtypes.Int32:
		reduceSlice[int32](op, acc, in)
	case dtypes.Int64:
		reduceSlice[int64](op, acc, in)
	case dtypes.Uint8:
		reduceSlice[uint8](op, acc, in)
	case dtypes.Uint16:
		reduceSlice[uint16](op, acc, in)
	case dtypes.Uint32:
		reduceSlice[uint32](op, acc, in)
	case dtypes.Uint64:
		reduceSlice[uint64](op, acc, in)
	case dtypes.Float16:
		reduceFloat16(op, acc, in)
	default:
		return errors.Errorf("goloop: all-reduce not implemented for dtype %s", dtype)
	}
	return nil
}

func typedView[T any](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var dummy T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b))/unsafe.Sizeof(dummy))
}

func reduceSlice[T constraints.Integer | constraints.Float](op comms.ReduceOpType, acc, in []byte) {
	a, b := typedView[T](acc), typedView[T](in)
	switch op {
	case comms.ReduceOpSum:
		for i := range a {
			a[i] += b[i]
		}
	case comms.ReduceOpProduct:
		for i := range a {
			a[i] *= b[i]
		}
	case comms.ReduceOpMax:
		for i := range a {
			if b[i] > a[i] {
				a[i] = b[i]
			}
		}
	case comms.ReduceOpMin:
		for i := range a {
			if b[i] < a[i] {
				a[i] = b[i]
			}
		}
	}
}

// reduceFloat16 goes through float32: Float16 has no native Go arithmetic.
func reduceFloat16(op comms.ReduceOpType, acc, in []byte) {
	a, b := typedView[float16.Float16](acc), typedView[float16.Float16](in)
	for i := range a {
		x, y := a[i].Float32(), b[i].Float32()
		switch op {
		case comms.ReduceOpSum:
			x += y
		case comms.ReduceOpProduct:
			x *= y
		case comms.ReduceOpMax:
			if y > x {
				x = y
			}
		case comms.ReduceOpMin:
			if y < x {
				x = y
			}
		}
		a[i] = float16.Fromfloat32(x)
	}
}
