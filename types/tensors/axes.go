package tensors

// Layout manipulations needed by the collective operations: an all-gather stacks
// contributions along a new leading axis, and the group coordinator then moves that
// axis into the caller's requested position; a gather concatenates the received
// parts along an arbitrary axis.

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/meshcomm/types/shapes"
)

// Reshape returns a Tensor with the same data and placement but the given dimensions.
// It panics if the new dimensions don't preserve the total number of elements.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		exceptions.Panicf("Tensor(shape=%s).Reshape(%v): new shape has %d elements, want %d",
			t.shape, dimensions, newShape.Size(), t.shape.Size())
	}
	out := t.Clone()
	out.shape = newShape
	return out
}

// MoveAxis returns a new Tensor with the axis from moved to position to, the data
// physically re-laid accordingly. Negative axes count from the end.
func (t *Tensor) MoveAxis(from, to int) *Tensor {
	rank := t.shape.Rank()
	from = adjustAxis(t.shape, from)
	to = adjustAxis(t.shape, to)
	if from == to {
		return t.Clone()
	}

	// perm[outAxis] = source axis.
	perm := make([]int, 0, rank)
	for axis := 0; axis < rank; axis++ {
		if axis != from {
			perm = append(perm, axis)
		}
	}
	perm = append(perm[:to], append([]int{from}, perm[to:]...)...)

	outDims := make([]int, rank)
	for outAxis, srcAxis := range perm {
		outDims[outAxis] = t.shape.Dimensions[srcAxis]
	}
	out := FromShapeAndPlacement(shapes.Make(t.shape.DType, outDims...), t.placement, t.deviceNum)
	if t.shape.Size() == 0 {
		return out
	}

	elemSize := int(t.shape.DType.Memory())
	srcStrides := make([]int, rank) // in elements
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		srcStrides[axis] = stride
		stride *= t.shape.Dimensions[axis]
	}

	counter := make([]int, rank) // multi-index over the output dimensions
	srcIdx := 0
	for outPos := 0; outPos < out.shape.Size(); outPos++ {
		copy(out.data[outPos*elemSize:(outPos+1)*elemSize], t.data[srcIdx*elemSize:(srcIdx+1)*elemSize])
		for axis := rank - 1; axis >= 0; axis-- {
			counter[axis]++
			srcIdx += srcStrides[perm[axis]]
			if counter[axis] < outDims[axis] {
				break
			}
			counter[axis] = 0
			srcIdx -= outDims[axis] * srcStrides[perm[axis]]
		}
	}
	return out
}

// Concatenate joins the given Tensors along the given axis. All inputs must share DType,
// rank and every dimension except the concatenation axis. The result takes the placement
// of the first input.
func Concatenate(parts []*Tensor, axis int) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensors.Concatenate: no tensors given")
	}
	first := parts[0]
	axis = adjustAxis(first.shape, axis)
	concatDim := 0
	for _, part := range parts {
		if part.shape.DType != first.shape.DType || part.shape.Rank() != first.shape.Rank() {
			exceptions.Panicf("tensors.Concatenate: incompatible shapes %s and %s", first.shape, part.shape)
		}
		for ax, dim := range part.shape.Dimensions {
			if ax != axis && dim != first.shape.Dimensions[ax] {
				exceptions.Panicf("tensors.Concatenate: incompatible shapes %s and %s on axis %d",
					first.shape, part.shape, ax)
			}
		}
		concatDim += part.shape.Dimensions[axis]
	}

	outDims := make([]int, first.shape.Rank())
	copy(outDims, first.shape.Dimensions)
	outDims[axis] = concatDim
	out := FromShapeAndPlacement(shapes.Make(first.shape.DType, outDims...), first.placement, first.deviceNum)

	elemSize := int(first.shape.DType.Memory())
	numOuter := 1
	for ax := 0; ax < axis; ax++ {
		numOuter *= outDims[ax]
	}
	innerSize := elemSize
	for ax := axis + 1; ax < len(outDims); ax++ {
		innerSize *= outDims[ax]
	}

	outOffset := 0
	for outer := 0; outer < numOuter; outer++ {
		for _, part := range parts {
			blockSize := part.shape.Dimensions[axis] * innerSize
			copy(out.data[outOffset:outOffset+blockSize], part.data[outer*blockSize:(outer+1)*blockSize])
			outOffset += blockSize
		}
	}
	return out
}

// adjustAxis normalizes negative axes and panics if the axis is out of range.
func adjustAxis(shape shapes.Shape, axis int) int {
	rank := shape.Rank()
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("invalid axis %d for shape %s", axis, shape)
	}
	return adjusted
}
