package distributed

import (
	"github.com/pkg/errors"
)

// ModelParallelGroups derives the tensor-parallel and pipeline-parallel rank
// groups from the world size and the two parallelism degrees.
//
// The world is laid out as a (pipeline, tensor) mesh in row-major order, so
// tensor-parallel groups are contiguous rank ranges and pipeline-parallel
// groups are strided. E.g., for worldSize=8, tensorSize=2, pipelineSize=4:
//
//	tensorGroups:   [[0 1] [2 3] [4 5] [6 7]]
//	pipelineGroups: [[0 2 4 6] [1 3 5 7]]
//
// It returns an error wrapping ErrConfig if the degrees don't factor the world.
func ModelParallelGroups(worldSize, tensorSize, pipelineSize int) (tensorGroups, pipelineGroups [][]int, err error) {
	if tensorSize <= 0 || pipelineSize <= 0 {
		return nil, nil, errors.Wrapf(ErrConfig,
			"tensor-parallel size (%d) and pipeline-parallel size (%d) must be positive",
			tensorSize, pipelineSize)
	}
	if worldSize != tensorSize*pipelineSize {
		return nil, nil, errors.Wrapf(ErrConfig,
			"world size (%d) is not equal to tensor-parallel size (%d) x pipeline-parallel size (%d)",
			worldSize, tensorSize, pipelineSize)
	}
	mesh, err := NewMesh([]int{pipelineSize, tensorSize}, []string{"pipeline", "tensor"})
	if err != nil {
		return nil, nil, err
	}
	tensorGroups, err = mesh.ReplicaGroups("tensor")
	if err != nil {
		return nil, nil, err
	}
	pipelineGroups, err = mesh.ReplicaGroups("pipeline")
	if err != nil {
		return nil, nil, err
	}
	return tensorGroups, pipelineGroups, nil
}
