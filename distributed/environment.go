package distributed

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment holds the process's distributed state: the world group plus the
// tensor-parallel and pipeline-parallel groups derived from it.
//
// It replaces the usual pile of process globals with an explicit object, so
// tests can build and tear down several of them, and callers can't touch the
// state without naming it. A process normally creates exactly one.
type Environment struct {
	mu sync.Mutex

	transport comms.Transport
	localRank int
	opts      GroupOptions

	// fastReduction gates the fast-reducer capability of the tensor-parallel
	// group. It must be set before InitializeModelParallel.
	fastReduction bool

	world    *Group
	tensor   *Group
	pipeline *Group

	// pipelineRanks is the caller's pipeline group in group order, kept for the
	// stage-navigation helpers.
	pipelineRanks []int
}

// NewEnvironment returns an empty environment. Fast reduction defaults to
// enabled; call SetFastReduction(false) before initializing model parallelism
// to opt out.
func NewEnvironment() *Environment {
	return &Environment{fastReduction: true}
}

// SetFastReduction enables or disables the fast-reducer capability for the
// tensor-parallel group. It has no effect on groups already created, so call
// it before InitializeModelParallel.
func (e *Environment) SetFastReduction(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fastReduction = enabled
}

// InitDistributedEnvironment creates the world group spanning all ranks of the
// transport and verifies it with a warm-up all-reduce. Calling it again on an
// initialized environment is a no-op.
//
// localRank is the device index of this process on its node; it is recorded
// and used as the default device for all groups (it overrides
// opts.DeviceNum).
func (e *Environment) InitDistributedEnvironment(transport comms.Transport, localRank int, opts GroupOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.world != nil {
		klog.V(1).Infof("distributed environment already initialized (world size %d), skipping", e.world.WorldSize())
		return nil
	}
	if localRank < 0 {
		return errors.Wrapf(ErrConfig, "local rank must be non-negative, got %d", localRank)
	}
	opts.DeviceNum = comms.DeviceNum(localRank)

	worldSize := transport.WorldSize()
	allRanks := make([]int, worldSize)
	for i := range allRanks {
		allRanks[i] = i
	}
	world, err := NewGroup(transport, "world", [][]int{allRanks}, opts)
	if err != nil {
		return errors.WithMessage(err, "initializing distributed environment")
	}

	// A tiny all-reduce prevents lazy channel setup from surfacing later,
	// inside a capture region.
	warmup := tensors.FromScalar[float32](1)
	if _, err = world.AllReduce(warmup); err != nil {
		_ = world.Destroy()
		return errors.WithMessage(err, "warm-up all-reduce")
	}

	e.transport = transport
	e.localRank = localRank
	e.opts = opts
	e.world = world
	klog.V(1).Infof("distributed environment initialized: rank %d of %d, local rank %d",
		transport.Rank(), worldSize, localRank)
	return nil
}

// InitializeModelParallel partitions the world into tensor-parallel groups of
// size tensorSize and pipeline-parallel groups of size pipelineSize.
//
// It requires an initialized environment and fails with ErrAlreadyInitialized
// if model parallelism was already set up; use EnsureModelParallelInitialized
// for an idempotent variant.
func (e *Environment) InitializeModelParallel(tensorSize, pipelineSize int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeModelParallelLocked(tensorSize, pipelineSize)
}

func (e *Environment) initializeModelParallelLocked(tensorSize, pipelineSize int) error {
	if e.world == nil {
		return errors.Wrap(ErrUninitialized, "initializing model parallelism")
	}
	if e.tensor != nil || e.pipeline != nil {
		return errors.Wrap(ErrAlreadyInitialized, "model parallel groups")
	}
	tensorGroups, pipelineGroups, err := ModelParallelGroups(e.world.WorldSize(), tensorSize, pipelineSize)
	if err != nil {
		return err
	}

	tensorOpts := e.opts
	if !e.fastReduction {
		tensorOpts.FastReducer = nil
	}
	tensor, err := NewGroup(e.transport, "tensor-parallel", tensorGroups, tensorOpts)
	if err != nil {
		return errors.WithMessage(err, "creating tensor-parallel group")
	}

	// The pipeline group never uses the fast reducer: its collectives are
	// point-to-point shaped and gain nothing from it.
	pipelineOpts := e.opts
	pipelineOpts.FastReducer = nil
	pipeline, err := NewGroup(e.transport, "pipeline-parallel", pipelineGroups, pipelineOpts)
	if err != nil {
		_ = tensor.Destroy()
		return errors.WithMessage(err, "creating pipeline-parallel group")
	}

	e.tensor = tensor
	e.pipeline = pipeline
	e.pipelineRanks = pipeline.Ranks()
	return nil
}

// EnsureModelParallelInitialized initializes model parallelism if it isn't
// yet, and otherwise verifies the existing groups have the requested sizes,
// failing with ErrConfig on a mismatch.
func (e *Environment) EnsureModelParallelInitialized(tensorSize, pipelineSize int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tensor == nil || e.pipeline == nil {
		return e.initializeModelParallelLocked(tensorSize, pipelineSize)
	}
	if e.tensor.WorldSize() != tensorSize {
		return errors.Wrapf(ErrConfig,
			"tensor parallel group already initialized with size %d, requested %d",
			e.tensor.WorldSize(), tensorSize)
	}
	if e.pipeline.WorldSize() != pipelineSize {
		return errors.Wrapf(ErrConfig,
			"pipeline parallel group already initialized with size %d, requested %d",
			e.pipeline.WorldSize(), pipelineSize)
	}
	return nil
}

// ModelParallelInitialized reports whether both model parallel groups exist.
func (e *Environment) ModelParallelInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tensor != nil && e.pipeline != nil
}

// DestroyModelParallel destroys the tensor-parallel and pipeline-parallel
// groups, leaving the world group intact. Idempotent.
func (e *Environment) DestroyModelParallel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tensor != nil {
		_ = e.tensor.Destroy()
		e.tensor = nil
	}
	if e.pipeline != nil {
		_ = e.pipeline.Destroy()
		e.pipeline = nil
	}
	e.pipelineRanks = nil
}

// Destroy tears down all groups, model parallel first then the world.
// Idempotent; the environment can be re-initialized afterwards.
func (e *Environment) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tensor != nil {
		_ = e.tensor.Destroy()
		e.tensor = nil
	}
	if e.pipeline != nil {
		_ = e.pipeline.Destroy()
		e.pipeline = nil
	}
	e.pipelineRanks = nil
	if e.world != nil {
		_ = e.world.Destroy()
		e.world = nil
	}
	e.transport = nil
}

// WorldGroup returns the group spanning all ranks. It panics if the
// environment was not initialized.
func (e *Environment) WorldGroup() *Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.world == nil {
		exceptions.Panicf("distributed environment not initialized, call InitDistributedEnvironment first")
	}
	return e.world
}

// TensorGroup returns the caller's tensor-parallel group. It panics if model
// parallelism was not initialized.
func (e *Environment) TensorGroup() *Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tensor == nil {
		exceptions.Panicf("tensor parallel group not initialized, call InitializeModelParallel first")
	}
	return e.tensor
}

// PipelineGroup returns the caller's pipeline-parallel group. It panics if
// model parallelism was not initialized.
func (e *Environment) PipelineGroup() *Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline == nil {
		exceptions.Panicf("pipeline parallel group not initialized, call InitializeModelParallel first")
	}
	return e.pipeline
}

// LocalRank returns the device index of this process on its node. It panics
// if the environment was not initialized.
func (e *Environment) LocalRank() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.world == nil {
		exceptions.Panicf("distributed environment not initialized, call InitDistributedEnvironment first")
	}
	return e.localRank
}

// TensorParallelRank returns the caller's index within its tensor-parallel group.
func (e *Environment) TensorParallelRank() int { return e.TensorGroup().RankInGroup() }

// TensorParallelWorldSize returns the tensor-parallel degree.
func (e *Environment) TensorParallelWorldSize() int { return e.TensorGroup().WorldSize() }

// TensorParallelSourceRank returns the global rank that acts as broadcast
// source within the caller's tensor-parallel group.
func (e *Environment) TensorParallelSourceRank() int { return e.TensorGroup().FirstRank() }

// PipelineParallelRank returns the caller's stage index within its pipeline group.
func (e *Environment) PipelineParallelRank() int { return e.PipelineGroup().RankInGroup() }

// PipelineParallelWorldSize returns the number of pipeline stages.
func (e *Environment) PipelineParallelWorldSize() int { return e.PipelineGroup().WorldSize() }

// PipelineFirstRank returns the global rank of the first pipeline stage of the
// caller's pipeline group.
func (e *Environment) PipelineFirstRank() int { return e.PipelineGroup().FirstRank() }

// PipelineLastRank returns the global rank of the last pipeline stage of the
// caller's pipeline group.
func (e *Environment) PipelineLastRank() int { return e.PipelineGroup().LastRank() }

// PipelineNextRank returns the global rank of the next pipeline stage,
// wrapping around.
func (e *Environment) PipelineNextRank() int { return e.PipelineGroup().NextRank() }

// PipelinePrevRank returns the global rank of the previous pipeline stage,
// wrapping around.
func (e *Environment) PipelinePrevRank() int { return e.PipelineGroup().PrevRank() }

// IsPipelineFirstStage reports whether the caller runs the first pipeline stage.
func (e *Environment) IsPipelineFirstStage() bool { return e.PipelineGroup().IsFirstRank() }

// IsPipelineLastStage reports whether the caller runs the last pipeline stage.
func (e *Environment) IsPipelineLastStage() bool { return e.PipelineGroup().IsLastRank() }

// PipelineRanks returns the caller's pipeline group's global ranks in stage order.
func (e *Environment) PipelineRanks() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipelineRanks == nil {
		exceptions.Panicf("pipeline parallel group not initialized, call InitializeModelParallel first")
	}
	return slices.Clone(e.pipelineRanks)
}

// GraphCapture runs fn inside a capture region spanning both model parallel
// groups: the tensor group's capture state is entered first and the pipeline
// group's nested inside it, sharing one CaptureContext.
func (e *Environment) GraphCapture(fn func(*CaptureContext) error) error {
	tensor := e.TensorGroup()
	pipeline := e.PipelineGroup()
	return tensor.GraphCapture(nil, func(ctx *CaptureContext) error {
		return pipeline.GraphCapture(ctx, fn)
	})
}
