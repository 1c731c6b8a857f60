// Package distributed coordinates collective communication across the ranks
// of a model-parallel job.
//
// The core type is Group, which ties a fixed set of global ranks to a pair of
// communication channels (device for tensor payloads, host for control
// traffic) plus optional accelerated capabilities, and exposes the collective
// operations: AllReduce, AllGather, Gather, Broadcast, BroadcastObject,
// BroadcastTensorDict and Barrier.
//
// Environment assembles the standard topology on top: a world group over all
// ranks, split into tensor-parallel and pipeline-parallel groups with
// InitializeModelParallel. Each process creates its own Environment, and rank
// navigation helpers (TensorParallelSourceRank, PipelineNextRank, ...) answer
// topology questions without touching the network.
//
// Typical setup on every rank:
//
//	transport, _ := comms.New("goloop:job", rank, worldSize)
//	env := distributed.NewEnvironment()
//	_ = env.InitDistributedEnvironment(transport, localRank, distributed.GroupOptions{
//		FastReducer: fastreduce.Factory(),
//	})
//	_ = env.InitializeModelParallel(tensorParallelSize, pipelineParallelSize)
package distributed
