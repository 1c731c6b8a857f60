package goloop

import (
	"sync"
	"testing"

	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// runRanks drives fn concurrently, once per rank, and fails the test on any error.
func runRanks(t *testing.T, cluster *Cluster, fn func(rank int, transport comms.Transport) error) {
	t.Helper()
	worldSize := cluster.WorldSize()
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank, cluster.Transport(rank))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed", rank)
	}
}

func TestAllReduce(t *testing.T) {
	cluster := NewCluster(4)
	ranks := []int{0, 1, 2, 3}
	results := make([][]float32, 4)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		ch, err := transport.NewChannel(ranks, tensors.Device)
		if err != nil {
			return err
		}
		in := tensors.FromFlatDataAndDimensions([]float32{float32(rank), 1}, 2)
		out, err := ch.AllReduce(in, comms.ReduceOpSum)
		if err != nil {
			return err
		}
		results[rank] = tensors.CopyFlatData[float32](out)
		return nil
	})
	for rank := 0; rank < 4; rank++ {
		assert.Equal(t, []float32{6, 4}, results[rank], "rank %d", rank)
	}
}

func TestAllReduceOps(t *testing.T) {
	cluster := NewCluster(3)
	ranks := []int{0, 1, 2}
	tests := []struct {
		op   comms.ReduceOpType
		want []int64
	}{
		{comms.ReduceOpSum, []int64{3, 6}},
		{comms.ReduceOpProduct, []int64{0, 6}},
		{comms.ReduceOpMax, []int64{2, 3}},
		{comms.ReduceOpMin, []int64{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			results := make([][]int64, 3)
			runRanks(t, cluster, func(rank int, transport comms.Transport) error {
				ch, err := transport.NewChannel(ranks, tensors.Device)
				if err != nil {
					return err
				}
				in := tensors.FromFlatDataAndDimensions([]int64{int64(rank), int64(rank + 1)}, 2)
				out, err := ch.AllReduce(in, tt.op)
				if err != nil {
					return err
				}
				results[rank] = tensors.CopyFlatData[int64](out)
				return nil
			})
			for rank := range results {
				assert.Equal(t, tt.want, results[rank], "rank %d", rank)
			}
		})
	}
}

func TestAllGatherStacksInRankOrder(t *testing.T) {
	cluster := NewCluster(2)
	results := make([][]int32, 2)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		ch, err := transport.NewChannel([]int{0, 1}, tensors.Device)
		if err != nil {
			return err
		}
		in := tensors.FromFlatDataAndDimensions([]int32{int32(10 * rank), int32(10*rank + 1)}, 2)
		out, err := ch.AllGather(in)
		if err != nil {
			return err
		}
		if got, want := out.Shape().Dimensions, []int{2, 2}; !assert.ObjectsAreEqual(want, got) {
			t.Errorf("rank %d: all-gather shape %v, want %v", rank, got, want)
		}
		results[rank] = tensors.CopyFlatData[int32](out)
		return nil
	})
	for rank := range results {
		assert.Equal(t, []int32{0, 1, 10, 11}, results[rank])
	}
}

func TestGatherOnlyDstReceives(t *testing.T) {
	cluster := NewCluster(3)
	var dstParts []*tensors.Tensor
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		ch, err := transport.NewChannel([]int{0, 1, 2}, tensors.Device)
		if err != nil {
			return err
		}
		in := tensors.FromScalar(int32(rank + 100))
		parts, err := ch.Gather(in, 1)
		if err != nil {
			return err
		}
		if rank == 1 {
			dstParts = parts
		} else if parts != nil {
			t.Errorf("rank %d: expected nil parts, got %v", rank, parts)
		}
		return nil
	})
	require.Len(t, dstParts, 3)
	for rank, part := range dstParts {
		assert.Equal(t, int32(rank+100), tensors.CopyFlatData[int32](part)[0])
	}
}

func TestBroadcastAndBytes(t *testing.T) {
	cluster := NewCluster(3)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		ch, err := transport.NewChannel([]int{0, 1, 2}, tensors.Host)
		if err != nil {
			return err
		}
		buf := tensors.FromFlatDataAndDimensions([]float64{float64(rank), float64(rank)}, 2)
		if err = ch.Broadcast(buf, 2); err != nil {
			return err
		}
		if got := tensors.CopyFlatData[float64](buf); got[0] != 2 || got[1] != 2 {
			t.Errorf("rank %d: broadcast result %v, want [2 2]", rank, got)
		}

		var payload []byte
		if rank == 0 {
			payload = []byte("metadata")
		}
		got, err := ch.BroadcastBytes(payload, 0)
		if err != nil {
			return err
		}
		if string(got) != "metadata" {
			t.Errorf("rank %d: BroadcastBytes got %q", rank, got)
		}
		return nil
	})
}

func TestBroadcastAsyncKeepsIssueOrder(t *testing.T) {
	// Two async broadcasts in flight at once; the slot order is taken at issue
	// time, so the payloads cannot cross even if the goroutines interleave.
	cluster := NewCluster(2)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		ch, err := transport.NewChannel([]int{0, 1}, tensors.Device)
		if err != nil {
			return err
		}
		first := tensors.FromScalar(int32(11 * (1 + rank)))
		second := tensors.FromScalar(int32(22 * (1 + rank)))
		h1, err := ch.BroadcastAsync(first, 0)
		if err != nil {
			return err
		}
		h2, err := ch.BroadcastAsync(second, 0)
		if err != nil {
			return err
		}
		if err = h1.Wait(); err != nil {
			return err
		}
		if err = h2.Wait(); err != nil {
			return err
		}
		if got := tensors.CopyFlatData[int32](first)[0]; got != 11 {
			t.Errorf("rank %d: first async broadcast got %d, want 11", rank, got)
		}
		if got := tensors.CopyFlatData[int32](second)[0]; got != 22 {
			t.Errorf("rank %d: second async broadcast got %d, want 22", rank, got)
		}
		return nil
	})
}

func TestBarrier(t *testing.T) {
	cluster := NewCluster(4)
	var reached sync.WaitGroup
	reached.Add(4)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		ch, err := transport.NewChannel([]int{0, 1, 2, 3}, tensors.Host)
		if err != nil {
			return err
		}
		reached.Done()
		return ch.Barrier()
	})
	reached.Wait() // All ranks necessarily entered before any returned.
}

func TestSubGroupsAreIndependent(t *testing.T) {
	// Two disjoint groups of the same cluster run collectives without seeing
	// each other.
	cluster := NewCluster(4)
	groups := [][]int{{0, 1}, {2, 3}}
	results := make([]int32, 4)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		myGroup := groups[rank/2]
		ch, err := transport.NewChannel(myGroup, tensors.Device)
		if err != nil {
			return err
		}
		in := tensors.FromScalar(int32(rank))
		out, err := ch.AllReduce(in, comms.ReduceOpSum)
		if err != nil {
			return err
		}
		results[rank] = tensors.CopyFlatData[int32](out)[0]
		return nil
	})
	assert.Equal(t, []int32{1, 1, 5, 5}, results)
}

func TestChannelValidation(t *testing.T) {
	cluster := NewCluster(2)
	transport := cluster.Transport(0)

	_, err := transport.NewChannel([]int{0, 0}, tensors.Host)
	assert.ErrorContains(t, err, "repeated")

	_, err = transport.NewChannel([]int{1}, tensors.Host)
	assert.ErrorContains(t, err, "not a member")

	_, err = transport.NewChannel([]int{0, 5}, tensors.Host)
	assert.ErrorContains(t, err, "out of range")
}

func TestClosedChannel(t *testing.T) {
	cluster := NewCluster(1)
	ch, err := cluster.Transport(0).NewChannel([]int{0}, tensors.Host)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	err = ch.Barrier()
	assert.ErrorContains(t, err, "closed")
}

func TestRegistry(t *testing.T) {
	transports := make([]comms.Transport, 2)
	for rank := 0; rank < 2; rank++ {
		transport, err := comms.New("goloop:registry-test", rank, 2)
		require.NoError(t, err)
		transports[rank] = transport
	}
	assert.Equal(t, "goloop", transports[0].Name())
	assert.Equal(t, 2, transports[1].WorldSize())
	assert.Equal(t, 1, transports[1].Rank())

	// Same name with a different world size is rejected.
	_, err := comms.New("goloop:registry-test", 0, 3)
	assert.Error(t, err)
}
