package fastreduce

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/comms/goloop"
	"github.com/gomlx/meshcomm/types/shapes"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commsOver(t *testing.T, worldSize int, maxBytes uintptr) []*Comm {
	t.Helper()
	cluster := goloop.NewCluster(worldSize)
	ranks := make([]int, worldSize)
	for i := range ranks {
		ranks[i] = i
	}
	out := make([]*Comm, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		ch, err := cluster.Transport(rank).NewChannel(ranks, tensors.Device)
		require.NoError(t, err)
		out[rank], err = NewWithMaxBytes(ch, comms.DeviceNum(rank), maxBytes)
		require.NoError(t, err)
	}
	return out
}

func TestTryAllReduce(t *testing.T) {
	reducers := commsOver(t, 2, 64)

	t.Run("handles small device tensors", func(t *testing.T) {
		results := make([]float32, 2)
		var wg sync.WaitGroup
		for rank, reducer := range reducers {
			wg.Add(1)
			go func(rank int, reducer *Comm) {
				defer wg.Done()
				in := tensors.FromScalar(float32(rank + 1)).ToDevice(rank)
				out, handled, err := reducer.TryAllReduce(in)
				if err != nil || !handled {
					t.Errorf("rank %d: handled=%v err=%v", rank, handled, err)
					return
				}
				results[rank] = tensors.CopyFlatData[float32](out)[0]
			}(rank, reducer)
		}
		wg.Wait()
		assert.Equal(t, []float32{3, 3}, results)
	})

	t.Run("passes on host tensors", func(t *testing.T) {
		_, handled, err := reducers[0].TryAllReduce(tensors.FromScalar(float32(1)))
		require.NoError(t, err)
		assert.False(t, handled)
	})

	t.Run("passes above the size cutoff", func(t *testing.T) {
		big := tensors.FromShape(shapes.Make(dtypes.Float32, 1024)).ToDevice(0)
		_, handled, err := reducers[0].TryAllReduce(big)
		require.NoError(t, err)
		assert.False(t, handled)
	})
}

func TestStartCaptureRestores(t *testing.T) {
	reducers := commsOver(t, 2, 64)
	c := reducers[0]
	assert.False(t, c.Capturing())
	restore := c.StartCapture()
	assert.True(t, c.Capturing())
	restore()
	assert.False(t, c.Capturing())
}
