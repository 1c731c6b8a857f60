package distributed_test

import (
	"errors"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/comms/goloop"
	"github.com/gomlx/meshcomm/distributed"
	"github.com/gomlx/meshcomm/types/shapes"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDict(t *testing.T) {
	d := distributed.NewDict()
	d.Set("b", 1)
	d.Set("a", 2)
	d.Set("c", 3)
	d.Set("a", 4) // overwrite keeps position

	assert.Equal(t, []string{"b", "a", "c"}, d.Keys())
	assert.Equal(t, 3, d.Len())
	v, found := d.Get("a")
	require.True(t, found)
	assert.Equal(t, 4, v)
	_, found = d.Get("missing")
	assert.False(t, found)
}

func TestBroadcastTensorDict(t *testing.T) {
	cluster := goloop.NewCluster(3)
	allRanks := [][]int{{0, 1, 2}}
	results := make([]*distributed.Dict, 3)
	runRanks(t, cluster, func(rank int, transport comms.Transport) error {
		g, err := distributed.NewGroup(transport, "test", allRanks, distributed.GroupOptions{
			DeviceNum: comms.DeviceNum(rank),
		})
		if err != nil {
			return err
		}
		defer func() { _ = g.Destroy() }()

		var d *distributed.Dict
		if rank == 0 {
			d = distributed.NewDict()
			d.Set("empty", tensors.FromShape(shapes.Make(dtypes.Float32, 0, 4)))
			d.Set("scale", 3.14)
			d.Set("weights", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2).ToDevice(0))
			d.Set("step", 12)
			d.Set("bias", tensors.FromFlatDataAndDimensions([]float64{0.5, -0.5}, 2))
		}
		received, err := g.BroadcastTensorDict(d, 0)
		if err != nil {
			return err
		}
		results[rank] = received
		return nil
	})

	for rank := 0; rank < 3; rank++ {
		d := results[rank]
		require.NotNil(t, d, "rank %d", rank)
		assert.Equal(t, []string{"empty", "scale", "weights", "step", "bias"}, d.Keys(), "rank %d", rank)

		v, _ := d.Get("scale")
		assert.Equal(t, 3.14, v, "rank %d", rank)
		v, _ = d.Get("step")
		assert.Equal(t, 12, v, "rank %d", rank)

		v, _ = d.Get("empty")
		empty := v.(*tensors.Tensor)
		assert.Equal(t, 0, empty.Size(), "rank %d", rank)
		assert.Equal(t, []int{0, 4}, empty.Shape().Dimensions, "rank %d", rank)

		v, _ = d.Get("weights")
		weights := v.(*tensors.Tensor)
		assert.Equal(t, []float32{1, 2, 3, 4}, tensors.CopyFlatData[float32](weights), "rank %d", rank)
		assert.False(t, weights.IsHost(), "rank %d", rank)
		// Receivers place device tensors on their own device.
		assert.Equal(t, rank, weights.DeviceNum(), "rank %d", rank)

		v, _ = d.Get("bias")
		bias := v.(*tensors.Tensor)
		assert.Equal(t, []float64{0.5, -0.5}, tensors.CopyFlatData[float64](bias), "rank %d", rank)
		assert.True(t, bias.IsHost(), "rank %d", rank)
	}
}

func TestBroadcastTensorDictSingleRank(t *testing.T) {
	cluster := goloop.NewCluster(1)
	g, err := distributed.NewGroup(cluster.Transport(0), "solo", [][]int{{0}}, distributed.GroupOptions{})
	require.NoError(t, err)
	defer func() { _ = g.Destroy() }()

	d := distributed.NewDict()
	d.Set("x", 1)
	received, err := g.BroadcastTensorDict(d, 0)
	require.NoError(t, err)
	assert.Same(t, d, received)
}

func TestBroadcastTensorDictNilSource(t *testing.T) {
	cluster := goloop.NewCluster(1)
	g, err := distributed.NewGroup(cluster.Transport(0), "solo", [][]int{{0}}, distributed.GroupOptions{})
	require.NoError(t, err)
	defer func() { _ = g.Destroy() }()

	_, err = g.BroadcastTensorDict(nil, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, distributed.ErrInvalidArgument))
}
