package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, uintptr(24), s.Memory())
	assert.Equal(t, "(Float32)[2 3]", s.String())

	// Zero-sized dimensions are legal, and zero out the size.
	empty := Make(dtypes.Float32, 0, 4)
	assert.Equal(t, 0, empty.Size())
	assert.True(t, empty.Ok())

	// Negative dimensions panic.
	require.Panics(t, func() { Make(dtypes.Float32, -1, 4) })
}

func TestScalar(t *testing.T) {
	s := Scalar[float64]()
	assert.Equal(t, dtypes.Float64, s.DType)
	assert.True(t, s.IsScalar())
	assert.Equal(t, 1, s.Size())
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Int32, 7)
	s2 := s.Clone()
	assert.True(t, s.Equal(s2))
	s2.Dimensions[0] = 8
	assert.False(t, s.Equal(s2), "Clone must be a deep copy")
	assert.False(t, s.Equal(Make(dtypes.Int64, 7)))
	assert.False(t, Invalid().Ok())
}
