package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	matrix := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, matrix.DType())
	assert.Equal(t, []int{2, 3}, matrix.Dimensions())
	assert.Equal(t, 6, matrix.Size())
	assert.Equal(t, uintptr(24), matrix.Memory())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, FlatData[float32](matrix))
	assert.Equal(t, "(Float32)[2 3]", matrix.String())

	// Sizes are the caller's responsibility: mismatches panic.
	assert.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 3) })

	// Go ints are stored as the platform word size.
	ints := FromFlatDataAndDimensions([]int{1, 2, 3})
	assert.Equal(t, dtypes.FromGenericsType[int](), ints.DType())
}

func TestFromScalar(t *testing.T) {
	scalar := FromScalar(3.5)
	assert.Equal(t, dtypes.Float64, scalar.DType())
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, 3.5, ToScalar[float64](scalar))
	assert.Equal(t, "(Float64)", scalar.String())
}

func TestFromAnyValue(t *testing.T) {
	// Nested slices are flattened in row-major order.
	matrix, err := FromAnyValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, matrix.DType())
	assert.Equal(t, []int{2, 3}, matrix.Dimensions())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, FlatData[float32](matrix))

	// Scalars.
	scalar, err := FromAnyValue(int64(7))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, scalar.DType())
	assert.Equal(t, int64(7), ToScalar[int64](scalar))

	// Tensors pass through unchanged.
	passThrough, err := FromAnyValue(matrix)
	require.NoError(t, err)
	assert.Same(t, matrix, passThrough)

	// Irregular and unsupported values are rejected.
	_, err = FromAnyValue([][]float32{{1, 2}, {3}})
	require.ErrorContains(t, err, "irregular")
	_, err = FromAnyValue("not a number")
	require.Error(t, err)
	_, err = FromAnyValue(nil)
	require.Error(t, err)
	_, err = FromAnyValue([]float32{})
	require.Error(t, err)
}

func TestValue(t *testing.T) {
	matrix := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, [][]int32{{1, 2}, {3, 4}, {5, 6}}, matrix.Value())

	vector := FromFlatDataAndDimensions([]float64{1, 2}, 2)
	assert.Equal(t, []float64{1, 2}, vector.Value())

	scalar := FromScalar(float32(-1))
	assert.Equal(t, float32(-1), scalar.Value())
}

func TestEqual(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	assert.True(t, a.Equal(b))

	// Same values, different dimensions.
	c := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	assert.False(t, a.Equal(c))

	// Same values and dimensions, different dtype.
	d := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	assert.False(t, a.Equal(d))

	// Different values.
	e := FromFlatDataAndDimensions([]float32{1, 2, 3, 5}, 2, 2)
	assert.False(t, a.Equal(e))
}
