package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/h5ckpt/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNpyRoundTrip(t *testing.T) {
	for _, tensor := range []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		tensors.FromFlatDataAndDimensions([]float64{0.5, -0.5}, 2),
		tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2),
		tensors.FromFlatDataAndDimensions([]uint8{0, 255}, 2),
		tensors.FromScalar(int64(42)),
		tensors.FromScalar(true),
	} {
		var buf bytes.Buffer
		require.NoError(t, ToNpyWriter(tensor, &buf))

		// Data starts at a multiple of 16 bytes, as the format requires.
		dataStart := buf.Len() - int(tensor.Memory())
		assert.Zero(t, dataStart%16, "data offset %d of %s is not 16-byte aligned", dataStart, tensor)

		recovered, err := FromNpyReader(&buf)
		require.NoError(t, err, "round-trip of %s", tensor)
		assert.True(t, tensor.Equal(recovered), "round-trip of %s", tensor)
	}
}

func TestNpyFile(t *testing.T) {
	npyPath := filepath.Join(t.TempDir(), "weights.npy")
	tensor := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, ToNpyFile(tensor, npyPath))
	recovered, err := FromNpyFile(npyPath)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(recovered))
}

// buildNpy assembles a v1.0 .npy stream by hand, so tests can exercise headers the
// writer never produces (Fortran order, big-endian descr).
func buildNpy(t *testing.T, header string, data any) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	for (10+len(header)+1)%16 != 0 {
		header += " "
	}
	header += "\n"
	headerLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(headerLen, uint16(len(header)))
	buf.Write(headerLen)
	buf.WriteString(header)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, data))
	return bytes.NewReader(buf.Bytes())
}

func TestNpyFortranOrder(t *testing.T) {
	// Column-major data for [[1 2 3] [4 5 6]].
	r := buildNpy(t, "{'descr': '<i4', 'fortran_order': True, 'shape': (2, 3), }",
		[]int32{1, 4, 2, 5, 3, 6})
	recovered, err := FromNpyReader(r)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, recovered.Dimensions())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensors.FlatData[int32](recovered))
}

func TestNpyRejects(t *testing.T) {
	// Big-endian data.
	r := buildNpy(t, "{'descr': '>i4', 'fortran_order': False, 'shape': (2,), }",
		[]int32{1, 2})
	_, err := FromNpyReader(r)
	require.ErrorContains(t, err, "big-endian")

	// Unsupported descr (strings).
	r = buildNpy(t, "{'descr': '<U8', 'fortran_order': False, 'shape': (1,), }",
		[]int64{0})
	_, err = FromNpyReader(r)
	require.ErrorContains(t, err, "unsupported NumPy dtype")

	// Not a .npy stream at all.
	_, err = FromNpyReader(bytes.NewReader([]byte("PK\x03\x04 something else")))
	require.ErrorContains(t, err, "magic string")
}

func TestNpyRejectsMalformedShapes(t *testing.T) {
	// Negative dimension.
	r := buildNpy(t, "{'descr': '<i4', 'fortran_order': False, 'shape': (-1,), }",
		[]int32{0})
	_, err := FromNpyReader(r)
	require.ErrorContains(t, err, "negative dimension")

	// Element count overflowing int.
	r = buildNpy(t, "{'descr': '<i4', 'fortran_order': False, "+
		"'shape': (9223372036854775807, 9223372036854775807), }", []int32{0})
	_, err = FromNpyReader(r)
	require.ErrorContains(t, err, "too large")

	// Byte size overflowing int.
	r = buildNpy(t, "{'descr': '<f8', 'fortran_order': False, "+
		"'shape': (9223372036854775807,), }", []int64{0})
	_, err = FromNpyReader(r)
	require.ErrorContains(t, err, "too large")

	// Valid-looking shape claiming far more data than the stream holds.
	r = buildNpy(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (1073741824,), }",
		[]int64{0})
	_, err = FromNpyReader(r)
	require.ErrorContains(t, err, "truncated")

	// v2.0 stream with an absurd header length.
	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{2, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1<<30)))
	_, err = FromNpyReader(bytes.NewReader(buf.Bytes()))
	require.ErrorContains(t, err, "header length")
}

func TestNpzRoundTrip(t *testing.T) {
	tensorsMap := map[string]*tensors.Tensor{
		"layer_0/weights": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		"layer_0/bias":    tensors.FromFlatDataAndDimensions([]float64{0.5, -0.5, 1.5}, 3),
		"global_step":     tensors.FromScalar(int64(1000)),
	}
	npzPath := filepath.Join(t.TempDir(), "weights.npz")
	require.NoError(t, ToNpzFile(tensorsMap, npzPath))

	recovered, err := FromNpzFile(npzPath)
	require.NoError(t, err)
	require.Len(t, recovered, len(tensorsMap))
	for name, tensor := range tensorsMap {
		require.Contains(t, recovered, name)
		assert.True(t, tensor.Equal(recovered[name]), "member %q", name)
	}
}

func TestNpzSortedMemberOrder(t *testing.T) {
	tensorsMap := make(map[string]*tensors.Tensor)
	for _, name := range []string{"z", "m", "a", "layer_9/w", "layer_10/w", "b"} {
		tensorsMap[name] = tensors.FromScalar(float32(1))
	}
	var buf bytes.Buffer
	require.NoError(t, ToNpzWriter(tensorsMap, &buf))

	zipReader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zipReader.File {
		names = append(names, f.Name)
	}
	assert.True(t, slices.IsSorted(names), "members written out of order: %v", names)
}

func TestDescrMapping(t *testing.T) {
	// descr -> dtype -> descr is stable for every dtype the writer emits.
	for _, dtype := range []dtypes.DType{
		dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.Float32, dtypes.Float64,
		dtypes.Complex64, dtypes.Complex128,
	} {
		descr, err := descrForDType(dtype)
		require.NoError(t, err)
		recovered, err := dtypeForDescr(descr)
		require.NoError(t, err)
		assert.Equal(t, dtype, recovered, "descr %q", descr)
	}
}
