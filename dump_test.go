package h5ckpt

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/gomlx/h5ckpt/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"
)

func TestDumpJSON(t *testing.T) {
	tree := Tree{
		"layer_0": Tree{
			"weights": [][]float32{{1, 2}, {3, 4}},
		},
		"steps": int64(10),
	}
	var buf bytes.Buffer
	require.NoError(t, DumpJSON(tree, &buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	layer0, ok := decoded["layer_0"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{[]any{1.0, 2.0}, []any{3.0, 4.0}}, layer0["weights"])
	assert.Equal(t, 10.0, decoded["steps"])
}

func TestDumpYAML(t *testing.T) {
	tree := Tree{"bias": []float64{0.5, 1.5}}
	var buf bytes.Buffer
	require.NoError(t, DumpYAML(tree, &buf))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []any{0.5, 1.5}, decoded["bias"])
}

func TestDumpWidensHalfFloats(t *testing.T) {
	tree := Tree{
		"half": tensors.FromFlatDataAndDimensions(
			[]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}, 2),
	}
	var buf bytes.Buffer
	require.NoError(t, DumpJSON(tree, &buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []any{1.5, -2.0}, decoded["half"])
}

func TestDumpNpzRoundTrip(t *testing.T) {
	npzPath := filepath.Join(t.TempDir(), "weights.npz")
	tree := testTree()
	require.NoError(t, Dump(tree, npzPath))

	loaded, err := LoadFile(npzPath)
	require.NoError(t, err)
	assert.True(t, tree.Equal(loaded))
}

func TestDumpHDF5RoundTrip(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "model.hdf5")
	tree := testTree()
	require.NoError(t, Dump(tree, ckptPath))

	loaded, err := LoadFile(ckptPath)
	require.NoError(t, err)
	assert.True(t, tree.Equal(loaded))
}

func TestDumpUnknownAndExportOnlyFormats(t *testing.T) {
	dir := t.TempDir()
	err := Dump(Tree{}, filepath.Join(dir, "model.ckpt"))
	require.ErrorContains(t, err, "unknown checkpoint format")

	_, err = LoadFile(filepath.Join(dir, "model.json"))
	require.ErrorContains(t, err, "export-only")
	_, err = LoadFile(filepath.Join(dir, "model.ckpt"))
	require.ErrorContains(t, err, "unknown checkpoint format")
}
