package h5ckpt

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/h5ckpt/numpy"
	"github.com/gomlx/h5ckpt/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"
)

// Dump writes the tree to filePath in the format given by the file extension:
//
//   - ".h5", ".hdf5": HDF5 checkpoint, same as SaveCheckpoint at the root group.
//   - ".npz": NumPy archive of the flattened tree, one .npy member per leaf, named by
//     its "/"-joined path.
//   - ".json": JSON object mirroring the tree, values as nested arrays (indented).
//   - ".yaml", ".yml": same, in YAML.
//
// JSON and YAML are export formats: they don't preserve dtypes and LoadFile doesn't read
// them back.
func Dump(tree Tree, filePath string) error {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".h5", ".hdf5":
		return Save(tree, filePath).Done()
	case ".npz":
		flat, err := tree.Flatten()
		if err != nil {
			return err
		}
		return numpy.ToNpzFile(flat, filePath)
	case ".json":
		return dumpEncoded(tree, filePath, DumpJSON)
	case ".yaml", ".yml":
		return dumpEncoded(tree, filePath, DumpYAML)
	}
	return errors.Errorf("unknown checkpoint format %q -- supported extensions are .h5, .hdf5, .npz, .json, .yaml and .yml",
		filepath.Ext(filePath))
}

// LoadFile reads a parameter tree from filePath, dispatching on the file extension.
// Only formats that preserve tensors are supported: ".h5"/".hdf5" and ".npz".
func LoadFile(filePath string) (Tree, error) {
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".h5", ".hdf5":
		return LoadCheckpoint(filePath, "/")
	case ".npz":
		flat, err := numpy.FromNpzFile(filePath)
		if err != nil {
			return nil, err
		}
		return Unflatten(flat)
	case ".json", ".yaml", ".yml":
		return nil, errors.Errorf("%q files are export-only: they don't preserve tensor dtypes", ext)
	}
	return nil, errors.Errorf("unknown checkpoint format %q", filepath.Ext(filePath))
}

func dumpEncoded(tree Tree, filePath string, encode func(Tree, io.Writer) error) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	return encode(tree, file)
}

// DumpJSON writes the tree to w as an indented JSON object.
func DumpJSON(tree Tree, w io.Writer) error {
	exported, err := exportTree(tree)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err = enc.Encode(exported); err != nil {
		return errors.Wrapf(err, "failed to encode tree as JSON")
	}
	return nil
}

// DumpYAML writes the tree to w as a YAML document.
func DumpYAML(tree Tree, w io.Writer) error {
	exported, err := exportTree(tree)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	if err = enc.Encode(exported); err != nil {
		return errors.Wrapf(err, "failed to encode tree as YAML")
	}
	if err = enc.Close(); err != nil {
		return errors.Wrapf(err, "failed to encode tree as YAML")
	}
	return nil
}

// exportTree converts the tree to plain nested maps and slices that JSON and YAML
// encoders digest.
func exportTree(tree Tree) (map[string]any, error) {
	exported := make(map[string]any, len(tree))
	for _, name := range sortedKeys(tree) {
		if err := checkName(name); err != nil {
			return nil, err
		}
		if sub, ok := asTree(tree[name]); ok {
			subExported, err := exportTree(sub)
			if err != nil {
				return nil, err
			}
			exported[name] = subExported
			continue
		}
		t, err := tensors.FromAnyValue(tree[name])
		if err != nil {
			return nil, errors.WithMessagef(err, "leaf %q", name)
		}
		value, err := exportValue(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "leaf %q", name)
		}
		exported[name] = value
	}
	return exported, nil
}

// exportValue returns the tensor as nested Go values. 16-bit floats are widened to
// float32, since their storage types encode as raw integers.
func exportValue(t *tensors.Tensor) (any, error) {
	switch t.DType() {
	case dtypes.Float16:
		t = widen(t, tensors.FlatData[float16.Float16](t), float16.Float16.Float32)
	case dtypes.BFloat16:
		t = widen(t, tensors.FlatData[bfloat16.BFloat16](t), bfloat16.BFloat16.Float32)
	case dtypes.Complex64, dtypes.Complex128:
		return nil, errors.Errorf("complex tensors cannot be exported to JSON/YAML")
	}
	return t.Value(), nil
}

func widen[T dtypes.Supported](t *tensors.Tensor, flat []T, toFloat32 func(T) float32) *tensors.Tensor {
	widened := make([]float32, len(flat))
	for ii, value := range flat {
		widened[ii] = toFloat32(value)
	}
	return tensors.FromFlatDataAndDimensions(widened, t.Dimensions()...)
}
