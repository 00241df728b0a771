// Package h5ckpt saves and loads nested mappings of neural-network parameters
// ("parameter trees") to and from HDF5 checkpoint files.
//
// A Tree maps string names to either sub-Trees or numeric array leaves
// (tensors.Tensor, or any Go numeric scalar / regular nested slice, which is
// converted on the fly). SaveCheckpoint mirrors the tree nesting as HDF5
// groups with one dataset per leaf; LoadCheckpoint walks the groups back into
// a Tree:
//
//	tree := h5ckpt.Tree{
//		"layer_0": h5ckpt.Tree{
//			"weights": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
//			"bias":    []float32{0, 0, 0},
//		},
//		"global_step": tensors.FromScalar(int64(1000)),
//	}
//	err := h5ckpt.SaveCheckpoint(tree, "model.h5", "/")
//	...
//	tree, err := h5ckpt.LoadCheckpoint("model.h5", "/")
//
// The heavy lifting is done by the HDF5 C library, accessed through
// gonum.org/v1/hdf5, so libhdf5 must be installed in the system.
package h5ckpt

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/h5ckpt/tensors"
	"github.com/pkg/errors"
)

// Tree is a nested mapping of string names to sub-Trees or numeric leaves.
//
// Valid leaf values are *tensors.Tensor or anything tensors.FromAnyValue accepts
// (numeric scalars and regular nested slices). A nil value or an empty sub-Tree is
// saved as an empty group. Plain map[string]any values are accepted as sub-Trees too.
//
// Names must not contain the "/" character, which HDF5 reserves as the path separator,
// and must not be "", "." or "..".
type Tree map[string]any

// asTree returns the value as a sub-Tree, if it is one. nil values count as empty
// sub-Trees, matching the convention of writing them as empty groups.
func asTree(value any) (Tree, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case Tree:
		return v, true
	case map[string]any:
		return v, true
	}
	return nil, false
}

// checkName validates a tree key for use as an HDF5 member name.
func checkName(name string) error {
	if name == "" {
		return errors.Errorf("empty names are not valid in a checkpoint tree")
	}
	if name == "." || name == ".." {
		return errors.Errorf("name %q is not valid in a checkpoint tree: HDF5 reads it as path navigation", name)
	}
	if strings.ContainsRune(name, '/') {
		return errors.Errorf("name %q is not valid in a checkpoint tree: \"/\" is the HDF5 path separator", name)
	}
	return nil
}

// sortedKeys returns the map keys in sorted order: trees are always walked
// deterministically.
func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

// splitGroupPath breaks a target group path into HDF5 group names.
// "", "/", "." and "./" all refer to the file root. Names merely starting with a dot
// (e.g. ".hidden") are ordinary group names.
func splitGroupPath(h5Path string) []string {
	var names []string
	for _, name := range strings.Split(h5Path, "/") {
		if name == "" || name == "." {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Flatten converts the tree to a flat mapping of "/"-joined paths to tensors,
// converting leaves as needed. Empty sub-trees are dropped: a flat mapping has no way
// to represent an empty group.
func (tree Tree) Flatten() (map[string]*tensors.Tensor, error) {
	flat := make(map[string]*tensors.Tensor)
	if err := flattenInto(flat, tree, ""); err != nil {
		return nil, err
	}
	return flat, nil
}

func flattenInto(flat map[string]*tensors.Tensor, tree Tree, prefix string) error {
	for _, name := range sortedKeys(tree) {
		if err := checkName(name); err != nil {
			return err
		}
		childPath := name
		if prefix != "" {
			childPath = prefix + "/" + name
		}
		if sub, ok := asTree(tree[name]); ok {
			if err := flattenInto(flat, sub, childPath); err != nil {
				return err
			}
			continue
		}
		t, err := tensors.FromAnyValue(tree[name])
		if err != nil {
			return errors.WithMessagef(err, "leaf %q", childPath)
		}
		flat[childPath] = t
	}
	return nil
}

// Unflatten rebuilds a Tree from a flat mapping of "/"-joined paths to tensors.
// It is the inverse of Flatten. It fails if a path is both a leaf and a group prefix
// of another path (e.g. "a/b" and "a/b/c").
func Unflatten(flat map[string]*tensors.Tensor) (Tree, error) {
	tree := make(Tree)
	for _, flatPath := range sortedKeys(flat) {
		names := splitGroupPath(flatPath)
		if len(names) == 0 {
			return nil, errors.Errorf("invalid empty path %q", flatPath)
		}
		node := tree
		for _, name := range names[:len(names)-1] {
			child, found := node[name]
			if !found {
				sub := make(Tree)
				node[name] = sub
				node = sub
				continue
			}
			sub, ok := child.(Tree)
			if !ok {
				return nil, errors.Errorf("path %q conflicts with a previous leaf at %q", flatPath, name)
			}
			node = sub
		}
		leafName := names[len(names)-1]
		if _, found := node[leafName]; found {
			return nil, errors.Errorf("path %q conflicts with a previous entry", flatPath)
		}
		node[leafName] = flat[flatPath]
	}
	return tree, nil
}

// Equal compares two trees structurally: same nesting, same names, and leaf tensors
// equal in dtype, dimensions and values. Leaves that are not yet tensors are converted
// before comparing.
func (tree Tree) Equal(other Tree) bool {
	if len(tree) != len(other) {
		return false
	}
	for name, value := range tree {
		otherValue, found := other[name]
		if !found {
			return false
		}
		sub, isTree := asTree(value)
		otherSub, otherIsTree := asTree(otherValue)
		if isTree != otherIsTree {
			return false
		}
		if isTree {
			if !sub.Equal(otherSub) {
				return false
			}
			continue
		}
		t, err := tensors.FromAnyValue(value)
		if err != nil {
			return false
		}
		otherT, err := tensors.FromAnyValue(otherValue)
		if err != nil {
			return false
		}
		if !t.Equal(otherT) {
			return false
		}
	}
	return true
}

// NumLeaves returns the number of leaves (datasets) in the tree.
func (tree Tree) NumLeaves() int {
	count := 0
	for _, value := range tree {
		if sub, ok := asTree(value); ok {
			count += sub.NumLeaves()
			continue
		}
		count++
	}
	return count
}
