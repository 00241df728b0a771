package h5ckpt

import (
	"os"
	"path"

	"github.com/gomlx/h5ckpt/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/hdf5"
)

// SaveCheckpoint writes the parameter tree to the HDF5 file in filePath, under the group
// h5Path ("/" or "" for the file root, created if missing). The file is created, or
// overwritten if it already exists.
//
// Each sub-tree becomes a group, each leaf a numeric dataset. It fails with an
// unsupported-type error if a leaf is not a tensor nor convertible to one.
func SaveCheckpoint(tree Tree, filePath, h5Path string) error {
	return Save(tree, filePath).InGroup(h5Path).Done()
}

// SaveConfig is created with Save and configured with the various methods. Call Done to
// actually write the checkpoint.
type SaveConfig struct {
	tree     Tree
	filePath string
	h5Path   string

	appendFile bool
	exclusive  bool
}

// Save returns the configuration to write tree to the HDF5 file in filePath. Call Done
// when finished configuring:
//
//	err := h5ckpt.Save(tree, "model.h5").InGroup("/step_1000").Append().Done()
//
// By default the file is created or overwritten, and the tree is written at the file
// root.
func Save(tree Tree, filePath string) *SaveConfig {
	return &SaveConfig{
		tree:     tree,
		filePath: filePath,
		h5Path:   "/",
	}
}

// InGroup sets the target group under which the tree is written. Intermediate groups are
// created as needed. Default is the file root ("/").
//
// It modifies the configuration and returns itself, so configuration calls can be
// cascaded.
func (c *SaveConfig) InGroup(h5Path string) *SaveConfig {
	c.h5Path = h5Path
	return c
}

// Append opens an existing file read-write instead of overwriting it (the file is
// created if it doesn't exist yet). Groups already present are reused; datasets are not
// overwritten, attempting to rewrite an existing dataset fails.
//
// It modifies the configuration and returns itself, so configuration calls can be
// cascaded.
func (c *SaveConfig) Append() *SaveConfig {
	c.appendFile = true
	return c
}

// Exclusive makes Done fail if the file already exists.
//
// It modifies the configuration and returns itself, so configuration calls can be
// cascaded.
func (c *SaveConfig) Exclusive() *SaveConfig {
	c.exclusive = true
	return c
}

// Done writes the checkpoint according to the configuration.
func (c *SaveConfig) Done() (err error) {
	if c.appendFile && c.exclusive {
		return errors.Errorf("Save(%q): Append and Exclusive cannot be combined", c.filePath)
	}

	var f *hdf5.File
	switch {
	case c.exclusive:
		f, err = hdf5.CreateFile(c.filePath, hdf5.F_ACC_EXCL)
	case c.appendFile:
		if _, statErr := os.Stat(c.filePath); statErr == nil {
			f, err = hdf5.OpenFile(c.filePath, hdf5.F_ACC_RDWR)
		} else if os.IsNotExist(statErr) {
			f, err = hdf5.CreateFile(c.filePath, hdf5.F_ACC_TRUNC)
		} else {
			return errors.Wrapf(statErr, "cannot access checkpoint file %q", c.filePath)
		}
	default:
		f, err = hdf5.CreateFile(c.filePath, hdf5.F_ACC_TRUNC)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %q", c.filePath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close checkpoint file %q", c.filePath)
		}
	}()

	// Resolve (creating as needed) the target group.
	target := &f.CommonFG
	var parents []*hdf5.Group
	defer func() {
		for ii := len(parents) - 1; ii >= 0; ii-- {
			_ = parents[ii].Close()
		}
	}()
	for _, name := range splitGroupPath(c.h5Path) {
		g, groupErr := openOrCreateGroup(target, name)
		if groupErr != nil {
			return errors.WithMessagef(groupErr, "resolving target group %q in %q", c.h5Path, c.filePath)
		}
		parents = append(parents, g)
		target = &g.CommonFG
	}

	return writeTree(target, c.tree, "/"+path.Join(splitGroupPath(c.h5Path)...))
}

// writeTree recursively writes the tree members under the group g. groupPath is only
// used in error messages.
func writeTree(g *hdf5.CommonFG, tree Tree, groupPath string) error {
	for _, name := range sortedKeys(tree) {
		if err := checkName(name); err != nil {
			return errors.WithMessagef(err, "in group %q", groupPath)
		}
		childPath := path.Join(groupPath, name)
		value := tree[name]

		if sub, ok := asTree(value); ok {
			// Sub-tree: create (or reuse) the group and recurse. Empty sub-trees and
			// nil values become empty groups.
			child, err := openOrCreateGroup(g, name)
			if err != nil {
				return errors.WithMessagef(err, "in group %q", groupPath)
			}
			err = writeTree(&child.CommonFG, sub, childPath)
			closeErr := child.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return errors.Wrapf(closeErr, "failed to close group %q", childPath)
			}
			continue
		}

		t, err := tensors.FromAnyValue(value)
		if err != nil {
			return errors.WithMessagef(err, "leaf %q is not a valid checkpoint value", childPath)
		}
		if err = writeDataset(g, name, t); err != nil {
			return errors.WithMessagef(err, "in group %q", groupPath)
		}
	}
	return nil
}
