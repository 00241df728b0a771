package h5ckpt

import (
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/hdf5"
	"k8s.io/klog/v2"
)

// LoadCheckpoint reads the HDF5 file in filePath, opened read-only, and reconstructs the
// parameter tree stored under the group h5Path ("/" or "" for the file root).
//
// It fails with a not-found error if the file doesn't exist or the group is absent.
func LoadCheckpoint(filePath, h5Path string) (Tree, error) {
	return Load(filePath).FromGroup(h5Path).Done()
}

// LoadConfig is created with Load and configured with the various methods. Call Done to
// actually read the checkpoint.
type LoadConfig struct {
	filePath string
	h5Path   string
	exclude  []string
}

// Load returns the configuration to read a parameter tree from the HDF5 file in
// filePath. Call Done when finished configuring:
//
//	tree, err := h5ckpt.Load("model.h5").FromGroup("/step_1000").Exclude("optimizer").Done()
func Load(filePath string) *LoadConfig {
	return &LoadConfig{
		filePath: filePath,
		h5Path:   "/",
	}
}

// FromGroup sets the group from which the tree is reconstructed. Default is the file
// root ("/").
//
// It modifies the configuration and returns itself, so configuration calls can be
// cascaded.
func (c *LoadConfig) FromGroup(h5Path string) *LoadConfig {
	c.h5Path = h5Path
	return c
}

// Exclude skips groups and datasets whose name contains any of the given substrings --
// e.g. Exclude("optimizer") to load the model parameters without the optimizer state.
//
// It modifies the configuration and returns itself, so configuration calls can be
// cascaded.
func (c *LoadConfig) Exclude(substrings ...string) *LoadConfig {
	c.exclude = append(c.exclude, substrings...)
	return c
}

// Done reads the checkpoint according to the configuration and returns the
// reconstructed tree.
func (c *LoadConfig) Done() (tree Tree, err error) {
	if _, err = os.Stat(c.filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access checkpoint file %q", c.filePath)
	}
	f, err := hdf5.OpenFile(c.filePath, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint file %q", c.filePath)
	}
	defer func() { _ = f.Close() }()

	names := splitGroupPath(c.h5Path)
	source := &f.CommonFG
	var parents []*hdf5.Group
	defer func() {
		for ii := len(parents) - 1; ii >= 0; ii-- {
			_ = parents[ii].Close()
		}
	}()
	for _, name := range names {
		g, groupErr := source.OpenGroup(name)
		if groupErr != nil {
			return nil, errors.Wrapf(groupErr, "group %q not found in checkpoint file %q",
				c.h5Path, c.filePath)
		}
		parents = append(parents, g)
		source = &g.CommonFG
	}

	return c.readTree(source, "/"+path.Join(names...))
}

// readTree recursively reconstructs the tree stored under the group g. groupPath is only
// used in error messages and exclusion logging.
func (c *LoadConfig) readTree(g *hdf5.CommonFG, groupPath string) (Tree, error) {
	numObjects, err := g.NumObjects()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list members of group %q", groupPath)
	}
	tree := make(Tree, numObjects)
	for idx := uint(0); idx < numObjects; idx++ {
		name, err := g.ObjectNameByIndex(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read name of member #%d of group %q", idx, groupPath)
		}
		if c.isExcluded(name) {
			continue
		}
		objType, err := g.ObjectTypeByIndex(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read type of member %q of group %q", name, groupPath)
		}
		memberPath := path.Join(groupPath, name)

		switch objType {
		case hdf5.H5G_GROUP:
			child, err := g.OpenGroup(name)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open group %q", memberPath)
			}
			sub, err := c.readTree(&child.CommonFG, memberPath)
			closeErr := child.Close()
			if err != nil {
				return nil, err
			}
			if closeErr != nil {
				return nil, errors.Wrapf(closeErr, "failed to close group %q", memberPath)
			}
			tree[name] = sub

		case hdf5.H5G_DATASET:
			ds, err := g.OpenDataset(name)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open dataset %q", memberPath)
			}
			t, err := readDataset(ds, memberPath)
			closeErr := ds.Close()
			if err != nil {
				return nil, err
			}
			if closeErr != nil {
				return nil, errors.Wrapf(closeErr, "failed to close dataset %q", memberPath)
			}
			tree[name] = t

		default:
			klog.Warningf("checkpoint member %q is neither a group nor a dataset (HDF5 object type %d), skipping",
				memberPath, objType)
		}
	}
	return tree, nil
}

func (c *LoadConfig) isExcluded(name string) bool {
	for _, substr := range c.exclude {
		if strings.Contains(name, substr) {
			return true
		}
	}
	return false
}
