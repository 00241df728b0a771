package h5ckpt

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/h5ckpt/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/hdf5"
)

// h5TypeForDType returns the native HDF5 datatype used to store tensors of the given
// dtype, or an unsupported-type error.
func h5TypeForDType(dtype dtypes.DType) (*hdf5.Datatype, error) {
	switch dtype {
	case dtypes.Float32:
		return hdf5.T_NATIVE_FLOAT, nil
	case dtypes.Float64:
		return hdf5.T_NATIVE_DOUBLE, nil
	case dtypes.Int32:
		return hdf5.T_NATIVE_INT32, nil
	case dtypes.Int64:
		return hdf5.T_NATIVE_INT64, nil
	}
	return nil, errors.Errorf("tensors of dtype %s are not supported in HDF5 checkpoints "+
		"-- supported dtypes are Float32, Float64, Int32 and Int64", dtype)
}

// dtypeForH5 maps an HDF5 datatype (class and size in bytes) back to a DType.
// Returns InvalidDType for datatypes outside the supported set.
func dtypeForH5(class hdf5.TypeClass, size uint) dtypes.DType {
	switch class {
	case hdf5.T_FLOAT:
		switch size {
		case 4:
			return dtypes.Float32
		case 8:
			return dtypes.Float64
		}
	case hdf5.T_INTEGER:
		switch size {
		case 4:
			return dtypes.Int32
		case 8:
			return dtypes.Int64
		}
	}
	return dtypes.InvalidDType
}

// flatPointer returns a pointer to the tensor's flat data in the form the hdf5 bindings
// expect: a pointer to the (single) element for scalars, a pointer to the flat slice
// otherwise.
func flatPointer(t *tensors.Tensor) any {
	flatV := reflect.ValueOf(t.Flat())
	if t.IsScalar() {
		return flatV.Index(0).Addr().Interface()
	}
	ptr := reflect.New(flatV.Type())
	ptr.Elem().Set(flatV)
	return ptr.Interface()
}

// writeDataset creates the dataset `name` under `g` and writes the tensor data into it.
func writeDataset(g *hdf5.CommonFG, name string, t *tensors.Tensor) (err error) {
	h5Type, err := h5TypeForDType(t.DType())
	if err != nil {
		return err
	}
	var dspace *hdf5.Dataspace
	if t.IsScalar() {
		dspace, err = hdf5.CreateDataspace(hdf5.S_SCALAR)
	} else {
		dims := make([]uint, t.Rank())
		for ii, dim := range t.Dimensions() {
			dims[ii] = uint(dim)
		}
		dspace, err = hdf5.CreateSimpleDataspace(dims, nil)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create dataspace for tensor %s", t)
	}
	defer func() { _ = dspace.Close() }()

	ds, err := g.CreateDataset(name, h5Type, dspace)
	if err != nil {
		return errors.Wrapf(err, "failed to create dataset %q", name)
	}
	defer func() {
		closeErr := ds.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close dataset %q", name)
		}
	}()
	if err = ds.Write(flatPointer(t)); err != nil {
		err = errors.Wrapf(err, "failed to write dataset %q", name)
	}
	return
}

// readDataset reads an HDF5 dataset back into a tensor. dsPath is only used in error
// messages.
func readDataset(ds *hdf5.Dataset, dsPath string) (t *tensors.Tensor, err error) {
	dt, err := ds.Datatype()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read datatype of dataset %q", dsPath)
	}
	defer func() { _ = dt.Close() }()
	dtype := dtypeForH5(dt.Class(), dt.Size())
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("dataset %q has an unsupported HDF5 datatype (class=%d, %d bytes) "+
			"-- supported dtypes are Float32, Float64, Int32 and Int64", dsPath, dt.Class(), dt.Size())
	}

	dspace := ds.Space()
	defer func() { _ = dspace.Close() }()
	h5Dims, _, err := dspace.SimpleExtentDims()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dimensions of dataset %q", dsPath)
	}
	dims := make([]int, len(h5Dims))
	for ii, dim := range h5Dims {
		dims[ii] = int(dim)
	}

	t = tensors.FromShape(dtype, dims...)
	if err = ds.Read(flatPointer(t)); err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset %q", dsPath)
	}
	return t, nil
}

// hasMember returns whether the group already has a member (group or dataset) with the
// given name.
func hasMember(g *hdf5.CommonFG, name string) (bool, error) {
	numObjects, err := g.NumObjects()
	if err != nil {
		return false, errors.Wrap(err, "failed to list group members")
	}
	for idx := uint(0); idx < numObjects; idx++ {
		memberName, err := g.ObjectNameByIndex(idx)
		if err != nil {
			return false, errors.Wrapf(err, "failed to read name of group member #%d", idx)
		}
		if memberName == name {
			return true, nil
		}
	}
	return false, nil
}

// openOrCreateGroup opens the sub-group `name` if it already exists (relevant when
// appending to an existing file), otherwise creates it.
func openOrCreateGroup(parent *hdf5.CommonFG, name string) (*hdf5.Group, error) {
	exists, err := hasMember(parent, name)
	if err != nil {
		return nil, err
	}
	if exists {
		g, err := parent.OpenGroup(name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open existing group %q", name)
		}
		return g, nil
	}
	g, err := parent.CreateGroup(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create group %q", name)
	}
	return g, nil
}
