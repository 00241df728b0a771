// Package tensors implements a minimal multi-dimensional array ("tensor") used as the
// leaf values of checkpoint trees.
//
// A Tensor is a DType (see github.com/gomlx/gopjrt/dtypes), its dimensions and a flat
// slice of data in row-major (C) order. There is no device or graph support here, it is
// purely a host-memory value container.
package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is an immutable-shape, mutable-content multi-dimensional array.
// A rank-0 (no dimensions) Tensor is a scalar.
//
// The zero value is not valid: use one of the From* constructors.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int
	flat       any // Slice of dtype.GoType() with Size() elements, row-major.
}

// newTensor creates a Tensor of the given dtype and dimensions with zero-initialized data.
func newTensor(dtype dtypes.DType, dimensions []int) *Tensor {
	dims := make([]int, len(dimensions))
	copy(dims, dimensions)
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flatT := reflect.SliceOf(dtype.GoType())
	return &Tensor{
		dtype:      dtype,
		dimensions: dims,
		flat:       reflect.MakeSlice(flatT, size, size).Interface(),
	}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, filled with the
// flattened values in data. The data is copied, and the DType is inferred from T.
//
// It panics if len(data) doesn't match the size given by dimensions -- sizes are under
// the caller's control, a mismatch is a bug.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := newTensor(dtype, dimensions)
	if len(data) != t.Size() {
		panic(errors.Errorf("FromFlatDataAndDimensions(%s): data has %d elements, dimensions %v require %d",
			dtype, len(data), dimensions, t.Size()))
	}
	flatV := reflect.ValueOf(t.flat)
	elemT := flatV.Type().Elem()
	dataV := reflect.ValueOf(data)
	if dataV.Type().Elem() == elemT {
		reflect.Copy(flatV, dataV)
	} else {
		// E.g.: Go `int` is stored as the platform-dependent int32 or int64.
		for ii := 0; ii < len(data); ii++ {
			flatV.Index(ii).Set(dataV.Index(ii).Convert(elemT))
		}
	}
	return t
}

// FromScalar creates a rank-0 Tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromShape creates a Tensor of the given dtype and dimensions with zero-initialized
// data, to be filled through Flat or FlatData.
//
// It panics on an invalid dtype.
func FromShape(dtype dtypes.DType, dimensions ...int) *Tensor {
	if dtype == dtypes.InvalidDType {
		panic(errors.Errorf("FromShape: invalid dtype"))
	}
	return newTensor(dtype, dimensions)
}

// FromAnyValue converts a Go value to a Tensor: value must be a *Tensor (returned as is),
// a supported numeric scalar, or a regular (non-ragged) nested slice of one.
//
// It is the Go equivalent of casting arbitrary values with `numpy.array()` before writing
// them out: anything a checkpoint accepts as a leaf goes through here.
func FromAnyValue(value any) (*Tensor, error) {
	if t, ok := value.(*Tensor); ok {
		return t, nil
	}
	if value == nil {
		return nil, errors.Errorf("cannot convert nil to a tensor")
	}
	dims, baseT, err := valueShape(value)
	if err != nil {
		return nil, err
	}
	dtype := dtypes.FromGoType(baseT)
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("type %T is not supported as a tensor leaf", value)
	}
	t := newTensor(dtype, dims)
	flatV := reflect.ValueOf(t.flat)
	if _, err = copyNested(flatV, reflect.ValueOf(value), dims, 0); err != nil {
		return nil, errors.WithMessagef(err, "converting %T to a tensor", value)
	}
	return t, nil
}

// valueShape returns the dimensions and the base (element) type of a nested slice value.
// The dimensions are taken from the first element at each nesting level; regularity is
// checked later, during the copy.
func valueShape(value any) (dims []int, baseT reflect.Type, err error) {
	rv := reflect.ValueOf(value)
	rt := rv.Type()
	for rt.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			err = errors.Errorf("cannot convert value with an empty slice to a tensor: "+
				"zero-sized dimensions are not representable with nested Go slices (%T)", value)
			return
		}
		dims = append(dims, rv.Len())
		rv = rv.Index(0)
		rt = rt.Elem()
	}
	if rt.Kind() == reflect.Pointer {
		err = errors.Errorf("cannot convert pointer type %T to a tensor", value)
		return
	}
	baseT = rt
	return
}

// copyNested copies a nested slice into the flat storage starting at offset, checking that
// every sub-slice matches dims. It returns the offset after the copied elements.
func copyNested(flat reflect.Value, v reflect.Value, dims []int, offset int) (int, error) {
	if len(dims) == 0 {
		flat.Index(offset).Set(v.Convert(flat.Type().Elem()))
		return offset + 1, nil
	}
	if v.Len() != dims[0] {
		return 0, errors.Errorf("sub-slices have irregular lengths: found %d, expected %d", v.Len(), dims[0])
	}
	var err error
	for ii := 0; ii < dims[0]; ii++ {
		offset, err = copyNested(flat, v.Index(ii), dims[1:], offset)
		if err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dimensions returns a copy of the tensor dimensions. Empty for scalars.
func (t *Tensor) Dimensions() []int {
	dims := make([]int, len(t.dimensions))
	copy(dims, t.dimensions)
	return dims
}

// Rank of the tensor. Scalars have rank 0.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// IsScalar returns whether the tensor has rank 0.
func (t *Tensor) IsScalar() bool { return len(t.dimensions) == 0 }

// Size is the number of elements (1 for scalars).
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes used by the tensor data.
func (t *Tensor) Memory() uintptr {
	return uintptr(t.Size() * t.dtype.Size())
}

// Flat returns the underlying flat data slice (e.g. a []float32), in row-major order.
// It is not a copy: mutations are reflected in the tensor.
func (t *Tensor) Flat() any { return t.flat }

// FlatData returns the flat data slice of the tensor with its concrete type.
// It panics if T doesn't match the tensor's dtype.
func FlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		panic(errors.Errorf("FlatData[%T] called on tensor of dtype %s", *new(T), t.dtype))
	}
	return flat
}

// ToScalar returns the value of a rank-0 tensor.
// It panics if T doesn't match the tensor's dtype or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		panic(errors.Errorf("ToScalar called on non-scalar tensor %s", t))
	}
	return FlatData[T](t)[0]
}

// Value returns the tensor as a Go value: a scalar for rank-0 tensors, otherwise a
// multi-dimensional slice. The returned slices alias the tensor's flat data (the last
// axis is not copied).
func (t *Tensor) Value() any {
	flatV := reflect.ValueOf(t.flat)
	if t.IsScalar() {
		return flatV.Index(0).Interface()
	}
	if t.Rank() == 1 {
		return t.flat
	}
	resultT := flatV.Type().Elem()
	for range t.dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return nestedSlices(resultT, flatV, t.dimensions, t.strides()).Interface()
}

func (t *Tensor) strides() []int {
	strides := make([]int, len(t.dimensions))
	stride := 1
	for dim := len(t.dimensions) - 1; dim >= 0; dim-- {
		strides[dim] = stride
		stride *= t.dimensions[dim]
	}
	return strides
}

// nestedSlices recursively builds the multi-dimensional slice structure over the flat data.
func nestedSlices(resultT reflect.Type, data reflect.Value, dimensions, strides []int) reflect.Value {
	if len(dimensions) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(nestedSlices(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// Equal returns whether the two tensors have the same dtype, dimensions and element values.
//
// Slow implementation: fine for checkpoint-sized comparisons in tests and tools.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	if t.dtype != other.dtype || len(t.dimensions) != len(other.dimensions) {
		return false
	}
	for ii, dim := range t.dimensions {
		if other.dimensions[ii] != dim {
			return false
		}
	}
	flat0 := reflect.ValueOf(t.flat)
	flat1 := reflect.ValueOf(other.flat)
	for ii := 0; ii < flat0.Len(); ii++ {
		if !flat0.Index(ii).Equal(flat1.Index(ii)) {
			return false
		}
	}
	return true
}

// String returns a compact description of the tensor shape, e.g. "(Float32)[3 2]".
func (t *Tensor) String() string {
	if t.IsScalar() {
		return fmt.Sprintf("(%s)", t.dtype)
	}
	parts := make([]string, len(t.dimensions))
	for ii, dim := range t.dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", t.dtype, strings.Join(parts, " "))
}
