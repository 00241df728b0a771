// Package numpy reads and writes tensors in Python NumPy's npy and npz file formats.
//
// npz archives map naturally to flattened checkpoint trees: each member is one tensor,
// named by its "/"-joined path in the tree. See h5ckpt.Tree.Flatten and h5ckpt.Unflatten.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/h5ckpt/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	npyMagic = "\x93NUMPY"

	// maxNpyHeaderLen bounds the header allocation; real headers are well under 1 KiB.
	maxNpyHeaderLen = 1 << 20
)

// FromNpyFile reads a .npy file and returns the tensor stored in it.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a tensor in .npy format from an io.Reader.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy magic string")
	}
	if string(magic) != npyMagic {
		return nil, errors.Errorf("invalid .npy file: magic string mismatch")
	}
	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy version")
	}

	var headerLen uint32
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read .npy header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read .npy header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes)
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}
	if headerLen > maxNpyHeaderLen {
		return nil, errors.Errorf("invalid .npy file: header length %d exceeds the maximum of %d bytes",
			headerLen, maxNpyHeaderLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(descr, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", descr)
	}
	dtype, err := dtypeForDescr(descr)
	if err != nil {
		return nil, err
	}

	// The header's shape is untrusted: reject negative dimensions and element counts that
	// overflow before anything is allocated from them.
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			return nil, errors.Errorf("invalid negative dimension %d in .npy shape %v", dim, dims)
		}
		if dim > 0 && size > math.MaxInt/dim {
			return nil, errors.Errorf(".npy shape %v is too large", dims)
		}
		size *= dim
	}
	if dtype.Size() > 0 && size > math.MaxInt/dtype.Size() {
		return nil, errors.Errorf(".npy shape %v of dtype %s is too large", dims, dtype)
	}
	byteSize := int64(size * dtype.Size())

	// The data is buffered before the tensor is allocated, so allocations are bounded by
	// the actual input rather than by the header's claimed shape.
	var dataBuf bytes.Buffer
	if _, err = io.CopyN(&dataBuf, r, byteSize); err != nil {
		return nil, errors.Wrapf(err, ".npy data truncated: shape %v of dtype %s requires %d bytes",
			dims, dtype, byteSize)
	}

	t := tensors.FromShape(dtype, dims...)
	if !fortranOrder || t.Rank() <= 1 {
		// Row-major (C) order, same layout as the tensor: read straight into it.
		if err = binary.Read(&dataBuf, binary.LittleEndian, flatPointer(t)); err != nil {
			return nil, errors.Wrapf(err, "failed to read tensor data (%s)", t)
		}
		return t, nil
	}

	// Column-major (Fortran) order: read into a scratch tensor and transpose element by
	// element into the C-order layout.
	scratch := tensors.FromShape(dtype, t.Size())
	if err = binary.Read(&dataBuf, binary.LittleEndian, flatPointer(scratch)); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (%s)", t)
	}
	fortranToCLayout(reflect.ValueOf(t.Flat()), reflect.ValueOf(scratch.Flat()), dims)
	return t, nil
}

// fortranToCLayout copies the column-major flat data in src into dst in row-major order.
func fortranToCLayout(dst, src reflect.Value, dims []int) {
	coordinates := make([]int, len(dims))
	fortranStrides := make([]int, len(dims))
	stride := 1
	for axis, dim := range dims {
		fortranStrides[axis] = stride
		stride *= dim
	}
	for cIdx := 0; cIdx < dst.Len(); cIdx++ {
		tmp := cIdx
		for axis := len(dims) - 1; axis >= 0; axis-- {
			coordinates[axis] = tmp % dims[axis]
			tmp /= dims[axis]
		}
		fortranIdx := 0
		for axis, coord := range coordinates {
			fortranIdx += coord * fortranStrides[axis]
		}
		dst.Index(cIdx).Set(src.Index(fortranIdx))
	}
}

var (
	regexpNpyDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	regexpNpyFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	regexpNpyShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts descr, shape and fortran_order from the .npy header dict.
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	matches := regexpNpyDescr.FindStringSubmatch(header)
	if len(matches) != 2 {
		err = errors.Errorf("could not find 'descr' in .npy header %q", header)
		return
	}
	descr = matches[1]

	matches = regexpNpyFortran.FindStringSubmatch(header)
	if len(matches) != 2 {
		err = errors.Errorf("could not find 'fortran_order' in .npy header %q", header)
		return
	}
	fortranOrder = matches[1] == "True"

	matches = regexpNpyShape.FindStringSubmatch(header)
	if len(matches) != 2 {
		err = errors.Errorf("could not find 'shape' in .npy header %q", header)
		return
	}
	for _, part := range strings.Split(matches[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Scalars are "()" and 1D shapes have a trailing comma like "(10,)".
			continue
		}
		dim, numErr := strconv.Atoi(part)
		if numErr != nil {
			err = errors.Wrapf(numErr, "invalid dimension %q in .npy header", part)
			return
		}
		dims = append(dims, dim)
	}
	return
}

// dtypeForDescr maps a NumPy dtype description (sans byte-order prefix) to a DType.
func dtypeForDescr(descr string) (dtypes.DType, error) {
	switch {
	case descr == "|b1" || descr == "?" || descr == "b1":
		return dtypes.Bool, nil
	case strings.HasSuffix(descr, "i1"):
		return dtypes.Int8, nil
	case strings.HasSuffix(descr, "u1"):
		return dtypes.Uint8, nil
	case strings.HasSuffix(descr, "i2"):
		return dtypes.Int16, nil
	case strings.HasSuffix(descr, "u2"):
		return dtypes.Uint16, nil
	case strings.HasSuffix(descr, "i4"):
		return dtypes.Int32, nil
	case strings.HasSuffix(descr, "u4"):
		return dtypes.Uint32, nil
	case strings.HasSuffix(descr, "i8"):
		return dtypes.Int64, nil
	case strings.HasSuffix(descr, "u8"):
		return dtypes.Uint64, nil
	case strings.HasSuffix(descr, "f2"):
		return dtypes.Float16, nil
	case strings.HasSuffix(descr, "f4"):
		return dtypes.Float32, nil
	case strings.HasSuffix(descr, "f8"):
		return dtypes.Float64, nil
	case strings.HasSuffix(descr, "c8"):
		return dtypes.Complex64, nil
	case strings.HasSuffix(descr, "c16"):
		return dtypes.Complex128, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype %q", descr)
}

// descrForDType maps a DType to a NumPy dtype description, little-endian for multi-byte
// types.
func descrForDType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "|b1", nil
	case dtypes.Int8:
		return "<i1", nil
	case dtypes.Uint8:
		return "<u1", nil
	case dtypes.Int16:
		return "<i2", nil
	case dtypes.Uint16:
		return "<u2", nil
	case dtypes.Int32:
		return "<i4", nil
	case dtypes.Uint32:
		return "<u4", nil
	case dtypes.Int64:
		return "<i8", nil
	case dtypes.Uint64:
		return "<u8", nil
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	case dtypes.Complex64:
		return "<c8", nil
	case dtypes.Complex128:
		return "<c16", nil
	}
	return "", errors.Errorf("dtype %s has no NumPy equivalent", dtype)
}

// ToNpyWriter serializes a tensor to w in .npy format (version 1.0, C order,
// little-endian).
func ToNpyWriter(t *tensors.Tensor, w io.Writer) error {
	descr, err := descrForDType(t.DType())
	if err != nil {
		return err
	}

	dims := t.Dimensions()
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		parts := make([]string, len(dims))
		for ii, dim := range dims {
			parts[ii] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(parts, ", "))
	}

	var headerBuf bytes.Buffer
	headerBuf.WriteString(fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }",
		descr, shapeTuple))
	// Preamble (magic + version + header length) is 10 bytes for v1.0; the header is
	// padded with spaces plus a final newline so the data starts at a multiple of 16.
	for (10+headerBuf.Len()+1)%16 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')

	if _, err = w.Write([]byte(npyMagic)); err != nil {
		return errors.Wrapf(err, "failed to write .npy magic string")
	}
	if _, err = w.Write([]byte{1, 0}); err != nil {
		return errors.Wrapf(err, "failed to write .npy version")
	}
	headerLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(headerLen, uint16(headerBuf.Len()))
	if _, err = w.Write(headerLen); err != nil {
		return errors.Wrapf(err, "failed to write .npy header length")
	}
	if _, err = w.Write(headerBuf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}
	if err = binary.Write(w, binary.LittleEndian, t.Flat()); err != nil {
		return errors.Wrapf(err, "failed to write tensor data (%s)", t)
	}
	return nil
}

// ToNpyFile serializes a tensor to a .npy file.
func ToNpyFile(t *tensors.Tensor, filePath string) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close .npy file %q", filePath)
		}
	}()
	return ToNpyWriter(t, file)
}

// FromNpzFile reads a .npz file and returns the tensors keyed by member name (the .npy
// extension is stripped).
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz archive (a zip of .npy members) from an io.ReaderAt.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read .npz archive")
	}
	results := make(map[string]*tensors.Tensor, len(zipReader.File))
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path %q in .npz archive", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			klog.V(1).Infof("skipping non-npy member %q of .npz archive", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz archive", f.Name)
		}
		t, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz archive", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = t
	}
	return results, nil
}

// ToNpzWriter serializes the tensors to w as a .npz archive, one .npy member per tensor,
// in sorted name order so the output is deterministic.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for _, name := range slices.Sorted(maps.Keys(tensorsMap)) {
		t := tensorsMap[name]
		memberWriter, err := zipWriter.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", name+".npy")
		}
		if err = ToNpyWriter(t, memberWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return errors.Wrapf(err, "failed to close .npz archive")
	}
	return nil
}

// ToNpzFile serializes the tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close .npz file %q", filePath)
		}
	}()
	return ToNpzWriter(tensorsMap, file)
}

// flatPointer returns a pointer to the tensor's flat slice, as encoding/binary expects.
func flatPointer(t *tensors.Tensor) any {
	flatV := reflect.ValueOf(t.Flat())
	ptr := reflect.New(flatV.Type())
	ptr.Elem().Set(flatV)
	return ptr.Interface()
}
