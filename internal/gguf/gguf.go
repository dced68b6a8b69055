package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	magicGGUF        = "GGUF"
	defaultAlignment = 32
)

var (
	ErrInvalidMagic       = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrUnsupportedType    = errors.New("gguf: unsupported tensor type")
	ErrTensorNotFound     = errors.New("gguf: tensor not found")
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypeNames = map[ValueType]string{
	TypeUint8:   "u8",
	TypeInt8:    "i8",
	TypeUint16:  "u16",
	TypeInt16:   "i16",
	TypeUint32:  "u32",
	TypeInt32:   "i32",
	TypeUint64:  "u64",
	TypeInt64:   "i64",
	TypeFloat32: "f32",
	TypeFloat64: "f64",
	TypeBool:    "bool",
	TypeString:  "string",
	TypeArray:   "array",
}

func (t ValueType) String() string {
	if s, ok := valueTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeQ4_0 TensorType = 2
	TypeQ4_1 TensorType = 3
	TypeQ5_0 TensorType = 6
	TypeQ5_1 TensorType = 7
	TypeQ8_0 TensorType = 8
	TypeQ8_1 TensorType = 9
	TypeQ2_K TensorType = 10
	TypeQ3_K TensorType = 11
	TypeQ4_K TensorType = 12
	TypeQ5_K TensorType = 13
	TypeQ6_K TensorType = 14
	TypeQ8_K TensorType = 15
	TypeBF16 TensorType = 30
)

var tensorTypeNames = map[TensorType]string{
	TypeF32:  "F32",
	TypeF16:  "F16",
	TypeQ4_0: "Q4_0",
	TypeQ4_1: "Q4_1",
	TypeQ5_0: "Q5_0",
	TypeQ5_1: "Q5_1",
	TypeQ8_0: "Q8_0",
	TypeQ8_1: "Q8_1",
	TypeQ2_K: "Q2_K",
	TypeQ3_K: "Q3_K",
	TypeQ4_K: "Q4_K",
	TypeQ5_K: "Q5_K",
	TypeQ6_K: "Q6_K",
	TypeQ8_K: "Q8_K",
	TypeBF16: "BF16",
}

func (t TensorType) String() string {
	if s, ok := tensorTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements returns the number of scalar values stored in the tensor.
func (t TensorInfo) Elements() (int, error) {
	return tensorElements(t.Dims)
}

// Options controls how a container is opened.
type Options struct {
	// Mmap maps the file read-only instead of reading tensors with ReadAt.
	Mmap bool
}

type File struct {
	Path       string
	Header     Header
	KV         map[string]Value
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
	Size       int64

	data   []byte // mmap data, nil when reading through fd
	fd     *os.File
	byName map[string]int
}

// Open parses and validates the GGUF container at path using mmap.
func Open(path string) (*File, error) {
	return OpenWith(path, Options{Mmap: true})
}

// OpenWith parses the container header, metadata and tensor table. On any
// error every resource acquired so far is released.
func OpenWith(path string, opts Options) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	if st.IsDir() {
		_ = fd.Close()
		return nil, fmt.Errorf("%s: is a directory", path)
	}
	size := st.Size()

	f := &File{Path: path, Size: size}
	var src io.Reader = fd
	if opts.Mmap && size > 0 {
		if b, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			f.data = b
			src = bytes.NewReader(b)
		}
	}
	if f.data != nil {
		_ = fd.Close()
	} else {
		f.fd = fd
	}

	if err := f.parse(newReader(src, size)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) parse(r *reader) error {
	magic, err := r.readN(4)
	if err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != magicGGUF {
		return fmt.Errorf("%w: %q", ErrInvalidMagic, string(magic))
	}
	version, err := r.readU32()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != 2 && version != 3 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	tensorCount, err := r.readU64()
	if err != nil {
		return fmt.Errorf("read tensor count: %w", err)
	}
	kvCount, err := r.readU64()
	if err != nil {
		return fmt.Errorf("read kv count: %w", err)
	}
	// Every kv entry and tensor record needs at least 8 bytes; reject counts
	// that cannot possibly fit before allocating for them.
	if f.Size > 0 && (kvCount > uint64(f.Size)/8 || tensorCount > uint64(f.Size)/8) {
		return fmt.Errorf("gguf: implausible counts (tensors=%d kv=%d)", tensorCount, kvCount)
	}
	f.Header = Header{Version: version, TensorCount: tensorCount, KVCount: kvCount}

	f.KV = make(map[string]Value, kvCount)
	for i := range kvCount {
		key, err := r.readString()
		if err != nil {
			return fmt.Errorf("read key %d: %w", i, err)
		}
		vt, err := r.readU32()
		if err != nil {
			return fmt.Errorf("read value type for %s: %w", key, err)
		}
		val, err := readValue(r, ValueType(vt))
		if err != nil {
			return fmt.Errorf("read value for %s: %w", key, err)
		}
		f.KV[key] = Value{Type: ValueType(vt), Value: val}
	}

	f.Tensors = make([]TensorInfo, 0, tensorCount)
	f.byName = make(map[string]int, tensorCount)
	for i := range tensorCount {
		info, err := readTensorInfo(r)
		if err != nil {
			return fmt.Errorf("read tensor %d: %w", i, err)
		}
		if _, dup := f.byName[info.Name]; dup {
			return fmt.Errorf("gguf: duplicate tensor %q", info.Name)
		}
		f.byName[info.Name] = len(f.Tensors)
		f.Tensors = append(f.Tensors, info)
	}

	f.Alignment = defaultAlignment
	if u, ok := GetUint64(f.KV, "general.alignment"); ok {
		if u == 0 || u&(u-1) != 0 {
			return fmt.Errorf("gguf: invalid alignment %d", u)
		}
		f.Alignment = u
	}
	f.DataOffset = align(uint64(r.off), f.Alignment)

	for _, t := range f.Tensors {
		if err := f.checkBounds(t); err != nil {
			return err
		}
	}
	return nil
}

func readTensorInfo(r *reader) (TensorInfo, error) {
	name, err := r.readString()
	if err != nil {
		return TensorInfo{}, err
	}
	nDim, err := r.readU32()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%s: dims: %w", name, err)
	}
	if nDim == 0 || nDim > 4 {
		return TensorInfo{}, fmt.Errorf("%s: invalid rank %d", name, nDim)
	}
	dims := make([]uint64, nDim)
	for d := range nDim {
		if dims[d], err = r.readU64(); err != nil {
			return TensorInfo{}, fmt.Errorf("%s[%d]: %w", name, d, err)
		}
	}
	tt, err := r.readU32()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%s: type: %w", name, err)
	}
	offset, err := r.readU64()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%s: offset: %w", name, err)
	}
	return TensorInfo{Name: name, Dims: dims, Type: TensorType(tt), Offset: offset}, nil
}

// checkBounds verifies the tensor's data region lies inside the file.
// Tensors of a type this package cannot size are left for ReadTensorF32 to reject.
func (f *File) checkBounds(t TensorInfo) error {
	n, err := tensorElements(t.Dims)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	size, err := ByteSize(t.Type, n)
	if errors.Is(err, ErrUnsupportedType) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	end := f.DataOffset + t.Offset + uint64(size)
	if f.Size > 0 && end > uint64(f.Size) {
		return fmt.Errorf("tensor %s: data [%d,%d) beyond file size %d", t.Name, f.DataOffset+t.Offset, end, f.Size)
	}
	return nil
}

// Close unmaps or closes the underlying file. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	if f.data != nil {
		errs = append(errs, unix.Munmap(f.data))
		f.data = nil
	}
	if f.fd != nil {
		errs = append(errs, f.fd.Close())
		f.fd = nil
	}
	return errors.Join(errs...)
}

// Mapped reports whether tensor data is served from a memory map.
func (f *File) Mapped() bool { return f.data != nil }

// Architecture returns general.architecture, or "" when absent.
func (f *File) Architecture() string {
	s, _ := GetString(f.KV, "general.architecture")
	return s
}

// maxArrayPrealloc bounds the slice reserved up front for an array whose
// length cannot be checked against the file size.
const maxArrayPrealloc = 1 << 16

func readValue(r *reader, vtype ValueType) (any, error) {
	if read, ok := scalarReaders[vtype]; ok {
		return read(r)
	}
	if vtype != TypeArray {
		return nil, fmt.Errorf("unsupported value type %d", uint32(vtype))
	}
	et, err := r.readU32()
	if err != nil {
		return nil, err
	}
	elemType := ValueType(et)
	read, ok := scalarReaders[elemType]
	if !ok {
		return nil, fmt.Errorf("unsupported array element type %s", elemType)
	}
	count, err := r.readU64()
	if err != nil {
		return nil, err
	}
	if r.size > 0 && count > uint64(r.remaining())/minWidth[elemType] {
		return nil, fmt.Errorf("array length too large: %d %s values in %d bytes", count, elemType, r.remaining())
	}
	values := make([]any, 0, min(count, maxArrayPrealloc))
	for range count {
		v, err := read(r)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return ArrayValue{ElemType: elemType, Values: values}, nil
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	if rem := offset % alignment; rem != 0 {
		return offset + (alignment - rem)
	}
	return offset
}
