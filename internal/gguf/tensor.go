package gguf

import (
	"fmt"
	"math"
)

// TensorByName returns the tensor info for the given name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// ReadTensorRaw returns the encoded bytes of a tensor. When the file is
// memory mapped the slice aliases the mapping and must not be modified or used
// after Close.
func (f *File) ReadTensorRaw(name string) ([]byte, TensorInfo, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	n, err := tensorElements(info.Dims)
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	size, err := ByteSize(info.Type, n)
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s (%s): %w", name, info.Type, err)
	}
	off := int64(f.DataOffset + info.Offset)

	if f.data != nil {
		if int64(len(f.data)) < off+int64(size) {
			return nil, info, fmt.Errorf("tensor %s: unexpected EOF (mmap)", name)
		}
		return f.data[off : off+int64(size)], info, nil
	}
	if f.fd == nil {
		return nil, info, fmt.Errorf("tensor %s: file is closed", name)
	}
	buf := make([]byte, size)
	if _, err := f.fd.ReadAt(buf, off); err != nil {
		return nil, info, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
}

// ReadTensorF32 loads a tensor by name and decodes it to float32.
// Supported types: F32, F16, BF16, Q8_0, Q4_K, Q6_K.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensorRaw(name)
	if err != nil {
		return nil, info, err
	}
	n, _ := tensorElements(info.Dims)
	out, err := Dequantize(info.Type, raw, n)
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

func tensorElements(dims []uint64) (int, error) {
	if len(dims) == 0 {
		return 0, fmt.Errorf("empty dims")
	}
	var n uint64 = 1
	for _, d := range dims {
		if d == 0 {
			return 0, fmt.Errorf("zero dimension")
		}
		if n > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	if n > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor too large")
	}
	return int(n), nil
}
