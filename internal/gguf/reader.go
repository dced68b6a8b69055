package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// reader decodes little-endian GGUF primitives and tracks the byte offset so
// the tensor data section can be located after the header.
type reader struct {
	r    *bufio.Reader
	off  int64
	size int64
	buf  [8]byte
}

func newReader(rd io.Reader, size int64) *reader {
	return &reader{r: bufio.NewReader(rd), size: size}
}

func (r *reader) remaining() int64 { return r.size - r.off }

// next reads n bytes into dst, or into the scratch buffer when dst is nil.
func (r *reader) next(n int, dst []byte) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length %d", n)
	}
	if r.size > 0 && int64(n) > r.remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	if dst == nil {
		dst = r.buf[:n]
	}
	if _, err := io.ReadFull(r.r, dst[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	r.off += int64(n)
	return dst[:n], nil
}

func (r *reader) readN(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length %d", n)
	}
	return r.next(n, make([]byte, n))
}

type scalar interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func readScalar[T scalar](r *reader) (T, error) {
	var v T
	b, err := r.next(binary.Size(v), nil)
	if err != nil {
		return v, err
	}
	_, err = binary.Decode(b, binary.LittleEndian, &v)
	return v, err
}

func (r *reader) readU32() (uint32, error) { return readScalar[uint32](r) }
func (r *reader) readU64() (uint64, error) { return readScalar[uint64](r) }

func (r *reader) readString() (string, error) {
	n, err := r.readU64()
	if err != nil || n == 0 {
		return "", err
	}
	if r.size > 0 && n > uint64(r.remaining()) {
		return "", fmt.Errorf("string length too large: %d", n)
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scalarReaders decode the fixed-width metadata value types.
var scalarReaders = map[ValueType]func(*reader) (any, error){
	TypeUint8:   boxed(readScalar[uint8]),
	TypeInt8:    boxed(readScalar[int8]),
	TypeUint16:  boxed(readScalar[uint16]),
	TypeInt16:   boxed(readScalar[int16]),
	TypeUint32:  boxed(readScalar[uint32]),
	TypeInt32:   boxed(readScalar[int32]),
	TypeUint64:  boxed(readScalar[uint64]),
	TypeInt64:   boxed(readScalar[int64]),
	TypeFloat32: boxed(readScalar[float32]),
	TypeFloat64: boxed(readScalar[float64]),
	TypeBool: func(r *reader) (any, error) {
		v, err := readScalar[uint8](r)
		return v != 0, err
	},
	TypeString: func(r *reader) (any, error) { return r.readString() },
}

// minWidth is the smallest encoding of one value of each type. A string is
// at least its 8 byte length prefix.
var minWidth = map[ValueType]uint64{
	TypeUint8: 1, TypeInt8: 1, TypeBool: 1,
	TypeUint16: 2, TypeInt16: 2,
	TypeUint32: 4, TypeInt32: 4, TypeFloat32: 4,
	TypeUint64: 8, TypeInt64: 8, TypeFloat64: 8,
	TypeString: 8,
}

func boxed[T any](fn func(*reader) (T, error)) func(*reader) (any, error) {
	return func(r *reader) (any, error) {
		v, err := fn(r)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}
