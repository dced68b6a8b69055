package tensor

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/halo/internal/gguf"
)

// Mat represents a dense row‑major matrix.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).
//
// F32 matrices keep their values in Data. Every other encoding keeps the
// container's rows in Raw and decodes them on use, so quantized weights stay
// at their on-disk size.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out‑of‑range indices will panic.
type Mat struct {
	R, C   int
	Stride int

	Type gguf.TensorType
	Data []float32
	Raw  []byte

	rowBytes int
}

var (
	errNegativeDim      = errors.New("negative dimension for matrix")
	errDataSizeMismatch = errors.New("data length mismatch")
	errRawSizeMismatch  = errors.New("raw data length mismatch")
)

// NewMat allocates a new zeroed matrix with the given number of rows and columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(errNegativeDim)
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing row-major data. len(data) must equal r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// NewMatFromRaw wraps r rows of c values encoded as t. The slice is
// retained, not copied. F32 input is decoded into Data.
func NewMatFromRaw(r, c int, t gguf.TensorType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	rowBytes, err := gguf.ByteSize(t, c)
	if err != nil {
		return Mat{}, fmt.Errorf("%s matrix with %d columns: %w", t, c, err)
	}
	if len(raw) != r*rowBytes {
		return Mat{}, fmt.Errorf("%w: %d bytes for %dx%d %s", errRawSizeMismatch, len(raw), r, c, t)
	}
	if t == gguf.TypeF32 {
		data, err := gguf.Dequantize(t, raw, r*c)
		if err != nil {
			return Mat{}, err
		}
		return NewMatFromData(r, c, data)
	}
	return Mat{R: r, C: c, Stride: c, Type: t, Raw: raw, rowBytes: rowBytes}, nil
}

// Encoded reports whether the matrix holds encoded rows rather than float32 values.
func (m *Mat) Encoded() bool { return m.Raw != nil }

// Row returns the i‑th row. For F32 matrices the slice is a view and
// modifications update the matrix; encoded rows are decoded into a new slice.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if !m.Encoded() {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	if !m.Encoded() {
		start := i * m.Stride
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	off := i * m.rowBytes
	if err := gguf.DequantizeInto(m.Type, dst[:m.C], m.Raw[off:off+m.rowBytes]); err != nil {
		panic(err)
	}
}

// General returns the blas32 view of rows [rs, re). Only valid for F32 matrices.
func (m *Mat) General(rs, re int) blas32.General {
	return blas32.General{
		Rows:   re - rs,
		Cols:   m.C,
		Stride: m.Stride,
		Data:   m.Data[rs*m.Stride:],
	}
}

// FillRand fills the matrix with reproducible pseudo‑random values in a small
// range around zero.
func FillRand(m *Mat, seed int64) {
	if m.Encoded() {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
