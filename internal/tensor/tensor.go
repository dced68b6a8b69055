package tensor

import (
	"errors"
	"fmt"
)

// ErrShape reports a tensor whose shape does not fit the requested operation.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New checks that data holds exactly prod(shape) values.
func New(data []float32, shape ...int) (Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		n *= d
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: %v needs %d values, got %d", ErrShape, shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t Tensor) Rank() int { return len(t.Shape) }

// Squeeze drops a leading dimension of size 1.
func (t Tensor) Squeeze() (Tensor, bool) {
	if len(t.Shape) < 2 || t.Shape[0] != 1 {
		return t, false
	}
	return Tensor{Shape: t.Shape[1:], Data: t.Data}, true
}

// Row returns the i-th slice along the first axis of a rank-2 tensor.
func (t Tensor) Row(i int) ([]float32, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: row of rank-%d tensor", ErrShape, len(t.Shape))
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("%w: row %d of %d", ErrShape, i, t.Shape[0])
	}
	w := t.Shape[1]
	return t.Data[i*w : (i+1)*w], nil
}

// LastPosition reduces a model output to the score vector of the final input
// position. Accepted shapes are [vocab], [1, vocab], [seq, vocab] and
// [1, seq, vocab]: a batch dimension of size 1 is removed, then a remaining
// sequence dimension is indexed at its last entry. The result aliases t.Data.
func LastPosition(t Tensor) ([]float32, error) {
	if len(t.Shape) == 3 {
		sq, ok := t.Squeeze()
		if !ok {
			return nil, fmt.Errorf("%w: batch size %d is not supported", ErrShape, t.Shape[0])
		}
		t = sq
	}
	switch len(t.Shape) {
	case 1:
	case 2:
		if t.Shape[0] == 0 {
			return nil, fmt.Errorf("%w: empty sequence", ErrShape)
		}
		row, err := t.Row(t.Shape[0] - 1)
		if err != nil {
			return nil, err
		}
		t = Tensor{Shape: []int{len(row)}, Data: row}
	default:
		return nil, fmt.Errorf("%w: cannot reduce rank-%d output", ErrShape, len(t.Shape))
	}
	if len(t.Data) == 0 || len(t.Data) != t.Shape[0] {
		return nil, fmt.Errorf("%w: empty or inconsistent score vector", ErrShape)
	}
	return t.Data, nil
}
