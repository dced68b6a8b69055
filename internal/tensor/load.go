package tensor

import (
	"fmt"

	"github.com/samcharles93/halo/internal/gguf"
)

// LoadGGUFMat loads a 2D matrix from a GGUF file. GGUF lists dimensions
// fastest-varying first, so dims[0] is the column count. Quantized and half
// precision tensors keep their encoded bytes; with a mapped file they alias
// the mapping and are only valid until the file is closed.
func LoadGGUFMat(f *gguf.File, name string) (*Mat, error) {
	raw, info, err := f.ReadTensorRaw(name)
	if err != nil {
		return nil, err
	}
	if len(info.Dims) != 2 {
		return nil, fmt.Errorf("%s: expected 2D tensor, got %dD", name, len(info.Dims))
	}
	m, err := NewMatFromRaw(int(info.Dims[1]), int(info.Dims[0]), info.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &m, nil
}

// LoadGGUFVec loads a 1D vector from a GGUF file.
func LoadGGUFVec(f *gguf.File, name string) ([]float32, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Dims) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor, got %dD", name, len(info.Dims))
	}
	return data, nil
}
