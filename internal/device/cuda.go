package device

import (
	"context"
	"fmt"
)

// newCUDA reports the accelerator slot as unavailable: no GPU kernels are
// linked into the pure-Go runtime.
func newCUDA(context.Context) (Device, error) {
	return nil, fmt.Errorf("cuda kernels are not linked into this binary: %w", ErrUnavailable)
}
