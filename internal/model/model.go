// Package model runs a llama-family decoder stored in a GGUF container on
// the CPU. A Handle owns one sequence: its KV cache advances with every
// Forward call and is never shared between requests.
package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/halo/internal/device"
)

var (
	// ErrConfiguration marks options that cannot be honoured on the selected device.
	ErrConfiguration = errors.New("model: invalid configuration")
	// ErrUnsupportedArch is returned for a general.architecture this package does not run.
	ErrUnsupportedArch = errors.New("model: unsupported architecture")
	ErrMissingTensor   = errors.New("model: missing tensor")
	ErrBadShape        = errors.New("model: tensor shape mismatch")

	ErrEmptyInput      = errors.New("model: no input tokens")
	ErrPosition        = errors.New("model: position does not match cache")
	ErrTokenRange      = errors.New("model: token id out of range")
	ErrContextExceeded = errors.New("model: context window exceeded")
	ErrNonFinite       = errors.New("model: non-finite logits")
	// ErrPoisoned is returned after a forward pass panicked and left the cache undefined.
	ErrPoisoned = errors.New("model: handle unusable after failed forward")
	ErrClosed   = errors.New("model: handle closed")
)

// DefaultMaxContext caps the window when Options.MaxContext is zero.
const DefaultMaxContext = 4096

// Options tune how a model is opened.
type Options struct {
	// MaxContext caps the KV cache length. Zero uses the model's
	// context_length, capped at DefaultMaxContext.
	MaxContext int
	// UseMmap maps the container instead of reading it through the file descriptor.
	UseMmap bool
	// GPULayers requests accelerator offload. Only valid on a CUDA device.
	GPULayers int
}

// Validate rejects option combinations the device cannot serve.
func (o Options) Validate(dev device.Device) error {
	if o.MaxContext < 0 {
		return fmt.Errorf("%w: max context %d", ErrConfiguration, o.MaxContext)
	}
	if o.GPULayers < 0 {
		return fmt.Errorf("%w: gpu layers %d", ErrConfiguration, o.GPULayers)
	}
	if o.GPULayers > 0 && (dev == nil || dev.Kind() != device.CUDA) {
		name := "none"
		if dev != nil {
			name = string(dev.Kind())
		}
		return fmt.Errorf("%w: %d gpu layers requested on %s device", ErrConfiguration, o.GPULayers, name)
	}
	return nil
}
