// Package device chooses where the forward pass runs. Candidates are tried in
// preference order; an unavailable accelerator is skipped, not reported.
package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/samcharles93/halo/internal/logger"
)

type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
	Auto Kind = "auto"
)

var (
	// ErrUnavailable is returned by a probe whose device cannot be used here.
	ErrUnavailable = errors.New("device unavailable")
	// ErrUnknown is returned by Normalize for an unrecognised backend name.
	ErrUnknown = errors.New("unknown backend")
	// ErrNoDevice is returned when every candidate in the preference list failed.
	ErrNoDevice = errors.New("no usable device")
)

// Device is an initialised compute target.
type Device interface {
	Kind() Kind
	Name() string
	Threads() int
}

// Probe initialises a device of one kind.
type Probe func(ctx context.Context) (Device, error)

// Normalize maps a user-facing backend name to a Kind. Empty means Auto.
func Normalize(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	if k == "" {
		return Auto, nil
	}
	switch k {
	case CPU, CUDA, Auto:
		return k, nil
	default:
		return "", fmt.Errorf("%w %q (expected auto, cpu, or cuda)", ErrUnknown, name)
	}
}

// Preference expands a backend kind into an ordered candidate list.
func Preference(k Kind) []Kind {
	switch k {
	case CPU:
		return []Kind{CPU}
	case CUDA:
		return []Kind{CUDA}
	default:
		return []Kind{CUDA, CPU}
	}
}

// DefaultProbes returns the probes compiled into this binary.
func DefaultProbes() map[Kind]Probe {
	return map[Kind]Probe{
		CPU:  newCPU,
		CUDA: newCUDA,
	}
}

type Selector struct {
	Preference []Kind
	// Probes overrides DefaultProbes when non-nil.
	Probes map[Kind]Probe
	Logger logger.Logger
}

// NewSelector builds a Selector for a backend name such as "auto".
func NewSelector(backend string, log logger.Logger) (*Selector, error) {
	k, err := Normalize(backend)
	if err != nil {
		return nil, err
	}
	return &Selector{Preference: Preference(k), Logger: log}, nil
}

// Select returns the first candidate that initialises. Probe failures are
// logged at debug level; only the exhaustion of every candidate is an error.
func (s *Selector) Select(ctx context.Context) (Device, error) {
	probes := s.Probes
	if probes == nil {
		probes = DefaultProbes()
	}
	log := s.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	pref := s.Preference
	if len(pref) == 0 {
		pref = Preference(Auto)
	}

	var errs []error
	for _, k := range pref {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probe, ok := probes[k]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", k, ErrUnavailable))
			continue
		}
		dev, err := probe(ctx)
		if err != nil {
			log.Debug("device candidate skipped", "device", k, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		log.Debug("device selected", "device", dev.Name(), "threads", dev.Threads())
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoDevice, errors.Join(errs...))
}

// Available returns a comma-separated list of kinds whose probe succeeds.
func Available(ctx context.Context) string {
	var entries []string
	for _, k := range Preference(Auto) {
		if _, err := DefaultProbes()[k](ctx); err == nil {
			entries = append(entries, string(k))
		}
	}
	return strings.Join(entries, ",")
}

type cpuDevice struct{ threads int }

// CPUDevice returns the host CPU device without probing.
func CPUDevice() Device {
	d, _ := newCPU(context.Background())
	return d
}

func newCPU(context.Context) (Device, error) {
	return cpuDevice{threads: runtime.GOMAXPROCS(0)}, nil
}

func (d cpuDevice) Kind() Kind   { return CPU }
func (d cpuDevice) Name() string { return fmt.Sprintf("cpu/%s", runtime.GOARCH) }
func (d cpuDevice) Threads() int { return d.threads }
