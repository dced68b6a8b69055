package device

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/samcharles93/halo/internal/logger"
)

type fakeDevice struct{ kind Kind }

func (d fakeDevice) Kind() Kind   { return d.kind }
func (d fakeDevice) Name() string { return "fake-" + string(d.kind) }
func (d fakeDevice) Threads() int { return 1 }

func failing(context.Context) (Device, error) { return nil, ErrUnavailable }

func TestNormalize(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Kind{"": Auto, "auto": Auto, " CPU ": CPU, "cuda": CUDA} {
		got, err := Normalize(in)
		if err != nil || got != want {
			t.Errorf("Normalize(%q) = %q, %v want %q", in, got, err, want)
		}
	}
	if _, err := Normalize("metal"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestSelectFallsBackSilentlyToCPU(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := &Selector{
		Preference: Preference(Auto),
		Probes: map[Kind]Probe{
			CUDA: failing,
			CPU:  newCPU,
		},
		Logger: logger.JSON(&buf, slog.LevelInfo),
	}
	dev, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if dev.Kind() != CPU {
		t.Fatalf("expected cpu, got %s", dev.Kind())
	}
	if strings.Contains(buf.String(), "ERROR") || strings.Contains(buf.String(), "WARN") {
		t.Fatalf("fallback must not be reported as a failure: %s", buf.String())
	}
}

func TestSelectPrefersAccelerator(t *testing.T) {
	t.Parallel()

	var cpuCalled bool
	s := &Selector{
		Preference: []Kind{CUDA, CPU},
		Probes: map[Kind]Probe{
			CUDA: func(context.Context) (Device, error) { return fakeDevice{kind: CUDA}, nil },
			CPU: func(ctx context.Context) (Device, error) {
				cpuCalled = true
				return newCPU(ctx)
			},
		},
	}
	dev, err := s.Select(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dev.Kind() != CUDA || cpuCalled {
		t.Fatalf("got %s, cpu probed=%v", dev.Kind(), cpuCalled)
	}
}

func TestSelectExhausted(t *testing.T) {
	t.Parallel()

	s := &Selector{Preference: []Kind{CUDA}, Probes: map[Kind]Probe{CUDA: failing}}
	_, err := s.Select(context.Background())
	if !errors.Is(err, ErrNoDevice) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrNoDevice wrapping ErrUnavailable, got %v", err)
	}
}

func TestSelectHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Selector{Preference: []Kind{CPU}}
	if _, err := s.Select(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDefaultBuildAlwaysHasCPU(t *testing.T) {
	t.Parallel()

	s, err := NewSelector("auto", nil)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := s.Select(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dev.Kind() != CPU || dev.Threads() < 1 {
		t.Fatalf("unexpected device %s threads=%d", dev.Name(), dev.Threads())
	}
	if got := Available(context.Background()); got != "cpu" {
		t.Fatalf("Available() = %q", got)
	}
}
